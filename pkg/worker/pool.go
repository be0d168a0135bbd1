package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	pkgerrors "github.com/cutoverd/cutover/pkg/errors"
	"github.com/cutoverd/cutover/pkg/metrics"
	"github.com/cutoverd/cutover/pkg/models"
)

const (
	// maxRetries is the maximum number of requeues for transient errors
	maxRetries = 3
)

// Runner drives a registered attempt to a terminal state. Satisfied by
// *orchestrator.Orchestrator.
type Runner interface {
	Run(ctx context.Context, attemptID uint) (*models.DeploymentAttempt, error)
}

// Pool manages a pool of deploy workers.
type Pool struct {
	queue      *Queue
	runner     Runner
	logger     *zap.SugaredLogger
	numWorkers int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// PoolConfig holds configuration for the worker pool.
type PoolConfig struct {
	NumWorkers int
	Queue      *Queue
	Runner     Runner
	Logger     *zap.SugaredLogger
}

// NewPool creates a new worker pool.
func NewPool(cfg PoolConfig) *Pool {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 4 // default
	}

	return &Pool{
		queue:      cfg.Queue,
		runner:     cfg.Runner,
		logger:     cfg.Logger,
		numWorkers: numWorkers,
	}
}

// Start launches the worker pool.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Infof("Starting worker pool with %d workers", p.numWorkers)

	for i := 0; i < p.numWorkers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}
}

// Stop gracefully shuts down the worker pool.
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// runWorker is the main loop for a single worker.
func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	p.logger.Infof("Worker %s started", workerID)

	for {
		select {
		case <-ctx.Done():
			p.logger.Infof("Worker %s shutting down", workerID)
			return
		default:
		}

		// Try to get a job (Dequeue has 1s internal timeout)
		job, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Infof("Worker %s shutting down", workerID)
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// No job available, loop again to check context
				continue
			}
			p.logger.Errorf("Worker %s failed to dequeue: %v", workerID, err)
			time.Sleep(1 * time.Second) // Back off on error
			continue
		}

		metrics.JobQueueWaitSeconds.WithLabelValues(string(job.Type)).Observe(time.Since(job.CreatedAt).Seconds())
		p.processJob(ctx, workerID, job)
	}
}

// processJob handles a single job.
func (p *Pool) processJob(ctx context.Context, workerID string, job *Job) {
	p.logger.Infof("Worker %s processing job: %s (attempt %d)", workerID, job.ID, job.Retries+1)

	if job.Type != JobTypeDeploy {
		p.logger.Errorf("Unknown job type: %s", job.Type)
		_ = p.queue.Fail(ctx, workerID, job)
		return
	}

	attempt, err := p.runner.Run(ctx, job.AttemptID)
	if err != nil && attempt == nil {
		// The attempt record itself could not be loaded; nothing was mutated,
		// so a transient infrastructure error is safe to requeue.
		if isErr, errPattern := pkgerrors.IsTransientErrorMsg(err); isErr && job.Retries < maxRetries {
			p.logger.Warnf("Worker %s: transient error %s for job %s, requeueing: %v", workerID, errPattern, job.ID, err)
			metrics.JobRetriesTotal.WithLabelValues(job.Environment, string(job.Type)).Inc()
			backoff := time.Duration(job.Retries+1) * 2 * time.Second
			time.Sleep(backoff)
			if requeueErr := p.queue.Requeue(ctx, workerID, job); requeueErr != nil {
				p.logger.Errorf("Failed to requeue job %s: %v", job.ID, requeueErr)
			}
			return
		}

		p.logger.Errorf("Worker %s: job %s failed permanently: %v", workerID, job.ID, err)
		_ = p.queue.Fail(ctx, workerID, job)
		return
	}

	// The orchestrator recorded the terminal state and outcome on the attempt
	// row; the job is done either way.
	if err != nil {
		p.logger.Warnf("Worker %s: attempt %d ended %s: %v", workerID, job.AttemptID, attempt.Outcome, err)
	} else {
		p.logger.Infof("Worker %s: attempt %d ended %s", workerID, job.AttemptID, attempt.Outcome)
	}

	if err := p.queue.Complete(ctx, workerID, job); err != nil {
		p.logger.Errorf("Failed to mark job %s as complete: %v", job.ID, err)
	}
}
