package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"k8s.io/utils/keymutex"

	"github.com/cutoverd/cutover/internal/environment"
	"github.com/cutoverd/cutover/internal/probe"
	"github.com/cutoverd/cutover/internal/registry"
	"github.com/cutoverd/cutover/internal/retry"
	"github.com/cutoverd/cutover/internal/runtime"
	"github.com/cutoverd/cutover/pkg/config"
	"github.com/cutoverd/cutover/pkg/metrics"
	"github.com/cutoverd/cutover/pkg/models"
)

// Release is the unit of deployment: which artifact goes to which environment,
// and how. Releases are supplied by the caller and never mutated here.
type Release struct {
	Environment string
	ArtifactRef string
	Strategy    runtime.Strategy
}

// Orchestrator drives one release at a time per environment through
// validation, backup, deploy, health verification, cutover, and
// rollback-on-failure. Each attempt is strictly sequential; attempts against
// different environments may run concurrently.
type Orchestrator struct {
	db         *gorm.DB
	envs       environment.Indexer
	source     registry.Source
	controller runtime.Controller
	prober     probe.Prober
	confProv   config.Provider
	checks     []Check
	policy     retry.Policy
	kmu        keymutex.KeyMutex
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	cancels map[uint]context.CancelFunc
}

// Opts holds the dependencies needed to construct an Orchestrator.
type Opts struct {
	DB             *gorm.DB
	Environments   environment.Indexer
	Source         registry.Source
	Controller     runtime.Controller
	Prober         probe.Prober
	ConfigProvider config.Provider
	Checks         []Check
	HealthPolicy   retry.Policy
	KeyMutex       keymutex.KeyMutex
	Logger         *zap.SugaredLogger
}

// New creates an Orchestrator from explicitly provided dependencies.
// Mandatory dependencies are DB, Environments, Source, Controller, Prober,
// and ConfigProvider. KeyMutex defaults to a hashed key mutex and Logger to
// the global sugared logger.
func New(opts Opts) *Orchestrator {
	kmu := opts.KeyMutex
	if kmu == nil {
		kmu = keymutex.NewHashed(20)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.S()
	}
	return &Orchestrator{
		db:         opts.DB,
		envs:       opts.Environments,
		source:     opts.Source,
		controller: opts.Controller,
		prober:     opts.Prober,
		confProv:   opts.ConfigProvider,
		checks:     opts.Checks,
		policy:     opts.HealthPolicy,
		kmu:        kmu,
		logger:     logger,
		cancels:    make(map[uint]context.CancelFunc),
	}
}

// Begin registers a new attempt for release, enforcing the one-active-attempt
// rule per environment. It does not execute anything; Run does.
func (o *Orchestrator) Begin(release Release) (*models.DeploymentAttempt, error) {
	env, err := o.envs.Get(release.Environment)
	if err != nil {
		return nil, err
	}
	if _, err := runtime.ParseStrategy(string(release.Strategy)); err != nil {
		return nil, err
	}

	// The key mutex guards the check-then-create window; the DB row is the
	// lock that lives for the attempt's whole non-terminal lifetime.
	o.kmu.LockKey(env.Name)
	defer func() { _ = o.kmu.UnlockKey(env.Name) }()

	_, err = models.GetActiveAttempt(o.db, env.Name, false)
	if err == nil {
		metrics.ConcurrentRejectsTotal.WithLabelValues(env.Name).Inc()
		return nil, ErrConcurrentDeployment
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to check active attempts: %w", err)
	}

	conf := o.confProv.GetConfig()
	deadline := time.Now().Add(conf.Orchestrator.AttemptTimeout)
	attempt, err := models.CreateAttempt(o.db, env.Name, release.ArtifactRef, string(release.Strategy), deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt record: %w", err)
	}
	o.logger.Infof("Registered attempt %d: %s -> %s (%s)", attempt.ID, release.ArtifactRef, env.Name, release.Strategy)
	return attempt, nil
}

// Deploy is the synchronous entry point: register the attempt and drive it to
// a terminal state. The returned attempt always has a populated outcome; the
// error, when non-nil, is the structured cause.
func (o *Orchestrator) Deploy(ctx context.Context, release Release) (*models.DeploymentAttempt, error) {
	attempt, err := o.Begin(release)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, attempt.ID)
}

// GetStatus returns the attempt's current (possibly terminal) state.
func (o *Orchestrator) GetStatus(attemptID uint) (*models.DeploymentAttempt, error) {
	return models.GetAttemptByID(o.db, attemptID)
}

// Cancel requests cancellation of a non-terminal attempt. A running attempt
// is interrupted and routes to rollback if it has already mutated the
// environment; an attempt still waiting in the queue is failed in place.
func (o *Orchestrator) Cancel(attemptID uint) error {
	attempt, err := models.GetAttemptByID(o.db, attemptID)
	if err != nil {
		return err
	}
	if attempt.Terminal() {
		return ErrAlreadyTerminal
	}

	o.mu.Lock()
	cancel, running := o.cancels[attemptID]
	o.mu.Unlock()

	if running {
		o.logger.Infof("Cancelling running attempt %d", attemptID)
		cancel()
		return nil
	}

	// Never picked up by a worker, so nothing was mutated.
	o.logger.Infof("Cancelling queued attempt %d", attemptID)
	return models.FinishAttempt(o.db, attempt, models.StateFailed, models.OutcomeFailed, "cancelled before start")
}

// Run drives the attempt through the state machine until it is terminal.
// The returned error is the attempt's structured cause (nil on success).
func (o *Orchestrator) Run(ctx context.Context, attemptID uint) (*models.DeploymentAttempt, error) {
	attempt, err := models.GetAttemptByID(o.db, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Terminal() {
		// Cancelled between Begin and Run.
		return attempt, nil
	}

	env, err := o.envs.Get(attempt.Environment)
	if err != nil {
		return o.fail(attempt, &PreflightError{Check: "environment", Err: err})
	}
	strategy, err := runtime.ParseStrategy(attempt.Strategy)
	if err != nil {
		return o.fail(attempt, &PreflightError{Check: "strategy", Err: err})
	}
	conf := o.confProv.GetConfig().Orchestrator
	exec := newStrategyExecutor(strategy)

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[attempt.ID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, attempt.ID)
		o.mu.Unlock()
	}()

	started := time.Now()
	defer func() {
		metrics.AttemptDurationSeconds.WithLabelValues(env.Name, attempt.Strategy).Observe(time.Since(started).Seconds())
	}()

	// VALIDATING: nothing has been touched yet, so every failure here is
	// terminal without recovery action. ErrTerminal means a cancel landed
	// between the fetch above and this first transition; the row already
	// carries its outcome and must not be touched again.
	if err := models.SetAttemptState(o.db, attempt, models.StateValidating); err != nil {
		if errors.Is(err, models.ErrTerminal) {
			return models.GetAttemptByID(o.db, attemptID)
		}
		return o.fail(attempt, fmt.Errorf("failed to persist state: %w", err))
	}
	for _, check := range o.checks {
		if err := check.Run(runCtx, env); err != nil {
			return o.fail(attempt, &PreflightError{Check: check.Name(), Err: err})
		}
	}
	if runCtx.Err() != nil {
		return o.fail(attempt, fmt.Errorf("%w during validation", errCancelled))
	}
	artifact, err := o.source.Resolve(runCtx, attempt.ArtifactRef)
	if err != nil {
		return o.fail(attempt, &PreflightError{Check: "resolve-artifact", Err: err})
	}

	// BACKING_UP: the snapshot must exist before the first mutating call and
	// is never discarded until the attempt is terminal.
	if err := models.SetAttemptState(o.db, attempt, models.StateBackingUp); err != nil {
		if errors.Is(err, models.ErrTerminal) {
			return models.GetAttemptByID(o.db, attemptID)
		}
		return o.fail(attempt, fmt.Errorf("failed to persist state: %w", err))
	}
	backupRef, err := o.controller.Snapshot(runCtx, env)
	if err != nil {
		return o.fail(attempt, &BackupError{Err: err})
	}
	if err := models.SetBackupRef(o.db, attempt, backupRef); err != nil {
		return o.fail(attempt, fmt.Errorf("failed to persist backup ref: %w", err))
	}
	if err := models.SaveLastGoodBackup(o.db, env.Name, backupRef); err != nil {
		return o.fail(attempt, fmt.Errorf("failed to persist last good backup: %w", err))
	}
	if runCtx.Err() != nil {
		return o.fail(attempt, fmt.Errorf("%w during backup", errCancelled))
	}
	o.logger.Infof("Attempt %d: snapshot %s captured for %s", attempt.ID, backupRef, env.Name)

	// DEPLOYING: from here on every failure funnels through rollback.
	if err := models.SetAttemptState(o.db, attempt, models.StateDeploying); err != nil {
		return o.rollback(runCtx, attempt, env, exec, fmt.Errorf("failed to persist state: %w", err))
	}
	if err := exec.Deploy(runCtx, o.controller, env, artifact); err != nil {
		return o.rollback(runCtx, attempt, env, exec, &DeployError{Err: err})
	}
	if runCtx.Err() != nil {
		return o.rollback(runCtx, attempt, env, exec, fmt.Errorf("%w during deploy", errCancelled))
	}

	// HEALTH_CHECKING: bounded polling; a timed-out probe counts against the
	// budget exactly like an unhealthy one.
	if err := models.SetAttemptState(o.db, attempt, models.StateHealthChecking); err != nil {
		return o.rollback(runCtx, attempt, env, exec, fmt.Errorf("failed to persist state: %w", err))
	}
	policy := o.policy
	if policy == nil {
		policy = retry.Fixed{Attempts: conf.HealthCheckMaxRetries, Interval: conf.HealthCheckRetryDelay}
	}
	healthy := false
	for i := 1; i <= policy.MaxAttempts(); i++ {
		if delay := policy.Delay(i); delay > 0 {
			select {
			case <-runCtx.Done():
				return o.rollback(runCtx, attempt, env, exec, fmt.Errorf("%w during health checking", errCancelled))
			case <-time.After(delay):
			}
		}
		result, probeErr := o.prober.Probe(runCtx, env.HealthEndpoint, conf.HealthCheckTimeout)
		if err := models.SetHealthAttempts(o.db, attempt, i); err != nil {
			o.logger.Errorf("Attempt %d: failed to persist health attempt count: %v", attempt.ID, err)
		}
		metrics.HealthProbeTotal.WithLabelValues(env.Name, result.String()).Inc()
		if runCtx.Err() != nil {
			return o.rollback(runCtx, attempt, env, exec, fmt.Errorf("%w during health checking", errCancelled))
		}
		if result == probe.Healthy {
			healthy = true
			break
		}
		o.logger.Warnf("Attempt %d: probe %d/%d %s: %v", attempt.ID, i, policy.MaxAttempts(), result, probeErr)
	}
	if !healthy {
		return o.rollback(runCtx, attempt, env, exec, &HealthCheckExhaustedError{Probes: policy.MaxAttempts()})
	}

	// CUTTING_OVER: blue-green only. Old instances are stopped only after the
	// grace period has elapsed since the traffic shift.
	if exec.NeedsCutover() {
		if err := models.SetAttemptState(o.db, attempt, models.StateCuttingOver); err != nil {
			return o.rollback(runCtx, attempt, env, exec, fmt.Errorf("failed to persist state: %w", err))
		}
	}
	if err := exec.Promote(runCtx, o.controller, env, conf.PostCutoverGrace); err != nil {
		if runCtx.Err() != nil {
			return o.rollback(runCtx, attempt, env, exec, fmt.Errorf("%w during cutover", errCancelled))
		}
		return o.rollback(runCtx, attempt, env, exec, &DeployError{Err: fmt.Errorf("cutover: %w", err)})
	}
	if runCtx.Err() != nil {
		return o.rollback(runCtx, attempt, env, exec, fmt.Errorf("%w during cutover", errCancelled))
	}

	if err := models.SaveLastDeployedRef(o.db, env.Name, artifact.Image); err != nil {
		o.logger.Errorf("Attempt %d: failed to persist deployed ref: %v", attempt.ID, err)
	}
	if err := models.FinishAttempt(o.db, attempt, models.StateSucceeded, models.OutcomeSuccess, ""); err != nil {
		return attempt, fmt.Errorf("failed to persist terminal state: %w", err)
	}
	metrics.AttemptOutcomeTotal.WithLabelValues(env.Name, attempt.Strategy, models.OutcomeSuccess).Inc()
	o.logger.Infof("Attempt %d: %s deployed to %s", attempt.ID, artifact.Image, env.Name)
	return attempt, nil
}

// fail finishes an attempt that never mutated the environment. No recovery
// action is taken.
func (o *Orchestrator) fail(attempt *models.DeploymentAttempt, cause error) (*models.DeploymentAttempt, error) {
	o.logger.Errorf("Attempt %d failed before mutation: %v", attempt.ID, cause)
	if err := models.FinishAttempt(o.db, attempt, models.StateFailed, models.OutcomeFailed, cause.Error()); err != nil {
		o.logger.Errorf("Attempt %d: failed to persist terminal state: %v", attempt.ID, err)
	}
	metrics.AttemptOutcomeTotal.WithLabelValues(attempt.Environment, attempt.Strategy, models.OutcomeFailed).Inc()
	return attempt, cause
}

// rollback restores the environment from the attempt's backup reference.
// It is attempted exactly once; its own failure is terminal and preserves the
// reference for manual recovery.
func (o *Orchestrator) rollback(ctx context.Context, attempt *models.DeploymentAttempt, env *environment.Environment, exec strategyExecutor, cause error) (*models.DeploymentAttempt, error) {
	o.logger.Warnf("Attempt %d: rolling back %s: %v", attempt.ID, env.Name, cause)
	if err := models.SetAttemptState(o.db, attempt, models.StateRollingBack); err != nil {
		o.logger.Errorf("Attempt %d: failed to persist state: %v", attempt.ID, err)
	}

	// The restore must finish even when the attempt itself was cancelled.
	restoreCtx := context.WithoutCancel(ctx)

	if err := exec.Teardown(restoreCtx, o.controller, env); err != nil {
		// Restore decides the outcome; a lingering stack is logged, not fatal.
		o.logger.Warnf("Attempt %d: failed to stop new instances: %v", attempt.ID, err)
	}

	if err := o.controller.Restore(restoreCtx, env, attempt.BackupRef); err != nil {
		metrics.RollbackTotal.WithLabelValues(env.Name, "failed").Inc()
		rerr := &RollbackError{BackupRef: attempt.BackupRef, Err: err}
		o.logger.Errorf("Attempt %d: %v", attempt.ID, rerr)
		if dbErr := models.FinishAttempt(o.db, attempt, models.StateFailed, models.OutcomeFailed,
			fmt.Sprintf("%v; %v", cause, rerr)); dbErr != nil {
			o.logger.Errorf("Attempt %d: failed to persist terminal state: %v", attempt.ID, dbErr)
		}
		metrics.AttemptOutcomeTotal.WithLabelValues(env.Name, attempt.Strategy, models.OutcomeFailed).Inc()
		return attempt, rerr
	}

	metrics.RollbackTotal.WithLabelValues(env.Name, "restored").Inc()
	if err := models.FinishAttempt(o.db, attempt, models.StateRolledBack, models.OutcomeRolledBack, cause.Error()); err != nil {
		o.logger.Errorf("Attempt %d: failed to persist terminal state: %v", attempt.ID, err)
	}
	metrics.AttemptOutcomeTotal.WithLabelValues(env.Name, attempt.Strategy, models.OutcomeRolledBack).Inc()
	o.logger.Infof("Attempt %d: %s restored from %s", attempt.ID, env.Name, attempt.BackupRef)
	return attempt, cause
}
