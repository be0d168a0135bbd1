package pkg

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cutoverd/cutover/internal/auth"
	"github.com/cutoverd/cutover/internal/environment"
	"github.com/cutoverd/cutover/internal/orchestrator"
	"github.com/cutoverd/cutover/internal/runtime"
	"github.com/cutoverd/cutover/pkg/api"
	"github.com/cutoverd/cutover/pkg/config"
	"github.com/cutoverd/cutover/pkg/models"
	"github.com/cutoverd/cutover/pkg/scheduler"
	"github.com/cutoverd/cutover/pkg/utils"
	"github.com/cutoverd/cutover/pkg/worker"
)

// Orchestration is the slice of the orchestrator the REST layer needs.
type Orchestration interface {
	Begin(release orchestrator.Release) (*models.DeploymentAttempt, error)
	GetStatus(attemptID uint) (*models.DeploymentAttempt, error)
	Cancel(attemptID uint) error
}

// Enqueuer hands accepted attempts to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *worker.Job) error
}

// Server implements api.ServerInterface
type Server struct {
	db       *gorm.DB
	envs     environment.Indexer
	confProv config.Provider
	orch     Orchestration
	queue    Enqueuer
	sched    *scheduler.DeadlineScheduler
	wg       sync.WaitGroup
}

// ServerOpts holds the dependencies needed to construct a Server.
type ServerOpts struct {
	DB                 *gorm.DB
	EnvironmentIndexer environment.Indexer
	ConfigProvider     config.Provider
	Orchestration      Orchestration
	Enqueuer           Enqueuer
	DeadlineScheduler  *scheduler.DeadlineScheduler
}

var _ api.ServerInterface = (*Server)(nil)

// NewServerWithOpts creates a Server from explicitly provided dependencies.
// Mandatory dependencies are DB, EnvironmentIndexer, ConfigProvider,
// Orchestration, and Enqueuer.
func NewServerWithOpts(opts ServerOpts) *Server {
	return &Server{
		db:       opts.DB,
		envs:     opts.EnvironmentIndexer,
		confProv: opts.ConfigProvider,
		orch:     opts.Orchestration,
		queue:    opts.Enqueuer,
		sched:    opts.DeadlineScheduler,
	}
}

// StartScheduler launches the deadline scheduler in a background goroutine.
// The caller is responsible for cancelling ctx when shutdown begins.
func (s *Server) StartScheduler(ctx context.Context, sched *scheduler.DeadlineScheduler) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sched.Start(ctx)
	}()
}

// Wait blocks until all background goroutines have completed.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) GetHealth(ctx echo.Context) error {
	return ctx.JSON(200, map[string]string{"status": "ok"})
}

func (s *Server) DeployRelease(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	var req api.DeployRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid request")})
	}
	zap.S().Infof("Deploy request received: %s -> %s (subject %s)", req.ArtifactRef, req.Environment, claims.Subject)

	if !claims.CanDeploy(req.Environment) {
		zap.S().Errorf("Unauthorized attempt to deploy to %s by %s", req.Environment, claims.Subject)
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	env, err := s.envs.Get(req.Environment)
	if err != nil {
		zap.S().Errorf("Failed to get environment info: %v", err)
		return ctx.JSON(400, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to get environment info: %v", err))})
	}
	if env.Protected && claims.Role != "admin" {
		zap.S().Errorf("Non-admin attempt to deploy to protected environment %s by %s", env.Name, claims.Subject)
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	strategy, err := runtime.ParseStrategy(req.Strategy)
	if err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr(err.Error())})
	}
	if req.ArtifactRef == "" {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("artifact_ref is required")})
	}

	attempt, err := s.orch.Begin(orchestrator.Release{
		Environment: env.Name,
		ArtifactRef: req.ArtifactRef,
		Strategy:    strategy,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrConcurrentDeployment) {
			return ctx.JSON(409, api.Error{Message: utils.Ptr("A deployment is already in progress for this environment")})
		}
		zap.S().Errorf("Failed to register attempt: %v", err)
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to register attempt: %v", err))})
	}

	job := worker.NewDeployJob(attempt.ID, env.Name)
	if err := s.queue.Enqueue(ctx.Request().Context(), job); err != nil {
		zap.S().Errorf("Failed to enqueue attempt %d: %v", attempt.ID, err)
		if dbErr := models.FinishAttempt(s.db, attempt, models.StateFailed, models.OutcomeFailed, "failed to enqueue: "+err.Error()); dbErr != nil {
			zap.S().Errorf("Saving attempt error status failed: %v", dbErr)
		}
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to enqueue attempt: %v", err))})
	}

	if s.sched != nil {
		s.sched.NotifyChange()
	}

	return ctx.JSON(202, api.DeployResponse{
		AttemptID: attempt.ID,
		State:     attempt.State,
	})
}

func (s *Server) GetDeploymentStatus(ctx echo.Context) error {
	if _, err := auth.GetClaims(ctx); err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	id, err := strconv.ParseUint(ctx.Param("id"), 10, 32)
	if err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid attempt id")})
	}

	attempt, err := s.orch.GetStatus(uint(id))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ctx.NoContent(404)
		}
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to get attempt status: %v", err))})
	}

	return ctx.JSON(200, attemptResponse(attempt))
}

func (s *Server) CancelDeployment(ctx echo.Context) error {
	claims, err := auth.GetClaims(ctx)
	if err != nil {
		return ctx.JSON(401, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	id, err := strconv.ParseUint(ctx.Param("id"), 10, 32)
	if err != nil {
		return ctx.JSON(400, api.Error{Message: utils.Ptr("Invalid attempt id")})
	}

	attempt, err := s.orch.GetStatus(uint(id))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ctx.NoContent(404)
		}
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to get attempt: %v", err))})
	}
	if !claims.CanDeploy(attempt.Environment) {
		zap.S().Errorf("Unauthorized attempt to cancel attempt %d by %s", attempt.ID, claims.Subject)
		return ctx.JSON(403, api.Error{Message: utils.Ptr("Unauthorized")})
	}

	zap.S().Infof("Cancel request received for attempt %d", attempt.ID)
	if err := s.orch.Cancel(uint(id)); err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyTerminal) {
			return ctx.JSON(409, api.Error{Message: utils.Ptr("Attempt has already finished")})
		}
		if errors.Is(err, models.ErrNotFound) {
			return ctx.NoContent(404)
		}
		return ctx.JSON(500, api.Error{Message: utils.HTTP500Debug(fmt.Sprintf("Failed to cancel attempt: %v", err))})
	}

	return ctx.NoContent(202)
}

func attemptResponse(a *models.DeploymentAttempt) api.AttemptResponse {
	resp := api.AttemptResponse{
		AttemptID:      a.ID,
		Environment:    a.Environment,
		ArtifactRef:    a.ArtifactRef,
		Strategy:       a.Strategy,
		State:          a.State,
		HealthAttempts: a.HealthAttempts,
		StartedAt:      utils.Ptr(a.StartedAt),
		EndedAt:        a.EndedAt,
	}
	if a.Outcome != "" {
		resp.Outcome = utils.Ptr(a.Outcome)
	}
	if a.FailureCause != "" {
		resp.FailureCause = utils.Ptr(a.FailureCause)
	}
	if a.BackupRef != "" {
		resp.BackupRef = utils.Ptr(a.BackupRef)
	}
	return resp
}
