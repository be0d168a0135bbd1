// Package api defines the REST surface: request/response shapes and the
// handler interface the server implements.
package api

import (
	"time"

	"github.com/labstack/echo/v4"
)

// DeployRequest asks for an artifact to be rolled out to an environment.
type DeployRequest struct {
	Environment string `json:"environment"`
	ArtifactRef string `json:"artifact_ref"`
	Strategy    string `json:"strategy,omitempty"`
}

// DeployResponse acknowledges an accepted deployment.
type DeployResponse struct {
	AttemptID uint   `json:"attempt_id"`
	State     string `json:"state"`
}

// AttemptResponse describes a deployment attempt.
type AttemptResponse struct {
	AttemptID      uint       `json:"attempt_id"`
	Environment    string     `json:"environment"`
	ArtifactRef    string     `json:"artifact_ref"`
	Strategy       string     `json:"strategy"`
	State          string     `json:"state"`
	Outcome        *string    `json:"outcome,omitempty"`
	FailureCause   *string    `json:"failure_cause,omitempty"`
	BackupRef      *string    `json:"backup_ref,omitempty"`
	HealthAttempts int        `json:"health_attempts"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// EnvironmentResponse describes a deployable environment.
type EnvironmentResponse struct {
	Name              string  `json:"name"`
	Protected         bool    `json:"protected"`
	LastGoodBackupRef *string `json:"last_good_backup_ref,omitempty"`
	LastDeployedRef   *string `json:"last_deployed_ref,omitempty"`
}

// Error is the generic error envelope.
type Error struct {
	Message *string `json:"message,omitempty"`
}

// ServerInterface is implemented by the REST server.
type ServerInterface interface {
	GetHealth(ctx echo.Context) error
	DeployRelease(ctx echo.Context) error
	ListDeployments(ctx echo.Context) error
	GetDeploymentStatus(ctx echo.Context) error
	CancelDeployment(ctx echo.Context) error
	ListEnvironments(ctx echo.Context) error
	ConfigCheck(ctx echo.Context) error
}

// RegisterHandlers wires the handlers onto the echo router.
func RegisterHandlers(e *echo.Echo, si ServerInterface) {
	e.GET("/health", si.GetHealth)
	e.POST("/deployments", si.DeployRelease)
	e.GET("/deployments", si.ListDeployments)
	e.GET("/deployments/:id", si.GetDeploymentStatus)
	e.POST("/deployments/:id/cancel", si.CancelDeployment)
	e.GET("/environments", si.ListEnvironments)
	e.GET("/admin/config-check", si.ConfigCheck)
}
