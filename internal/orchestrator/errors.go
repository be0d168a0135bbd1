package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrentDeployment is returned when an environment already has a
	// non-terminal attempt. The request is rejected immediately, never queued.
	ErrConcurrentDeployment = errors.New("deployment already in progress for this environment")

	// ErrAlreadyTerminal is returned by Cancel when the attempt has finished.
	ErrAlreadyTerminal = errors.New("deployment attempt is already terminal")

	errCancelled = errors.New("deployment attempt cancelled")
)

// PreflightError means a pre-deploy check (or artifact resolution) failed.
// No mutation has occurred.
type PreflightError struct {
	Check string
	Err   error
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("preflight check %s failed: %v", e.Check, e.Err)
}

func (e *PreflightError) Unwrap() error { return e.Err }

// BackupError means the pre-deployment snapshot could not be created.
// No mutation has occurred.
type BackupError struct {
	Err error
}

func (e *BackupError) Error() string { return fmt.Sprintf("backup failed: %v", e.Err) }
func (e *BackupError) Unwrap() error { return e.Err }

// DeployError means the runtime controller rejected or errored while applying
// the artifact or cutting traffic over. Always routes through rollback.
type DeployError struct {
	Err error
}

func (e *DeployError) Error() string { return fmt.Sprintf("deploy failed: %v", e.Err) }
func (e *DeployError) Unwrap() error { return e.Err }

// HealthCheckExhaustedError means the new instances never became healthy
// within the probe budget. Always routes through rollback.
type HealthCheckExhaustedError struct {
	Probes int
}

func (e *HealthCheckExhaustedError) Error() string {
	return fmt.Sprintf("health check failed after %d probes", e.Probes)
}

// RollbackError means restoring from the backup reference failed. This is the
// one path where the orchestrator cannot converge: the attempt is failed, the
// reference is preserved, and an operator has to intervene.
type RollbackError struct {
	BackupRef string
	Err       error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback from %s failed, manual intervention required: %v", e.BackupRef, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }
