package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cutoverd/cutover/pkg/utils"
)

var (
	StatePending        = "pending"
	StateValidating     = "validating"
	StateBackingUp      = "backing_up"
	StateDeploying      = "deploying"
	StateHealthChecking = "health_checking"
	StateCuttingOver    = "cutting_over"
	StateRollingBack    = "rolling_back"
	StateSucceeded      = "succeeded"
	StateRolledBack     = "rolled_back"
	StateFailed         = "failed"

	OutcomeSuccess    = "success"
	OutcomeRolledBack = "rolled_back"
	OutcomeFailed     = "failed"

	ErrNotFound = errors.New("deployment attempt not found")

	// ErrTerminal is returned by mutating helpers when the row has already
	// reached a terminal state, no matter what the caller's copy says.
	ErrTerminal = errors.New("deployment attempt is already terminal")
)

// terminalStates are the states an attempt never leaves.
var terminalStates = []string{StateSucceeded, StateRolledBack, StateFailed}

// DeploymentAttempt is one execution of the orchestrator against a release.
// Rows are mutated only by the orchestrator's own transitions and become
// immutable once terminal.
type DeploymentAttempt struct {
	gorm.Model
	Environment    string `gorm:"index"`
	ArtifactRef    string
	Strategy       string
	State          string `gorm:"index"`
	BackupRef      string
	Outcome        string
	FailureCause   string
	HealthAttempts int
	StartedAt      time.Time
	EndedAt        *time.Time
	Deadline       *time.Time `gorm:"index"`
}

func (a *DeploymentAttempt) Terminal() bool {
	return a.State == StateSucceeded || a.State == StateRolledBack || a.State == StateFailed
}

// Mutated reports whether the attempt has issued (or may have issued) a
// mutating call to the runtime. Everything from deploying onward counts.
func (a *DeploymentAttempt) Mutated() bool {
	switch a.State {
	case StateDeploying, StateHealthChecking, StateCuttingOver, StateRollingBack:
		return true
	}
	return false
}

// EnvironmentRecord is the durable per-environment state: the last backup
// reference known to capture a good configuration. It must survive process
// restarts so rollback stays possible after a crash mid-attempt.
type EnvironmentRecord struct {
	gorm.Model
	Name              string `gorm:"uniqueIndex"`
	LastGoodBackupRef string
	LastDeployedRef   string
}

func CreateAttempt(db *gorm.DB, env, artifactRef, strategy string, deadline time.Time) (*DeploymentAttempt, error) {
	attempt := &DeploymentAttempt{
		Environment: env,
		ArtifactRef: artifactRef,
		Strategy:    strategy,
		State:       StatePending,
		StartedAt:   time.Now(),
		Deadline:    utils.Ptr(deadline),
	}
	result := db.Create(attempt)
	return attempt, result.Error
}

func GetAttemptByID(db *gorm.DB, id uint) (*DeploymentAttempt, error) {
	var attempt DeploymentAttempt
	result := db.Limit(1).Find(&attempt, id)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &attempt, nil
}

// GetActiveAttempt returns the non-terminal attempt for env, if any.
func GetActiveAttempt(db *gorm.DB, env string, lock bool) (*DeploymentAttempt, error) {
	var attempt DeploymentAttempt
	query := db.Where("environment = ? AND state NOT IN ?", env, terminalStates)
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	result := query.Limit(1).Find(&attempt)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &attempt, nil
}

// GetAttempts returns recent attempts, optionally filtered by environment.
func GetAttempts(db *gorm.DB, env string, limit int) ([]DeploymentAttempt, error) {
	var attempts []DeploymentAttempt
	query := db.Order("id DESC")
	if env != "" {
		query = query.Where("environment = ?", env)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	result := query.Find(&attempts)
	return attempts, result.Error
}

// GetExpiredAttempts returns non-terminal attempts whose deadline falls before
// cutoff, ordered soonest first.
func GetExpiredAttempts(db *gorm.DB, cutoff time.Time) ([]DeploymentAttempt, error) {
	var attempts []DeploymentAttempt
	result := db.Where("state NOT IN ? AND deadline IS NOT NULL AND deadline <= ?", terminalStates, cutoff).
		Order("deadline ASC").
		Find(&attempts)
	return attempts, result.Error
}

// updateNonTerminal applies fields to the row only while it is still
// non-terminal in the database. The guard lives in the WHERE clause so a
// concurrent cancel cannot be overwritten by a stale in-memory copy.
func updateNonTerminal(db *gorm.DB, attempt *DeploymentAttempt, fields map[string]interface{}) error {
	result := db.Model(&DeploymentAttempt{}).
		Where("id = ? AND state NOT IN ?", attempt.ID, terminalStates).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTerminal
	}
	return nil
}

// SetAttemptState records a non-terminal transition. Returns ErrTerminal if
// the row has been finished in the meantime.
func SetAttemptState(db *gorm.DB, attempt *DeploymentAttempt, state string) error {
	if err := updateNonTerminal(db, attempt, map[string]interface{}{"state": state}); err != nil {
		return err
	}
	attempt.State = state
	return nil
}

// SetBackupRef persists the backup reference as soon as it exists, before any
// mutating call is issued.
func SetBackupRef(db *gorm.DB, attempt *DeploymentAttempt, backupRef string) error {
	if err := updateNonTerminal(db, attempt, map[string]interface{}{"backup_ref": backupRef}); err != nil {
		return err
	}
	attempt.BackupRef = backupRef
	return nil
}

func SetHealthAttempts(db *gorm.DB, attempt *DeploymentAttempt, n int) error {
	if err := updateNonTerminal(db, attempt, map[string]interface{}{"health_attempts": n}); err != nil {
		return err
	}
	attempt.HealthAttempts = n
	return nil
}

// FinishAttempt moves the attempt into a terminal state. The outcome is set
// exactly once: the guarded update loses against any finish that already
// landed and reports ErrTerminal instead of overwriting it.
func FinishAttempt(db *gorm.DB, attempt *DeploymentAttempt, state, outcome, cause string) error {
	endedAt := time.Now()
	if err := updateNonTerminal(db, attempt, map[string]interface{}{
		"state":         state,
		"outcome":       outcome,
		"failure_cause": cause,
		"ended_at":      endedAt,
	}); err != nil {
		return err
	}
	attempt.State = state
	attempt.Outcome = outcome
	attempt.FailureCause = cause
	attempt.EndedAt = utils.Ptr(endedAt)
	return nil
}

// FailOrphanedAttempts marks every non-terminal attempt as failed. Called once
// at startup: any attempt still open belonged to a previous process and cannot
// be resumed, but its backup reference stays on the row for manual recovery.
func FailOrphanedAttempts(db *gorm.DB) (int64, error) {
	result := db.Model(&DeploymentAttempt{}).
		Where("state NOT IN ?", terminalStates).
		Updates(map[string]interface{}{
			"state":         StateFailed,
			"outcome":       OutcomeFailed,
			"failure_cause": "orphaned by process restart",
			"ended_at":      time.Now(),
		})
	return result.RowsAffected, result.Error
}

func GetEnvironmentRecord(db *gorm.DB, name string) (*EnvironmentRecord, error) {
	var rec EnvironmentRecord
	result := db.Where("name = ?", name).Limit(1).Find(&rec)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// SaveLastGoodBackup upserts the environment's durable backup reference.
func SaveLastGoodBackup(db *gorm.DB, name, backupRef string) error {
	rec := EnvironmentRecord{Name: name, LastGoodBackupRef: backupRef}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_good_backup_ref", "updated_at"}),
	}).Create(&rec).Error
}

// SaveLastDeployedRef records the artifact now serving the environment.
func SaveLastDeployedRef(db *gorm.DB, name, artifactRef string) error {
	rec := EnvironmentRecord{Name: name, LastDeployedRef: artifactRef}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_deployed_ref", "updated_at"}),
	}).Create(&rec).Error
}
