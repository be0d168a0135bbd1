package worker

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType represents the type of orchestration job.
type JobType string

const (
	JobTypeDeploy JobType = "deploy"
)

// Job represents one unit of work for the pool: drive a registered attempt to
// a terminal state.
type Job struct {
	ID          string    `json:"id"`
	Type        JobType   `json:"type"`
	AttemptID   uint      `json:"attempt_id"`
	Environment string    `json:"environment"`
	CreatedAt   time.Time `json:"created_at"`
	Retries     int       `json:"retries"`
}

// NewDeployJob creates a new deploy job for an already-registered attempt.
func NewDeployJob(attemptID uint, environment string) *Job {
	return &Job{
		ID:          fmt.Sprintf("%s:%s:%d", JobTypeDeploy, environment, attemptID),
		Type:        JobTypeDeploy,
		AttemptID:   attemptID,
		Environment: environment,
		CreatedAt:   time.Now(),
		Retries:     0,
	}
}

// Marshal serializes the job to JSON.
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob deserializes a job from JSON.
func UnmarshalJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
