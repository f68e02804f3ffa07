package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
	JobStatusTimedOut  = "timed_out"
)

// Job tracks a single cancellable analysis task. The API returns a job_id on
// POST /api/v1/analyze; the client polls GET /api/v1/analyze/{job_id} until
// the status is terminal.
type Job struct {
	ID          uuid.UUID      `json:"id"`
	Status      string         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	Timeout     *time.Duration `json:"timeout,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// JobTerminal reports whether a status is one of the four terminal states.
// Terminal jobs never transition again.
func JobTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimedOut:
		return true
	}
	return false
}
