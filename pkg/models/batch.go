package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

const (
	BatchStatusQueued    = "queued"
	BatchStatusDequeued  = "dequeued"
	BatchStatusRunning   = "running"
	BatchStatusCompleted = "completed"
	BatchStatusFailed    = "failed"
	BatchStatusCancelled = "cancelled"
)

// BatchJob is a queued group-analysis request. The payload lives in Redis
// alongside the priority lists; workers claim ids exclusively via the queue.
type BatchJob struct {
	ID              uuid.UUID      `json:"id"`
	ConversationIDs []string       `json:"conversation_ids"`
	Options         map[string]any `json:"options,omitempty"`
	Priority        string         `json:"priority"`
	Status          string         `json:"status"`
	Error           *string        `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// BatchTerminal reports whether a batch status is terminal.
func BatchTerminal(status string) bool {
	switch status {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}
