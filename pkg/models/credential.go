package models

import (
	"time"

	"github.com/google/uuid"
)

// Credential maps a hashed API key to an access tier. Raw keys are shown once
// at registration; only the bcrypt hash and an 8-char prefix are ever stored.
type Credential struct {
	ID         uuid.UUID  `json:"id"`
	KeyPrefix  string     `json:"key_prefix"`
	KeyHash    string     `json:"-"`
	Tier       string     `json:"tier"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
