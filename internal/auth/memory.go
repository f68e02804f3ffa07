package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/observatoryhq/observatory/pkg/models"
)

// MemoryStore is an in-memory credential registry for tests and dev.
type MemoryStore struct {
	mu       sync.RWMutex
	byPrefix map[string][]*models.Credential
	byID     map[uuid.UUID]*models.Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byPrefix: make(map[string][]*models.Credential),
		byID:     make(map[uuid.UUID]*models.Credential),
	}
}

func (s *MemoryStore) GetByPrefix(_ context.Context, prefix string) ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds := s.byPrefix[prefix]
	out := make([]*models.Credential, len(creds))
	for i, c := range creds {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cred
	s.byPrefix[cred.KeyPrefix] = append(s.byPrefix[cred.KeyPrefix], &cp)
	s.byID[cred.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	c.LastUsedAt = &now
	return nil
}
