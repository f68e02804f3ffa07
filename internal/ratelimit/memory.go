package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/observatoryhq/observatory/pkg/models"
)

// MemoryStore keeps window counters in process memory under one mutex.
// Suitable for single-process deployments and tests; multi-instance
// deployments need the Redis store so quotas are enforced globally.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*identityWindows
}

type identityWindows struct {
	minuteStart time.Time
	minuteCount int64
	dayStart    time.Time
	dayCount    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*identityWindows)}
}

func (s *MemoryStore) Allow(_ context.Context, identity string, quota models.TierQuota, now time.Time) (Counts, error) {
	minuteStart := now.Truncate(time.Minute)
	dayStart := now.Truncate(24 * time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[identity]
	if !ok {
		w = &identityWindows{}
		s.windows[identity] = w
	}

	// Rollover resets the count to zero.
	if !w.minuteStart.Equal(minuteStart) {
		w.minuteStart = minuteStart
		w.minuteCount = 0
	}
	if !w.dayStart.Equal(dayStart) {
		w.dayStart = dayStart
		w.dayCount = 0
	}

	if w.minuteCount >= int64(quota.RequestsPerMinute) || w.dayCount >= int64(quota.RequestsPerDay) {
		return Counts{Minute: w.minuteCount, Day: w.dayCount, Allowed: false}, nil
	}

	w.minuteCount++
	w.dayCount++
	return Counts{Minute: w.minuteCount, Day: w.dayCount, Allowed: true}, nil
}
