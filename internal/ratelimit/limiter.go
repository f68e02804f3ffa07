// Package ratelimit provides tiered admission control over fixed minute and
// day windows. The test-and-increment is a single atomic operation per
// identity, so concurrent requests can never jointly exceed a limit.
package ratelimit

import (
	"context"
	"time"

	"github.com/observatoryhq/observatory/pkg/models"
)

// Counts is the counter state observed by one check. When Allowed is true the
// counts include the admitted request; when false they are the counts that
// caused the denial, untouched.
type Counts struct {
	Minute  int64
	Day     int64
	Allowed bool
}

// CounterStore atomically tests and increments both window counters for an
// identity. Implementations must be safe for concurrent use; in
// multi-instance deployments the store must be shared so one global quota per
// identity holds across instances.
type CounterStore interface {
	Allow(ctx context.Context, identity string, quota models.TierQuota, now time.Time) (Counts, error)
}

// Decision is the outcome of an admission check, with enough metadata to
// populate X-RateLimit-* response headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter checks identities against per-tier quotas.
type Limiter struct {
	store  CounterStore
	quotas map[string]models.TierQuota
	now    func() time.Time
}

// New creates a Limiter. Unknown tiers fall back to the public quota.
func New(store CounterStore, quotas map[string]models.TierQuota) *Limiter {
	if quotas == nil {
		quotas = models.DefaultQuotas()
	}
	return &Limiter{store: store, quotas: quotas, now: time.Now}
}

// WithClock overrides the limiter's clock. Test hook.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check atomically tests and increments the minute and day counters for
// identity against tier's quota. A request that makes the count equal to the
// limit is allowed; the one after it is denied.
func (l *Limiter) Check(ctx context.Context, identity, tier string) (Decision, error) {
	quota, ok := l.quotas[tier]
	if !ok {
		quota = l.quotas[models.TierPublic]
	}

	now := l.now().UTC()
	counts, err := l.store.Allow(ctx, identity, quota, now)
	if err != nil {
		return Decision{}, err
	}

	minuteReset := now.Truncate(time.Minute).Add(time.Minute)
	dayReset := now.Truncate(24 * time.Hour).Add(24 * time.Hour)

	d := Decision{
		Allowed:   counts.Allowed,
		Limit:     quota.RequestsPerMinute,
		Remaining: quota.RequestsPerMinute - int(counts.Minute),
		ResetAt:   minuteReset,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	if !counts.Allowed {
		d.Remaining = 0
		reset := minuteReset
		if counts.Minute < int64(quota.RequestsPerMinute) {
			// The day window tripped, not the minute window.
			reset = dayReset
			d.ResetAt = dayReset
		}
		d.RetryAfter = reset.Sub(now)
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Second
		}
	}

	return d, nil
}
