package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observatoryhq/observatory/internal/ratelimit"
	"github.com/observatoryhq/observatory/pkg/models"
)

// fixedClock returns a settable clock for the limiter.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testQuotas() map[string]models.TierQuota {
	return map[string]models.TierQuota{
		models.TierPublic: {Tier: models.TierPublic, RequestsPerMinute: 10, RequestsPerDay: 500},
		models.TierKeyed:  {Tier: models.TierKeyed, RequestsPerMinute: 60, RequestsPerDay: 5000},
	}
}

func TestCheck_MinuteLimitInclusive(t *testing.T) {
	clock := newFixedClock()
	l := ratelimit.New(ratelimit.NewMemoryStore(), testQuotas()).WithClock(clock.Now)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i)
		assert.Equal(t, 10, d.Limit)
		assert.Equal(t, 10-i, d.Remaining)
	}

	d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestCheck_WindowRolloverReAdmits(t *testing.T) {
	clock := newFixedClock()
	l := ratelimit.New(ratelimit.NewMemoryStore(), testQuotas()).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	clock.Advance(time.Minute)

	d, err = l.Check(ctx, "1.2.3.4", models.TierPublic)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 9, d.Remaining)
}

func TestCheck_DayLimit(t *testing.T) {
	clock := newFixedClock()
	quotas := map[string]models.TierQuota{
		models.TierPublic: {Tier: models.TierPublic, RequestsPerMinute: 1000, RequestsPerDay: 5},
	}
	l := ratelimit.New(ratelimit.NewMemoryStore(), quotas).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	// The day window tripped: the reset is at midnight, not the next minute.
	assert.Equal(t, clock.Now().Truncate(24*time.Hour).Add(24*time.Hour), d.ResetAt)
	assert.Greater(t, d.RetryAfter, time.Minute)

	// A new minute does not help within the same day.
	clock.Advance(time.Minute)
	d, err = l.Check(ctx, "1.2.3.4", models.TierPublic)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCheck_DeniedRequestDoesNotConsumeQuota(t *testing.T) {
	clock := newFixedClock()
	quotas := map[string]models.TierQuota{
		models.TierPublic: {Tier: models.TierPublic, RequestsPerMinute: 2, RequestsPerDay: 3},
	}
	l := ratelimit.New(ratelimit.NewMemoryStore(), quotas).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	// Denials in this minute must not eat into the day budget.
	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
		require.NoError(t, err)
		require.False(t, d.Allowed)
	}

	clock.Advance(time.Minute)
	d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "one day-budget slot should remain")
}

func TestCheck_IdentitiesAreIndependent(t *testing.T) {
	clock := newFixedClock()
	l := ratelimit.New(ratelimit.NewMemoryStore(), testQuotas()).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = l.Check(ctx, "5.6.7.8", models.TierPublic)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheck_UnknownTierFallsBackToPublic(t *testing.T) {
	clock := newFixedClock()
	l := ratelimit.New(ratelimit.NewMemoryStore(), testQuotas()).WithClock(clock.Now)

	d, err := l.Check(context.Background(), "1.2.3.4", "mystery")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 10, d.Limit)
}

func TestCheck_ConcurrentRequestsNeverExceedLimit(t *testing.T) {
	clock := newFixedClock()
	quotas := map[string]models.TierQuota{
		models.TierPublic: {Tier: models.TierPublic, RequestsPerMinute: 5, RequestsPerDay: 500},
	}
	l := ratelimit.New(ratelimit.NewMemoryStore(), quotas).WithClock(clock.Now)
	ctx := context.Background()

	const n = 20
	results := make(chan bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
			if assert.NoError(t, err) {
				results <- d.Allowed
			}
		}()
	}
	wg.Wait()
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestCheck_StoreErrorDenies(t *testing.T) {
	l := ratelimit.New(failingStore{}, testQuotas())

	_, err := l.Check(context.Background(), "1.2.3.4", models.TierPublic)
	assert.Error(t, err)
}

type failingStore struct{}

func (failingStore) Allow(context.Context, string, models.TierQuota, time.Time) (ratelimit.Counts, error) {
	return ratelimit.Counts{}, errors.New("store down")
}

// --- Redis store ---

func setupRedisStore(t *testing.T) *ratelimit.RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return ratelimit.NewRedisStore(client)
}

func TestRedisStore_MinuteLimitInclusive(t *testing.T) {
	clock := newFixedClock()
	l := ratelimit.New(setupRedisStore(t), testQuotas()).WithClock(clock.Now)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be allowed", i)
		assert.Equal(t, 10-i, d.Remaining)
	}

	d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestRedisStore_WindowRolloverReAdmits(t *testing.T) {
	clock := newFixedClock()
	l := ratelimit.New(setupRedisStore(t), testQuotas()).WithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := l.Check(ctx, "1.2.3.4", models.TierPublic)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	clock.Advance(time.Minute)

	d, err = l.Check(ctx, "1.2.3.4", models.TierPublic)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisStore_TiersTrackSeparateQuotas(t *testing.T) {
	clock := newFixedClock()
	l := ratelimit.New(setupRedisStore(t), testQuotas()).WithClock(clock.Now)
	ctx := context.Background()

	d, err := l.Check(ctx, "obs_abcd", models.TierKeyed)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 60, d.Limit)
	assert.Equal(t, 59, d.Remaining)
}
