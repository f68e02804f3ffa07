package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/observatoryhq/observatory/pkg/models"
)

// allowScript is the atomic test-and-increment over both window keys. Both
// counters are read, compared against their limits, and incremented in one
// script execution, so there is no check-then-increment race and a denied
// request never bumps either counter.
var allowScript = redis.NewScript(`
local m = tonumber(redis.call('GET', KEYS[1]) or '0')
local d = tonumber(redis.call('GET', KEYS[2]) or '0')
if m >= tonumber(ARGV[1]) or d >= tonumber(ARGV[2]) then
  return {m, d, 0}
end
m = redis.call('INCR', KEYS[1])
if m == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
d = redis.call('INCR', KEYS[2])
if d == 1 then
  redis.call('PEXPIRE', KEYS[2], ARGV[4])
end
return {m, d, 1}
`)

// RedisStore keeps window counters in Redis so a single global quota per
// identity is enforced across all service instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Allow(ctx context.Context, identity string, quota models.TierQuota, now time.Time) (Counts, error) {
	minuteStart := now.Truncate(time.Minute)
	dayStart := now.Truncate(24 * time.Hour)

	minuteKey := fmt.Sprintf("observatory:ratelimit:%s:m:%d", identity, minuteStart.Unix())
	dayKey := fmt.Sprintf("observatory:ratelimit:%s:d:%d", identity, dayStart.Unix())

	// Keys expire shortly after their window closes.
	minuteTTL := minuteStart.Add(2 * time.Minute).Sub(now).Milliseconds()
	dayTTL := dayStart.Add(25 * time.Hour).Sub(now).Milliseconds()

	res, err := allowScript.Run(ctx, s.client,
		[]string{minuteKey, dayKey},
		quota.RequestsPerMinute, quota.RequestsPerDay, minuteTTL, dayTTL).Slice()
	if err != nil {
		return Counts{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(res) != 3 {
		return Counts{}, fmt.Errorf("rate limit check: unexpected script reply %v", res)
	}

	return Counts{
		Minute:  toInt64(res[0]),
		Day:     toInt64(res[1]),
		Allowed: toInt64(res[2]) == 1,
	}, nil
}

func toInt64(v any) int64 {
	n, _ := v.(int64)
	return n
}
