package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/observatoryhq/observatory/internal/api/response"
	"github.com/observatoryhq/observatory/internal/ratelimit"
	"github.com/observatoryhq/observatory/pkg/models"
)

// RateLimit applies tiered admission control using the shared limiter.
type RateLimit struct {
	limiter *ratelimit.Limiter
}

// NewRateLimit creates the RateLimit middleware.
func NewRateLimit(limiter *ratelimit.Limiter) *RateLimit {
	return &RateLimit{limiter: limiter}
}

// Limit checks and increments the caller's window counters before the
// request proceeds. A counter-store outage denies the request: the limiter
// must never admit traffic it could not count.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tier, ok := GetTier(r)
		if !ok {
			tier = models.TierPublic
		}
		identity, ok := GetIdentity(r)
		if !ok {
			identity = clientAddr(r)
		}

		d, err := rl.limiter.Check(r.Context(), identity, tier)
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Rate limit check failed", nil)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests",
				map[string]any{"retry_after": retryAfter})
			return
		}

		next.ServeHTTP(w, r)
	})
}
