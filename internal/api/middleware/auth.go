package middleware

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/observatoryhq/observatory/internal/api/response"
	"github.com/observatoryhq/observatory/internal/auth"
)

// Auth resolves the Bearer credential to an access tier before any work is
// admitted. Requests without a credential pass through on the public tier;
// an invalid credential is rejected rather than downgraded.
type Auth struct {
	resolver *auth.Resolver
}

// NewAuth creates the Auth middleware.
func NewAuth(resolver *auth.Resolver) *Auth {
	return &Auth{resolver: resolver}
}

// Authenticate sets tier and rate-limit identity in the request context.
// Only the credential's prefix is ever attached to the request; the raw
// credential goes no further than the resolver.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := extractBearerToken(r)

		res, err := a.resolver.Resolve(r.Context(), credential)
		if errors.Is(err, auth.ErrInvalidCredential) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API key", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to validate API key", nil)
			return
		}

		identity := res.KeyPrefix
		if !res.Authenticated {
			identity = clientAddr(r)
		}

		ctx := setTier(r.Context(), res.Tier)
		ctx = setIdentity(ctx, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
