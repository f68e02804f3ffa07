package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	tierKey      contextKey = "tier"
	identityKey  contextKey = "identity"
	requestIDKey contextKey = "request_id"
)

func setTier(ctx context.Context, tier string) context.Context {
	return context.WithValue(ctx, tierKey, tier)
}

// GetTier returns the access tier resolved by the auth middleware.
func GetTier(r *http.Request) (string, bool) {
	tier, ok := r.Context().Value(tierKey).(string)
	return tier, ok
}

func setRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the id assigned (or accepted) by the logging
// middleware.
func GetRequestID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(requestIDKey).(string)
	return id, ok
}

func setIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity returns the rate-limit identity: the credential's key prefix
// for authenticated requests, the client address otherwise.
func GetIdentity(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(identityKey).(string)
	return id, ok
}
