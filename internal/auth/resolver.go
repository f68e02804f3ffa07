// Package auth resolves opaque API credentials to access tiers. Plaintext
// credentials are never stored or logged; only a bcrypt hash and an 8-char
// prefix (the lookup index and the only identifier that may appear in logs).
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/observatoryhq/observatory/pkg/models"
)

const KeyPrefixLen = 8

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrNotFound          = errors.New("credential not found")
)

// CredentialStore is the injected credential registry. Memory for tests and
// single-process dev, Postgres for production.
type CredentialStore interface {
	GetByPrefix(ctx context.Context, prefix string) ([]*models.Credential, error)
	Create(ctx context.Context, cred *models.Credential) error
	UpdateLastUsed(ctx context.Context, id uuid.UUID) error
}

// Resolution is the outcome of resolving a credential.
type Resolution struct {
	Tier          string
	KeyPrefix     string
	Authenticated bool
}

// Resolver maps credentials to tiers via the credential store.
type Resolver struct {
	store CredentialStore
}

func NewResolver(store CredentialStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve hashes and looks up the credential. An absent credential resolves
// to the public tier; a present but unknown one is an error, not a silent
// downgrade.
func (r *Resolver) Resolve(ctx context.Context, credential string) (Resolution, error) {
	if credential == "" {
		return Resolution{Tier: models.TierPublic}, nil
	}
	if len(credential) < KeyPrefixLen {
		return Resolution{}, ErrInvalidCredential
	}

	prefix := credential[:KeyPrefixLen]
	creds, err := r.store.GetByPrefix(ctx, prefix)
	if err != nil {
		return Resolution{}, fmt.Errorf("lookup credential: %w", err)
	}

	for _, c := range creds {
		if bcrypt.CompareHashAndPassword([]byte(c.KeyHash), []byte(credential)) == nil {
			// Update last_used_at async
			go func(id uuid.UUID) {
				_ = r.store.UpdateLastUsed(context.Background(), id)
			}(c.ID)
			return Resolution{Tier: c.Tier, KeyPrefix: prefix, Authenticated: true}, nil
		}
	}

	return Resolution{}, ErrInvalidCredential
}

// Register hashes the credential and persists the record. The raw credential
// is discarded after this call; it cannot be recovered from the store.
func (r *Resolver) Register(ctx context.Context, credential, tier string) (*models.Credential, error) {
	if tier != models.TierKeyed && tier != models.TierPartner {
		return nil, fmt.Errorf("tier must be %q or %q, got %q", models.TierKeyed, models.TierPartner, tier)
	}
	if len(credential) < KeyPrefixLen {
		return nil, ErrInvalidCredential
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash credential: %w", err)
	}

	cred := &models.Credential{
		ID:        uuid.New(),
		KeyPrefix: credential[:KeyPrefixLen],
		KeyHash:   string(hash),
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.Create(ctx, cred); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}
	return cred, nil
}

// GenerateKey mints a new random API key. Shown once at registration.
func GenerateKey() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return "obs_" + base64.RawURLEncoding.EncodeToString(raw), nil
}
