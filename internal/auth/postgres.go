package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/observatoryhq/observatory/pkg/models"
)

// PostgresStore is the production credential registry, backed by pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) GetByPrefix(ctx context.Context, prefix string) ([]*models.Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, key_prefix, key_hash, tier, last_used_at, created_at
		 FROM credentials WHERE key_prefix = $1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get credentials by prefix: %w", err)
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		var c models.Credential
		if err := rows.Scan(&c.ID, &c.KeyPrefix, &c.KeyHash, &c.Tier, &c.LastUsedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}

func (s *PostgresStore) Create(ctx context.Context, cred *models.Credential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credentials (id, key_prefix, key_hash, tier, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		cred.ID, cred.KeyPrefix, cred.KeyHash, cred.Tier, cred.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateLastUsed(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update credential last_used_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
