package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// APIKeyRecord is a resolved API key lookup.
type APIKeyRecord struct {
	APIKeyID  uuid.UUID
	UserID    uuid.UUID
	KeyPrefix string
}

// Store resolves a hashed API key to its owning user. Implemented against
// Postgres; a test fake satisfying the same interface backs unit tests.
type Store interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (APIKeyRecord, error)
}

// PostgresStore looks up API keys in the api_keys table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore builds a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const apiKeyByHashQuery = `
SELECT id, user_id, key_prefix
FROM api_keys
WHERE key_hash = $1
`

// GetAPIKeyByHash implements Store.
func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, hash string) (APIKeyRecord, error) {
	var rec APIKeyRecord
	err := s.pool.QueryRow(ctx, apiKeyByHashQuery, hash).Scan(&rec.APIKeyID, &rec.UserID, &rec.KeyPrefix)
	if err != nil {
		if err == pgx.ErrNoRows {
			return APIKeyRecord{}, fmt.Errorf("api key not found")
		}
		return APIKeyRecord{}, fmt.Errorf("looking up api key: %w", err)
	}
	return rec, nil
}
