package server

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PGIdempotencyStore persists idempotency responses so replay protection
// survives restarts.
type PGIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPGIdempotencyStore wraps db; entries older than ttl are treated as
// misses and reaped opportunistically.
func NewPGIdempotencyStore(db *sql.DB, ttl time.Duration) *PGIdempotencyStore {
	return &PGIdempotencyStore{db: db, ttl: ttl}
}

// Schema returns the DDL for the idempotency table.
func (s *PGIdempotencyStore) Schema() string {
	return `
CREATE TABLE IF NOT EXISTS idempotency (
    key          TEXT PRIMARY KEY,
    request_hash TEXT NOT NULL,
    status_code  INT NOT NULL,
    body         BYTEA NOT NULL,
    stored_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_idempotency_stored_at ON idempotency (stored_at);
`
}

func (s *PGIdempotencyStore) Lookup(ctx context.Context, key string) (*StoredResponse, error) {
	resp := &StoredResponse{}
	err := s.db.QueryRowContext(ctx,
		`SELECT request_hash, status_code, body, stored_at FROM idempotency WHERE key = $1`,
		key,
	).Scan(&resp.RequestHash, &resp.StatusCode, &resp.Body, &resp.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Since(resp.StoredAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency WHERE key = $1`, key)
		return nil, nil
	}
	return resp, nil
}

func (s *PGIdempotencyStore) Save(ctx context.Context, key string, resp *StoredResponse) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency (key, request_hash, status_code, body)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO NOTHING`,
		key, resp.RequestHash, resp.StatusCode, resp.Body)
	return err
}

// Cleanup removes entries past the TTL.
func (s *PGIdempotencyStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE stored_at < $1`, time.Now().Add(-s.ttl))
	return err
}
