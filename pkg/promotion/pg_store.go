package promotion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// PGStore is the Postgres-backed promotion store.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open connection and ensures the schema exists.
func NewPGStore(db *sql.DB) (*PGStore, error) {
	s := &PGStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS promotions (
		id TEXT PRIMARY KEY,
		artifact_ref TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		score DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		evaluation JSONB NOT NULL DEFAULT '{}',
		idempotency_key TEXT NOT NULL UNIQUE,
		event_id TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '',
		sentinel_decision JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS promotions_status_idx ON promotions (status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const promotionCols = `SELECT id, artifact_ref, reason, score, status, evaluation,
	idempotency_key, event_id, trace_id, sentinel_decision, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPromotion(row rowScanner) (*Promotion, error) {
	var p Promotion
	var evaluation []byte
	var decision sql.Null[[]byte]
	err := row.Scan(&p.ID, &p.ArtifactRef, &p.Reason, &p.Score, &p.Status, &evaluation,
		&p.IdempotencyKey, &p.EventID, &p.TraceID, &decision, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(evaluation, &p.Evaluation); err != nil {
		return nil, fmt.Errorf("promotion pg: unmarshal evaluation: %w", err)
	}
	if decision.Valid && len(decision.V) > 0 {
		if err := json.Unmarshal(decision.V, &p.SentinelDecision); err != nil {
			return nil, fmt.Errorf("promotion pg: unmarshal sentinel_decision: %w", err)
		}
	}
	return &p, nil
}

func (s *PGStore) Create(ctx context.Context, p *Promotion) error {
	evaluation, decision, err := marshalJSONFields(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO promotions
			(id, artifact_ref, reason, score, status, evaluation, idempotency_key,
			 event_id, trace_id, sentinel_decision, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.ArtifactRef, p.Reason, p.Score, p.Status, evaluation, p.IdempotencyKey,
		p.EventID, p.TraceID, decision, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return errdefs.New(errdefs.KindConflict, "idempotency_key_exists",
				"promotion with this idempotency key already exists")
		}
		return err
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Promotion, error) {
	return scanPromotion(s.db.QueryRowContext(ctx,
		promotionCols+` FROM promotions WHERE id = $1`, id))
}

func (s *PGStore) GetByKey(ctx context.Context, idempotencyKey string) (*Promotion, error) {
	return scanPromotion(s.db.QueryRowContext(ctx,
		promotionCols+` FROM promotions WHERE idempotency_key = $1`, idempotencyKey))
}

func (s *PGStore) Save(ctx context.Context, p *Promotion) error {
	evaluation, decision, err := marshalJSONFields(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE promotions SET
			status = $2, evaluation = $3, event_id = $4, sentinel_decision = $5, updated_at = $6
		WHERE id = $1`,
		p.ID, p.Status, evaluation, p.EventID, decision, p.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalJSONFields(p *Promotion) (evaluation, decision []byte, err error) {
	if p.Evaluation == nil {
		evaluation = []byte("{}")
	} else if evaluation, err = json.Marshal(p.Evaluation); err != nil {
		return nil, nil, fmt.Errorf("promotion pg: marshal evaluation: %w", err)
	}
	if p.SentinelDecision != nil {
		if decision, err = json.Marshal(p.SentinelDecision); err != nil {
			return nil, nil, fmt.Errorf("promotion pg: marshal sentinel_decision: %w", err)
		}
	}
	return evaluation, decision, nil
}
