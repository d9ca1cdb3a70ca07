package multisig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// PGStore is the Postgres-backed manifest store. Approvals and audit event
// links live as JSONB on the manifest row.
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
	CREATE TABLE IF NOT EXISTS upgrade_manifests (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		payload JSONB NOT NULL,
		required_approvals INTEGER NOT NULL,
		threshold_set JSONB NOT NULL,
		state TEXT NOT NULL,
		approvals JSONB NOT NULL DEFAULT '[]',
		audit_event_ids JSONB NOT NULL DEFAULT '[]',
		submitted_by TEXT NOT NULL DEFAULT '',
		entity TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS upgrade_manifests_state_idx ON upgrade_manifests (state);
	CREATE INDEX IF NOT EXISTS upgrade_manifests_entity_idx ON upgrade_manifests (entity);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const manifestCols = `SELECT id, target, payload, required_approvals, threshold_set, state,
	approvals, audit_event_ids, submitted_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row rowScanner) (*UpgradeManifest, error) {
	var m UpgradeManifest
	var payload, thresholdSet, approvals, eventIDs []byte
	err := row.Scan(&m.ID, &m.Target, &payload, &m.RequiredApprovals, &thresholdSet,
		&m.State, &approvals, &eventIDs, &m.SubmittedBy, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	for name, pair := range map[string]struct {
		raw []byte
		dst any
	}{
		"payload":         {payload, &m.Payload},
		"threshold_set":   {thresholdSet, &m.ThresholdSet},
		"approvals":       {approvals, &m.Approvals},
		"audit_event_ids": {eventIDs, &m.AuditEventIDs},
	} {
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, fmt.Errorf("multisig pg: unmarshal %s: %w", name, err)
		}
	}
	return &m, nil
}

func marshalFields(m *UpgradeManifest) (payload, thresholdSet, approvals, eventIDs []byte, err error) {
	if payload, err = json.Marshal(m.Payload); err != nil {
		return
	}
	if thresholdSet, err = json.Marshal(m.ThresholdSet); err != nil {
		return
	}
	if m.Approvals == nil {
		approvals = []byte("[]")
	} else if approvals, err = json.Marshal(m.Approvals); err != nil {
		return
	}
	if m.AuditEventIDs == nil {
		eventIDs = []byte("[]")
	} else {
		eventIDs, err = json.Marshal(m.AuditEventIDs)
	}
	return
}

func (s *PGStore) Create(ctx context.Context, m *UpgradeManifest) error {
	payload, thresholdSet, approvals, eventIDs, err := marshalFields(m)
	if err != nil {
		return fmt.Errorf("multisig pg: marshal manifest: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upgrade_manifests
			(id, target, payload, required_approvals, threshold_set, state,
			 approvals, audit_event_ids, submitted_by, entity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.Target, payload, m.RequiredApprovals, thresholdSet, m.State,
		approvals, eventIDs, m.SubmittedBy, m.Entity(), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return errdefs.New(errdefs.KindConflict, "manifest_exists", "manifest id already exists")
		}
		return err
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*UpgradeManifest, error) {
	return scanManifest(s.db.QueryRowContext(ctx,
		manifestCols+` FROM upgrade_manifests WHERE id = $1`, id))
}

func (s *PGStore) Save(ctx context.Context, m *UpgradeManifest) error {
	payload, thresholdSet, approvals, eventIDs, err := marshalFields(m)
	if err != nil {
		return fmt.Errorf("multisig pg: marshal manifest: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE upgrade_manifests SET
			payload = $2, required_approvals = $3, threshold_set = $4, state = $5,
			approvals = $6, audit_event_ids = $7, entity = $8, updated_at = $9
		WHERE id = $1`,
		m.ID, payload, m.RequiredApprovals, thresholdSet, m.State,
		approvals, eventIDs, m.Entity(), m.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) List(ctx context.Context, states ...ManifestState) ([]*UpgradeManifest, error) {
	query := manifestCols + ` FROM upgrade_manifests`
	var args []any
	if len(states) > 0 {
		strs := make([]string, len(states))
		for i, st := range states {
			strs[i] = string(st)
		}
		args = append(args, pq.Array(strs))
		query += ` WHERE state = ANY($1)`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*UpgradeManifest
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) AppliedForEntity(ctx context.Context, entity string) (*UpgradeManifest, error) {
	m, err := scanManifest(s.db.QueryRowContext(ctx,
		manifestCols+` FROM upgrade_manifests WHERE entity = $1 AND state = 'applied'`, entity))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return m, err
}
