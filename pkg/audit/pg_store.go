package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"

	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// PGStore persists the chain in Postgres. Linearity is enforced by a
// SELECT ... FOR UPDATE on the tail row inside a serializable transaction:
// two concurrent appends can never observe the same prev_hash.
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
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		prev_hash TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL UNIQUE,
		signature TEXT NOT NULL,
		signer_kid TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		manifest_signature_id TEXT,
		retention_expires_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS audit_events_ts_idx ON audit_events (ts);
	CREATE INDEX IF NOT EXISTS audit_events_type_idx ON audit_events (event_type);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PGStore) Append(ctx context.Context, build BuildFunc) (*Event, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	// Tail lock: serializes appends so prev_hash is unique per commit.
	var prev sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1 FOR UPDATE`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, classify(err)
	}

	ev, err := build(prev.String)
	if err != nil {
		return nil, false, err
	}

	// Idempotency by content hash inside the same transaction.
	existing, err := scanEvent(tx.QueryRowContext(ctx, selectCols+` FROM audit_events WHERE hash = $1`, ev.Hash))
	if err == nil {
		if cerr := tx.Commit(); cerr != nil {
			return nil, false, classify(cerr)
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, classify(err)
	}

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("audit pg: marshal payload: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_events
			(id, event_type, payload, prev_hash, hash, signature, signer_kid, ts, manifest_signature_id, retention_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
		RETURNING seq`,
		ev.ID, ev.EventType, payloadJSON, ev.PrevHash, ev.Hash, ev.Signature,
		ev.SignerKID, ev.TS, ev.ManifestSignatureID, ev.RetentionExpiresAt,
	).Scan(&ev.Seq)
	if err != nil {
		return nil, false, classify(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, classify(err)
	}
	return ev, true, nil
}

const selectCols = `SELECT id, seq, event_type, payload, prev_hash, hash, signature, signer_kid, ts,
	COALESCE(manifest_signature_id, ''), retention_expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var payloadJSON []byte
	var retention sql.NullTime
	err := row.Scan(&ev.ID, &ev.Seq, &ev.EventType, &payloadJSON, &ev.PrevHash, &ev.Hash,
		&ev.Signature, &ev.SignerKID, &ev.TS, &ev.ManifestSignatureID, &retention)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if retention.Valid {
		t := retention.Time
		ev.RetentionExpiresAt = &t
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
			return nil, fmt.Errorf("audit pg: unmarshal payload: %w", err)
		}
	}
	ev.TS = ev.TS.UTC()
	return &ev, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, selectCols+` FROM audit_events WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, classify(err)
	}
	return ev, err
}

func (s *PGStore) GetByHash(ctx context.Context, hash string) (*Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, selectCols+` FROM audit_events WHERE hash = $1`, hash))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, classify(err)
	}
	return ev, err
}

func (s *PGStore) Tail(ctx context.Context) (*Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, selectCols+` FROM audit_events ORDER BY seq DESC LIMIT 1`))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, classify(err)
	}
	return ev, err
}

func (s *PGStore) Search(ctx context.Context, q SearchQuery) ([]*Event, error) {
	query := selectCols + ` FROM audit_events WHERE seq > $1`
	args := []any{q.AfterSeq}
	if !q.TimeMin.IsZero() {
		args = append(args, q.TimeMin)
		query += fmt.Sprintf(` AND ts >= $%d`, len(args))
	}
	if q.EventType != "" {
		args = append(args, q.EventType)
		query += fmt.Sprintf(` AND event_type = $%d`, len(args))
	}
	query += ` ORDER BY seq ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// classify tags connection, timeout and serialization errors transient so
// the chain retries them; everything else surfaces as-is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errdefs.Wrap(errdefs.KindTransient, "db_timeout", "database deadline exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errdefs.Wrap(errdefs.KindTransient, "db_connection", "database connection error", err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return errdefs.Wrap(errdefs.KindTransient, "db_serialization", "serialization conflict", err)
		case "08000", "08003", "08006": // connection_exception family
			return errdefs.Wrap(errdefs.KindTransient, "db_connection", "database connection error", err)
		}
	}
	if strings.Contains(err.Error(), "connection refused") || errors.Is(err, sql.ErrConnDone) {
		return errdefs.Wrap(errdefs.KindTransient, "db_connection", "database connection error", err)
	}
	return err
}
