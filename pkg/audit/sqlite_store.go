package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore backs the chain in single-node ("lite") deployments. SQLite
// has no row locks, so a store mutex plays the tail-lock role; the database
// still gives durability and the same schema shape as Postgres.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the chain database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		seq INTEGER,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		prev_hash TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL UNIQUE,
		signature TEXT NOT NULL,
		signer_kid TEXT NOT NULL,
		ts TEXT NOT NULL,
		manifest_signature_id TEXT NOT NULL DEFAULT '',
		retention_expires_at TEXT
	);
	CREATE INDEX IF NOT EXISTS audit_events_ts_idx ON audit_events (ts);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, build BuildFunc) (*Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var prev sql.NullString
	var seq sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT hash, seq FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&prev, &seq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	ev, err := build(prev.String)
	if err != nil {
		return nil, false, err
	}

	existing, err := s.scanOne(tx.QueryRowContext(ctx, sqliteCols+` FROM audit_events WHERE hash = ?`, ev.Hash))
	if err == nil {
		if cerr := tx.Commit(); cerr != nil {
			return nil, false, cerr
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("audit sqlite: marshal payload: %w", err)
	}
	ev.Seq = uint64(seq.Int64) + 1

	var retention any
	if ev.RetentionExpiresAt != nil {
		retention = ev.RetentionExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, seq, event_type, payload, prev_hash, hash, signature, signer_kid, ts, manifest_signature_id, retention_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Seq, ev.EventType, string(payloadJSON), ev.PrevHash, ev.Hash,
		ev.Signature, ev.SignerKID, ev.TS.UTC().Format(time.RFC3339Nano),
		ev.ManifestSignatureID, retention)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

const sqliteCols = `SELECT id, seq, event_type, payload, prev_hash, hash, signature, signer_kid, ts, manifest_signature_id, retention_expires_at`

func (s *SQLiteStore) scanOne(row rowScanner) (*Event, error) {
	var ev Event
	var payloadJSON, tsStr string
	var retention sql.NullString
	err := row.Scan(&ev.ID, &ev.Seq, &ev.EventType, &payloadJSON, &ev.PrevHash, &ev.Hash,
		&ev.Signature, &ev.SignerKID, &tsStr, &ev.ManifestSignatureID, &retention)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ev.TS, err = time.Parse(time.RFC3339Nano, tsStr); err != nil {
		return nil, fmt.Errorf("audit sqlite: parse ts: %w", err)
	}
	if retention.Valid {
		t, err := time.Parse(time.RFC3339Nano, retention.String)
		if err != nil {
			return nil, fmt.Errorf("audit sqlite: parse retention: %w", err)
		}
		ev.RetentionExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
		return nil, fmt.Errorf("audit sqlite: unmarshal payload: %w", err)
	}
	return &ev, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Event, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, sqliteCols+` FROM audit_events WHERE id = ?`, id))
}

func (s *SQLiteStore) GetByHash(ctx context.Context, hash string) (*Event, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, sqliteCols+` FROM audit_events WHERE hash = ?`, hash))
}

func (s *SQLiteStore) Tail(ctx context.Context) (*Event, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, sqliteCols+` FROM audit_events ORDER BY seq DESC LIMIT 1`))
}

func (s *SQLiteStore) Search(ctx context.Context, q SearchQuery) ([]*Event, error) {
	query := sqliteCols + ` FROM audit_events WHERE seq > ?`
	args := []any{q.AfterSeq}
	if !q.TimeMin.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, q.TimeMin.UTC().Format(time.RFC3339Nano))
	}
	if q.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, q.EventType)
	}
	query += ` ORDER BY seq ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }
