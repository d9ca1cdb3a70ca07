package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/veridian-labs/trustplane/pkg/errdefs"
)

// PGRegistry is the Postgres-backed policy registry.
type PGRegistry struct {
	db *sql.DB
}

// NewPGRegistry wraps an open connection and ensures the schema exists.
func NewPGRegistry(db *sql.DB) (*PGRegistry, error) {
	r := &PGRegistry{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PGRegistry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		severity TEXT NOT NULL,
		rule JSONB NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		state TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (name, version)
	);
	CREATE INDEX IF NOT EXISTS policies_state_idx ON policies (state);
	CREATE INDEX IF NOT EXISTS policies_severity_idx ON policies (severity);
	CREATE TABLE IF NOT EXISTS policy_history (
		policy_id TEXT NOT NULL REFERENCES policies (id),
		version INTEGER NOT NULL,
		changes JSONB NOT NULL,
		edited_by TEXT NOT NULL,
		edited_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS policy_history_policy_idx ON policy_history (policy_id);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

const policyCols = `SELECT id, name, version, severity, rule, metadata, state, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var p Policy
	var rule, metadata []byte
	err := row.Scan(&p.ID, &p.Name, &p.Version, &p.Severity, &rule, &metadata,
		&p.State, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Rule = json.RawMessage(rule)
	if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
		return nil, fmt.Errorf("policy pg: unmarshal metadata: %w", err)
	}
	return &p, nil
}

func (r *PGRegistry) Create(ctx context.Context, p *Policy, actor string) error {
	if err := p.Validate(StateDraft); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.State = StateDraft
	p.CreatedBy = actor
	p.CreatedAt = now
	p.UpdatedAt = now

	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("policy pg: marshal metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO policies (id, name, version, severity, rule, metadata, state, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.Name, p.Version, p.Severity, []byte(p.Rule), metadata, p.State, actor, now, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return errdefs.New(errdefs.KindConflict, "policy_exists",
				"policy "+p.Name+" already has this version")
		}
		return err
	}
	if err := recordHistory(ctx, tx, p.ID, p.Version, actor,
		map[string]any{"op": "create", "state": string(StateDraft)}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PGRegistry) Get(ctx context.Context, id string) (*Policy, error) {
	return scanPolicy(r.db.QueryRowContext(ctx, policyCols+` FROM policies WHERE id = $1`, id))
}

func (r *PGRegistry) List(ctx context.Context, states ...State) ([]*Policy, error) {
	query := policyCols + ` FROM policies`
	var args []any
	if len(states) > 0 {
		strs := make([]string, len(states))
		for i, s := range states {
			strs[i] = string(s)
		}
		args = append(args, pq.Array(strs))
		query += ` WHERE state = ANY($1)`
	}
	query += `
		ORDER BY CASE severity
			WHEN 'LOW' THEN 0 WHEN 'MEDIUM' THEN 1 WHEN 'HIGH' THEN 2 ELSE 3
		END, name, version`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PGRegistry) Update(ctx context.Context, p *Policy, actor string) error {
	if err := p.Validate(StateDraft); err != nil {
		return err
	}
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("policy pg: marshal metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE policies SET severity = $2, rule = $3, metadata = $4, updated_at = $5
		WHERE id = $1 AND state = 'draft'`,
		p.ID, p.Severity, []byte(p.Rule), metadata, time.Now().UTC())
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := r.Get(ctx, p.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return errdefs.New(errdefs.KindConflict, "policy_frozen",
			"only draft policies may be edited; publish a new version instead")
	}
	if err := recordHistory(ctx, tx, p.ID, p.Version, actor, map[string]any{"op": "update"}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PGRegistry) Transition(ctx context.Context, id string, to State, actor string) (*Policy, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanPolicy(tx.QueryRowContext(ctx, policyCols+` FROM policies WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if !CanTransition(p.State, to) {
		return nil, errdefs.New(errdefs.KindConflict, "illegal_transition",
			string(p.State)+" → "+string(to)+" is not a legal policy transition")
	}
	if err := p.Validate(to); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if to == StateActive {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, version FROM policies WHERE name = $1 AND id <> $2 AND state = 'active' FOR UPDATE`,
			p.Name, p.ID)
		if err != nil {
			return nil, err
		}
		type prior struct {
			id      string
			version int
		}
		var priors []prior
		for rows.Next() {
			var pr prior
			if err := rows.Scan(&pr.id, &pr.version); err != nil {
				_ = rows.Close()
				return nil, err
			}
			priors = append(priors, pr)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		for _, pr := range priors {
			if _, err := tx.ExecContext(ctx,
				`UPDATE policies SET state = 'deprecated', updated_at = $2 WHERE id = $1`, pr.id, now); err != nil {
				return nil, err
			}
			if err := recordHistory(ctx, tx, pr.id, pr.version, actor,
				map[string]any{"op": "transition", "state": string(StateDeprecated), "superseded_by": p.ID}); err != nil {
				return nil, err
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE policies SET state = $2, updated_at = $3 WHERE id = $1`, p.ID, to, now); err != nil {
		return nil, err
	}
	if err := recordHistory(ctx, tx, p.ID, p.Version, actor,
		map[string]any{"op": "transition", "state": string(to)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	p.State = to
	p.UpdatedAt = now
	return p, nil
}

func (r *PGRegistry) History(ctx context.Context, policyID string) ([]HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT policy_id, version, changes, edited_by, edited_at
		FROM policy_history WHERE policy_id = $1 ORDER BY edited_at ASC`, policyID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var changes []byte
		if err := rows.Scan(&e.PolicyID, &e.Version, &changes, &e.EditedBy, &e.EditedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(changes, &e.Changes); err != nil {
			return nil, fmt.Errorf("policy pg: unmarshal history changes: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func recordHistory(ctx context.Context, tx *sql.Tx, id string, version int, actor string, changes map[string]any) error {
	b, err := json.Marshal(changes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_history (policy_id, version, changes, edited_by, edited_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, version, b, actor, time.Now().UTC())
	return err
}
