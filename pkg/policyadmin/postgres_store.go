package policyadmin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
)

// PostgresStore persists policies to the `policies` table (SPEC_FULL.md §3).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-open *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const policiesSchema = `
CREATE TABLE IF NOT EXISTS policies (
	policy_id TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	precedence INT NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	metadata JSONB
);
`

// Init creates the policies table if it does not already exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, policiesSchema)
	return err
}

func (s *PostgresStore) UpsertPolicy(ctx context.Context, policy meshrpc.Policy) error {
	meta, _ := json.Marshal(policy.Metadata)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (policy_id, body, precedence, active, created_at, updated_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (policy_id) DO UPDATE SET
			body = EXCLUDED.body,
			precedence = EXCLUDED.precedence,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at,
			metadata = EXCLUDED.metadata
	`, policy.PolicyID, policy.Body, policy.Precedence, policy.Active, policy.CreatedAt, policy.UpdatedAt, meta)
	return err
}

func (s *PostgresStore) GetPolicy(ctx context.Context, policyID string) (meshrpc.Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT policy_id, body, precedence, active, created_at, updated_at, metadata
		FROM policies WHERE policy_id = $1
	`, policyID)

	var p meshrpc.Policy
	var meta []byte
	err := row.Scan(&p.PolicyID, &p.Body, &p.Precedence, &p.Active, &p.CreatedAt, &p.UpdatedAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return meshrpc.Policy{}, ErrNotFound
	}
	if err != nil {
		return meshrpc.Policy{}, err
	}
	_ = json.Unmarshal(meta, &p.Metadata)
	return p, nil
}

func (s *PostgresStore) ListPolicies(ctx context.Context) ([]meshrpc.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT policy_id, body, precedence, active, created_at, updated_at, metadata
		FROM policies ORDER BY policy_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []meshrpc.Policy
	for rows.Next() {
		var p meshrpc.Policy
		var meta []byte
		if err := rows.Scan(&p.PolicyID, &p.Body, &p.Precedence, &p.Active, &p.CreatedAt, &p.UpdatedAt, &meta); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(meta, &p.Metadata)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeletePolicy(ctx context.Context, policyID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE policy_id = $1`, policyID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
