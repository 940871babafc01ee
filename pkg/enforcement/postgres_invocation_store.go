package enforcement

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
)

// PostgresInvocationStore persists invocation lifecycle rows to the
// `invocations` table.
type PostgresInvocationStore struct {
	db *sql.DB
}

// NewPostgresInvocationStore wraps an already-open *sql.DB.
func NewPostgresInvocationStore(db *sql.DB) *PostgresInvocationStore {
	return &PostgresInvocationStore{db: db}
}

const invocationsSchema = `
CREATE TABLE IF NOT EXISTS invocations (
	tracking_id TEXT PRIMARY KEY,
	source_agent_id TEXT NOT NULL,
	target_agent_id TEXT NOT NULL,
	state TEXT NOT NULL,
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Init creates the invocations table if it does not already exist.
func (s *PostgresInvocationStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, invocationsSchema)
	return err
}

func (s *PostgresInvocationStore) Create(ctx context.Context, inv Invocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invocations (tracking_id, source_agent_id, target_agent_id, state, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
	`, inv.TrackingID, inv.SourceAgentID, inv.TargetAgentID, inv.State, inv.Error)
	return err
}

func (s *PostgresInvocationStore) UpdateState(ctx context.Context, trackingID string, state meshrpc.InvocationState, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invocations SET state = $1, error = $2, updated_at = now() WHERE tracking_id = $3
	`, state, errMsg, trackingID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvocationNotFound
	}
	return nil
}

func (s *PostgresInvocationStore) Get(ctx context.Context, trackingID string) (Invocation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tracking_id, source_agent_id, target_agent_id, state, error, created_at, updated_at
		FROM invocations WHERE tracking_id = $1
	`, trackingID)

	var inv Invocation
	var errMsg sql.NullString
	err := row.Scan(&inv.TrackingID, &inv.SourceAgentID, &inv.TargetAgentID, &inv.State, &errMsg, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Invocation{}, ErrInvocationNotFound
	}
	if err != nil {
		return Invocation{}, err
	}
	inv.Error = errMsg.String
	return inv, nil
}
