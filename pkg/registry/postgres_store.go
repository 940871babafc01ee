package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
)

// PostgresStore implements Store with SQL persistence, mirroring the
// teacher's registry.PostgresRegistry: raw database/sql with
// github.com/lib/pq, upsert-free inserts guarded by UNIQUE constraints
// for I1/I2, JSONB columns for the opaque fields.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-open *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id TEXT PRIMARY KEY,
	identity TEXT UNIQUE NOT NULL,
	version TEXT,
	capabilities JSONB,
	operations JSONB,
	schemas JSONB,
	health_endpoint TEXT,
	status TEXT NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL,
	last_heartbeat TIMESTAMPTZ,
	metadata JSONB
);

CREATE TABLE IF NOT EXISTS knowledge_bases (
	kb_id TEXT PRIMARY KEY,
	kb_type TEXT NOT NULL,
	endpoint TEXT,
	operations JSONB,
	schema JSONB,
	credentials JSONB,
	status TEXT NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL,
	last_health_check TIMESTAMPTZ,
	metadata JSONB,
	probe_latency_ms BIGINT
);

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL
);
`

// Init creates the registry tables if they do not already exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (1, $1) ON CONFLICT DO NOTHING`,
		time.Now().UTC())
	return err
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent meshrpc.Agent) error {
	caps, _ := json.Marshal(agent.Capabilities)
	ops, _ := json.Marshal(agent.Operations)
	schemas, _ := json.Marshal(agent.Schemas)
	meta, _ := json.Marshal(agent.Metadata)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, identity, version, capabilities, operations, schemas, health_endpoint, status, registered_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, agent.AgentID, agent.Identity, agent.Version, caps, ops, schemas, agent.HealthEndpoint, agent.Status, agent.RegisteredAt, meta)

	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetAgentByIdentity(ctx context.Context, identity string) (meshrpc.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, identity, version, capabilities, operations, schemas, health_endpoint, status, registered_at, last_heartbeat, metadata
		FROM agents WHERE identity = $1
	`, identity)
	return scanAgent(row)
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (meshrpc.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, identity, version, capabilities, operations, schemas, health_endpoint, status, registered_at, last_heartbeat, metadata
		FROM agents WHERE agent_id = $1
	`, agentID)
	return scanAgent(row)
}

func (s *PostgresStore) ListAgents(ctx context.Context, filter AgentFilter) ([]meshrpc.Agent, error) {
	query := `
		SELECT agent_id, identity, version, capabilities, operations, schemas, health_endpoint, status, registered_at, last_heartbeat, metadata
		FROM agents WHERE 1=1
	`
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY registered_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []meshrpc.Agent
	for rows.Next() {
		agent, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		if filter.Capability != "" && !containsStr(agent.Capabilities, filter.Capability) {
			continue
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return applyLimit(out, filter.Limit), nil
}

func (s *PostgresStore) UpdateAgentStatus(ctx context.Context, agentID string, status meshrpc.Status, lastHeartbeat *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = $1, last_heartbeat = $2 WHERE agent_id = $3`,
		status, lastHeartbeat, agentID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *PostgresStore) DeregisterAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *PostgresStore) CreateKB(ctx context.Context, kb meshrpc.KB, credentials map[string]any) error {
	ops, _ := json.Marshal(kb.Operations)
	schema, _ := json.Marshal(kb.Schema)
	meta, _ := json.Marshal(kb.Metadata)
	creds, _ := json.Marshal(credentials)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_bases (kb_id, kb_type, endpoint, operations, schema, credentials, status, registered_at, metadata, probe_latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, kb.KBID, kb.KBType, kb.Endpoint, ops, schema, creds, kb.Status, kb.RegisteredAt, meta, kb.ProbeLatencyMS)

	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetKB(ctx context.Context, kbID string) (meshrpc.KB, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kb_id, kb_type, endpoint, operations, schema, status, registered_at, last_health_check, metadata, probe_latency_ms
		FROM knowledge_bases WHERE kb_id = $1
	`, kbID)
	return scanKB(row)
}

func (s *PostgresStore) ListKBs(ctx context.Context, filter KBFilter) ([]meshrpc.KB, error) {
	query := `
		SELECT kb_id, kb_type, endpoint, operations, schema, status, registered_at, last_health_check, metadata, probe_latency_ms
		FROM knowledge_bases WHERE 1=1
	`
	var args []any
	if filter.KBType != "" {
		args = append(args, filter.KBType)
		query += fmt.Sprintf(" AND kb_type = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY registered_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []meshrpc.KB
	for rows.Next() {
		kb, err := scanKBRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, kb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return applyLimit(out, filter.Limit), nil
}

func (s *PostgresStore) UpdateKBStatus(ctx context.Context, kbID string, status meshrpc.Status, lastCheck *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_bases SET status = $1, last_health_check = $2 WHERE kb_id = $3`,
		status, lastCheck, kbID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func (s *PostgresStore) DeregisterKB(ctx context.Context, kbID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE kb_id = $1`, kbID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// rowScanner abstracts sql.Row / sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (meshrpc.Agent, error) {
	return scanAgentRows(row)
}

func scanAgentRows(row rowScanner) (meshrpc.Agent, error) {
	var a meshrpc.Agent
	var caps, ops, schemas, meta []byte
	var lastHeartbeat sql.NullTime

	err := row.Scan(&a.AgentID, &a.Identity, &a.Version, &caps, &ops, &schemas, &a.HealthEndpoint,
		&a.Status, &a.RegisteredAt, &lastHeartbeat, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return meshrpc.Agent{}, ErrNotFound
	}
	if err != nil {
		return meshrpc.Agent{}, err
	}
	_ = json.Unmarshal(caps, &a.Capabilities)
	_ = json.Unmarshal(ops, &a.Operations)
	_ = json.Unmarshal(schemas, &a.Schemas)
	_ = json.Unmarshal(meta, &a.Metadata)
	if lastHeartbeat.Valid {
		a.LastHeartbeat = &lastHeartbeat.Time
	}
	return a, nil
}

func scanKB(row rowScanner) (meshrpc.KB, error) {
	return scanKBRows(row)
}

func scanKBRows(row rowScanner) (meshrpc.KB, error) {
	var kb meshrpc.KB
	var ops, schema, meta []byte
	var lastCheck sql.NullTime
	var probeMS sql.NullInt64

	err := row.Scan(&kb.KBID, &kb.KBType, &kb.Endpoint, &ops, &schema,
		&kb.Status, &kb.RegisteredAt, &lastCheck, &meta, &probeMS)
	if errors.Is(err, sql.ErrNoRows) {
		return meshrpc.KB{}, ErrNotFound
	}
	if err != nil {
		return meshrpc.KB{}, err
	}
	_ = json.Unmarshal(ops, &kb.Operations)
	_ = json.Unmarshal(schema, &kb.Schema)
	_ = json.Unmarshal(meta, &kb.Metadata)
	if lastCheck.Valid {
		kb.LastHealthCheck = &lastCheck.Time
	}
	if probeMS.Valid {
		kb.ProbeLatencyMS = &probeMS.Int64
	}
	return kb, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
