package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
)

// PostgresStore persists audit events to the append-only `audit_logs`
// table (SPEC_FULL.md §3). There is no update or delete path: the only
// write operation is Append's INSERT.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-open *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id UUID PRIMARY KEY,
	event_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	target_id TEXT,
	outcome TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	request_metadata JSONB,
	policy_decision JSONB,
	masked_fields JSONB,
	full_request JSONB,
	full_response JSONB,
	provenance_chain JSONB
);
CREATE INDEX IF NOT EXISTS audit_logs_event_type_idx ON audit_logs (event_type);
CREATE INDEX IF NOT EXISTS audit_logs_timestamp_idx ON audit_logs (timestamp);
CREATE INDEX IF NOT EXISTS audit_logs_source_id_idx ON audit_logs (source_id);
CREATE INDEX IF NOT EXISTS audit_logs_target_id_idx ON audit_logs (target_id);
CREATE INDEX IF NOT EXISTS audit_logs_outcome_idx ON audit_logs (outcome);
`

// Init creates the audit_logs table and its indexes if they do not
// already exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, auditSchema)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, event meshrpc.AuditEvent) error {
	reqMeta, _ := json.Marshal(event.RequestMetadata)
	decision, _ := json.Marshal(event.PolicyDecision)
	masked, _ := json.Marshal(event.MaskedFields)
	fullReq, _ := json.Marshal(event.FullRequest)
	fullResp, _ := json.Marshal(event.FullResponse)
	provenance, _ := json.Marshal(event.ProvenanceChain)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, event_type, source_id, target_id, outcome, timestamp,
			request_metadata, policy_decision, masked_fields, full_request, full_response, provenance_chain)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, event.ID, event.EventType, event.SourceID, event.TargetID, event.Outcome, event.Timestamp,
		reqMeta, decision, masked, fullReq, fullResp, provenance)
	return err
}

func (s *PostgresStore) Query(ctx context.Context, filter Filter) ([]meshrpc.AuditEvent, error) {
	query := `
		SELECT id, event_type, source_id, target_id, outcome, timestamp,
			request_metadata, policy_decision, masked_fields, full_request, full_response, provenance_chain
		FROM audit_logs WHERE 1=1
	`
	var args []any
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if filter.SourceID != "" {
		args = append(args, filter.SourceID)
		query += fmt.Sprintf(" AND source_id = $%d", len(args))
	}
	if filter.TargetID != "" {
		args = append(args, filter.TargetID)
		query += fmt.Sprintf(" AND target_id = $%d", len(args))
	}
	if filter.Outcome != "" {
		args = append(args, filter.Outcome)
		query += fmt.Sprintf(" AND outcome = $%d", len(args))
	}
	if filter.StartTime != nil {
		args = append(args, *filter.StartTime)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if filter.EndTime != nil {
		args = append(args, *filter.EndTime)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []meshrpc.AuditEvent
	for rows.Next() {
		var e meshrpc.AuditEvent
		var reqMeta, decision, masked, fullReq, fullResp, provenance []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.SourceID, &e.TargetID, &e.Outcome, &e.Timestamp,
			&reqMeta, &decision, &masked, &fullReq, &fullResp, &provenance); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(reqMeta, &e.RequestMetadata)
		_ = json.Unmarshal(decision, &e.PolicyDecision)
		_ = json.Unmarshal(masked, &e.MaskedFields)
		_ = json.Unmarshal(fullReq, &e.FullRequest)
		_ = json.Unmarshal(fullResp, &e.FullResponse)
		_ = json.Unmarshal(provenance, &e.ProvenanceChain)
		out = append(out, e)
	}
	return out, rows.Err()
}
