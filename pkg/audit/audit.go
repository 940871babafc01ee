// Package audit implements the append-only audit log described in
// spec.md §4.8: every governed reply is preceded by a committed audit
// row, heavy fields are capped rather than dropped, and queries support
// the event_type/source_id/target_id/outcome/time-range/limit filter
// set.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
)

// DefaultHeavyMaxBytes is the default cap on full_request/full_response
// before truncation (resolved Open Question, SPEC_FULL.md §9).
const DefaultHeavyMaxBytes = 64 * 1024

const truncationSentinel = "...truncated"

// Filter narrows query_audit_logs (spec.md §4.8). It carries no limit:
// Store implementations return every matching row, and QueryReply
// applies the limit after counting, the same way pkg/directory does,
// so total_count always reflects the full filtered match count.
type Filter struct {
	EventType string
	SourceID  string
	TargetID  string
	Outcome   string
	StartTime *time.Time
	EndTime   *time.Time
}

// Store is the persistence contract for audit events. Two
// implementations ship: InMemoryStore and PostgresStore.
type Store interface {
	Append(ctx context.Context, event meshrpc.AuditEvent) error
	Query(ctx context.Context, filter Filter) ([]meshrpc.AuditEvent, error)
}

// Log is the write/query facade used by the enforcement service and the
// audit query surface.
type Log struct {
	store         Store
	heavyMaxBytes int
	now           func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithHeavyMaxBytes overrides DefaultHeavyMaxBytes.
func WithHeavyMaxBytes(n int) Option { return func(l *Log) { l.heavyMaxBytes = n } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

// New creates a Log over store.
func New(store Store, opts ...Option) *Log {
	l := &Log{store: store, heavyMaxBytes: DefaultHeavyMaxBytes, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record writes event to the store, assigning an ID and timestamp if
// unset, and capping its heavy fields. A write failure must fail the
// governed operation (spec.md §4.8's "no governed reply leaves without
// a corresponding audit row" invariant) — callers propagate the
// returned error as AUDIT_FAILURE.
func (l *Log) Record(ctx context.Context, event meshrpc.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	event.FullRequest = l.capHeavy(event.FullRequest)
	event.FullResponse = l.capHeavy(event.FullResponse)
	return l.store.Append(ctx, event)
}

// DefaultLimit is substituted when a query omits limit entirely.
const DefaultLimit = 100

// QueryReply answers mesh.audit.query, resolving the wire-level Limit
// pointer the same way pkg/directory resolves DirectoryQueryRequest's:
// nil defaults to DefaultLimit, explicit 0 returns an empty audit_logs
// slice while total_count still reflects the full filtered match count,
// and a negative value is treated as unlimited, for symmetry with
// registry.AgentFilter.
func (l *Log) QueryReply(ctx context.Context, req meshrpc.AuditQueryRequest) (meshrpc.AuditQueryReply, error) {
	filter := Filter{
		EventType: req.EventType,
		SourceID:  req.SourceID,
		TargetID:  req.TargetID,
		Outcome:   req.Outcome,
	}
	if req.StartTime != "" {
		if t, err := time.Parse(time.RFC3339, req.StartTime); err == nil {
			filter.StartTime = &t
		}
	}
	if req.EndTime != "" {
		if t, err := time.Parse(time.RFC3339, req.EndTime); err == nil {
			filter.EndTime = &t
		}
	}

	filtersApplied := map[string]any{}
	if req.EventType != "" {
		filtersApplied["event_type"] = req.EventType
	}
	if req.SourceID != "" {
		filtersApplied["source_id"] = req.SourceID
	}
	if req.TargetID != "" {
		filtersApplied["target_id"] = req.TargetID
	}
	if req.Outcome != "" {
		filtersApplied["outcome"] = req.Outcome
	}
	if req.StartTime != "" {
		filtersApplied["start_time"] = req.StartTime
	}
	if req.EndTime != "" {
		filtersApplied["end_time"] = req.EndTime
	}
	if req.Limit != nil {
		filtersApplied["limit"] = *req.Limit
	}

	if filter.StartTime != nil && filter.EndTime != nil && filter.StartTime.After(*filter.EndTime) {
		// spec.md §8 boundary behavior: start_time > end_time returns
		// empty with outcome=success, not an error.
		return meshrpc.AuditQueryReply{AuditLogs: []meshrpc.AuditEvent{}, TotalCount: 0, FiltersApplied: filtersApplied}, nil
	}

	all, err := l.store.Query(ctx, filter)
	if err != nil {
		return meshrpc.AuditQueryReply{}, err
	}

	limit := resolveLimit(req.Limit)
	return meshrpc.AuditQueryReply{
		AuditLogs:      capEvents(all, limit),
		TotalCount:     len(all),
		FiltersApplied: filtersApplied,
	}, nil
}

func resolveLimit(limit *int) int {
	if limit == nil {
		return DefaultLimit
	}
	if *limit == 0 {
		return 0
	}
	if *limit < 0 {
		return -1
	}
	return *limit
}

func capEvents(all []meshrpc.AuditEvent, limit int) []meshrpc.AuditEvent {
	if limit < 0 || limit >= len(all) {
		return all
	}
	return all[:limit]
}

// capHeavy truncates a heavy field's serialized form to heavyMaxBytes,
// appending a truncation sentinel, applied after masking (I5 still
// holds on the truncated prefix).
func (l *Log) capHeavy(value any) any {
	if value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil || len(raw) <= l.heavyMaxBytes {
		return value
	}
	cut := l.heavyMaxBytes
	if cut > len(raw) {
		cut = len(raw)
	}
	return string(raw[:cut]) + truncationSentinel
}
