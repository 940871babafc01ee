package meshrpc

import "time"

// Status is the lifecycle status of a registered agent or KB.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Outcome is the terminal disposition of a governed or registry operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// EventType categorizes an audit event (spec.md §3).
type EventType string

const (
	EventRegister       EventType = "register"
	EventQuery          EventType = "query"
	EventInvoke         EventType = "invoke"
	EventPolicyDecision EventType = "policy_decision"
	EventStatusChange   EventType = "status_change"
)

// Agent is the registry's record for an external agent (spec.md §3).
type Agent struct {
	AgentID        string            `json:"agent_id"`
	Identity       string            `json:"identity"`
	Version        string            `json:"version"`
	Capabilities   []string          `json:"capabilities"`
	Operations     []string          `json:"operations"`
	Schemas        map[string]any    `json:"schemas,omitempty"`
	HealthEndpoint string            `json:"health_endpoint"`
	Status         Status            `json:"status"`
	RegisteredAt   time.Time         `json:"registered_at"`
	LastHeartbeat  *time.Time        `json:"last_heartbeat,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// KB is the registry's record for a knowledge base (spec.md §3).
// Credentials are intentionally not part of this type: they are written
// to the store but never round-tripped back out to callers.
type KB struct {
	KBID            string            `json:"kb_id"`
	KBType          string            `json:"kb_type"`
	Endpoint        string            `json:"endpoint"`
	Operations      []string          `json:"operations"`
	Schema          map[string]any    `json:"schema,omitempty"`
	Status          Status            `json:"status"`
	RegisteredAt    time.Time         `json:"registered_at"`
	LastHealthCheck *time.Time        `json:"last_health_check,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ProbeLatencyMS  *int64            `json:"probe_latency_ms,omitempty"`
}

// Policy is the admin-facing record for a policy document (spec.md §3).
type Policy struct {
	PolicyID  string            `json:"policy_id"`
	Body      string            `json:"body"`
	Precedence int              `json:"precedence"`
	Active    bool              `json:"active"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditEvent is the append-only record described in spec.md §3.
type AuditEvent struct {
	ID              string          `json:"id"`
	EventType       EventType       `json:"event_type"`
	SourceID        string          `json:"source_id"`
	TargetID        string          `json:"target_id,omitempty"`
	Outcome         Outcome         `json:"outcome"`
	Timestamp       time.Time       `json:"timestamp"`
	RequestMetadata map[string]any  `json:"request_metadata,omitempty"`
	PolicyDecision  *PolicyDecision `json:"policy_decision,omitempty"`
	MaskedFields    []string        `json:"masked_fields,omitempty"`
	FullRequest     any             `json:"full_request,omitempty"`
	FullResponse    any             `json:"full_response,omitempty"`
	ProvenanceChain []string        `json:"provenance_chain,omitempty"`
}

// PolicyDecision is the decision returned by the external policy evaluator
// (spec.md §4.4).
type PolicyDecision struct {
	Allow         bool     `json:"allow"`
	MaskingRules  []string `json:"masking_rules,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	PolicyVersion string   `json:"policy_version,omitempty"`
}

// --- Transport envelopes (spec.md §6) ---

// RegisterAgentRequest is the body of mesh.registry.agent.register.
type RegisterAgentRequest struct {
	Identity       string            `json:"identity"`
	Version        string            `json:"version"`
	Capabilities   []string          `json:"capabilities"`
	Operations     []string          `json:"operations"`
	HealthEndpoint string            `json:"health_endpoint"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// RegisterAgentReply is the reply of mesh.registry.agent.register.
type RegisterAgentReply struct {
	AgentID      string    `json:"agent_id,omitempty"`
	Identity     string    `json:"identity,omitempty"`
	Version      string    `json:"version,omitempty"`
	Status       Status    `json:"status,omitempty"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
	Error        string    `json:"error,omitempty"`
	Code         ErrorCode `json:"code,omitempty"`
}

// RegisterKBRequest is the body of mesh.registry.kb.register.
type RegisterKBRequest struct {
	KBID        string            `json:"kb_id"`
	KBType      string            `json:"kb_type"`
	Endpoint    string            `json:"endpoint"`
	Operations  []string          `json:"operations"`
	KBSchema    map[string]any    `json:"kb_schema,omitempty"`
	Credentials map[string]any    `json:"credentials,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RegisterKBReply is the reply of mesh.registry.kb.register.
type RegisterKBReply struct {
	KBID         string    `json:"kb_id,omitempty"`
	Status       Status    `json:"status,omitempty"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
	Error        string    `json:"error,omitempty"`
	Code         ErrorCode `json:"code,omitempty"`
}

// DirectoryQueryRequest is the body of mesh.directory.query.
type DirectoryQueryRequest struct {
	Type             string `json:"type,omitempty"` // "agents" | "kbs" | "both" (empty means both)
	CapabilityFilter string `json:"capability_filter,omitempty"`
	KBTypeFilter     string `json:"kb_type_filter,omitempty"`
	StatusFilter     string `json:"status_filter,omitempty"`
	Limit            *int   `json:"limit,omitempty"`
}

// DirectoryQueryReply is the reply of mesh.directory.query.
type DirectoryQueryReply struct {
	Agents         []Agent        `json:"agents,omitempty"`
	KBs            []KB           `json:"kbs,omitempty"`
	TotalCount     int            `json:"total_count"`
	FiltersApplied map[string]any `json:"filters_applied"`
}

// DirectoryUpdateType categorizes a mesh.directory.updates publication.
type DirectoryUpdateType string

const (
	UpdateAgentRegistered DirectoryUpdateType = "agent_registered"
	UpdateKBRegistered    DirectoryUpdateType = "kb_registered"
	UpdateStatusChanged   DirectoryUpdateType = "status_changed"
)

// DirectoryUpdate is the payload published on mesh.directory.updates.
type DirectoryUpdate struct {
	Type      DirectoryUpdateType `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Data      any                 `json:"data"`
}

// KBQueryRequest is the body of mesh.routing.kb_query.
type KBQueryRequest struct {
	RequesterID string          `json:"requester_id"`
	KBID        string          `json:"kb_id"`
	Operation   string          `json:"operation"`
	Params      map[string]any  `json:"params"`
	RequestID   string          `json:"request_id,omitempty"`
}

// KBQueryAudit is the audit summary embedded in a KBQueryReply.
type KBQueryAudit struct {
	FieldsMasked  []string  `json:"fields_masked"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// KBQueryReply is the reply of mesh.routing.kb_query.
type KBQueryReply struct {
	Status Outcome       `json:"status"`
	Data   any           `json:"data,omitempty"`
	Error  string        `json:"error,omitempty"`
	Code   ErrorCode     `json:"code,omitempty"`
	Reason string        `json:"reason,omitempty"`
	Audit  *KBQueryAudit `json:"audit,omitempty"`
}

// AgentInvokeRequest is the body of mesh.routing.agent_invoke.
type AgentInvokeRequest struct {
	SourceAgentID string         `json:"source_agent_id"`
	TargetAgentID string         `json:"target_agent_id"`
	Operation     string         `json:"operation"`
	Payload       map[string]any `json:"payload"`
}

// InvocationState is a step in the invoke lifecycle state machine
// (spec.md §4.6).
type InvocationState string

const (
	InvocationQueued     InvocationState = "queued"
	InvocationProcessing InvocationState = "processing"
	InvocationCompleted  InvocationState = "completed"
	InvocationError      InvocationState = "error"
)

// AgentInvokeReply is the reply of mesh.routing.agent_invoke.
type AgentInvokeReply struct {
	TrackingID string          `json:"tracking_id,omitempty"`
	Status     InvocationState `json:"status"`
	Error      string          `json:"error,omitempty"`
	Code       ErrorCode       `json:"code,omitempty"`
}

// RoutingCompletion is the payload published on mesh.routing.completion.
type RoutingCompletion struct {
	TrackingID    string          `json:"tracking_id"`
	SourceAgentID string          `json:"source_agent_id"`
	TargetAgentID string          `json:"target_agent_id"`
	Status        InvocationState `json:"status"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// AdapterQueryRequest is the body of {kb_id}.adapter.query.
type AdapterQueryRequest struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
}

// AdapterQueryReply is the reply of {kb_id}.adapter.query.
type AdapterQueryReply struct {
	Status Outcome `json:"status"`
	Data   any     `json:"data,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// AuditQueryRequest is the body of mesh.audit.query.
type AuditQueryRequest struct {
	EventType string `json:"event_type,omitempty"`
	SourceID  string `json:"source_id,omitempty"`
	TargetID  string `json:"target_id,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// AuditQueryReply is the reply of mesh.audit.query.
type AuditQueryReply struct {
	AuditLogs      []AuditEvent   `json:"audit_logs"`
	TotalCount     int            `json:"total_count"`
	FiltersApplied map[string]any `json:"filters_applied"`
}

// HealthReply is the reply of mesh.health.
type HealthReply struct {
	Status     string            `json:"status"` // "healthy" | "degraded"
	Components map[string]string `json:"components"`
}

// PolicyUploadRequest is the body of mesh.policy.upload (spec.md §4.4's
// upload_policy, given a transport subject since §4.10 names Policy
// Admin as its own routed component).
type PolicyUploadRequest struct {
	PolicyID   string `json:"policy_id"`
	Body       string `json:"body"`
	Precedence int    `json:"precedence,omitempty"`
	Persist    bool   `json:"persist,omitempty"`
}

// PolicyUploadReply is the reply of mesh.policy.upload.
type PolicyUploadReply struct {
	Policy *Policy   `json:"policy,omitempty"`
	Error  string    `json:"error,omitempty"`
	Code   ErrorCode `json:"code,omitempty"`
}

// PolicyListReply is the reply of mesh.policy.list.
type PolicyListReply struct {
	Policies []Policy  `json:"policies,omitempty"`
	Error    string    `json:"error,omitempty"`
	Code     ErrorCode `json:"code,omitempty"`
}

// PolicyDeleteRequest is the body of mesh.policy.delete.
type PolicyDeleteRequest struct {
	PolicyID string `json:"policy_id"`
}

// PolicyDeleteReply is the reply of mesh.policy.delete.
type PolicyDeleteReply struct {
	Deleted bool      `json:"deleted"`
	Error   string    `json:"error,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
}
