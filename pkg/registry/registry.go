// Package registry implements the authoritative catalog of agents and
// knowledge bases described in spec.md §4.2: creation, validation,
// uniqueness, status updates, and directory-update publication.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
	"github.com/Mindburn-Labs/mesh/pkg/transport"
)

// ErrDuplicate is returned by the Store when a second registration is
// attempted for an identity/kb_id that already exists (I1/I2).
var ErrDuplicate = errors.New("registry: duplicate identity or kb_id")

// ErrNotFound is returned by the Store when a record does not exist.
var ErrNotFound = errors.New("registry: record not found")

// AgentFilter narrows ListAgents (backs Directory's agent filters).
type AgentFilter struct {
	Capability string
	Status     string
	Limit      int
}

// KBFilter narrows ListKBs (backs Directory's kb filters).
type KBFilter struct {
	KBType string
	Status string
	Limit  int
}

// Prober performs the one-shot KB connectivity handshake at
// registration time (spec.md §4.2). It never fails registration: a
// failing probe only leaves the KB's status as offline.
type Prober interface {
	// Probe attempts to reach endpoint for kbType and returns the
	// observed latency. A non-nil error means the probe failed.
	Probe(ctx context.Context, kbType, endpoint string) (time.Duration, error)
}

// Store is the persistence contract the Registry writes through. Two
// implementations ship: InMemoryStore (tests, --lite mode) and
// PostgresStore (production), mirroring the teacher's
// registry.Registry / InMemoryRegistry / PostgresRegistry split.
type Store interface {
	CreateAgent(ctx context.Context, agent meshrpc.Agent) error
	GetAgentByIdentity(ctx context.Context, identity string) (meshrpc.Agent, error)
	GetAgent(ctx context.Context, agentID string) (meshrpc.Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]meshrpc.Agent, error)
	UpdateAgentStatus(ctx context.Context, agentID string, status meshrpc.Status, lastHeartbeat *time.Time) error
	DeregisterAgent(ctx context.Context, agentID string) error

	CreateKB(ctx context.Context, kb meshrpc.KB, credentials map[string]any) error
	GetKB(ctx context.Context, kbID string) (meshrpc.KB, error)
	ListKBs(ctx context.Context, filter KBFilter) ([]meshrpc.KB, error)
	UpdateKBStatus(ctx context.Context, kbID string, status meshrpc.Status, lastCheck *time.Time) error
	DeregisterKB(ctx context.Context, kbID string) error
}

// Registry is the write path: validates, persists, and notifies the
// directory of every accepted registration (spec.md §4.2, I1/I2/I7).
type Registry struct {
	store     Store
	transport transport.Transport
	prober    Prober
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithProber injects a KB connectivity prober. Without one, new KBs are
// recorded as active without a handshake.
func WithProber(p Prober) Option { return func(r *Registry) { r.prober = p } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// New creates a Registry over store, publishing directory updates on tr.
func New(store Store, tr transport.Transport, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{store: store, transport: tr, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAgent validates and persists a new agent record.
func (r *Registry) RegisterAgent(ctx context.Context, req meshrpc.RegisterAgentRequest) (meshrpc.Agent, *meshrpc.Error) {
	if req.Identity == "" {
		return meshrpc.Agent{}, meshrpc.NewError(meshrpc.ErrValidation, "identity is required")
	}
	if req.HealthEndpoint == "" {
		return meshrpc.Agent{}, meshrpc.NewError(meshrpc.ErrValidation, "health_endpoint is required")
	}
	if _, err := url.ParseRequestURI(req.HealthEndpoint); err != nil {
		return meshrpc.Agent{}, meshrpc.NewError(meshrpc.ErrValidation, fmt.Sprintf("health_endpoint is not a valid URL: %v", err))
	}
	if req.Version != "" {
		if _, err := semver.NewVersion(req.Version); err != nil {
			return meshrpc.Agent{}, meshrpc.NewError(meshrpc.ErrValidation, fmt.Sprintf("version is not valid semver: %v", err))
		}
	}
	if unknown, allowed, ok := meshrpc.ValidateOperations("agent", req.Operations); !ok || unknown != "" {
		return meshrpc.Agent{}, meshrpc.NewError(meshrpc.ErrValidation,
			fmt.Sprintf("invalid operation %q, allowed: %v", unknown, allowed))
	}

	agent := meshrpc.Agent{
		AgentID:        uuid.New().String(),
		Identity:       req.Identity,
		Version:        req.Version,
		Capabilities:   req.Capabilities,
		Operations:     req.Operations,
		HealthEndpoint: req.HealthEndpoint,
		Status:         meshrpc.StatusActive,
		RegisteredAt:   r.now().UTC(),
		Metadata:       req.Metadata,
	}

	if err := r.store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return meshrpc.Agent{}, meshrpc.NewError(meshrpc.ErrDuplicate,
				fmt.Sprintf("agent with identity %q already registered", req.Identity))
		}
		return meshrpc.Agent{}, meshrpc.NewError(meshrpc.ErrInternal, err.Error())
	}

	r.publishUpdate(ctx, meshrpc.UpdateAgentRegistered, agent)
	return agent, nil
}

// RegisterKB validates and persists a new knowledge base record,
// running the one-shot connectivity probe if one is configured.
func (r *Registry) RegisterKB(ctx context.Context, req meshrpc.RegisterKBRequest) (meshrpc.KB, *meshrpc.Error) {
	if req.KBID == "" {
		return meshrpc.KB{}, meshrpc.NewError(meshrpc.ErrValidation, "kb_id is required")
	}
	if req.KBType == "" {
		return meshrpc.KB{}, meshrpc.NewError(meshrpc.ErrValidation, "kb_type is required")
	}
	if _, err := url.Parse(req.Endpoint); err != nil || req.Endpoint == "" {
		return meshrpc.KB{}, meshrpc.NewError(meshrpc.ErrValidation, "endpoint is not a valid driver URI")
	}
	if unknown, allowed, ok := meshrpc.ValidateOperations(req.KBType, req.Operations); !ok {
		return meshrpc.KB{}, meshrpc.NewError(meshrpc.ErrValidation, fmt.Sprintf("unknown kb_type %q", req.KBType))
	} else if unknown != "" {
		return meshrpc.KB{}, meshrpc.NewError(meshrpc.ErrValidation,
			fmt.Sprintf("invalid operation %q, allowed: %v", unknown, allowed))
	}

	kb := meshrpc.KB{
		KBID:         req.KBID,
		KBType:       req.KBType,
		Endpoint:     req.Endpoint,
		Operations:   req.Operations,
		Schema:       req.KBSchema,
		Status:       meshrpc.StatusActive,
		RegisteredAt: r.now().UTC(),
		Metadata:     req.Metadata,
	}

	if r.prober != nil {
		latency, probeErr := r.prober.Probe(ctx, req.KBType, req.Endpoint)
		ms := latency.Milliseconds()
		kb.ProbeLatencyMS = &ms
		if probeErr != nil {
			// spec.md §4.2: a failed probe does not reject registration,
			// it only records the KB as offline.
			kb.Status = meshrpc.StatusOffline
			r.logger.Warn("registry: kb connectivity probe failed", "kb_id", req.KBID, "error", probeErr)
		}
	}

	if err := r.store.CreateKB(ctx, kb, req.Credentials); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return meshrpc.KB{}, meshrpc.NewError(meshrpc.ErrDuplicate,
				fmt.Sprintf("kb with id %q already registered", req.KBID))
		}
		return meshrpc.KB{}, meshrpc.NewError(meshrpc.ErrInternal, err.Error())
	}

	r.publishUpdate(ctx, meshrpc.UpdateKBRegistered, kb)
	return kb, nil
}

// UpdateAgentStatus transitions an agent's status (used by the health
// monitor's state machine) and publishes a status_changed notification.
func (r *Registry) UpdateAgentStatus(ctx context.Context, agentID string, status meshrpc.Status) error {
	now := r.now().UTC()
	if err := r.store.UpdateAgentStatus(ctx, agentID, status, &now); err != nil {
		return err
	}
	agent, err := r.store.GetAgent(ctx, agentID)
	if err == nil {
		r.publishUpdate(ctx, meshrpc.UpdateStatusChanged, agent)
	}
	return nil
}

// UpdateKBStatus transitions a KB's status and publishes a
// status_changed notification.
func (r *Registry) UpdateKBStatus(ctx context.Context, kbID string, status meshrpc.Status) error {
	now := r.now().UTC()
	if err := r.store.UpdateKBStatus(ctx, kbID, status, &now); err != nil {
		return err
	}
	kb, err := r.store.GetKB(ctx, kbID)
	if err == nil {
		r.publishUpdate(ctx, meshrpc.UpdateStatusChanged, kb)
	}
	return nil
}

// GetAgent looks up an agent by agent_id.
func (r *Registry) GetAgent(ctx context.Context, agentID string) (meshrpc.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

// GetKB looks up a KB by kb_id.
func (r *Registry) GetKB(ctx context.Context, kbID string) (meshrpc.KB, error) {
	return r.store.GetKB(ctx, kbID)
}

// ListAgents lists agents matching filter.
func (r *Registry) ListAgents(ctx context.Context, filter AgentFilter) ([]meshrpc.Agent, error) {
	return r.store.ListAgents(ctx, filter)
}

// ListKBs lists KBs matching filter.
func (r *Registry) ListKBs(ctx context.Context, filter KBFilter) ([]meshrpc.KB, error) {
	return r.store.ListKBs(ctx, filter)
}

// DeregisterAgent removes an agent from the registry.
func (r *Registry) DeregisterAgent(ctx context.Context, agentID string) error {
	return r.store.DeregisterAgent(ctx, agentID)
}

// DeregisterKB removes a KB from the registry.
func (r *Registry) DeregisterKB(ctx context.Context, kbID string) error {
	return r.store.DeregisterKB(ctx, kbID)
}

// publishUpdate best-effort publishes a directory update. Per spec.md
// §4.2, a publish failure is logged but never rolls back the already
// committed row (I7 only binds the commit → publish ordering, not
// publish success).
func (r *Registry) publishUpdate(ctx context.Context, typ meshrpc.DirectoryUpdateType, data any) {
	if r.transport == nil {
		return
	}
	update := meshrpc.DirectoryUpdate{Type: typ, Timestamp: r.now().UTC(), Data: data}
	raw, err := json.Marshal(update)
	if err != nil {
		r.logger.Warn("registry: failed to marshal directory update", "error", err)
		return
	}
	if err := r.transport.Publish(ctx, "mesh.directory.updates", raw); err != nil {
		r.logger.Warn("registry: failed to publish directory update", "error", err)
	}
}
