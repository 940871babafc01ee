// Package health runs the background probe loop described in spec.md
// §4.9: a ticker-driven sweep that GETs every registered agent's
// health_endpoint and, when a KBPinger is configured, pings every
// registered KB's backend, tracks
// consecutive failures per resource, and flips status between active,
// degraded, and offline through registry.Registry's status setters.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Mindburn-Labs/mesh/pkg/audit"
	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
	"github.com/Mindburn-Labs/mesh/pkg/registry"
)

// KBPinger checks liveness of one KB backend. Adapter drivers implement
// this so the health monitor never needs to know kb_type-specific wire
// details.
type KBPinger interface {
	Ping(ctx context.Context, kb meshrpc.KB) error
}

// KBPingerFunc adapts a plain function to KBPinger.
type KBPingerFunc func(ctx context.Context, kb meshrpc.KB) error

func (f KBPingerFunc) Ping(ctx context.Context, kb meshrpc.KB) error { return f(ctx, kb) }

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the default 30s probe interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithFailThreshold overrides the default 3-consecutive-failure
// active->degraded->offline transition threshold (spec.md §9 Open
// Question, resolved in DESIGN.md).
func WithFailThreshold(n int) Option {
	return func(m *Monitor) { m.failThreshold = n }
}

// WithHTTPClient overrides the default http.Client used to probe agent
// health_endpoints.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.httpClient = c }
}

// WithKBPinger sets the KB liveness checker. Without one, KB probing is
// skipped entirely (kb status is only ever changed by registration or an
// explicit UpdateKBStatus call).
func WithKBPinger(p KBPinger) Option {
	return func(m *Monitor) { m.kbPinger = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

const (
	defaultInterval      = 30 * time.Second
	defaultFailThreshold = 3
)

// Monitor runs the periodic health sweep over every registered agent
// and KB.
type Monitor struct {
	registry      *registry.Registry
	auditLog      *audit.Log
	logger        *slog.Logger
	interval      time.Duration
	failThreshold int
	httpClient    *http.Client
	kbPinger      KBPinger
	now           func() time.Time

	mu         sync.Mutex
	agentFails map[string]int
	kbFails    map[string]int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Monitor over reg. auditLog may be nil, in which case
// status transitions are not audited.
func New(reg *registry.Registry, auditLog *audit.Log, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		registry:      reg,
		auditLog:      auditLog,
		logger:        logger,
		interval:      defaultInterval,
		failThreshold: defaultFailThreshold,
		httpClient:    &http.Client{Timeout: 5 * time.Second},
		now:           time.Now,
		agentFails:    make(map[string]int),
		kbFails:       make(map[string]int),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the ticker-driven sweep loop and blocks until ctx is
// cancelled or Stop is called. It runs one sweep immediately before
// entering the ticker loop, mirroring the teacher's pollLoop shape.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Stop signals Run to exit and blocks until it has.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) sweep(ctx context.Context) {
	m.sweepAgents(ctx)
	if m.kbPinger != nil {
		m.sweepKBs(ctx)
	}
}

func (m *Monitor) sweepAgents(ctx context.Context) {
	agents, err := m.registry.ListAgents(ctx, registry.AgentFilter{Limit: -1})
	if err != nil {
		m.logger.Error("health: list agents failed", "error", err)
		return
	}
	for _, agent := range agents {
		ok := m.probeAgent(ctx, agent)
		m.recordAgentResult(ctx, agent, ok)
	}
}

func (m *Monitor) probeAgent(ctx context.Context, agent meshrpc.Agent) bool {
	reqCtx, cancel := context.WithTimeout(ctx, m.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, agent.HealthEndpoint, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (m *Monitor) recordAgentResult(ctx context.Context, agent meshrpc.Agent, ok bool) {
	next, changed := m.nextStatus(m.agentFails, agent.AgentID, agent.Status, ok)
	if !changed {
		return
	}
	if err := m.registry.UpdateAgentStatus(ctx, agent.AgentID, next); err != nil {
		m.logger.Error("health: update agent status failed", "agent_id", agent.AgentID, "error", err)
		return
	}
	m.audit(ctx, agent.AgentID, agent.Status, next)
}

func (m *Monitor) sweepKBs(ctx context.Context) {
	kbs, err := m.registry.ListKBs(ctx, registry.KBFilter{Limit: -1})
	if err != nil {
		m.logger.Error("health: list kbs failed", "error", err)
		return
	}
	for _, kb := range kbs {
		err := m.kbPinger.Ping(ctx, kb)
		m.recordKBResult(ctx, kb, err == nil)
	}
}

func (m *Monitor) recordKBResult(ctx context.Context, kb meshrpc.KB, ok bool) {
	next, changed := m.nextStatus(m.kbFails, kb.KBID, kb.Status, ok)
	if !changed {
		return
	}
	if err := m.registry.UpdateKBStatus(ctx, kb.KBID, next); err != nil {
		m.logger.Error("health: update kb status failed", "kb_id", kb.KBID, "error", err)
		return
	}
	m.audit(ctx, kb.KBID, kb.Status, next)
}

// nextStatus applies the consecutive-failure counter against current,
// returning the status it should transition to and whether a transition
// is warranted at all. A single success immediately restores active; a
// run of failThreshold consecutive failures moves active->degraded on
// the first crossing and degraded->offline on a second full run.
func (m *Monitor) nextStatus(fails map[string]int, id string, current meshrpc.Status, ok bool) (meshrpc.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok {
		delete(fails, id)
		if current != meshrpc.StatusActive {
			return meshrpc.StatusActive, true
		}
		return current, false
	}

	fails[id]++
	count := fails[id]
	switch {
	case count == m.failThreshold && current == meshrpc.StatusActive:
		return meshrpc.StatusDegraded, true
	case count == 2*m.failThreshold && current == meshrpc.StatusDegraded:
		return meshrpc.StatusOffline, true
	default:
		return current, false
	}
}

func (m *Monitor) audit(ctx context.Context, resourceID string, from, to meshrpc.Status) {
	if m.auditLog == nil {
		return
	}
	event := meshrpc.AuditEvent{
		EventType: meshrpc.EventStatusChange,
		SourceID:  "health-monitor",
		TargetID:  resourceID,
		Outcome:   meshrpc.OutcomeSuccess,
		RequestMetadata: map[string]any{
			"status_from": string(from),
			"status_to":   string(to),
		},
	}
	if err := m.auditLog.Record(ctx, event); err != nil {
		m.logger.Error("health: audit record failed", "error", err)
	}
}
