// Package enforcement is the governance core described in spec.md §4.6:
// the only place a query or invocation crosses from "requested" to
// "dispatched", gated by a policy decision and followed by an audit
// write before any reply leaves the process.
package enforcement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/mesh/pkg/audit"
	"github.com/Mindburn-Labs/mesh/pkg/mask"
	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
	"github.com/Mindburn-Labs/mesh/pkg/policyclient"
	"github.com/Mindburn-Labs/mesh/pkg/registry"
	"github.com/Mindburn-Labs/mesh/pkg/transport"
)

// Service implements query_kb_governed and invoke_agent_governed.
type Service struct {
	registry        *registry.Registry
	policy          *policyclient.Client
	auditLog        *audit.Log
	invocations     InvocationStore
	transport       transport.Transport
	dispatchTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDispatchTimeout overrides the per-call adapter/agent dispatch
// timeout. Default 30s.
func WithDispatchTimeout(d time.Duration) Option {
	return func(s *Service) { s.dispatchTimeout = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithInvocationStore overrides the invocation lifecycle store. Default
// is an in-memory store.
func WithInvocationStore(store InvocationStore) Option {
	return func(s *Service) { s.invocations = store }
}

// New creates a Service wiring the registry, policy client, audit log,
// and transport together.
func New(reg *registry.Registry, policy *policyclient.Client, auditLog *audit.Log, tr transport.Transport, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		registry:        reg,
		policy:          policy,
		auditLog:        auditLog,
		invocations:     NewInMemoryInvocationStore(),
		transport:       tr,
		dispatchTimeout: 30 * time.Second,
		logger:          logger,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QueryKBGoverned implements spec.md §4.6's query_kb_governed.
func (s *Service) QueryKBGoverned(ctx context.Context, req meshrpc.KBQueryRequest) meshrpc.KBQueryReply {
	kb, err := s.registry.GetKB(ctx, req.KBID)
	if err != nil {
		reply := meshrpc.KBQueryReply{
			Status: meshrpc.OutcomeError,
			Error:  fmt.Sprintf("KB %s not found in registry", req.KBID),
			Code:   meshrpc.ErrUnknownResource,
		}
		s.auditOrDowngrade(ctx, meshrpc.EventQuery, req.RequesterID, req.KBID, meshrpc.OutcomeError, nil, req, reply)
		return reply
	}

	decision, evalErr := s.policy.Evaluate(ctx, policyclient.EvaluateInput{
		PrincipalType: "agent",
		PrincipalID:   req.RequesterID,
		ResourceType:  "kb",
		ResourceID:    req.KBID,
		Action:        req.Operation,
	})
	if evalErr != nil {
		reply := meshrpc.KBQueryReply{
			Status: meshrpc.OutcomeError,
			Error:  "policy evaluator unavailable",
			Code:   meshrpc.ErrEvaluatorUnavailable,
		}
		s.auditOrDowngrade(ctx, meshrpc.EventQuery, req.RequesterID, req.KBID, meshrpc.OutcomeError, nil, req, reply)
		return reply
	}

	if !decision.Allow {
		reply := meshrpc.KBQueryReply{
			Status: meshrpc.OutcomeDenied,
			Reason: decision.Reason,
			Code:   meshrpc.ErrDenied,
		}
		s.auditOrDowngrade(ctx, meshrpc.EventQuery, req.RequesterID, req.KBID, meshrpc.OutcomeDenied, &decision, req, reply)
		return reply
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	defer cancel()

	adapterReq := meshrpc.AdapterQueryRequest{Operation: req.Operation, Params: req.Params}
	rawReply, dispatchErr := s.dispatch(dispatchCtx, adapterSubject(kb.KBID), adapterReq)
	if dispatchErr != nil {
		reply := meshrpc.KBQueryReply{
			Status: meshrpc.OutcomeError,
			Error:  dispatchErr.Error(),
			Code:   adapterErrorCode(dispatchErr),
		}
		s.auditOrDowngrade(ctx, meshrpc.EventQuery, req.RequesterID, req.KBID, meshrpc.OutcomeError, &decision, req, reply)
		return reply
	}

	masked := mask.Apply(rawReply.Data, decision.MaskingRules)
	now := s.now().UTC()
	reply := meshrpc.KBQueryReply{
		Status: meshrpc.OutcomeSuccess,
		Data:   masked,
		Audit: &meshrpc.KBQueryAudit{
			FieldsMasked:  decision.MaskingRules,
			PolicyVersion: decision.PolicyVersion,
			Timestamp:     now,
		},
	}
	if auditErr := s.auditAndLog(ctx, meshrpc.EventQuery, req.RequesterID, req.KBID, meshrpc.OutcomeSuccess, &decision, req, reply); auditErr != nil {
		return meshrpc.KBQueryReply{Status: meshrpc.OutcomeError, Error: auditErr.Error(), Code: meshrpc.ErrAuditFailure}
	}
	return reply
}

// auditOrDowngrade records an audit event for a reply that is already an
// error/denial and has nothing further to downgrade; it only logs an
// audit write failure, since the reply already reflects a non-success
// outcome.
func (s *Service) auditOrDowngrade(ctx context.Context, eventType meshrpc.EventType, sourceID, targetID string, outcome meshrpc.Outcome, decision *meshrpc.PolicyDecision, request any, reply any) {
	if err := s.auditAndLog(ctx, eventType, sourceID, targetID, outcome, decision, request, reply); err != nil {
		s.logger.Error("enforcement: audit write failed", "error", err, "event_type", eventType, "source_id", sourceID)
	}
}

// GetInvocation looks up an invocation lifecycle row by tracking_id.
func (s *Service) GetInvocation(ctx context.Context, trackingID string) (Invocation, error) {
	return s.invocations.Get(ctx, trackingID)
}

// InvokeAgentGoverned implements spec.md §4.6's invoke_agent_governed.
// It dispatches asynchronously: the reply carries {tracking_id, status}
// immediately, and the terminal state is published on
// mesh.routing.completion once the target agent responds.
func (s *Service) InvokeAgentGoverned(ctx context.Context, req meshrpc.AgentInvokeRequest) meshrpc.AgentInvokeReply {
	_, err := s.registry.GetAgent(ctx, req.TargetAgentID)
	if err != nil {
		reply := meshrpc.AgentInvokeReply{
			Status: meshrpc.InvocationError,
			Error:  fmt.Sprintf("agent %s not found in registry", req.TargetAgentID),
			Code:   meshrpc.ErrUnknownResource,
		}
		s.auditOrDowngrade(ctx, meshrpc.EventInvoke, req.SourceAgentID, req.TargetAgentID, meshrpc.OutcomeError, nil, req, reply)
		return reply
	}

	decision, evalErr := s.policy.Evaluate(ctx, policyclient.EvaluateInput{
		PrincipalType: "agent",
		PrincipalID:   req.SourceAgentID,
		ResourceType:  "agent",
		ResourceID:    req.TargetAgentID,
		Action:        "invoke",
	})
	if evalErr != nil {
		reply := meshrpc.AgentInvokeReply{
			Status: meshrpc.InvocationError,
			Error:  "policy evaluator unavailable",
			Code:   meshrpc.ErrEvaluatorUnavailable,
		}
		s.auditOrDowngrade(ctx, meshrpc.EventInvoke, req.SourceAgentID, req.TargetAgentID, meshrpc.OutcomeError, nil, req, reply)
		return reply
	}

	if !decision.Allow {
		reply := meshrpc.AgentInvokeReply{
			Status: meshrpc.InvocationError,
			Error:  decision.Reason,
			Code:   meshrpc.ErrDenied,
		}
		s.auditOrDowngrade(ctx, meshrpc.EventInvoke, req.SourceAgentID, req.TargetAgentID, meshrpc.OutcomeDenied, &decision, req, reply)
		return reply
	}

	trackingID := uuid.New().String()
	if err := s.invocations.Create(ctx, Invocation{
		TrackingID:    trackingID,
		SourceAgentID: req.SourceAgentID,
		TargetAgentID: req.TargetAgentID,
		State:         meshrpc.InvocationQueued,
	}); err != nil {
		s.logger.Error("enforcement: failed to create invocation row", "error", err, "tracking_id", trackingID)
	}
	queuedReply := meshrpc.AgentInvokeReply{TrackingID: trackingID, Status: meshrpc.InvocationQueued}
	if auditErr := s.auditAndLog(ctx, meshrpc.EventInvoke, req.SourceAgentID, req.TargetAgentID, meshrpc.OutcomeSuccess, &decision, req, queuedReply); auditErr != nil {
		return meshrpc.AgentInvokeReply{Status: meshrpc.InvocationError, Error: auditErr.Error(), Code: meshrpc.ErrAuditFailure}
	}

	go s.runInvocation(trackingID, req, decision)

	return queuedReply
}

// runInvocation carries a queued invocation through processing to its
// terminal state, publishing mesh.routing.completion and an audit event
// when it settles. It runs detached from the original request context
// on its own dispatch-timeout budget.
func (s *Service) runInvocation(trackingID string, req meshrpc.AgentInvokeRequest, decision meshrpc.PolicyDecision) {
	ctx, cancel := context.WithTimeout(context.Background(), s.dispatchTimeout)
	defer cancel()

	if err := s.invocations.UpdateState(ctx, trackingID, meshrpc.InvocationProcessing, ""); err != nil {
		s.logger.Warn("enforcement: failed to mark invocation processing", "error", err, "tracking_id", trackingID)
	}

	// Payloads are forwarded verbatim (spec.md §1 Non-goals); masking
	// applies only to what the mesh itself surfaces back out (replies,
	// audit records), never to the request the target agent receives.
	adapterReq := meshrpc.AdapterQueryRequest{Operation: req.Operation, Params: asParams(req.Payload)}

	_, dispatchErr := s.dispatch(ctx, agentSubject(req.TargetAgentID), adapterReq)

	completion := meshrpc.RoutingCompletion{
		TrackingID:    trackingID,
		SourceAgentID: req.SourceAgentID,
		TargetAgentID: req.TargetAgentID,
		Timestamp:     s.now().UTC(),
	}
	errMsg := ""
	outcome := meshrpc.OutcomeSuccess
	if dispatchErr != nil {
		completion.Status = meshrpc.InvocationError
		completion.Error = dispatchErr.Error()
		errMsg = dispatchErr.Error()
		outcome = meshrpc.OutcomeError
	} else {
		completion.Status = meshrpc.InvocationCompleted
	}
	if err := s.invocations.UpdateState(ctx, trackingID, completion.Status, errMsg); err != nil {
		s.logger.Warn("enforcement: failed to record terminal invocation state", "error", err, "tracking_id", trackingID)
	}

	s.auditOrDowngrade(ctx, meshrpc.EventInvoke, req.SourceAgentID, req.TargetAgentID, outcome, &decision, req, completion)
	s.publishCompletion(ctx, completion)
}

func (s *Service) publishCompletion(ctx context.Context, completion meshrpc.RoutingCompletion) {
	if s.transport == nil {
		return
	}
	raw, err := json.Marshal(completion)
	if err != nil {
		s.logger.Warn("enforcement: failed to marshal routing completion", "error", err)
		return
	}
	if err := s.transport.Publish(ctx, "mesh.routing.completion", raw); err != nil {
		s.logger.Warn("enforcement: failed to publish routing completion", "error", err)
	}
}

func (s *Service) dispatch(ctx context.Context, subject string, req meshrpc.AdapterQueryRequest) (meshrpc.AdapterQueryReply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return meshrpc.AdapterQueryReply{}, fmt.Errorf("marshal adapter request: %w", err)
	}

	raw, err := s.transport.Request(ctx, subject, payload, s.dispatchTimeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return meshrpc.AdapterQueryReply{}, fmt.Errorf("adapter %s timed out: %w", subject, err)
		}
		return meshrpc.AdapterQueryReply{}, fmt.Errorf("adapter %s dispatch failed: %w", subject, err)
	}

	var reply meshrpc.AdapterQueryReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return meshrpc.AdapterQueryReply{}, fmt.Errorf("adapter %s returned malformed reply: %w", subject, err)
	}
	if reply.Status == meshrpc.OutcomeError {
		return meshrpc.AdapterQueryReply{}, errors.New(reply.Error)
	}
	return reply, nil
}

// auditAndLog writes the audit row before the caller's reply is
// considered complete, per spec.md §4.8's "exactly one audit event
// before the reply is sent" invariant. It returns the write error so
// callers on the synchronous reply path can downgrade an
// otherwise-successful reply to AUDIT_FAILURE (spec.md §7) instead of
// silently returning success for an operation nothing was recorded for.
func (s *Service) auditAndLog(ctx context.Context, eventType meshrpc.EventType, sourceID, targetID string, outcome meshrpc.Outcome, decision *meshrpc.PolicyDecision, request, response any) error {
	event := meshrpc.AuditEvent{
		EventType:    eventType,
		SourceID:     sourceID,
		TargetID:     targetID,
		Outcome:      outcome,
		FullRequest:  request,
		FullResponse: response,
	}
	if decision != nil {
		event.PolicyDecision = decision
		event.MaskedFields = decision.MaskingRules
	}
	return s.auditLog.Record(ctx, event)
}

func adapterSubject(kbID string) string   { return fmt.Sprintf("%s.adapter.query", kbID) }
func agentSubject(agentID string) string { return fmt.Sprintf("agent.%s", agentID) }

func adapterErrorCode(err error) meshrpc.ErrorCode {
	if errors.Is(err, transport.ErrTimeout) {
		return meshrpc.ErrTimeout
	}
	return meshrpc.ErrAdapterError
}

func asParams(value any) map[string]any {
	if m, ok := value.(map[string]any); ok {
		return m
	}
	return map[string]any{"payload": value}
}
