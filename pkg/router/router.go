// Package router demultiplexes the mesh's inbound request subjects
// (spec.md §6) onto the registry, directory, enforcement, audit, and
// policy admin services.
// It decodes each payload into its typed request struct, schema-validates
// required fields (mirroring firewall.PolicyFirewall's schema-validate-
// then-delegate shape), assigns request_id where the wire schema carries
// one, and serializes the typed reply back onto the wire.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/mesh/pkg/audit"
	"github.com/Mindburn-Labs/mesh/pkg/directory"
	"github.com/Mindburn-Labs/mesh/pkg/enforcement"
	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
	"github.com/Mindburn-Labs/mesh/pkg/policyadmin"
	"github.com/Mindburn-Labs/mesh/pkg/registry"
	"github.com/Mindburn-Labs/mesh/pkg/transport"
)

// Subjects the router binds Reply handlers to (spec.md §6).
const (
	SubjectRegisterAgent = "mesh.registry.agent.register"
	SubjectRegisterKB    = "mesh.registry.kb.register"
	SubjectDirectory     = "mesh.directory.query"
	SubjectKBQuery       = "mesh.routing.kb_query"
	SubjectAgentInvoke   = "mesh.routing.agent_invoke"
	SubjectAuditQuery    = "mesh.audit.query"
	SubjectHealth        = "mesh.health"
	SubjectPolicyUpload  = "mesh.policy.upload"
	SubjectPolicyList    = "mesh.policy.list"
	SubjectPolicyDelete  = "mesh.policy.delete"
)

// Router binds the mesh's wire subjects to the registry, directory, and
// enforcement services.
type Router struct {
	registry    *registry.Registry
	directory   *directory.Directory
	enforcement *enforcement.Service
	auditLog    *audit.Log
	policyAdmin *policyadmin.Admin
	schemas     map[string]*jsonschema.Schema
	logger      *slog.Logger
}

// New creates a Router over the given services. logger and policyAdmin
// may be nil; a nil policyAdmin leaves the mesh.policy.* subjects
// unbound.
func New(reg *registry.Registry, dir *directory.Directory, enf *enforcement.Service, auditLog *audit.Log, policyAdmin *policyadmin.Admin, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		registry:    reg,
		directory:   dir,
		enforcement: enf,
		auditLog:    auditLog,
		policyAdmin: policyAdmin,
		schemas:     make(map[string]*jsonschema.Schema),
		logger:      logger,
	}
	r.mustCompile(SubjectRegisterAgent, registerAgentSchema)
	r.mustCompile(SubjectRegisterKB, registerKBSchema)
	r.mustCompile(SubjectKBQuery, kbQuerySchema)
	r.mustCompile(SubjectAgentInvoke, agentInvokeSchema)
	r.mustCompile(SubjectPolicyUpload, policyUploadSchema)
	r.mustCompile(SubjectPolicyDelete, policyDeleteSchema)
	return r
}

func (r *Router) mustCompile(subject, schema string) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://mesh.schemas.local/router/" + strings.ReplaceAll(subject, ".", "-") + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("router: failed to load schema for %s: %v", subject, err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("router: failed to compile schema for %s: %v", subject, err))
	}
	r.schemas[subject] = compiled
}

// Bind registers Reply handlers for every subject the router serves.
// Callers that only want a subset should call the individual handler
// methods directly instead.
type subjectBinding struct {
	subject string
	handler transport.ReplyHandler
}

func (r *Router) Bind(ctx context.Context, tr transport.Transport) error {
	bindings := []subjectBinding{
		{SubjectRegisterAgent, r.handleRegisterAgent},
		{SubjectRegisterKB, r.handleRegisterKB},
		{SubjectDirectory, r.handleDirectoryQuery},
		{SubjectKBQuery, r.handleKBQuery},
		{SubjectAgentInvoke, r.handleAgentInvoke},
		{SubjectAuditQuery, r.handleAuditQuery},
		{SubjectHealth, r.handleHealth},
	}
	if r.policyAdmin != nil {
		bindings = append(bindings,
			subjectBinding{SubjectPolicyUpload, r.handlePolicyUpload},
			subjectBinding{SubjectPolicyList, r.handlePolicyList},
			subjectBinding{SubjectPolicyDelete, r.handlePolicyDelete},
		)
	}
	for _, b := range bindings {
		if _, err := tr.Reply(ctx, b.subject, b.handler); err != nil {
			return fmt.Errorf("router: bind %s: %w", b.subject, err)
		}
	}
	return nil
}

// validate decodes payload into a generic map for schema validation, then
// leaves the caller to re-decode into its typed struct. A schema miss
// (subject not registered) is treated as no-op validation.
func (r *Router) validate(subject string, payload []byte) error {
	schema, ok := r.schemas[subject]
	if !ok {
		return nil
	}
	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func (r *Router) handleRegisterAgent(ctx context.Context, payload []byte) ([]byte, error) {
	if err := r.validate(SubjectRegisterAgent, payload); err != nil {
		return json.Marshal(meshrpc.RegisterAgentReply{Error: err.Error(), Code: meshrpc.ErrValidation})
	}
	var req meshrpc.RegisterAgentRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return json.Marshal(meshrpc.RegisterAgentReply{Error: err.Error(), Code: meshrpc.ErrValidation})
	}

	agent, rpcErr := r.registry.RegisterAgent(ctx, req)
	if rpcErr != nil {
		return json.Marshal(meshrpc.RegisterAgentReply{Error: rpcErr.Message, Code: rpcErr.Code})
	}
	return json.Marshal(meshrpc.RegisterAgentReply{
		AgentID: agent.AgentID, Identity: agent.Identity, Version: agent.Version,
		Status: agent.Status, RegisteredAt: agent.RegisteredAt,
	})
}

func (r *Router) handleRegisterKB(ctx context.Context, payload []byte) ([]byte, error) {
	if err := r.validate(SubjectRegisterKB, payload); err != nil {
		return json.Marshal(meshrpc.RegisterKBReply{Error: err.Error(), Code: meshrpc.ErrValidation})
	}
	var req meshrpc.RegisterKBRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return json.Marshal(meshrpc.RegisterKBReply{Error: err.Error(), Code: meshrpc.ErrValidation})
	}

	kb, rpcErr := r.registry.RegisterKB(ctx, req)
	if rpcErr != nil {
		return json.Marshal(meshrpc.RegisterKBReply{Error: rpcErr.Message, Code: rpcErr.Code})
	}
	return json.Marshal(meshrpc.RegisterKBReply{KBID: kb.KBID, Status: kb.Status, RegisteredAt: kb.RegisteredAt})
}

func (r *Router) handleDirectoryQuery(ctx context.Context, payload []byte) ([]byte, error) {
	var req meshrpc.DirectoryQueryRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return json.Marshal(meshrpc.Error{Code: meshrpc.ErrValidation, Message: err.Error()})
		}
	}
	reply, rpcErr := r.directory.Query(ctx, req)
	if rpcErr != nil {
		return json.Marshal(rpcErr)
	}
	return json.Marshal(reply)
}

func (r *Router) handleKBQuery(ctx context.Context, payload []byte) ([]byte, error) {
	if err := r.validate(SubjectKBQuery, payload); err != nil {
		return json.Marshal(meshrpc.KBQueryReply{Status: meshrpc.OutcomeError, Error: err.Error(), Code: meshrpc.ErrValidation})
	}
	var req meshrpc.KBQueryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return json.Marshal(meshrpc.KBQueryReply{Status: meshrpc.OutcomeError, Error: err.Error(), Code: meshrpc.ErrValidation})
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	reply := r.enforcement.QueryKBGoverned(ctx, req)
	return json.Marshal(reply)
}

func (r *Router) handleAgentInvoke(ctx context.Context, payload []byte) ([]byte, error) {
	if err := r.validate(SubjectAgentInvoke, payload); err != nil {
		return json.Marshal(meshrpc.AgentInvokeReply{Status: meshrpc.InvocationError, Error: err.Error(), Code: meshrpc.ErrValidation})
	}
	var req meshrpc.AgentInvokeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return json.Marshal(meshrpc.AgentInvokeReply{Status: meshrpc.InvocationError, Error: err.Error(), Code: meshrpc.ErrValidation})
	}

	reply := r.enforcement.InvokeAgentGoverned(ctx, req)
	return json.Marshal(reply)
}

func (r *Router) handleAuditQuery(ctx context.Context, payload []byte) ([]byte, error) {
	var req meshrpc.AuditQueryRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return json.Marshal(meshrpc.Error{Code: meshrpc.ErrValidation, Message: err.Error()})
		}
	}
	reply, err := r.auditLog.QueryReply(ctx, req)
	if err != nil {
		return json.Marshal(meshrpc.Error{Code: meshrpc.ErrInternal, Message: err.Error()})
	}
	return json.Marshal(reply)
}

// handleHealth answers mesh.health with a snapshot derived from the
// registry's current agent and KB statuses (spec.md §6): "healthy" if
// every resource is active, "degraded" otherwise. components maps each
// resource ID to its status string.
func (r *Router) handleHealth(ctx context.Context, payload []byte) ([]byte, error) {
	components := make(map[string]string)
	overall := "healthy"

	agents, err := r.registry.ListAgents(ctx, registry.AgentFilter{Limit: -1})
	if err != nil {
		return json.Marshal(meshrpc.HealthReply{Status: "degraded", Components: components})
	}
	for _, a := range agents {
		components[a.AgentID] = string(a.Status)
		if a.Status != meshrpc.StatusActive {
			overall = "degraded"
		}
	}

	kbs, err := r.registry.ListKBs(ctx, registry.KBFilter{Limit: -1})
	if err != nil {
		return json.Marshal(meshrpc.HealthReply{Status: "degraded", Components: components})
	}
	for _, kb := range kbs {
		components[kb.KBID] = string(kb.Status)
		if kb.Status != meshrpc.StatusActive {
			overall = "degraded"
		}
	}

	return json.Marshal(meshrpc.HealthReply{Status: overall, Components: components})
}

func (r *Router) handlePolicyUpload(ctx context.Context, payload []byte) ([]byte, error) {
	if err := r.validate(SubjectPolicyUpload, payload); err != nil {
		return json.Marshal(meshrpc.PolicyUploadReply{Error: err.Error(), Code: meshrpc.ErrValidation})
	}
	var req meshrpc.PolicyUploadRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return json.Marshal(meshrpc.PolicyUploadReply{Error: err.Error(), Code: meshrpc.ErrValidation})
	}

	policy, err := r.policyAdmin.UploadPolicy(ctx, req.PolicyID, req.Body, req.Precedence, req.Persist)
	if err != nil {
		return json.Marshal(meshrpc.PolicyUploadReply{Error: err.Error(), Code: meshrpc.ErrEvaluatorUnavailable})
	}
	return json.Marshal(meshrpc.PolicyUploadReply{Policy: &policy})
}

func (r *Router) handlePolicyList(ctx context.Context, payload []byte) ([]byte, error) {
	policies, err := r.policyAdmin.ListPolicies(ctx)
	if err != nil {
		return json.Marshal(meshrpc.PolicyListReply{Error: err.Error(), Code: meshrpc.ErrInternal})
	}
	return json.Marshal(meshrpc.PolicyListReply{Policies: policies})
}

func (r *Router) handlePolicyDelete(ctx context.Context, payload []byte) ([]byte, error) {
	if err := r.validate(SubjectPolicyDelete, payload); err != nil {
		return json.Marshal(meshrpc.PolicyDeleteReply{Error: err.Error(), Code: meshrpc.ErrValidation})
	}
	var req meshrpc.PolicyDeleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return json.Marshal(meshrpc.PolicyDeleteReply{Error: err.Error(), Code: meshrpc.ErrValidation})
	}

	if err := r.policyAdmin.DeletePolicy(ctx, req.PolicyID); err != nil {
		return json.Marshal(meshrpc.PolicyDeleteReply{Error: err.Error(), Code: meshrpc.ErrEvaluatorUnavailable})
	}
	return json.Marshal(meshrpc.PolicyDeleteReply{Deleted: true})
}

const registerAgentSchema = `{
	"type": "object",
	"required": ["identity", "health_endpoint"],
	"properties": {
		"identity": {"type": "string", "minLength": 1},
		"health_endpoint": {"type": "string", "minLength": 1}
	}
}`

const registerKBSchema = `{
	"type": "object",
	"required": ["kb_id", "kb_type", "endpoint"],
	"properties": {
		"kb_id": {"type": "string", "minLength": 1},
		"kb_type": {"type": "string", "minLength": 1},
		"endpoint": {"type": "string", "minLength": 1}
	}
}`

const kbQuerySchema = `{
	"type": "object",
	"required": ["requester_id", "kb_id", "operation"],
	"properties": {
		"requester_id": {"type": "string", "minLength": 1},
		"kb_id": {"type": "string", "minLength": 1},
		"operation": {"type": "string", "minLength": 1}
	}
}`

const agentInvokeSchema = `{
	"type": "object",
	"required": ["source_agent_id", "target_agent_id", "operation"],
	"properties": {
		"source_agent_id": {"type": "string", "minLength": 1},
		"target_agent_id": {"type": "string", "minLength": 1},
		"operation": {"type": "string", "minLength": 1}
	}
}`

const policyUploadSchema = `{
	"type": "object",
	"required": ["policy_id", "body"],
	"properties": {
		"policy_id": {"type": "string", "minLength": 1},
		"body": {"type": "string", "minLength": 1}
	}
}`

const policyDeleteSchema = `{
	"type": "object",
	"required": ["policy_id"],
	"properties": {
		"policy_id": {"type": "string", "minLength": 1}
	}
}`
