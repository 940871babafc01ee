package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mesh/pkg/audit"
	"github.com/Mindburn-Labs/mesh/pkg/directory"
	"github.com/Mindburn-Labs/mesh/pkg/enforcement"
	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
	"github.com/Mindburn-Labs/mesh/pkg/policyadmin"
	"github.com/Mindburn-Labs/mesh/pkg/policyclient"
	"github.com/Mindburn-Labs/mesh/pkg/registry"
	"github.com/Mindburn-Labs/mesh/pkg/transport"
)

func newTestRouter(t *testing.T, allow bool) (*Router, transport.Transport) {
	t.Helper()
	tr := transport.NewInMemoryTransport()
	reg := registry.New(registry.NewInMemoryStore(), tr, nil)
	dir := directory.New(reg)
	auditLog := audit.New(audit.NewInMemoryStore())

	stored := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			decision := meshrpc.PolicyDecision{Allow: allow, Reason: "test"}
			_ = json.NewEncoder(w).Encode(map[string]any{"result": decision})
		case r.Method == http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			stored[r.URL.Path] = string(body)
		case r.Method == http.MethodDelete:
			delete(stored, r.URL.Path)
		case r.Method == http.MethodGet:
			body, ok := stored[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(body))
		}
	}))
	t.Cleanup(srv.Close)
	policy := policyclient.New(policyclient.Config{BaseURL: srv.URL})
	admin := policyadmin.New(policy, policyadmin.NewInMemoryStore(), "")

	enf := enforcement.New(reg, policy, auditLog, tr, nil)
	return New(reg, dir, enf, auditLog, admin, nil), tr
}

func TestHandleRegisterAgentValidates(t *testing.T) {
	r, _ := newTestRouter(t, true)
	raw, err := r.handleRegisterAgent(context.Background(), []byte(`{}`))
	require.NoError(t, err)

	var reply meshrpc.RegisterAgentReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, meshrpc.ErrValidation, reply.Code)
}

func TestHandleRegisterAgentSucceeds(t *testing.T) {
	r, _ := newTestRouter(t, true)
	body, err := json.Marshal(meshrpc.RegisterAgentRequest{Identity: "agent-1", HealthEndpoint: "https://agent-1.internal/health"})
	require.NoError(t, err)

	raw, err := r.handleRegisterAgent(context.Background(), body)
	require.NoError(t, err)

	var reply meshrpc.RegisterAgentReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Empty(t, reply.Error)
	assert.Equal(t, "agent-1", reply.Identity)
	assert.NotEmpty(t, reply.AgentID)
}

func TestHandleRegisterKBSucceeds(t *testing.T) {
	r, _ := newTestRouter(t, true)
	body, err := json.Marshal(meshrpc.RegisterKBRequest{
		KBID: "kb-1", KBType: "postgres", Endpoint: "postgres://db/orders", Operations: []string{"sql_query"},
	})
	require.NoError(t, err)

	raw, err := r.handleRegisterKB(context.Background(), body)
	require.NoError(t, err)

	var reply meshrpc.RegisterKBReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Empty(t, reply.Error)
	assert.Equal(t, "kb-1", reply.KBID)
}

func TestHandleDirectoryQueryEmpty(t *testing.T) {
	r, _ := newTestRouter(t, true)
	raw, err := r.handleDirectoryQuery(context.Background(), []byte(`{"type":"agents"}`))
	require.NoError(t, err)

	var reply meshrpc.DirectoryQueryReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, 0, reply.TotalCount)
}

func TestHandleKBQueryRejectsMissingFields(t *testing.T) {
	r, _ := newTestRouter(t, true)
	raw, err := r.handleKBQuery(context.Background(), []byte(`{"kb_id":"kb-1"}`))
	require.NoError(t, err)

	var reply meshrpc.KBQueryReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, meshrpc.OutcomeError, reply.Status)
	assert.Equal(t, meshrpc.ErrValidation, reply.Code)
}

func TestHandleKBQueryUnknownKBReturnsError(t *testing.T) {
	r, _ := newTestRouter(t, true)
	body, err := json.Marshal(meshrpc.KBQueryRequest{RequesterID: "agent-1", KBID: "missing-kb", Operation: "sql_query"})
	require.NoError(t, err)

	raw, err := r.handleKBQuery(context.Background(), body)
	require.NoError(t, err)

	var reply meshrpc.KBQueryReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, meshrpc.ErrUnknownResource, reply.Code)
}

func TestHandleAgentInvokeRejectsMissingFields(t *testing.T) {
	r, _ := newTestRouter(t, true)
	raw, err := r.handleAgentInvoke(context.Background(), []byte(`{"source_agent_id":"agent-1"}`))
	require.NoError(t, err)

	var reply meshrpc.AgentInvokeReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, meshrpc.InvocationError, reply.Status)
	assert.Equal(t, meshrpc.ErrValidation, reply.Code)
}

func TestHandleAuditQueryReturnsEmptyInitially(t *testing.T) {
	r, _ := newTestRouter(t, true)
	raw, err := r.handleAuditQuery(context.Background(), []byte(`{}`))
	require.NoError(t, err)

	var reply meshrpc.AuditQueryReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, 0, reply.TotalCount)
}

func TestHandleHealthAllActive(t *testing.T) {
	r, _ := newTestRouter(t, true)
	body, err := json.Marshal(meshrpc.RegisterAgentRequest{Identity: "agent-h", HealthEndpoint: "https://agent-h.internal/health"})
	require.NoError(t, err)
	_, err = r.handleRegisterAgent(context.Background(), body)
	require.NoError(t, err)

	raw, err := r.handleHealth(context.Background(), nil)
	require.NoError(t, err)

	var reply meshrpc.HealthReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, "healthy", reply.Status)
	assert.Len(t, reply.Components, 1)
}

func TestHandlePolicyUploadAndList(t *testing.T) {
	r, _ := newTestRouter(t, true)
	body, err := json.Marshal(meshrpc.PolicyUploadRequest{PolicyID: "p1", Body: "package mesh\nallow = true"})
	require.NoError(t, err)

	raw, err := r.handlePolicyUpload(context.Background(), body)
	require.NoError(t, err)

	var uploadReply meshrpc.PolicyUploadReply
	require.NoError(t, json.Unmarshal(raw, &uploadReply))
	require.Empty(t, uploadReply.Error)
	require.NotNil(t, uploadReply.Policy)
	assert.Equal(t, "p1", uploadReply.Policy.PolicyID)

	raw, err = r.handlePolicyList(context.Background(), nil)
	require.NoError(t, err)

	var listReply meshrpc.PolicyListReply
	require.NoError(t, json.Unmarshal(raw, &listReply))
	require.Len(t, listReply.Policies, 1)
	assert.Equal(t, "p1", listReply.Policies[0].PolicyID)
}

func TestHandlePolicyUploadValidates(t *testing.T) {
	r, _ := newTestRouter(t, true)
	raw, err := r.handlePolicyUpload(context.Background(), []byte(`{}`))
	require.NoError(t, err)

	var reply meshrpc.PolicyUploadReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, meshrpc.ErrValidation, reply.Code)
}

func TestHandlePolicyDelete(t *testing.T) {
	r, _ := newTestRouter(t, true)
	body, err := json.Marshal(meshrpc.PolicyUploadRequest{PolicyID: "p2", Body: "package mesh\nallow = true"})
	require.NoError(t, err)
	_, err = r.handlePolicyUpload(context.Background(), body)
	require.NoError(t, err)

	body, err = json.Marshal(meshrpc.PolicyDeleteRequest{PolicyID: "p2"})
	require.NoError(t, err)
	raw, err := r.handlePolicyDelete(context.Background(), body)
	require.NoError(t, err)

	var reply meshrpc.PolicyDeleteReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.True(t, reply.Deleted)
	assert.Empty(t, reply.Error)
}

func TestBindRegistersPolicySubjectsWhenAdminPresent(t *testing.T) {
	r, tr := newTestRouter(t, true)
	require.NoError(t, r.Bind(context.Background(), tr))

	body, err := json.Marshal(meshrpc.PolicyUploadRequest{PolicyID: "p3", Body: "package mesh\nallow = true"})
	require.NoError(t, err)

	raw, reqErr := tr.Request(context.Background(), SubjectPolicyUpload, body, 2*time.Second)
	require.NoError(t, reqErr)

	var reply meshrpc.PolicyUploadReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.NotNil(t, reply.Policy)
	assert.Equal(t, "p3", reply.Policy.PolicyID)
}

func TestBindOmitsPolicySubjectsWhenAdminNil(t *testing.T) {
	tr := transport.NewInMemoryTransport()
	reg := registry.New(registry.NewInMemoryStore(), tr, nil)
	dir := directory.New(reg)
	auditLog := audit.New(audit.NewInMemoryStore())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": meshrpc.PolicyDecision{Allow: true}})
	}))
	t.Cleanup(srv.Close)
	policy := policyclient.New(policyclient.Config{BaseURL: srv.URL})
	enf := enforcement.New(reg, policy, auditLog, tr, nil)
	r := New(reg, dir, enf, auditLog, nil, nil)
	require.NoError(t, r.Bind(context.Background(), tr))

	_, reqErr := tr.Request(context.Background(), SubjectPolicyUpload, []byte(`{}`), 200*time.Millisecond)
	assert.Error(t, reqErr)
}

func TestBindRegistersAllSubjects(t *testing.T) {
	r, tr := newTestRouter(t, true)
	require.NoError(t, r.Bind(context.Background(), tr))

	body, err := json.Marshal(meshrpc.RegisterAgentRequest{Identity: "agent-2", HealthEndpoint: "https://agent-2.internal/health"})
	require.NoError(t, err)

	raw, reqErr := tr.Request(context.Background(), SubjectRegisterAgent, body, 2*time.Second)
	require.NoError(t, reqErr)

	var reply meshrpc.RegisterAgentReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.Equal(t, "agent-2", reply.Identity)
}
