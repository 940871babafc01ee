package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
	"github.com/Mindburn-Labs/mesh/pkg/transport"
)

func newTestRegistry(t *testing.T) (*Registry, *transport.InMemoryTransport) {
	t.Helper()
	tr := transport.NewInMemoryTransport()
	reg := New(NewInMemoryStore(), tr, nil)
	return reg, tr
}

func TestRegisterAgentDuplicateIdentity(t *testing.T) {
	reg, _ := newTestRegistry(t)
	req := meshrpc.RegisterAgentRequest{
		Identity:       "agent-alpha",
		HealthEndpoint: "https://agent-alpha.internal/health",
		Operations:     []string{"invoke"},
	}

	_, err := reg.RegisterAgent(context.Background(), req)
	require.Nil(t, err)

	_, err2 := reg.RegisterAgent(context.Background(), req)
	require.NotNil(t, err2)
	assert.Equal(t, meshrpc.ErrDuplicate, err2.Code)

	agents, listErr := reg.ListAgents(context.Background(), AgentFilter{Limit: -1})
	require.NoError(t, listErr)
	assert.Len(t, agents, 1)
}

func TestRegisterAgentRejectsMissingHealthEndpoint(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.RegisterAgent(context.Background(), meshrpc.RegisterAgentRequest{Identity: "agent-beta"})
	require.NotNil(t, err)
	assert.Equal(t, meshrpc.ErrValidation, err.Code)
}

func TestRegisterAgentRejectsInvalidSemver(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.RegisterAgent(context.Background(), meshrpc.RegisterAgentRequest{
		Identity:       "agent-gamma",
		HealthEndpoint: "https://agent-gamma.internal/health",
		Version:        "not-a-version",
	})
	require.NotNil(t, err)
	assert.Equal(t, meshrpc.ErrValidation, err.Code)
}

func TestRegisterAgentRejectsUnknownOperation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.RegisterAgent(context.Background(), meshrpc.RegisterAgentRequest{
		Identity:       "agent-delta",
		HealthEndpoint: "https://agent-delta.internal/health",
		Operations:     []string{"not_a_real_operation"},
	})
	require.NotNil(t, err)
	assert.Equal(t, meshrpc.ErrValidation, err.Code)
}

func TestRegisterAgentPublishesDirectoryUpdate(t *testing.T) {
	reg, tr := newTestRegistry(t)

	sub, err := tr.Subscribe(context.Background(), "mesh.directory.updates")
	require.NoError(t, err)
	defer sub.Close()

	_, regErr := reg.RegisterAgent(context.Background(), meshrpc.RegisterAgentRequest{
		Identity:       "agent-epsilon",
		HealthEndpoint: "https://agent-epsilon.internal/health",
	})
	require.Nil(t, regErr)

	select {
	case msg := <-sub.Chan():
		assert.Contains(t, string(msg.Payload), "agent_registered")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for directory update")
	}
}

func TestRegisterKBDuplicateKBID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	req := meshrpc.RegisterKBRequest{
		KBID:       "kb-orders",
		KBType:     "postgres",
		Endpoint:   "postgres://db.internal:5432/orders",
		Operations: []string{"sql_query"},
	}

	_, err := reg.RegisterKB(context.Background(), req)
	require.Nil(t, err)

	_, err2 := reg.RegisterKB(context.Background(), req)
	require.NotNil(t, err2)
	assert.Equal(t, meshrpc.ErrDuplicate, err2.Code)

	kbs, listErr := reg.ListKBs(context.Background(), KBFilter{Limit: -1})
	require.NoError(t, listErr)
	assert.Len(t, kbs, 1)
}

func TestRegisterKBRejectsUnknownKBType(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.RegisterKB(context.Background(), meshrpc.RegisterKBRequest{
		KBID:     "kb-unknown",
		KBType:   "not-a-kb-type",
		Endpoint: "scheme://host",
	})
	require.NotNil(t, err)
	assert.Equal(t, meshrpc.ErrValidation, err.Code)
}

func TestRegisterKBRejectsOperationOutsideVocabulary(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.RegisterKB(context.Background(), meshrpc.RegisterKBRequest{
		KBID:       "kb-orders-2",
		KBType:     "postgres",
		Endpoint:   "postgres://db.internal:5432/orders",
		Operations: []string{"cypher_query"},
	})
	require.NotNil(t, err)
	assert.Equal(t, meshrpc.ErrValidation, err.Code)
}

type failingProber struct{}

func (failingProber) Probe(ctx context.Context, kbType, endpoint string) (time.Duration, error) {
	return 0, assertError{}
}

type assertError struct{}

func (assertError) Error() string { return "probe unreachable" }

func TestRegisterKBFailedProbeLeavesKBOfflineNotRejected(t *testing.T) {
	tr := transport.NewInMemoryTransport()
	reg := New(NewInMemoryStore(), tr, nil, WithProber(failingProber{}))

	kb, err := reg.RegisterKB(context.Background(), meshrpc.RegisterKBRequest{
		KBID:     "kb-flaky",
		KBType:   "postgres",
		Endpoint: "postgres://db.internal:5432/flaky",
	})
	require.Nil(t, err)
	assert.Equal(t, meshrpc.StatusOffline, kb.Status)
}

func TestUpdateAgentStatusPublishesChange(t *testing.T) {
	reg, tr := newTestRegistry(t)
	agent, err := reg.RegisterAgent(context.Background(), meshrpc.RegisterAgentRequest{
		Identity:       "agent-zeta",
		HealthEndpoint: "https://agent-zeta.internal/health",
	})
	require.Nil(t, err)

	sub, subErr := tr.Subscribe(context.Background(), "mesh.directory.updates")
	require.NoError(t, subErr)
	defer sub.Close()

	require.NoError(t, reg.UpdateAgentStatus(context.Background(), agent.AgentID, meshrpc.StatusDegraded))

	got, getErr := reg.GetAgent(context.Background(), agent.AgentID)
	require.NoError(t, getErr)
	assert.Equal(t, meshrpc.StatusDegraded, got.Status)

	select {
	case msg := <-sub.Chan():
		assert.Contains(t, string(msg.Payload), "status_changed")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status_changed update")
	}
}

func TestDeregisterAgentRemovesRecord(t *testing.T) {
	reg, _ := newTestRegistry(t)
	agent, err := reg.RegisterAgent(context.Background(), meshrpc.RegisterAgentRequest{
		Identity:       "agent-eta",
		HealthEndpoint: "https://agent-eta.internal/health",
	})
	require.Nil(t, err)

	require.NoError(t, reg.DeregisterAgent(context.Background(), agent.AgentID))

	_, getErr := reg.GetAgent(context.Background(), agent.AgentID)
	assert.ErrorIs(t, getErr, ErrNotFound)
}

func TestListAgentsLimitZeroReturnsEmpty(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.RegisterAgent(context.Background(), meshrpc.RegisterAgentRequest{
		Identity:       "agent-theta",
		HealthEndpoint: "https://agent-theta.internal/health",
	})
	require.Nil(t, err)

	agents, listErr := reg.ListAgents(context.Background(), AgentFilter{Limit: 0})
	require.NoError(t, listErr)
	assert.Len(t, agents, 0)
}

func TestListAgentsLimitCapsResults(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for i := 0; i < 5; i++ {
		_, err := reg.RegisterAgent(context.Background(), meshrpc.RegisterAgentRequest{
			Identity:       "agent-cap-" + string(rune('a'+i)),
			HealthEndpoint: "https://agent-cap.internal/health",
		})
		require.Nil(t, err)
	}

	agents, listErr := reg.ListAgents(context.Background(), AgentFilter{Limit: 2})
	require.NoError(t, listErr)
	assert.Len(t, agents, 2)
}

func TestListAgentsFilterByCapability(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.RegisterAgent(context.Background(), meshrpc.RegisterAgentRequest{
		Identity:       "agent-iota",
		HealthEndpoint: "https://agent-iota.internal/health",
		Capabilities:   []string{"summarize"},
	})
	require.Nil(t, err)
	_, err2 := reg.RegisterAgent(context.Background(), meshrpc.RegisterAgentRequest{
		Identity:       "agent-kappa",
		HealthEndpoint: "https://agent-kappa.internal/health",
		Capabilities:   []string{"translate"},
	})
	require.Nil(t, err2)

	agents, listErr := reg.ListAgents(context.Background(), AgentFilter{Capability: "summarize", Limit: -1})
	require.NoError(t, listErr)
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-iota", agents[0].Identity)
}
