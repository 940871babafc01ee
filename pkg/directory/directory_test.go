package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
	"github.com/Mindburn-Labs/mesh/pkg/registry"
	"github.com/Mindburn-Labs/mesh/pkg/transport"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	reg := registry.New(registry.NewInMemoryStore(), transport.NewInMemoryTransport(), nil)
	for i := 0; i < 3; i++ {
		_, err := reg.RegisterAgent(context.Background(), meshrpc.RegisterAgentRequest{
			Identity:       "agent-" + string(rune('a'+i)),
			HealthEndpoint: "https://agent.internal/health",
		})
		require.Nil(t, err)
	}
	return New(reg)
}

func TestQueryAgentsDefaultLimit(t *testing.T) {
	dir := newTestDirectory(t)
	reply, err := dir.Query(context.Background(), meshrpc.DirectoryQueryRequest{Type: "agents"})
	require.Nil(t, err)
	assert.Len(t, reply.Agents, 3)
	assert.Equal(t, 3, reply.TotalCount)
}

func TestQueryAgentsExplicitZeroLimitReturnsEmpty(t *testing.T) {
	dir := newTestDirectory(t)
	zero := 0
	reply, err := dir.Query(context.Background(), meshrpc.DirectoryQueryRequest{Type: "agents", Limit: &zero})
	require.Nil(t, err)
	assert.Len(t, reply.Agents, 0)
	assert.Equal(t, 3, reply.TotalCount)
}

func TestQueryAgentsCappedLimit(t *testing.T) {
	dir := newTestDirectory(t)
	one := 1
	reply, err := dir.Query(context.Background(), meshrpc.DirectoryQueryRequest{Type: "agents", Limit: &one})
	require.Nil(t, err)
	assert.Len(t, reply.Agents, 1)
	assert.Equal(t, 3, reply.TotalCount)
}

func TestQueryBothTypeReturnsAgentsAndKBs(t *testing.T) {
	dir := newTestDirectory(t)
	_, err := dir.registry.RegisterKB(context.Background(), meshrpc.RegisterKBRequest{
		KBID: "kb-1", KBType: "postgres", Endpoint: "postgres://db/orders", Operations: []string{"sql_query"},
	})
	require.Nil(t, err)

	reply, qErr := dir.Query(context.Background(), meshrpc.DirectoryQueryRequest{Type: "both"})
	require.Nil(t, qErr)
	assert.Len(t, reply.Agents, 3)
	assert.Len(t, reply.KBs, 1)
	assert.Equal(t, 4, reply.TotalCount)
}

func TestQueryEmptyTypeDefaultsToBoth(t *testing.T) {
	dir := newTestDirectory(t)
	_, err := dir.registry.RegisterKB(context.Background(), meshrpc.RegisterKBRequest{
		KBID: "kb-2", KBType: "postgres", Endpoint: "postgres://db/orders", Operations: []string{"sql_query"},
	})
	require.Nil(t, err)

	reply, qErr := dir.Query(context.Background(), meshrpc.DirectoryQueryRequest{})
	require.Nil(t, qErr)
	assert.Len(t, reply.Agents, 3)
	assert.Len(t, reply.KBs, 1)
	assert.Equal(t, 4, reply.TotalCount)
}

func TestQueryRejectsUnknownType(t *testing.T) {
	dir := newTestDirectory(t)
	_, err := dir.Query(context.Background(), meshrpc.DirectoryQueryRequest{Type: "not-a-type"})
	require.NotNil(t, err)
	assert.Equal(t, meshrpc.ErrValidation, err.Code)
}

func TestQueryEchoesFiltersApplied(t *testing.T) {
	dir := newTestDirectory(t)
	reply, err := dir.Query(context.Background(), meshrpc.DirectoryQueryRequest{
		Type:         "agents",
		StatusFilter: "active",
	})
	require.Nil(t, err)
	assert.Equal(t, "active", reply.FiltersApplied["status_filter"])
}
