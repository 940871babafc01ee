package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
)

func TestRecordAssignsIDAndTimestamp(t *testing.T) {
	log := New(NewInMemoryStore())
	event := meshrpc.AuditEvent{EventType: meshrpc.EventQuery, SourceID: "agent-1", Outcome: meshrpc.OutcomeSuccess}

	require.NoError(t, log.Record(context.Background(), event))

	reply, err := log.QueryReply(context.Background(), meshrpc.AuditQueryRequest{})
	require.NoError(t, err)
	require.Len(t, reply.AuditLogs, 1)
	assert.NotEmpty(t, reply.AuditLogs[0].ID)
	assert.False(t, reply.AuditLogs[0].Timestamp.IsZero())
}

func TestRecordCapsHeavyFieldsOverLimit(t *testing.T) {
	log := New(NewInMemoryStore(), WithHeavyMaxBytes(16))
	big := strings.Repeat("x", 100)

	event := meshrpc.AuditEvent{
		EventType:    meshrpc.EventQuery,
		SourceID:     "agent-1",
		Outcome:      meshrpc.OutcomeSuccess,
		FullResponse: map[string]any{"data": big},
	}
	require.NoError(t, log.Record(context.Background(), event))

	reply, err := log.QueryReply(context.Background(), meshrpc.AuditQueryRequest{})
	require.NoError(t, err)
	require.Len(t, reply.AuditLogs, 1)
	capped, ok := reply.AuditLogs[0].FullResponse.(string)
	require.True(t, ok, "expected heavy field to be truncated to a string")
	assert.True(t, strings.HasSuffix(capped, truncationSentinel))
}

func TestRecordLeavesSmallHeavyFieldsUntouched(t *testing.T) {
	log := New(NewInMemoryStore())
	event := meshrpc.AuditEvent{
		EventType:    meshrpc.EventQuery,
		SourceID:     "agent-1",
		Outcome:      meshrpc.OutcomeSuccess,
		FullResponse: map[string]any{"data": "small"},
	}
	require.NoError(t, log.Record(context.Background(), event))

	reply, err := log.QueryReply(context.Background(), meshrpc.AuditQueryRequest{})
	require.NoError(t, err)
	require.Len(t, reply.AuditLogs, 1)
	m, ok := reply.AuditLogs[0].FullResponse.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "small", m["data"])
}

func TestQueryReplyTotalCountIgnoresLimitCap(t *testing.T) {
	log := New(NewInMemoryStore())
	for i := 0; i < 5; i++ {
		require.NoError(t, log.Record(context.Background(), meshrpc.AuditEvent{
			EventType: meshrpc.EventQuery, SourceID: "agent-1", Outcome: meshrpc.OutcomeSuccess,
		}))
	}

	one := 1
	reply, err := log.QueryReply(context.Background(), meshrpc.AuditQueryRequest{Limit: &one})
	require.NoError(t, err)
	assert.Len(t, reply.AuditLogs, 1)
	assert.Equal(t, 5, reply.TotalCount)
}

func TestQueryReplyZeroLimitReturnsEmptyLogsNonzeroTotal(t *testing.T) {
	log := New(NewInMemoryStore())
	require.NoError(t, log.Record(context.Background(), meshrpc.AuditEvent{
		EventType: meshrpc.EventQuery, SourceID: "agent-1", Outcome: meshrpc.OutcomeSuccess,
	}))

	zero := 0
	reply, err := log.QueryReply(context.Background(), meshrpc.AuditQueryRequest{Limit: &zero})
	require.NoError(t, err)
	assert.Len(t, reply.AuditLogs, 0)
	assert.Equal(t, 1, reply.TotalCount)
}

func TestQueryReplyInvertedTimeRangeReturnsEmptySuccess(t *testing.T) {
	log := New(NewInMemoryStore())
	require.NoError(t, log.Record(context.Background(), meshrpc.AuditEvent{
		EventType: meshrpc.EventQuery, SourceID: "agent-1", Outcome: meshrpc.OutcomeSuccess,
	}))

	start := time.Now().UTC()
	end := start.Add(-time.Hour)
	reply, err := log.QueryReply(context.Background(), meshrpc.AuditQueryRequest{
		StartTime: start.Format(time.RFC3339),
		EndTime:   end.Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.Len(t, reply.AuditLogs, 0)
	assert.Equal(t, 0, reply.TotalCount)
}

func TestQueryReplyFiltersBySourceID(t *testing.T) {
	log := New(NewInMemoryStore())
	require.NoError(t, log.Record(context.Background(), meshrpc.AuditEvent{
		EventType: meshrpc.EventQuery, SourceID: "agent-1", Outcome: meshrpc.OutcomeSuccess,
	}))
	require.NoError(t, log.Record(context.Background(), meshrpc.AuditEvent{
		EventType: meshrpc.EventQuery, SourceID: "agent-2", Outcome: meshrpc.OutcomeSuccess,
	}))

	reply, err := log.QueryReply(context.Background(), meshrpc.AuditQueryRequest{SourceID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, reply.AuditLogs, 1)
	assert.Equal(t, "agent-1", reply.AuditLogs[0].SourceID)
}
