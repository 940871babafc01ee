package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
)

// InMemoryStore is a mutex-guarded append-only slice Store, used by
// tests and --lite mode.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []meshrpc.AuditEvent
}

// NewInMemoryStore creates an empty in-memory audit store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(ctx context.Context, event meshrpc.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *InMemoryStore) Query(ctx context.Context, filter Filter) ([]meshrpc.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]meshrpc.AuditEvent, 0, len(s.events))
	for _, e := range s.events {
		if filter.EventType != "" && string(e.EventType) != filter.EventType {
			continue
		}
		if filter.SourceID != "" && e.SourceID != filter.SourceID {
			continue
		}
		if filter.TargetID != "" && e.TargetID != filter.TargetID {
			continue
		}
		if filter.Outcome != "" && string(e.Outcome) != filter.Outcome {
			continue
		}
		if filter.StartTime != nil && e.Timestamp.Before(*filter.StartTime) {
			continue
		}
		if filter.EndTime != nil && e.Timestamp.After(*filter.EndTime) {
			continue
		}
		matches = append(matches, e)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Timestamp.Before(matches[j].Timestamp) })
	return matches, nil
}
