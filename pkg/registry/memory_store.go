package registry

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
)

// InMemoryStore is a thread-safe Store implementation, mirroring the
// teacher's registry.InMemoryRegistry mutex-guarded map shape. Used for
// tests and the --lite single-process mode.
type InMemoryStore struct {
	mu sync.RWMutex

	agentsByID       map[string]meshrpc.Agent
	agentIDByIdentity map[string]string

	kbs map[string]meshrpc.KB
	kbCredentials map[string]map[string]any
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		agentsByID:        make(map[string]meshrpc.Agent),
		agentIDByIdentity: make(map[string]string),
		kbs:               make(map[string]meshrpc.KB),
		kbCredentials:     make(map[string]map[string]any),
	}
}

func (s *InMemoryStore) CreateAgent(ctx context.Context, agent meshrpc.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agentIDByIdentity[agent.Identity]; exists {
		return ErrDuplicate
	}
	s.agentsByID[agent.AgentID] = agent
	s.agentIDByIdentity[agent.Identity] = agent.AgentID
	return nil
}

func (s *InMemoryStore) GetAgentByIdentity(ctx context.Context, identity string) (meshrpc.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.agentIDByIdentity[identity]
	if !ok {
		return meshrpc.Agent{}, ErrNotFound
	}
	return s.agentsByID[id], nil
}

func (s *InMemoryStore) GetAgent(ctx context.Context, agentID string) (meshrpc.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agentsByID[agentID]
	if !ok {
		return meshrpc.Agent{}, ErrNotFound
	}
	return a, nil
}

func (s *InMemoryStore) ListAgents(ctx context.Context, filter AgentFilter) ([]meshrpc.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]meshrpc.Agent, 0, len(s.agentsByID))
	for _, a := range s.agentsByID {
		if filter.Status != "" && string(a.Status) != filter.Status {
			continue
		}
		if filter.Capability != "" && !containsStr(a.Capabilities, filter.Capability) {
			continue
		}
		out = append(out, a)
	}
	return applyLimit(out, filter.Limit), nil
}

func (s *InMemoryStore) UpdateAgentStatus(ctx context.Context, agentID string, status meshrpc.Status, lastHeartbeat *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agentsByID[agentID]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.LastHeartbeat = lastHeartbeat
	s.agentsByID[agentID] = a
	return nil
}

func (s *InMemoryStore) DeregisterAgent(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agentsByID[agentID]
	if !ok {
		return ErrNotFound
	}
	delete(s.agentsByID, agentID)
	delete(s.agentIDByIdentity, a.Identity)
	return nil
}

func (s *InMemoryStore) CreateKB(ctx context.Context, kb meshrpc.KB, credentials map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.kbs[kb.KBID]; exists {
		return ErrDuplicate
	}
	s.kbs[kb.KBID] = kb
	if credentials != nil {
		s.kbCredentials[kb.KBID] = credentials
	}
	return nil
}

func (s *InMemoryStore) GetKB(ctx context.Context, kbID string) (meshrpc.KB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kb, ok := s.kbs[kbID]
	if !ok {
		return meshrpc.KB{}, ErrNotFound
	}
	return kb, nil
}

func (s *InMemoryStore) ListKBs(ctx context.Context, filter KBFilter) ([]meshrpc.KB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]meshrpc.KB, 0, len(s.kbs))
	for _, kb := range s.kbs {
		if filter.KBType != "" && kb.KBType != filter.KBType {
			continue
		}
		if filter.Status != "" && string(kb.Status) != filter.Status {
			continue
		}
		out = append(out, kb)
	}
	return applyLimit(out, filter.Limit), nil
}

func (s *InMemoryStore) UpdateKBStatus(ctx context.Context, kbID string, status meshrpc.Status, lastCheck *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kb, ok := s.kbs[kbID]
	if !ok {
		return ErrNotFound
	}
	kb.Status = status
	kb.LastHealthCheck = lastCheck
	s.kbs[kbID] = kb
	return nil
}

func (s *InMemoryStore) DeregisterKB(ctx context.Context, kbID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kbs[kbID]; !ok {
		return ErrNotFound
	}
	delete(s.kbs, kbID)
	delete(s.kbCredentials, kbID)
	return nil
}

func containsStr(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// applyLimit resolves the directory/audit query limit semantics
// (spec.md §8): a negative limit means unlimited, zero means "return
// nothing" (not "use the default"), and a positive limit caps the
// result set. Directory/audit callers are responsible for substituting
// the default (100) before this is reached when the caller omitted
// limit entirely.
func applyLimit[T any](items []T, limit int) []T {
	if limit < 0 {
		return items
	}
	if limit == 0 {
		return items[:0]
	}
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
