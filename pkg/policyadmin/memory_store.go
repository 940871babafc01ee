package policyadmin

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
)

// ErrNotFound is returned when a policy_id has no persisted row.
var ErrNotFound = errors.New("policyadmin: policy not found")

// InMemoryStore is a mutex-guarded map Store, used by tests and --lite mode.
type InMemoryStore struct {
	mu       sync.RWMutex
	policies map[string]meshrpc.Policy
}

// NewInMemoryStore creates an empty in-memory policy store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{policies: make(map[string]meshrpc.Policy)}
}

func (s *InMemoryStore) UpsertPolicy(ctx context.Context, policy meshrpc.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.PolicyID] = policy
	return nil
}

func (s *InMemoryStore) GetPolicy(ctx context.Context, policyID string) (meshrpc.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[policyID]
	if !ok {
		return meshrpc.Policy{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) ListPolicies(ctx context.Context) ([]meshrpc.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]meshrpc.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out, nil
}

func (s *InMemoryStore) DeletePolicy(ctx context.Context, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[policyID]; !ok {
		return ErrNotFound
	}
	delete(s.policies, policyID)
	return nil
}
