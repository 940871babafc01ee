package enforcement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Mindburn-Labs/mesh/pkg/meshrpc"
)

// ErrInvocationNotFound is returned when a tracking_id has no recorded
// invocation.
var ErrInvocationNotFound = errors.New("enforcement: invocation not found")

// Invocation is one row of the invoke lifecycle state machine (spec.md
// §4.6: queued → processing → completed|error), adapted from the
// teacher's ledger.Obligation. Unlike Obligation, there is no lease/
// worker-pool concept here: the enforcement service itself drives every
// transition inline, since adapter dispatch is a single request/reply
// call rather than a pulled work queue.
type Invocation struct {
	TrackingID    string
	SourceAgentID string
	TargetAgentID string
	State         meshrpc.InvocationState
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InvocationStore persists invocation lifecycle rows.
type InvocationStore interface {
	Create(ctx context.Context, inv Invocation) error
	UpdateState(ctx context.Context, trackingID string, state meshrpc.InvocationState, errMsg string) error
	Get(ctx context.Context, trackingID string) (Invocation, error)
}

// InMemoryInvocationStore is a mutex-guarded map InvocationStore, used
// by tests and --lite mode.
type InMemoryInvocationStore struct {
	mu   sync.RWMutex
	rows map[string]Invocation
	now  func() time.Time
}

// NewInMemoryInvocationStore creates an empty in-memory invocation store.
func NewInMemoryInvocationStore() *InMemoryInvocationStore {
	return &InMemoryInvocationStore{rows: make(map[string]Invocation), now: time.Now}
}

func (s *InMemoryInvocationStore) Create(ctx context.Context, inv Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	s.rows[inv.TrackingID] = inv
	return nil
}

func (s *InMemoryInvocationStore) UpdateState(ctx context.Context, trackingID string, state meshrpc.InvocationState, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.rows[trackingID]
	if !ok {
		return ErrInvocationNotFound
	}
	inv.State = state
	inv.Error = errMsg
	inv.UpdatedAt = s.now().UTC()
	s.rows[trackingID] = inv
	return nil
}

func (s *InMemoryInvocationStore) Get(ctx context.Context, trackingID string) (Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.rows[trackingID]
	if !ok {
		return Invocation{}, ErrInvocationNotFound
	}
	return inv, nil
}
