// Package permission manages approval handshakes between the agent and the
// user: pending requests, their terminal resolutions, and durable
// always-allow / always-reject policies.
package permission

import (
	"context"
	"sync"
	"time"
)

// Policy actions.
const (
	PolicyAllowAlways  = "allow_always"
	PolicyRejectAlways = "reject_always"
)

// Policy is a durable pre-approval or pre-denial rule scoped to one
// conversation and one permission kind.
type Policy struct {
	ConversationID string    `json:"conversation_id"`
	Kind           string    `json:"kind"`
	Action         string    `json:"action"`
	CreatedAt      time.Time `json:"created_at"`
}

// PolicyStore persists permission policies. Implementations must be safe
// for concurrent use.
type PolicyStore interface {
	// Get returns the policy for (conversationID, kind), or nil when none
	// is stored.
	Get(ctx context.Context, conversationID, kind string) (*Policy, error)

	// Put stores or replaces a policy.
	Put(ctx context.Context, policy *Policy) error

	// Delete removes the policy for (conversationID, kind). Deleting a
	// missing policy is not an error.
	Delete(ctx context.Context, conversationID, kind string) error

	// Sweep removes policies created before the cutoff and reports how
	// many were removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases store resources.
	Close() error
}

// MemoryPolicyStore is the in-memory PolicyStore used when no storage path
// is configured.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[policyKey]*Policy
}

type policyKey struct {
	conversationID string
	kind           string
}

// NewMemoryPolicyStore creates an empty in-memory policy store.
func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[policyKey]*Policy)}
}

// Get implements PolicyStore.
func (s *MemoryPolicyStore) Get(ctx context.Context, conversationID, kind string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[policyKey{conversationID, kind}]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

// Put implements PolicyStore.
func (s *MemoryPolicyStore) Put(ctx context.Context, policy *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *policy
	s.policies[policyKey{policy.ConversationID, policy.Kind}] = &copied
	return nil
}

// Delete implements PolicyStore.
func (s *MemoryPolicyStore) Delete(ctx context.Context, conversationID, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, policyKey{conversationID, kind})
	return nil
}

// Sweep implements PolicyStore.
func (s *MemoryPolicyStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, p := range s.policies {
		if p.CreatedAt.Before(cutoff) {
			delete(s.policies, key)
			removed++
		}
	}
	return removed, nil
}

// Close implements PolicyStore.
func (s *MemoryPolicyStore) Close() error { return nil }

var _ PolicyStore = (*MemoryPolicyStore)(nil)
