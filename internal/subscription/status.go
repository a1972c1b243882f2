// Package subscription adapts the external subscription-status source that
// every gating decision reads.
package subscription

import (
	"context"
	"sync"
)

// Status is the entitlement of one profile as seen by the gates.
type Status struct {
	IsPremium bool `json:"is_premium"`
	Loading   bool `json:"loading"`
}

// Bypass reports whether gates must let everything through. Gates fail open
// while the status is still loading.
func (s Status) Bypass() bool {
	return s.IsPremium || s.Loading
}

// Tier names the limit column used for s.
func (s Status) Tier() string {
	if s.IsPremium {
		return "premium"
	}
	return "free"
}

// Provider resolves the status of a profile.
type Provider interface {
	Status(ctx context.Context, profileID string) (Status, error)
}

// Static answers from a fixed set of premium profile ids.
type Static struct {
	mu      sync.RWMutex
	premium map[string]bool
}

// NewStatic creates a provider that treats ids as subscribers.
func NewStatic(ids []string) *Static {
	s := &Static{premium: make(map[string]bool, len(ids))}
	for _, id := range ids {
		s.premium[id] = true
	}
	return s
}

// Status implements Provider.
func (s *Static) Status(ctx context.Context, profileID string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{IsPremium: s.premium[profileID]}, nil
}

// SetPremium grants or revokes a subscription.
func (s *Static) SetPremium(profileID string, premium bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if premium {
		s.premium[profileID] = true
		return
	}
	delete(s.premium, profileID)
}
