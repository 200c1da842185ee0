// Package subscriptions provides in-memory management of per-agent selector
// subscriptions (§4.2), the set of filters the Bus evaluates on every
// published event to decide which agent queues and webhooks an event reaches.
package subscriptions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rcrt/substrate/pkg/models"
)

// MemoryStore is a thread-safe in-memory implementation of
// contracts.SubscriptionStore.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*models.SelectorSubscription // key: subscription ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*models.SelectorSubscription)}
}

func (s *MemoryStore) Create(_ context.Context, sub *models.SelectorSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if _, exists := s.subs[sub.ID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, owner, id string) (*models.SelectorSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok || sub.OwnerID != owner {
		return nil, fmt.Errorf("subscription %s not found", id)
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, owner string) ([]models.SelectorSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.SelectorSubscription
	for _, sub := range s.subs {
		if sub.OwnerID == owner {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByAgent(_ context.Context, owner, agentID string) ([]models.SelectorSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.SelectorSubscription
	for _, sub := range s.subs {
		if sub.OwnerID == owner && sub.AgentID == agentID {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok || sub.OwnerID != owner {
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(s.subs, id)
	return nil
}
