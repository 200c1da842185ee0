package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rcrt/substrate/pkg/models"
)

// ── Webhooks ─────────────────────────────────────────────────

func (m *MemoryStore) CreateWebhook(_ context.Context, w *models.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.CreatedAt = time.Now().UTC()
	m.webhooks[key(w.OwnerID, w.ID)] = w
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetWebhook(_ context.Context, owner, id string) (*models.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.webhooks[key(owner, id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWebhooks(_ context.Context, owner, agentID string) ([]models.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Webhook
	for _, w := range m.webhooks {
		if w.OwnerID != owner {
			continue
		}
		if agentID != "" && w.AgentID != agentID {
			continue
		}
		out = append(out, *w)
	}
	return out, nil
}

func (m *MemoryStore) DeleteWebhook(_ context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(owner, id)
	if _, ok := m.webhooks[k]; !ok {
		return ErrNotFound
	}
	delete(m.webhooks, k)
	m.requestSave()
	return nil
}

// ── Dead letters ─────────────────────────────────────────────

func (m *MemoryStore) PutDeadLetter(_ context.Context, dl *models.WebhookDeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	dl.CreatedAt = time.Now().UTC()
	m.deadLetters[dl.OwnerID] = append(m.deadLetters[dl.OwnerID], dl)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListDeadLetters(_ context.Context, owner string, limit int) ([]models.WebhookDeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.deadLetters[owner]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]models.WebhookDeadLetter, 0, limit)
	start := len(entries) - limit
	for i := start; i < len(entries); i++ {
		out = append(out, *entries[i])
	}
	return out, nil
}

func (m *MemoryStore) GetDeadLetter(_ context.Context, owner, id string) (*models.WebhookDeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, dl := range m.deadLetters[owner] {
		if dl.ID == id {
			cp := *dl
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) DeleteDeadLetter(_ context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.deadLetters[owner]
	for i, dl := range list {
		if dl.ID == id {
			m.deadLetters[owner] = append(list[:i], list[i+1:]...)
			m.requestSave()
			return nil
		}
	}
	return ErrNotFound
}
