package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rcrt/substrate/pkg/models"
)

// ── Breadcrumb Store (§4.1) ──────────────────────────────────

func (m *MemoryStore) CreateBreadcrumb(_ context.Context, p CreateParams) (*models.Breadcrumb, error) {
	b := p.Breadcrumb
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if p.IdempotencyKey != "" {
		idemKey := key(b.OwnerID, p.IdempotencyKey)
		if entry, ok := m.idempotency[idemKey]; ok && now.Sub(entry.at) < m.idempotencyWindow {
			if existing, ok := m.breadcrumbs[key(b.OwnerID, entry.breadcrumbID)]; ok {
				cp := *existing
				return &cp, ErrIdempotencyConflict
			}
		}
	}

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Version = 1
	b.Checksum = checksumOf(b.Context)
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.Visibility == "" {
		b.Visibility = models.VisibilityTeam
	}
	if b.Sensitivity == "" {
		b.Sensitivity = models.SensitivityLow
	}
	if b.TTL.Kind == "" {
		b.TTL.Kind = models.TTLNever
	}
	if b.TTL.Kind == models.TTLUsage || b.TTL.Kind == models.TTLHybrid {
		if b.TTL.RemainingReads == 0 {
			b.TTL.RemainingReads = b.TTL.MaxReads
		}
	}

	k := key(b.OwnerID, b.ID)
	m.breadcrumbs[k] = b
	if p.IdempotencyKey != "" {
		m.idempotency[key(b.OwnerID, p.IdempotencyKey)] = idempotencyEntry{breadcrumbID: b.ID, at: now}
	}
	m.requestSave()

	cp := *b
	return &cp, nil
}

func (m *MemoryStore) GetBreadcrumb(_ context.Context, owner, id string, view View, origin ReadOrigin) (*models.Breadcrumb, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(owner, id)
	b, ok := m.breadcrumbs[k]
	if !ok {
		return nil, ErrNotFound
	}

	if b.Checksum != checksumOf(b.Context) {
		return nil, ErrChecksumMismatch
	}

	decrement := origin == ReadOriginExternal && (view == ViewContext || view == ViewFull)
	exhausted := false
	if decrement && (b.TTL.Kind == models.TTLUsage || b.TTL.Kind == models.TTLHybrid) {
		b.TTL.RemainingReads--
		if b.TTL.RemainingReads <= 0 {
			exhausted = true
		}
	}

	cp := *b
	if exhausted {
		delete(m.breadcrumbs, k)
		m.requestSave()
		return &cp, ErrExhausted
	}
	m.requestSave()
	return &cp, nil
}

func (m *MemoryStore) GetBreadcrumbHistory(_ context.Context, owner, id string, limit int) ([]models.Breadcrumb, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hist := m.history[key(owner, id)]
	if limit <= 0 || limit > len(hist) {
		limit = len(hist)
	}
	out := make([]models.Breadcrumb, 0, limit)
	start := len(hist) - limit
	for i := start; i < len(hist); i++ {
		out = append(out, *hist[i])
	}
	return out, nil
}

func (m *MemoryStore) PatchBreadcrumb(_ context.Context, owner, id string, ifMatchVersion int64, diff PatchDiff) (*models.Breadcrumb, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(owner, id)
	b, ok := m.breadcrumbs[k]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Version != ifMatchVersion {
		return nil, ErrPreconditionFailed
	}

	prior := *b
	hk := key(owner, id)
	m.history[hk] = append(m.history[hk], &prior)
	if len(m.history[hk]) > m.historyLimit {
		m.history[hk] = m.history[hk][len(m.history[hk])-m.historyLimit:]
	}

	noop := true
	if diff.Title != nil {
		b.Title = *diff.Title
		noop = false
	}
	if diff.Tags != nil {
		b.Tags = diff.Tags
		noop = false
	}
	if diff.Context != nil {
		b.Context = diff.Context
		noop = false
	}
	if diff.Visibility != nil {
		b.Visibility = *diff.Visibility
		noop = false
	}
	if diff.Sensitivity != nil {
		b.Sensitivity = *diff.Sensitivity
		noop = false
	}
	if diff.TTL != nil {
		b.TTL = *diff.TTL
		noop = false
	}

	if noop {
		// Round-trip law: empty diff is a no-op, does not bump version.
		m.history[hk] = m.history[hk][:len(m.history[hk])-1]
		cp := *b
		return &cp, nil
	}

	b.Version++
	b.Checksum = checksumOf(b.Context)
	b.UpdatedAt = time.Now().UTC()
	b.UpdatedBy = diff.ActorID

	m.requestSave()
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) DeleteBreadcrumb(_ context.Context, owner, id string, ifMatchVersion *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(owner, id)
	b, ok := m.breadcrumbs[k]
	if !ok {
		return ErrNotFound
	}
	if ifMatchVersion != nil && b.Version != *ifMatchVersion {
		return ErrPreconditionFailed
	}
	delete(m.breadcrumbs, k)
	delete(m.history, k)
	delete(m.edges, k)
	m.requestSave()
	return nil
}

func (m *MemoryStore) SetEmbedding(_ context.Context, owner, id string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breadcrumbs[key(owner, id)]
	if !ok {
		return ErrNotFound
	}
	b.Embedding = embedding
	m.requestSave()
	return nil
}

func (m *MemoryStore) SetEntities(_ context.Context, owner, id string, expectVersion int64, entities []byte, keywords []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breadcrumbs[key(owner, id)]
	if !ok {
		return ErrNotFound
	}
	if b.Version != expectVersion {
		return ErrConflict
	}
	b.Entities = entities
	b.EntityKeywords = keywords
	m.requestSave()
	return nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := make(map[string][]string)
	for k, b := range m.breadcrumbs {
		if b.TTL.Expired(now) {
			purged[b.OwnerID] = append(purged[b.OwnerID], b.ID)
			delete(m.breadcrumbs, k)
			delete(m.history, k)
			delete(m.edges, k)
		}
	}
	if len(purged) > 0 {
		m.requestSave()
	}
	return purged, nil
}

func (m *MemoryStore) ApplyAutoTTL(_ context.Context, prefix string, ttl models.TTL) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, b := range m.breadcrumbs {
		if b.TTL.Kind != models.TTLNever {
			continue
		}
		if len(b.SchemaName) >= len(prefix) && b.SchemaName[:len(prefix)] == prefix {
			b.TTL = ttl
			if ttl.Kind == models.TTLUsage || ttl.Kind == models.TTLHybrid {
				b.TTL.RemainingReads = ttl.MaxReads
			}
			count++
		}
	}
	if count > 0 {
		m.requestSave()
	}
	return count, nil
}
