package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rcrt/substrate/pkg/models"
)

// ── Tenant ───────────────────────────────────────────────────

func (m *MemoryStore) CreateTenant(_ context.Context, t *models.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()
	m.tenants[t.ID] = t
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetTenant(_ context.Context, id string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTenants(_ context.Context) ([]models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, *t)
	}
	return out, nil
}

// ── Agent ────────────────────────────────────────────────────

func (m *MemoryStore) CreateAgent(_ context.Context, a *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.LastSeenAt = now
	m.agents[key(a.OwnerID, a.ID)] = a
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, owner, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[key(owner, id)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAgents(_ context.Context, owner string) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Agent
	for _, a := range m.agents {
		if a.OwnerID == owner {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MemoryStore) TouchAgent(_ context.Context, owner, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[key(owner, id)]
	if !ok {
		return ErrNotFound
	}
	a.LastSeenAt = at
	return nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(owner, id)
	if _, ok := m.agents[k]; !ok {
		return ErrNotFound
	}
	delete(m.agents, k)
	m.requestSave()
	return nil
}

// ── ACL ──────────────────────────────────────────────────────

func (m *MemoryStore) CreateGrant(_ context.Context, g *models.ACLGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.CreatedAt = time.Now().UTC()
	k := key(g.OwnerID, g.BreadcrumbID)
	m.grants[k] = append(m.grants[k], g)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListGrants(_ context.Context, owner, breadcrumbID string) ([]models.ACLGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ACLGrant
	for _, g := range m.grants[key(owner, breadcrumbID)] {
		out = append(out, *g)
	}
	return out, nil
}

func (m *MemoryStore) GrantFor(_ context.Context, owner, breadcrumbID, agentID string) (*models.ACLGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.grants[key(owner, breadcrumbID)] {
		if g.AgentID == agentID {
			cp := *g
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) DeleteGrant(_ context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for bk, list := range m.grants {
		for i, g := range list {
			if g.ID == id && g.OwnerID == owner {
				m.grants[bk] = append(list[:i], list[i+1:]...)
				m.requestSave()
				return nil
			}
		}
	}
	return ErrNotFound
}

// ── Edges (§4.5) ─────────────────────────────────────────────

func (m *MemoryStore) PutEdges(_ context.Context, owner, fromID string, kind models.EdgeKind, edges []models.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(owner, fromID)
	existing := m.edges[k]
	kept := existing[:0:0]
	for _, e := range existing {
		if e.Kind != kind {
			kept = append(kept, e)
		}
	}
	m.edges[k] = append(kept, edges...)
	m.requestSave()
	return nil
}

func (m *MemoryStore) EdgesFrom(_ context.Context, owner, fromID string) ([]models.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Edge, len(m.edges[key(owner, fromID)]))
	copy(out, m.edges[key(owner, fromID)])
	return out, nil
}

// LoadSubgraph performs a bounded breadth-first walk of the edge table from
// the given seeds, up to depth hops, returning the adjacency it discovered.
func (m *MemoryStore) LoadSubgraph(_ context.Context, owner string, seeds []string, depth int) (map[string][]models.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]models.Edge)
	frontier := append([]string{}, seeds...)
	visited := make(map[string]bool)
	for _, s := range seeds {
		visited[s] = true
	}
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			edges := m.edges[key(owner, id)]
			if len(edges) == 0 {
				continue
			}
			cp := make([]models.Edge, len(edges))
			copy(cp, edges)
			out[id] = cp
			for _, e := range edges {
				if !visited[e.ToID] {
					visited[e.ToID] = true
					next = append(next, e.ToID)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// ── Audit (§4.8) ─────────────────────────────────────────────

func (m *MemoryStore) RecordAudit(_ context.Context, e *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.At = time.Now().UTC()
	m.auditLog[e.OwnerID] = append(m.auditLog[e.OwnerID], e)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, owner string, limit int) ([]models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.auditLog[owner]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]models.AuditEntry, 0, limit)
	start := len(entries) - limit
	for i := start; i < len(entries); i++ {
		out = append(out, *entries[i])
	}
	return out, nil
}
