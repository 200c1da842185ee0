// Package store — in-memory Store implementation, the only Store in this
// package (there is no PostgreSQL driver).
// Supports file-based snapshot persistence so data survives restarts.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rcrt/substrate/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Tenants      map[string]*models.Tenant              `json:"tenants"`
	Agents       map[string]*models.Agent               `json:"agents"`       // key: owner:id
	Breadcrumbs  map[string]*models.Breadcrumb           `json:"breadcrumbs"`  // key: owner:id
	History      map[string][]*models.Breadcrumb         `json:"history"`      // key: owner:id
	Grants       map[string][]*models.ACLGrant           `json:"grants"`       // key: owner:breadcrumb_id
	Edges        map[string][]models.Edge                `json:"edges"`       // key: owner:from_id
	AuditLog     map[string][]*models.AuditEntry          `json:"audit_log"`   // key: owner
	Idempotency  map[string]string                       `json:"idempotency"` // key: owner:idem_key -> breadcrumb id
	Webhooks     map[string]*models.Webhook              `json:"webhooks"`     // key: owner:id
	DeadLetters  map[string][]*models.WebhookDeadLetter   `json:"dead_letters"` // key: owner
}

// MemoryStore implements Store with in-memory maps guarded by a single
// read-write mutex. Defensive copies are returned from every read so
// callers cannot mutate internal state through the returned pointer.
type MemoryStore struct {
	mu sync.RWMutex

	tenants     map[string]*models.Tenant
	agents      map[string]*models.Agent // key: owner:id
	breadcrumbs map[string]*models.Breadcrumb // key: owner:id
	history     map[string][]*models.Breadcrumb // key: owner:id, newest last
	grants      map[string][]*models.ACLGrant // key: owner:breadcrumb_id
	edges       map[string][]models.Edge // key: owner:from_id
	auditLog    map[string][]*models.AuditEntry // key: owner
	idempotency map[string]idempotencyEntry // key: owner:idem_key
	webhooks    map[string]*models.Webhook // key: owner:id
	deadLetters map[string][]*models.WebhookDeadLetter // key: owner

	historyLimit int

	snapshotPath string
	saveMu       sync.Mutex
	saveCh       chan struct{}
	doneCh       chan struct{}

	idempotencyWindow time.Duration
}

type idempotencyEntry struct {
	breadcrumbID string
	at           time.Time
}

// NewMemoryStore creates a new in-memory store. If RCRT_DATA_DIR is set,
// data is persisted to a JSON file in that directory; otherwise defaults to
// ~/.rcrt/data.json.
func NewMemoryStore(idempotencyWindow time.Duration) *MemoryStore {
	if idempotencyWindow <= 0 {
		idempotencyWindow = 24 * time.Hour
	}
	m := &MemoryStore{
		tenants:           make(map[string]*models.Tenant),
		agents:            make(map[string]*models.Agent),
		breadcrumbs:       make(map[string]*models.Breadcrumb),
		history:           make(map[string][]*models.Breadcrumb),
		grants:            make(map[string][]*models.ACLGrant),
		edges:             make(map[string][]models.Edge),
		auditLog:          make(map[string][]*models.AuditEntry),
		idempotency:       make(map[string]idempotencyEntry),
		webhooks:          make(map[string]*models.Webhook),
		deadLetters:       make(map[string][]*models.WebhookDeadLetter),
		historyLimit:      50,
		saveCh:            make(chan struct{}, 1),
		doneCh:            make(chan struct{}),
		idempotencyWindow: idempotencyWindow,
	}

	dataDir := os.Getenv("RCRT_DATA_DIR")
	if dataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataDir = filepath.Join(home, ".rcrt")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}
	go m.idempotencyEvictionLoop()

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// ── Persistence ──────────────────────────────────────────────

func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) idempotencyEvictionLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.idempotencyWindow)
			m.mu.Lock()
			for k, v := range m.idempotency {
				if v.at.Before(cutoff) {
					delete(m.idempotency, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	idem := make(map[string]string, len(m.idempotency))
	for k, v := range m.idempotency {
		idem[k] = v.breadcrumbID
	}
	snap := snapshot{
		Tenants:     m.tenants,
		Agents:      m.agents,
		Breadcrumbs: m.breadcrumbs,
		History:     m.history,
		Grants:      m.grants,
		Edges:       m.edges,
		AuditLog:    m.auditLog,
		Idempotency: idem,
		Webhooks:    m.webhooks,
		DeadLetters: m.deadLetters,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Tenants != nil {
		m.tenants = snap.Tenants
	}
	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Breadcrumbs != nil {
		m.breadcrumbs = snap.Breadcrumbs
	}
	if snap.History != nil {
		m.history = snap.History
	}
	if snap.Grants != nil {
		m.grants = snap.Grants
	}
	if snap.Edges != nil {
		m.edges = snap.Edges
	}
	if snap.AuditLog != nil {
		m.auditLog = snap.AuditLog
	}
	if snap.Webhooks != nil {
		m.webhooks = snap.Webhooks
	}
	if snap.DeadLetters != nil {
		m.deadLetters = snap.DeadLetters
	}
	now := time.Now()
	for k, id := range snap.Idempotency {
		m.idempotency[k] = idempotencyEntry{breadcrumbID: id, at: now}
	}
	log.Info().Int("breadcrumbs", len(m.breadcrumbs)).Int("agents", len(m.agents)).Msg("Snapshot loaded")
}

// ── lifecycle ────────────────────────────────────────────────

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	close(m.doneCh)
	if m.snapshotPath != "" {
		m.saveSnapshot()
	}
	log.Info().Msg("Memory store closed")
	return nil
}

// ── checksum ─────────────────────────────────────────────────

func checksumOf(context []byte) string {
	sum := sha256.Sum256(context)
	return hex.EncodeToString(sum[:])
}

var _ Store = (*MemoryStore)(nil)
