// Package vectorstore provides a pluggable vector index registry. The
// substrate's default in-memory Store does its own brute-force cosine scan
// directly against each breadcrumb's stored embedding (see
// internal/store/memory_search.go), since it already holds both in the same
// map; this package exists for embedders who swap in a Postgres-backed
// Store at a scale where a dedicated ANN index pays for itself.
// OSS ships: embedded (in-memory brute-force), pgvector (user-provided PG).
package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/models"
)

// DefaultMaxVectors is the default cap for the embedded store (50K).
// Exceeding this triggers a warning nudging users to upgrade.
const DefaultMaxVectors = 50_000

type vectorEntry struct {
	id     string
	vector []float32
}

// EmbeddedStore is a lightweight in-memory vector index using brute-force
// cosine similarity search. Suitable for development and small workloads
// (≤50K vectors). For production scale, use pgvector or a managed vector DB.
type EmbeddedStore struct {
	mu         sync.RWMutex
	vectors    map[string]map[string]vectorEntry // owner -> id -> entry
	count      int
	maxVectors int
}

// EmbeddedOption configures the embedded store.
type EmbeddedOption func(*EmbeddedStore)

// WithMaxVectors sets the maximum number of vectors (default 50K).
func WithMaxVectors(max int) EmbeddedOption {
	return func(s *EmbeddedStore) { s.maxVectors = max }
}

// NewEmbeddedStore creates an in-memory vector index.
func NewEmbeddedStore(opts ...EmbeddedOption) *EmbeddedStore {
	s := &EmbeddedStore{
		vectors:    make(map[string]map[string]vectorEntry),
		maxVectors: DefaultMaxVectors,
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Info().Int("max_vectors", s.maxVectors).Msg("embedded vector store initialized")
	return s
}

func (s *EmbeddedStore) Kind() string { return "embedded" }

func (s *EmbeddedStore) Upsert(_ context.Context, owner, id string, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byOwner, ok := s.vectors[owner]
	if !ok {
		byOwner = make(map[string]vectorEntry)
		s.vectors[owner] = byOwner
	}
	if _, exists := byOwner[id]; !exists {
		if s.count+1 > s.maxVectors {
			return fmt.Errorf("embedded vector store capacity exceeded: %d > %d (consider pgvector or a managed vector DB)", s.count+1, s.maxVectors)
		}
		s.count++
	}
	byOwner[id] = vectorEntry{id: id, vector: vector}
	return nil
}

func (s *EmbeddedStore) Search(_ context.Context, owner string, vector []float32, topK int) ([]istore.SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byOwner := s.vectors[owner]
	type scored struct {
		id    string
		score float64
	}
	candidates := make([]scored, 0, len(byOwner))
	for id, entry := range byOwner {
		if len(entry.vector) != len(vector) {
			continue
		}
		candidates = append(candidates, scored{id: id, score: cosineSimilarity32(vector, entry.vector)})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if topK > 0 && topK < len(candidates) {
		candidates = candidates[:topK]
	}

	// The index only knows ids and vectors; it is the caller's job to
	// re-fetch full breadcrumb content by id from the Store.
	hits := make([]istore.SearchHit, len(candidates))
	for i, c := range candidates {
		hits[i] = istore.SearchHit{
			Breadcrumb: models.Breadcrumb{OwnerID: owner, ID: c.id},
			Distance:   1 - c.score,
			Score:      c.score,
		}
	}
	return hits, nil
}

func (s *EmbeddedStore) Delete(_ context.Context, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byOwner, ok := s.vectors[owner]; ok {
		if _, exists := byOwner[id]; exists {
			delete(byOwner, id)
			s.count--
		}
	}
	return nil
}

func (s *EmbeddedStore) HealthCheck(_ context.Context) error {
	return nil // always healthy — it's in-memory
}

func cosineSimilarity32(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
