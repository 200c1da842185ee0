package store

import (
	"context"
	"sort"
	"strings"

	"github.com/rcrt/substrate/internal/selector"
	"github.com/rcrt/substrate/pkg/models"
)

func (m *MemoryStore) matchesSearch(b *models.Breadcrumb, p SearchParams) bool {
	if p.SchemaName != "" && b.SchemaName != p.SchemaName {
		return false
	}
	if p.TagPrefix != "" {
		found := false
		for _, t := range b.Tags {
			if strings.HasPrefix(t, p.TagPrefix) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	sel := models.Selector{AnyTags: p.AnyTags, AllTags: p.AllTags, ContextMatch: p.ContextMatch}
	return selector.Matches(b, sel)
}

func (m *MemoryStore) SearchBreadcrumbs(_ context.Context, p SearchParams) ([]models.Breadcrumb, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Breadcrumb
	for _, b := range m.breadcrumbs {
		if b.OwnerID != p.Owner {
			continue
		}
		if m.matchesSearch(b, p) {
			out = append(out, *b)
		}
	}
	orderBreadcrumbs(out, p.OrderBy)
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

func orderBreadcrumbs(bs []models.Breadcrumb, orderBy string) {
	switch orderBy {
	case "title":
		sort.Slice(bs, func(i, j int) bool { return bs[i].Title < bs[j].Title })
	case "created_at":
		sort.Slice(bs, func(i, j int) bool { return bs[i].CreatedAt.After(bs[j].CreatedAt) })
	default: // updated_at, the store's natural recency order
		sort.Slice(bs, func(i, j int) bool { return bs[i].UpdatedAt.After(bs[j].UpdatedAt) })
	}
}

func (m *MemoryStore) VectorSearch(_ context.Context, p VectorSearchParams) ([]SearchHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []SearchHit
	for _, b := range m.breadcrumbs {
		if b.OwnerID != p.Owner || len(b.Embedding) == 0 {
			continue
		}
		if p.Filters != nil && !m.matchesSearch(b, *p.Filters) {
			continue
		}
		sim := cosineSimilarity(p.Query, b.Embedding)
		hits = append(hits, SearchHit{Breadcrumb: *b, Distance: 1 - sim})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if p.K > 0 && len(hits) > p.K {
		hits = hits[:p.K]
	}
	return hits, nil
}

// HybridSearch implements the §4.1 scoring rule:
// score = α·(1/(1+distance)) + (1-α)·(matched_keywords/requested_keywords)
func (m *MemoryStore) HybridSearch(_ context.Context, p HybridSearchParams) ([]SearchHit, error) {
	alpha := p.Alpha
	if alpha == 0 {
		alpha = 0.6
	}
	requested := len(p.Keywords)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []SearchHit
	for _, b := range m.breadcrumbs {
		if b.OwnerID != p.Owner {
			continue
		}
		if p.Filters != nil && !m.matchesSearch(b, *p.Filters) {
			continue
		}
		distance := 1.0
		if len(b.Embedding) > 0 && len(p.Vector) > 0 {
			distance = 1 - cosineSimilarity(p.Vector, b.Embedding)
		}
		matched := countMatchedKeywords(b, p.Keywords)
		keywordScore := 0.0
		if requested > 0 {
			keywordScore = float64(matched) / float64(requested)
		}
		score := alpha*(1/(1+distance)) + (1-alpha)*keywordScore
		hits = append(hits, SearchHit{Breadcrumb: *b, Distance: distance, Score: score, MatchedKeywords: matched})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Breadcrumb.UpdatedAt.Equal(hits[j].Breadcrumb.UpdatedAt) {
			return hits[i].Breadcrumb.UpdatedAt.After(hits[j].Breadcrumb.UpdatedAt)
		}
		return hits[i].Breadcrumb.ID < hits[j].Breadcrumb.ID
	})
	if p.K > 0 && len(hits) > p.K {
		hits = hits[:p.K]
	}
	return hits, nil
}

func countMatchedKeywords(b *models.Breadcrumb, keywords []string) int {
	if len(keywords) == 0 {
		return 0
	}
	set := make(map[string]bool, len(b.EntityKeywords))
	for _, k := range b.EntityKeywords {
		set[strings.ToLower(k)] = true
	}
	titleLower := strings.ToLower(b.Title)
	n := 0
	for _, kw := range keywords {
		kwLower := strings.ToLower(kw)
		if set[kwLower] || strings.Contains(titleLower, kwLower) {
			n++
		}
	}
	return n
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors. A hand-rolled Newton's-method sqrt avoids pulling in math for
// one function, matching the teacher's vector-search code.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (sqrtf(normA) * sqrtf(normB))
}

func sqrtf(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 20; i++ {
		z = z - (z*z-x)/(2*z)
	}
	return z
}
