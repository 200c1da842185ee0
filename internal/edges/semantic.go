package edges

import (
	"context"

	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
)

// semanticEdges links bc to its k nearest neighbors by embedding cosine
// similarity, above minScore. Cost is the cosine distance (1 - similarity),
// so it falls as similarity rises.
func semanticEdges(ctx context.Context, store contracts.Store, bc *models.Breadcrumb, k int, minScore float64) ([]models.Edge, error) {
	hits, err := store.VectorSearch(ctx, istore.VectorSearchParams{
		Owner: bc.OwnerID,
		Query: bc.Embedding,
		K:     k + 1, // bc itself is its own nearest neighbor at distance 0
	})
	if err != nil {
		return nil, err
	}

	var edges []models.Edge
	for _, hit := range hits {
		if hit.Breadcrumb.ID == bc.ID {
			continue
		}
		score := 1 - hit.Distance
		if score < minScore {
			continue
		}
		edges = append(edges, models.Edge{
			OwnerID: bc.OwnerID,
			FromID:  bc.ID,
			ToID:    hit.Breadcrumb.ID,
			Kind:    models.EdgeSemantic,
			Cost:    hit.Distance,
		})
		if len(edges) >= k {
			break
		}
	}
	return edges, nil
}
