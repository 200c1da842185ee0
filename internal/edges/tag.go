package edges

import (
	"context"

	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
)

// tagEdges links bc to every other breadcrumb owned by the same tenant that
// shares at least minShared tags, with cost inversely proportional to the
// shared-tag count so denser overlap reads as a cheaper hop.
func tagEdges(ctx context.Context, store contracts.Store, bc *models.Breadcrumb, minShared int) ([]models.Edge, error) {
	if len(bc.Tags) == 0 {
		return nil, nil
	}
	own := toTagSet(bc.Tags)

	candidates, err := store.SearchBreadcrumbs(ctx, istore.SearchParams{Owner: bc.OwnerID})
	if err != nil {
		return nil, err
	}

	var edges []models.Edge
	for _, cand := range candidates {
		if cand.ID == bc.ID {
			continue
		}
		shared := sharedCount(own, cand.Tags)
		if shared < minShared {
			continue
		}
		edges = append(edges, models.Edge{
			OwnerID: bc.OwnerID,
			FromID:  bc.ID,
			ToID:    cand.ID,
			Kind:    models.EdgeTag,
			Cost:    1.0 / float64(shared),
		})
	}
	return edges, nil
}

func toTagSet(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	return set
}

func sharedCount(own map[string]bool, tags []string) int {
	n := 0
	for _, t := range tags {
		if own[t] {
			n++
		}
	}
	return n
}
