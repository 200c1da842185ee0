package edges

import (
	"context"
	"strings"
	"time"

	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
)

const sessionTagPrefix = "session:"

// temporalEdges links bc to its siblings within the same session tag
// family that were created within window of it. Every temporal edge carries
// the same fixed cost: proximity in time is binary (inside or outside the
// window), not graded.
func temporalEdges(ctx context.Context, store contracts.Store, bc *models.Breadcrumb, window time.Duration, cost float64) ([]models.Edge, error) {
	var sessionTags []string
	for _, t := range bc.Tags {
		if strings.HasPrefix(t, sessionTagPrefix) {
			sessionTags = append(sessionTags, t)
		}
	}
	if len(sessionTags) == 0 {
		return nil, nil
	}

	seen := map[string]bool{bc.ID: true}
	var edges []models.Edge
	for _, tag := range sessionTags {
		siblings, err := store.SearchBreadcrumbs(ctx, istore.SearchParams{Owner: bc.OwnerID, AnyTags: []string{tag}})
		if err != nil {
			return nil, err
		}
		for _, sib := range siblings {
			if seen[sib.ID] {
				continue
			}
			delta := bc.CreatedAt.Sub(sib.CreatedAt)
			if delta < 0 {
				delta = -delta
			}
			if delta > window {
				continue
			}
			seen[sib.ID] = true
			edges = append(edges, models.Edge{
				OwnerID: bc.OwnerID,
				FromID:  bc.ID,
				ToID:    sib.ID,
				Kind:    models.EdgeTemporal,
				Cost:    cost,
			})
		}
	}
	return edges, nil
}
