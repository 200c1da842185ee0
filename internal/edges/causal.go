package edges

import (
	"context"
	"encoding/json"
	"strings"

	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
)

// causalRefCost is fixed rather than derived: a causal link is an explicit
// reference, not a similarity score, so there is nothing to grade it against.
const causalRefCost = 0.1

// causalRefKeys are the well-known context field names §4.5 cites as
// examples of one breadcrumb referencing another by id.
var causalRefKeys = map[string]bool{
	"request_id":  true,
	"parent_id":   true,
	"in_reply_to": true,
	"reply_to":    true,
	"caused_by":   true,
	"source_id":   true,
}

const requestTagPrefix = "request:"

// causalEdges finds every id bc's context or tags reference, verifies each
// reference resolves to a real breadcrumb owned by the same tenant, and
// returns one causal edge per verified reference.
func causalEdges(ctx context.Context, store contracts.Store, bc *models.Breadcrumb) ([]models.Edge, error) {
	refs := map[string]bool{}

	if len(bc.Context) > 0 {
		var doc interface{}
		if err := json.Unmarshal(bc.Context, &doc); err == nil {
			var found []string
			collectCausalRefs(doc, &found)
			for _, id := range found {
				refs[id] = true
			}
		}
	}

	for _, t := range bc.Tags {
		if id := strings.TrimPrefix(t, requestTagPrefix); id != t && id != "" {
			refs[id] = true
		}
	}

	delete(refs, bc.ID) // a self-reference is not a causal edge

	var edges []models.Edge
	for id := range refs {
		if _, err := store.GetBreadcrumb(ctx, bc.OwnerID, id, istore.ViewFull, istore.ReadOriginInternal); err != nil {
			continue // dangling reference, never materialize an edge to it
		}
		edges = append(edges, models.Edge{
			OwnerID: bc.OwnerID,
			FromID:  bc.ID,
			ToID:    id,
			Kind:    models.EdgeCausal,
			Cost:    causalRefCost,
		})
	}
	return edges, nil
}

func collectCausalRefs(doc interface{}, out *[]string) {
	switch v := doc.(type) {
	case map[string]interface{}:
		for k, child := range v {
			if causalRefKeys[k] {
				if s, ok := child.(string); ok && s != "" {
					*out = append(*out, s)
				}
			}
			collectCausalRefs(child, out)
		}
	case []interface{}:
		for _, child := range v {
			collectCausalRefs(child, out)
		}
	}
}
