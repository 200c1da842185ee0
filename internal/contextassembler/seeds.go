package contextassembler

import (
	"context"
	"encoding/json"
	"strings"

	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/models"
)

// collectSeeds gathers the initial node set for the subgraph walk from the
// four channels named in §4.6: the trigger itself, the profile's
// always-include sources, its recent session history, and a semantic
// search over the trigger's own embedding. sourcesUsed counts how many of
// these four channels actually contributed a seed, the value recorded on
// the emitted bundle as SourcesAssembled.
func (a *Assembler) collectSeeds(ctx context.Context, owner string, profile models.ConsumerProfile, trigger *models.Breadcrumb) ([]string, int) {
	seen := map[string]bool{trigger.ID: true}
	ids := []string{trigger.ID}
	sourcesUsed := 1 // the trigger itself

	add := func(found []string) bool {
		hit := false
		for _, id := range found {
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
			hit = true
		}
		return hit
	}

	if found := a.collectAlwaysInclude(ctx, owner, profile.AlwaysInclude); add(found) {
		sourcesUsed++
	}
	if found := a.collectSessionHistory(ctx, owner, trigger, profile.SessionHistory); add(found) {
		sourcesUsed++
	}
	if found := a.collectSemantic(ctx, owner, trigger, profile.SemanticSearch); add(found) {
		sourcesUsed++
	}

	return ids, sourcesUsed
}

func (a *Assembler) collectAlwaysInclude(ctx context.Context, owner string, src models.ConsumerSource) []string {
	limit := src.Limit
	if limit <= 0 {
		limit = a.cfg.AlwaysIncludeCap
	}

	var ids []string
	for _, schema := range src.SchemaNames {
		hits, err := a.store.SearchBreadcrumbs(ctx, istore.SearchParams{
			Owner: owner, SchemaName: schema, OrderBy: "updated_at", Limit: limit,
		})
		if err != nil {
			continue // always-include is best-effort seeding, not a hard dependency
		}
		for _, h := range hits {
			ids = append(ids, h.ID)
		}
	}
	for _, prefix := range src.TagPrefixes {
		hits, err := a.store.SearchBreadcrumbs(ctx, istore.SearchParams{
			Owner: owner, TagPrefix: prefix, OrderBy: "updated_at", Limit: limit,
		})
		if err != nil {
			continue
		}
		for _, h := range hits {
			ids = append(ids, h.ID)
		}
	}
	return ids
}

func (a *Assembler) collectSessionHistory(ctx context.Context, owner string, trigger *models.Breadcrumb, src models.ConsumerSource) []string {
	var sessionTags []string
	for _, t := range trigger.Tags {
		if strings.HasPrefix(t, sessionTagPrefix) {
			sessionTags = append(sessionTags, t)
		}
	}
	if len(sessionTags) == 0 {
		return nil
	}

	limit := src.Limit
	if limit <= 0 {
		limit = a.cfg.SessionHistoryCap
	}

	var ids []string
	for _, tag := range sessionTags {
		hits, err := a.store.SearchBreadcrumbs(ctx, istore.SearchParams{
			Owner: owner, AnyTags: []string{tag}, OrderBy: "updated_at", Limit: limit,
		})
		if err != nil {
			continue
		}
		for _, h := range hits {
			ids = append(ids, h.ID)
		}
	}
	return ids
}

// collectSemantic runs a hybrid search over the trigger's textual
// projection (its entity keywords, the best text this breadcrumb has
// without re-deriving one) combined with its embedding, per §4.6. It
// degrades silently when the trigger carries no embedding yet (deferred
// embedding not computed) or the search errors: the assembler falls back
// to whatever the other three channels already found rather than failing
// the whole assembly (§4.6 failure semantics: "if semantic search is
// unavailable, the assembler degrades to recent + tag seeds").
func (a *Assembler) collectSemantic(ctx context.Context, owner string, trigger *models.Breadcrumb, src models.ConsumerSource) []string {
	if len(trigger.Embedding) == 0 {
		return nil
	}
	k := src.K
	if k <= 0 {
		k = a.cfg.SemanticK
	}

	var filters *istore.SearchParams
	if len(src.SchemaNames) == 1 {
		filters = &istore.SearchParams{Owner: owner, SchemaName: src.SchemaNames[0]}
	}

	hits, err := a.store.HybridSearch(ctx, istore.HybridSearchParams{
		Owner: owner, Vector: trigger.Embedding, Keywords: trigger.EntityKeywords, K: k, Filters: filters,
	})
	if err != nil {
		return nil
	}

	var ids []string
	for _, h := range hits {
		if h.Breadcrumb.ID == trigger.ID {
			continue
		}
		score := 1 - h.Distance
		if src.MinSim > 0 && score < src.MinSim {
			continue
		}
		ids = append(ids, h.Breadcrumb.ID)
	}
	return ids
}

// lookupProfile finds a consumer profile by its consumer id, stored as a
// breadcrumb under ReservedConsumerProfile tagged "consumer:<id>".
func (a *Assembler) lookupProfile(ctx context.Context, owner, consumerID string) (models.ConsumerProfile, bool) {
	hits, err := a.store.SearchBreadcrumbs(ctx, istore.SearchParams{
		Owner: owner, SchemaName: models.ReservedConsumerProfile,
		AnyTags: []string{consumerTagPrefix + consumerID}, Limit: 1,
	})
	if err != nil || len(hits) == 0 {
		return models.ConsumerProfile{}, false
	}
	return decodeProfile(hits[0])
}

// loadProfiles returns every consumer profile registered for owner.
func (a *Assembler) loadProfiles(ctx context.Context, owner string) ([]models.ConsumerProfile, error) {
	hits, err := a.store.SearchBreadcrumbs(ctx, istore.SearchParams{
		Owner: owner, SchemaName: models.ReservedConsumerProfile,
	})
	if err != nil {
		return nil, err
	}
	var profiles []models.ConsumerProfile
	for _, h := range hits {
		if p, ok := decodeProfile(h); ok {
			profiles = append(profiles, p)
		}
	}
	return profiles, nil
}

func decodeProfile(bc models.Breadcrumb) (models.ConsumerProfile, bool) {
	var p models.ConsumerProfile
	if len(bc.Context) == 0 {
		return p, false
	}
	if err := json.Unmarshal(bc.Context, &p); err != nil {
		return p, false
	}
	if p.OwnerID == "" {
		p.OwnerID = bc.OwnerID
	}
	return p, p.ID != ""
}
