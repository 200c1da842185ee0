// Package contextassembler implements the Context Assembler of §4.6: a Bus
// consumer that, on a configured trigger, walks the edge graph out from a
// seed set, greedily fills a per-consumer token budget through the
// Transform Engine, and emits the result as a context-bundle breadcrumb.
//
// Like the Entity Worker and Edge Builder it registers as a bus.Sink and
// drains a bounded inbound queue on its own goroutine; unlike them it can
// fire more than once per event, once per matching consumer profile.
package contextassembler

import (
	"container/heap"
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcrt/substrate/internal/bus"
	"github.com/rcrt/substrate/internal/config"
	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/internal/transform"
	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
)

// QueueDepth bounds the assembler's inbound event buffer.
const QueueDepth = 1024

// defaultTokenBudget is used when a consumer profile omits TokenBudget.
const defaultTokenBudget = 4000

// bundleTTL is how long an emitted bundle lives before the Hygiene Runner
// purges it; a bundle is a point-in-time snapshot, not a durable record.
const bundleTTL = time.Hour

const sessionTagPrefix = "session:"
const consumerTagPrefix = "consumer:"
const fallbackSection = "context"

// Assembler is the Context Assembler worker.
type Assembler struct {
	store     contracts.Store
	bus       *bus.Bus
	transform *transform.Engine
	cfg       config.ContextConfig

	events   chan models.Event
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	estimatorsMu sync.RWMutex
	estimators   map[string]func(*models.Breadcrumb) int
}

// RegisterEstimator sets a custom token estimator for consumerID, used
// instead of the built-in ceil(bytes/4) approximation. ConsumerProfile is
// plain JSON persisted as a breadcrumb and can't carry a function pointer,
// so an embedding application that wants a real tokenizer registers it
// in-process instead.
func (a *Assembler) RegisterEstimator(consumerID string, fn func(*models.Breadcrumb) int) {
	a.estimatorsMu.Lock()
	defer a.estimatorsMu.Unlock()
	a.estimators[consumerID] = fn
}

func (a *Assembler) estimatorFor(consumerID string) func(*models.Breadcrumb) int {
	a.estimatorsMu.RLock()
	defer a.estimatorsMu.RUnlock()
	if fn, ok := a.estimators[consumerID]; ok {
		return fn
	}
	return tokenEstimate
}

func New(store contracts.Store, b *bus.Bus, transformEngine *transform.Engine, cfg config.ContextConfig) *Assembler {
	if cfg.SubgraphDepth <= 0 {
		cfg.SubgraphDepth = 2
	}
	if cfg.NodeLimit <= 0 {
		cfg.NodeLimit = 200
	}
	if cfg.HeadroomFrac <= 0 {
		cfg.HeadroomFrac = 0.10
	}
	if cfg.AlwaysIncludeCap <= 0 {
		cfg.AlwaysIncludeCap = 20
	}
	if cfg.SessionHistoryCap <= 0 {
		cfg.SessionHistoryCap = 20
	}
	if cfg.SemanticK <= 0 {
		cfg.SemanticK = 10
	}
	return &Assembler{
		store:     store,
		bus:       b,
		transform: transformEngine,
		cfg:       cfg,
		events:     make(chan models.Event, QueueDepth),
		stopCh:     make(chan struct{}),
		estimators: make(map[string]func(*models.Breadcrumb) int),
	}
}

// Publish implements bus.Sink.
func (a *Assembler) Publish(owner string, event models.Event) {
	if event.Kind != models.EventCreated {
		return
	}
	select {
	case a.events <- event:
	default:
		log.Warn().Str("owner", owner).Str("id", event.ID).Msg("contextassembler: queue full, dropping event")
	}
}

func (a *Assembler) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.run(ctx)
}

func (a *Assembler) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Assembler) run(ctx context.Context) {
	defer a.wg.Done()
	log.Info().Msg("context assembler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("context assembler stopped")
			return
		case <-a.stopCh:
			log.Info().Msg("context assembler stopped")
			return
		case ev := <-a.events:
			a.process(ctx, ev)
		}
	}
}

// process decides whether event.ID fires assembly, for one consumer (an
// explicit context request names its consumer directly) or for every
// profile whose TriggerSchemas names event.SchemaName.
func (a *Assembler) process(ctx context.Context, ev models.Event) {
	trigger, err := a.store.GetBreadcrumb(ctx, ev.OwnerID, ev.ID, istore.ViewFull, istore.ReadOriginInternal)
	if err != nil {
		log.Warn().Err(err).Str("id", ev.ID).Msg("contextassembler: lookup failed")
		return
	}

	switch trigger.SchemaName {
	case models.ReservedConsumerProfile, models.ReservedSchemaDefinition:
		return
	case models.ReservedContextRequest:
		consumerID := requestedConsumerID(trigger.Context)
		if consumerID == "" {
			log.Warn().Str("id", trigger.ID).Msg("contextassembler: context request missing consumer_id")
			return
		}
		profile, ok := a.lookupProfile(ctx, ev.OwnerID, consumerID)
		if !ok {
			log.Warn().Str("consumer", consumerID).Msg("contextassembler: unknown consumer profile")
			return
		}
		a.assemble(ctx, ev.OwnerID, profile, trigger)
		return
	}

	profiles, err := a.loadProfiles(ctx, ev.OwnerID)
	if err != nil {
		log.Warn().Err(err).Str("owner", ev.OwnerID).Msg("contextassembler: profile lookup failed")
		return
	}
	for _, profile := range profiles {
		if !containsStr(profile.TriggerSchemas, trigger.SchemaName) {
			continue
		}
		if containsStr(trigger.Tags, consumerTagPrefix+profile.ID) {
			continue // this is this consumer's own prior bundle, never re-trigger off it
		}
		a.assemble(ctx, ev.OwnerID, profile, trigger)
	}
}

func requestedConsumerID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var body struct {
		ConsumerID string `json:"consumer_id"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.ConsumerID
}

// acceptedNode is one breadcrumb that made it into the assembled bundle.
type acceptedNode struct {
	SchemaName string
	Title      string
	Context    []byte
	Distance   float64
	UpdatedAt  time.Time
}

// assemble runs one full seed-collect/walk/budget/format/emit pass for a
// single consumer profile and trigger breadcrumb. A bundle is always
// emitted once triggered, even in every degraded-input case named by §4.6:
// graph load failure or an empty subgraph degrades to the seed set itself,
// and an unavailable semantic source is simply dropped from seed
// collection.
func (a *Assembler) assemble(ctx context.Context, owner string, profile models.ConsumerProfile, trigger *models.Breadcrumb) {
	seeds, sourcesUsed := a.collectSeeds(ctx, owner, profile, trigger)
	if len(seeds) == 0 {
		seeds = []string{trigger.ID}
		sourcesUsed = 1
	}

	adj, err := a.store.LoadSubgraph(ctx, owner, seeds, a.cfg.SubgraphDepth)
	if err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("contextassembler: subgraph load failed, degrading to seed set")
		adj = map[string][]models.Edge{}
	}

	order, dist := dijkstraOrder(adj, seeds)

	budget := profile.TokenBudget
	if budget <= 0 {
		budget = defaultTokenBudget
	}
	usable := int(math.Floor(float64(budget) * (1 - a.cfg.HeadroomFrac)))

	estimate := a.estimatorFor(profile.ID)

	var accepted []acceptedNode
	spent := 0
	for _, id := range order {
		if len(accepted) >= a.cfg.NodeLimit {
			break
		}
		if spent >= usable {
			break
		}
		bc, err := a.store.GetBreadcrumb(ctx, owner, id, istore.ViewFull, istore.ReadOriginInternal)
		if err != nil {
			continue
		}
		materialized := a.transform.Materialize(ctx, owner, bc)
		cost := estimate(materialized)
		if spent+cost > usable {
			continue // doesn't fit; keep trying the remaining, possibly smaller, nodes
		}
		spent += cost
		accepted = append(accepted, acceptedNode{
			SchemaName: bc.SchemaName,
			Title:      bc.Title,
			Context:    materialized.Context,
			Distance:   dist[id],
			UpdatedAt:  bc.UpdatedAt,
		})
	}

	formatted := buildSections(profile, accepted)

	bundleCtx := models.BundleContext{
		FormattedContext: formatted,
		TokenEstimate:    spent,
		BreadcrumbCount:  len(accepted),
		SourcesAssembled: sourcesUsed,
		TriggerEventID:   trigger.ID,
	}
	ctxBytes, err := json.Marshal(bundleCtx)
	if err != nil {
		log.Error().Err(err).Str("consumer", profile.ID).Msg("contextassembler: marshal bundle context failed")
		return
	}

	tags := []string{consumerTagPrefix + profile.ID}
	for _, t := range trigger.Tags {
		if strings.HasPrefix(t, sessionTagPrefix) {
			tags = append(tags, t)
		}
	}

	expiresAt := time.Now().Add(bundleTTL)
	bundle := &models.Breadcrumb{
		OwnerID:     owner,
		Title:       "context bundle for " + profile.ID,
		SchemaName:  models.BundleSchemaName,
		Tags:        tags,
		Context:     ctxBytes,
		Visibility:  models.VisibilityPrivate,
		Sensitivity: models.SensitivityLow,
		TTL:         models.TTL{Kind: models.TTLDatetime, ExpiresAt: &expiresAt},
		CreatedBy:   "context-assembler",
		UpdatedBy:   "context-assembler",
	}
	created, err := a.store.CreateBreadcrumb(ctx, istore.CreateParams{Breadcrumb: bundle})
	if err != nil {
		log.Error().Err(err).Str("consumer", profile.ID).Msg("contextassembler: bundle emission failed")
		return
	}

	if a.bus != nil {
		a.bus.Publish(ctx, models.Event{
			Kind: models.EventCreated, ID: created.ID, OwnerID: created.OwnerID,
			SchemaName: created.SchemaName, Tags: created.Tags, Version: created.Version,
			UpdatedAt: created.UpdatedAt,
		})
	}

	log.Info().
		Str("consumer", profile.ID).
		Str("bundle_id", created.ID).
		Int("breadcrumbs", len(accepted)).
		Int("tokens", spent).
		Msg("context bundle assembled")
}

// tokenEstimate approximates token count as one token per four bytes of
// title plus serialized context, rounded up.
func tokenEstimate(bc *models.Breadcrumb) int {
	n := len(bc.Title) + len(bc.Context)
	return int(math.Ceil(float64(n) / 4))
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ── multi-seed Dijkstra ──────────────────────────────────────

type pqItem struct {
	id   string
	dist float64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].dist < pq[j].dist }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x interface{}) { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// dijkstraOrder runs a multi-source shortest-path search over adj (fromID
// to its outgoing edges, as returned by Store.LoadSubgraph) with every seed
// starting at distance 0, and returns every reachable node id in
// ascending-distance visit order alongside its distance. container/heap is
// the standard library's priority queue; nothing in the retrieved example
// repos implements a weighted graph traversal to ground an alternative on.
func dijkstraOrder(adj map[string][]models.Edge, seeds []string) ([]string, map[string]float64) {
	dist := make(map[string]float64)
	visited := make(map[string]bool)
	pq := &priorityQueue{}
	heap.Init(pq)
	for _, s := range seeds {
		dist[s] = 0
		heap.Push(pq, pqItem{id: s, dist: 0})
	}

	var order []string
	for pq.Len() > 0 {
		top := heap.Pop(pq).(pqItem)
		if visited[top.id] {
			continue
		}
		visited[top.id] = true
		order = append(order, top.id)
		for _, e := range adj[top.id] {
			nd := top.dist + e.Cost
			if cur, ok := dist[e.ToID]; !ok || nd < cur {
				dist[e.ToID] = nd
				heap.Push(pq, pqItem{id: e.ToID, dist: nd})
			}
		}
	}
	return order, dist
}
