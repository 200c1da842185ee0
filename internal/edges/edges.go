// Package edges implements the Edge Builder of §4.5: a Bus consumer that
// derives causal, tag, temporal, and semantic links between breadcrumbs and
// writes them back through Store.PutEdges. Edges are derived, never
// authoritative, and the builder recomputes the full outgoing edge set of a
// single kind from a single breadcrumb on every run, which is what makes a
// job idempotent by (from_id, kind): PutEdges replaces rather than appends.
//
// The run-loop shape mirrors the Entity Worker: a bounded inbound queue fed
// by Bus.Publish, drained by a single goroutine started with Start and
// stopped with Stop or context cancellation.
package edges

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcrt/substrate/internal/config"
	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
)

// QueueDepth bounds the builder's inbound event buffer. Publish drops
// events past this depth rather than blocking the Bus.
const QueueDepth = 1024

// Builder consumes creation events and materializes the four edge kinds of
// §4.5 for the triggering breadcrumb.
type Builder struct {
	store contracts.Store
	cfg   config.EdgeConfig

	events chan models.Event
	stopCh chan struct{}
	stopOnce sync.Once
	wg     sync.WaitGroup
}

func New(store contracts.Store, cfg config.EdgeConfig) *Builder {
	if cfg.TagMinShared <= 0 {
		cfg.TagMinShared = 2
	}
	if cfg.SemanticK <= 0 {
		cfg.SemanticK = 8
	}
	if cfg.SemanticMinScore <= 0 {
		cfg.SemanticMinScore = 0.75
	}
	if cfg.TemporalWindow <= 0 {
		cfg.TemporalWindow = 5 * time.Minute
	}
	if cfg.TemporalCost <= 0 {
		cfg.TemporalCost = 0.5
	}
	return &Builder{
		store:  store,
		cfg:    cfg,
		events: make(chan models.Event, QueueDepth),
		stopCh: make(chan struct{}),
	}
}

// Publish implements bus.Sink. Updates are ignored for the same reason the
// Entity Worker ignores them: a patch that changes tags or context would
// need its own re-derivation trigger, out of scope here.
func (b *Builder) Publish(owner string, event models.Event) {
	if event.Kind != models.EventCreated {
		return
	}
	select {
	case b.events <- event:
	default:
		log.Warn().Str("owner", owner).Str("id", event.ID).Msg("edges: queue full, dropping event")
	}
}

func (b *Builder) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

func (b *Builder) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

func (b *Builder) run(ctx context.Context) {
	defer b.wg.Done()
	log.Info().Msg("edge builder started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("edge builder stopped")
			return
		case <-b.stopCh:
			log.Info().Msg("edge builder stopped")
			return
		case ev := <-b.events:
			b.process(ctx, ev)
		}
	}
}

func (b *Builder) process(ctx context.Context, ev models.Event) {
	bc, err := b.store.GetBreadcrumb(ctx, ev.OwnerID, ev.ID, istore.ViewFull, istore.ReadOriginInternal)
	if err != nil {
		log.Warn().Err(err).Str("id", ev.ID).Msg("edges: lookup failed")
		return
	}

	if es, err := causalEdges(ctx, b.store, bc); err != nil {
		log.Warn().Err(err).Str("id", bc.ID).Msg("edges: causal derivation failed")
	} else {
		b.put(ctx, bc, models.EdgeCausal, es)
	}

	if es, err := tagEdges(ctx, b.store, bc, b.cfg.TagMinShared); err != nil {
		log.Warn().Err(err).Str("id", bc.ID).Msg("edges: tag derivation failed")
	} else {
		b.put(ctx, bc, models.EdgeTag, es)
	}

	if es, err := temporalEdges(ctx, b.store, bc, b.cfg.TemporalWindow, b.cfg.TemporalCost); err != nil {
		log.Warn().Err(err).Str("id", bc.ID).Msg("edges: temporal derivation failed")
	} else {
		b.put(ctx, bc, models.EdgeTemporal, es)
	}

	if len(bc.Embedding) > 0 {
		es, err := semanticEdges(ctx, b.store, bc, b.cfg.SemanticK, b.cfg.SemanticMinScore)
		if err != nil {
			log.Warn().Err(err).Str("id", bc.ID).Msg("edges: semantic derivation failed")
		} else {
			b.put(ctx, bc, models.EdgeSemantic, es)
		}
	}
}

func (b *Builder) put(ctx context.Context, bc *models.Breadcrumb, kind models.EdgeKind, edges []models.Edge) {
	if err := b.store.PutEdges(ctx, bc.OwnerID, bc.ID, kind, edges); err != nil {
		log.Warn().Err(err).Str("id", bc.ID).Str("kind", string(kind)).Msg("edges: put edges failed")
	}
}
