// Package entityworker implements the Entity Worker of §4.4: a Bus
// consumer that extracts entities and normalized keywords from a newly
// created breadcrumb's title and context, then writes them back through
// Store.SetEntities under a best-effort version precondition. It never
// blocks Publish and is idempotent over (id, version).
//
// The run-loop shape (stopCh/WaitGroup/select-on-context) is grounded on
// the queue worker pattern used elsewhere in the examples pack for
// long-lived background consumers; here the work arrives by push (the Bus
// calls Publish) rather than by poll, since the substrate already has a
// fanout mechanism built for exactly this purpose.
package entityworker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rcrt/substrate/internal/jsonpath"
	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
)

// QueueDepth bounds the worker's inbound event buffer. Publish drops events
// past this depth rather than blocking the Bus.
const QueueDepth = 1024

// Worker consumes creation events and writes back extracted entities.
type Worker struct {
	store     contracts.Store
	extractor Extractor

	events chan models.Event
	stopCh chan struct{}
	stopOnce sync.Once
	wg     sync.WaitGroup
}

func New(store contracts.Store) *Worker {
	return &Worker{
		store:     store,
		extractor: NewHeuristicExtractor(),
		events:    make(chan models.Event, QueueDepth),
		stopCh:    make(chan struct{}),
	}
}

// Publish implements bus.Sink. Only creation events carry new content worth
// extracting; updates/deletes are ignored (a patch that changes context
// would need its own re-extraction trigger, which is out of scope here).
func (w *Worker) Publish(owner string, event models.Event) {
	if event.Kind != models.EventCreated {
		return
	}
	select {
	case w.events <- event:
	default:
		log.Warn().Str("owner", owner).Str("id", event.ID).Msg("entityworker: queue full, dropping event")
	}
}

// Start runs the consumer loop in a goroutine until ctx is cancelled or
// Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the consumer to stop and waits for it to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	log.Info().Msg("entity worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("entity worker stopped")
			return
		case <-w.stopCh:
			log.Info().Msg("entity worker stopped")
			return
		case ev := <-w.events:
			w.process(ctx, ev)
		}
	}
}

func (w *Worker) process(ctx context.Context, ev models.Event) {
	bc, err := w.store.GetBreadcrumb(ctx, ev.OwnerID, ev.ID, istore.ViewFull, istore.ReadOriginInternal)
	if err != nil {
		log.Warn().Err(err).Str("id", ev.ID).Msg("entityworker: lookup failed")
		return
	}
	if len(bc.EntityKeywords) > 0 {
		return // already processed for this (or a later) version
	}

	entities, keywords := w.extractor.Extract(gatherText(bc))
	if len(entities) == 0 && len(keywords) == 0 {
		return
	}

	payload, err := json.Marshal(entities)
	if err != nil {
		log.Error().Err(err).Str("id", ev.ID).Msg("entityworker: marshal entities failed")
		return
	}

	if err := w.store.SetEntities(ctx, ev.OwnerID, ev.ID, bc.Version, payload, keywords); err != nil {
		// retry once against the latest version; a conflict usually means a
		// concurrent patch landed between our read and write.
		fresh, rerr := w.store.GetBreadcrumb(ctx, ev.OwnerID, ev.ID, istore.ViewFull, istore.ReadOriginInternal)
		if rerr != nil || len(fresh.EntityKeywords) > 0 {
			return
		}
		if err := w.store.SetEntities(ctx, ev.OwnerID, ev.ID, fresh.Version, payload, keywords); err != nil {
			log.Warn().Err(err).Str("id", ev.ID).Msg("entityworker: set entities conflict, dropping (next write will re-trigger)")
		}
	}
}

// gatherText concatenates a breadcrumb's title with every leaf string value
// in its context, the raw material the extractor scans for entities.
func gatherText(bc *models.Breadcrumb) []string {
	out := []string{bc.Title}
	if len(bc.Context) > 0 {
		var doc interface{}
		if err := json.Unmarshal(bc.Context, &doc); err == nil {
			jsonpath.Leaves(doc, &out)
		}
	}
	return out
}
