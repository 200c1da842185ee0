// Package bus implements the per-write fanout of §4.2: every accepted store
// write produces one logical event and publishes it to (1) a global subject,
// (2) per-agent selector-matched queues, and (3) a webhook dispatcher with
// exponential backoff and a dead-letter queue.
package bus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rcrt/substrate/internal/metrics"
	"github.com/rcrt/substrate/internal/selector"
	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
	"github.com/rs/zerolog/log"
)

// Sink receives every published event regardless of selector, used by the
// background consumers (Entity Worker, Edge Builder, Context Assembler); the
// event-stream handler reads per-agent queues through Queue instead. Bus
// never blocks on a slow sink; Publish is called on a best-effort basis.
type Sink interface {
	Publish(owner string, event models.Event)
}

// Config carries the webhook retry policy and queue sizing; it mirrors
// config.WebhookConfig/config.BusConfig without importing the config
// package directly, keeping bus importable from tests without a full
// environment.
type Config struct {
	PerAgentQueueDepth int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	MaxAttempts        int
	JitterFrac         float64
	SendTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		PerAgentQueueDepth: 256,
		BaseBackoff:        500 * time.Millisecond,
		MaxBackoff:         5 * time.Minute,
		MaxAttempts:        8,
		JitterFrac:         0.25,
		SendTimeout:        15 * time.Second,
	}
}

// Bus fans breadcrumb write events out to subscribed agents and registered
// webhooks.
type Bus struct {
	cfg     Config
	store   contracts.Store
	subs    contracts.SubscriptionStore
	driver  contracts.ChannelDriver
	sinks   []Sink // background consumers (entity worker, edge builder, context assembler)
	sinkMu  sync.RWMutex
	metrics *metrics.Metrics

	mu     sync.Mutex
	queues map[string]chan models.Event // key: owner:agent
}

func New(store contracts.Store, subs contracts.SubscriptionStore, driver contracts.ChannelDriver, cfg Config) *Bus {
	if cfg.PerAgentQueueDepth <= 0 {
		cfg.PerAgentQueueDepth = DefaultConfig().PerAgentQueueDepth
	}
	return &Bus{
		cfg:    cfg,
		store:  store,
		subs:   subs,
		driver: driver,
		queues: make(map[string]chan models.Event),
	}
}

// AddSink registers an additional event consumer (the Entity Worker, the
// Edge Builder, the Context Assembler, ...); safe to call after
// construction. Every sink receives every published event regardless of
// selector; Bus never blocks on a slow one.
func (b *Bus) AddSink(s Sink) {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	b.sinks = append(b.sinks, s)
}

// SetMetrics wires a Prometheus registry for webhook delivery counters; nil
// (the default) disables instrumentation.
func (b *Bus) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

func queueKey(owner, agentID string) string { return owner + ":" + agentID }

// Publish fans event out to every channel named in §4.2. It never blocks the
// caller on a slow consumer: the global sink and per-agent queues are
// best-effort, webhook dispatch runs on its own goroutine.
func (b *Bus) Publish(ctx context.Context, event models.Event) {
	b.sinkMu.RLock()
	sinks := b.sinks
	b.sinkMu.RUnlock()
	for _, sink := range sinks {
		sink.Publish(event.OwnerID, event)
	}

	subs, err := b.subs.ListByOwner(ctx, event.OwnerID)
	if err != nil {
		log.Error().Err(err).Str("owner", event.OwnerID).Msg("bus: list subscriptions failed")
		return
	}

	bc := &models.Breadcrumb{OwnerID: event.OwnerID, SchemaName: event.SchemaName, Tags: event.Tags}
	for _, sub := range subs {
		if !selector.Matches(bc, sub.Selector) {
			continue
		}
		b.enqueue(ctx, sub.OwnerID, sub.AgentID, event)
	}

	go b.dispatchWebhooks(context.WithoutCancel(ctx), event, subs)
}

// enqueue delivers to an agent's bounded in-process queue. On overflow the
// event is dropped at the edge and a synthetic gap breadcrumb is recorded so
// operators can detect the loss (§4.2 backpressure).
func (b *Bus) enqueue(ctx context.Context, owner, agentID string, event models.Event) {
	b.mu.Lock()
	q, ok := b.queues[queueKey(owner, agentID)]
	if !ok {
		q = make(chan models.Event, b.cfg.PerAgentQueueDepth)
		b.queues[queueKey(owner, agentID)] = q
	}
	b.mu.Unlock()

	select {
	case q <- event:
	default:
		log.Warn().Str("owner", owner).Str("agent", agentID).Msg("bus: per-agent queue full, dropping event")
		gap := &models.Breadcrumb{
			OwnerID:    owner,
			Title:      "fanout gap for " + agentID,
			SchemaName: "fanout gap",
			Tags:       []string{"bus.gap", "agent:" + agentID},
			TTL:        models.TTL{Kind: models.TTLDatetime, ExpiresAt: ttlPtr(time.Now().Add(24 * time.Hour))},
		}
		if _, err := b.store.CreateBreadcrumb(ctx, istore.CreateParams{Breadcrumb: gap}); err != nil {
			log.Error().Err(err).Str("agent", agentID).Msg("bus: failed to record gap breadcrumb")
		}
	}
}

// Queue returns (creating if necessary) an agent's inbound event channel,
// consumed by the per-connection event-stream handler.
func (b *Bus) Queue(owner, agentID string) <-chan models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := queueKey(owner, agentID)
	q, ok := b.queues[k]
	if !ok {
		q = make(chan models.Event, b.cfg.PerAgentQueueDepth)
		b.queues[k] = q
	}
	return q
}

// dispatchWebhooks sends event to every webhook bound to a matching agent,
// with exponential backoff and jitter, persisting to the dead letter queue
// on exhaustion (§4.2).
func (b *Bus) dispatchWebhooks(ctx context.Context, event models.Event, subs []models.SelectorSubscription) {
	bc := &models.Breadcrumb{OwnerID: event.OwnerID, SchemaName: event.SchemaName, Tags: event.Tags}
	matchedAgents := make(map[string]bool)
	for _, sub := range subs {
		if selector.Matches(bc, sub.Selector) {
			matchedAgents[sub.AgentID] = true
		}
	}
	if len(matchedAgents) == 0 {
		return
	}

	for agentID := range matchedAgents {
		hooks, err := b.store.ListWebhooks(ctx, event.OwnerID, agentID)
		if err != nil {
			log.Error().Err(err).Str("agent", agentID).Msg("bus: list webhooks failed")
			continue
		}
		for _, hook := range hooks {
			go b.deliver(ctx, hook, event)
		}
	}
}

// Redeliver re-attempts a single webhook delivery through the normal
// backoff/dead-letter path, used by the operator-triggered DLQ retry
// endpoint (§6.1 POST /dlq/{id}/retry).
func (b *Bus) Redeliver(ctx context.Context, hook models.Webhook, event models.Event) {
	b.deliver(ctx, hook, event)
}

func (b *Bus) deliver(ctx context.Context, hook models.Webhook, event models.Event) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.BaseBackoff
	policy.MaxInterval = b.cfg.MaxBackoff
	policy.Multiplier = 2
	policy.RandomizationFactor = b.cfg.JitterFrac
	policy.MaxElapsedTime = 0 // bounded by attempt count, not wall time

	attempts := 0
	var lastErr error
	op := func() error {
		attempts++
		sendCtx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
		defer cancel()
		err := b.driver.Send(sendCtx, hook.URL, hook.Secret, event)
		lastErr = err
		return err
	}

	bo := backoff.WithMaxRetries(policy, uint64(maxInt(b.cfg.MaxAttempts-1, 0)))
	if err := backoff.Retry(op, bo); err != nil {
		log.Warn().Err(lastErr).Str("webhook", hook.ID).Str("agent", hook.AgentID).Int("attempts", attempts).
			Msg("bus: webhook delivery exhausted, writing to dead letter queue")
		dl := &models.WebhookDeadLetter{
			OwnerID:    hook.OwnerID,
			AgentID:    hook.AgentID,
			DeliveryID: event.ID + ":" + strconv.FormatInt(event.Version, 10),
			WebhookID:  hook.ID,
			Event:      event,
			Attempts:   attempts,
			LastError:  errString(lastErr),
		}
		if putErr := b.store.PutDeadLetter(ctx, dl); putErr != nil {
			log.Error().Err(putErr).Str("webhook", hook.ID).Msg("bus: failed to persist dead letter")
		}
		if b.metrics != nil {
			b.metrics.WebhookDeliveries.WithLabelValues("dead_lettered").Inc()
			b.metrics.WebhookDeadLetters.Inc()
		}
		return
	}
	if b.metrics != nil {
		b.metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func ttlPtr(t time.Time) *time.Time { return &t }
