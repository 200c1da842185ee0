// Package contracts defines the interfaces shared across the substrate's
// packages: the shape every pluggable driver (embedding backend, vector
// store, bus channel, subscription store) must satisfy. Keeping them
// here lets internal packages depend on the interface without importing
// each other's concrete implementations.
package contracts

import (
	"context"
	"time"

	"github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed here so
// packages that only need the contract (not the implementation) can avoid
// importing internal/store directly.
type Store = store.Store

// ErrNotFound re-exports the internal store.ErrNotFound sentinel error.
var ErrNotFound = store.ErrNotFound

// ── Embedding Driver ─────────────────────────────────────────

// EmbeddingDriver generates vector embeddings from text.
type EmbeddingDriver interface {
	Kind() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	MaxBatchSize() int
	HealthCheck(ctx context.Context) error
}

// ── Vector Store Driver ──────────────────────────────────────

// VectorStoreDriver provides vector storage and similarity search scoped to
// a tenant.
type VectorStoreDriver interface {
	Kind() string
	Upsert(ctx context.Context, owner string, id string, vector []float32) error
	Search(ctx context.Context, owner string, vector []float32, topK int) ([]store.SearchHit, error)
	Delete(ctx context.Context, owner string, id string) error
	HealthCheck(ctx context.Context) error
}

// ── Channel Driver (Bus webhook/push delivery) ──────────────

// ChannelDriver delivers a bus event through a specific transport kind.
type ChannelDriver interface {
	Kind() string
	Send(ctx context.Context, target string, secret string, event models.Event) error
}

// ── Webhook / DLQ store ──────────────────────────────────────

// WebhookStore is a type alias for the internal webhook/DLQ persistence
// contract, exposed here so the Bus depends only on the contract.
type WebhookStore = store.WebhookStore

// ── Subscription store ──────────────────────────────────────

// SubscriptionStore manages per-agent selector subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *models.SelectorSubscription) error
	Get(ctx context.Context, owner, id string) (*models.SelectorSubscription, error)
	ListByOwner(ctx context.Context, owner string) ([]models.SelectorSubscription, error)
	ListByAgent(ctx context.Context, owner, agentID string) ([]models.SelectorSubscription, error)
	Delete(ctx context.Context, owner, id string) error
}

// ── Identity ─────────────────────────────────────────────────

// Identity is the verified claim set extracted from a request's bearer
// token (§4.8): a tenant, an agent within it, and the roles granted to
// that agent at token-issue time.
type Identity struct {
	OwnerID   string
	AgentID   string
	Roles     []models.Role
	ExpiresAt time.Time
}

func (i *Identity) HasRole(r models.Role) bool {
	for _, have := range i.Roles {
		if have == r {
			return true
		}
	}
	return false
}
