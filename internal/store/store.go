// Package store provides the breadcrumb persistence interface and its
// in-memory implementation, which backs single-node deployments and tests.
// The package has no relational (Postgres) driver; server.NewWithStore
// accepts any other implementation of Store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rcrt/substrate/pkg/models"
)

// Store is the primary storage interface for the substrate. All request
// handlers and background workers depend on this interface, so another
// implementation can replace the in-memory one.
type Store interface {
	BreadcrumbStore
	TenantStore
	AgentStore
	ACLStore
	EdgeStore
	AuditStore
	WebhookStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error
	// Close releases all resources held by the store.
	Close() error
}

// ── Breadcrumb Store (§4.1) ──────────────────────────────────

// View selects how Get materializes a breadcrumb.
type View string

const (
	ViewContext View = "context" // Transform Engine applied
	ViewFull    View = "full"    // raw context
	ViewHistory View = "history" // ordered prior versions
)

// CreateParams is the input to Create.
type CreateParams struct {
	Breadcrumb     *models.Breadcrumb
	IdempotencyKey string
}

// PatchDiff is a partial update applied under an If-Match precondition.
// Only non-nil fields are applied.
type PatchDiff struct {
	Title      *string
	Tags       []string
	Context    []byte // raw JSON, replaces Context wholesale when non-nil
	Visibility *models.Visibility
	Sensitivity *models.Sensitivity
	TTL        *models.TTL
	ActorID    string
}

// SearchParams are the parameters accepted by Search (§4.1).
type SearchParams struct {
	Owner        string
	SchemaName   string
	AnyTags      []string
	AllTags      []string
	TagPrefix    string
	ContextMatch []models.ContextMatch
	Limit        int
	OrderBy      string // created_at | updated_at | title
}

// VectorSearchParams are the parameters accepted by VectorSearch.
type VectorSearchParams struct {
	Owner   string
	Query   []float32
	K       int
	Filters *SearchParams
}

// HybridSearchParams are the parameters accepted by HybridSearch.
type HybridSearchParams struct {
	Owner    string
	Vector   []float32
	Keywords []string
	K        int
	Alpha    float64 // default 0.6
	Filters  *SearchParams
}

type SearchHit struct {
	Breadcrumb models.Breadcrumb
	Distance   float64
	Score      float64
	MatchedKeywords int
}

// ReadOrigin distinguishes external principals (decrement usage TTL) from
// internal workers (never decrement).
type ReadOrigin string

const (
	ReadOriginExternal ReadOrigin = "external"
	ReadOriginInternal ReadOrigin = "internal"
)

// BreadcrumbStore is the core CRUD + search surface of §4.1.
type BreadcrumbStore interface {
	CreateBreadcrumb(ctx context.Context, p CreateParams) (*models.Breadcrumb, error)
	GetBreadcrumb(ctx context.Context, owner, id string, view View, origin ReadOrigin) (*models.Breadcrumb, error)
	GetBreadcrumbHistory(ctx context.Context, owner, id string, limit int) ([]models.Breadcrumb, error)
	PatchBreadcrumb(ctx context.Context, owner, id string, ifMatchVersion int64, diff PatchDiff) (*models.Breadcrumb, error)
	DeleteBreadcrumb(ctx context.Context, owner, id string, ifMatchVersion *int64) error
	SearchBreadcrumbs(ctx context.Context, p SearchParams) ([]models.Breadcrumb, error)
	VectorSearch(ctx context.Context, p VectorSearchParams) ([]SearchHit, error)
	HybridSearch(ctx context.Context, p HybridSearchParams) ([]SearchHit, error)

	// SetEmbedding is called by the async embedding worker once a deferred
	// embedding has been computed.
	SetEmbedding(ctx context.Context, owner, id string, embedding []float32) error
	// SetEntities is called by the Entity Worker (§4.4); it best-effort
	// patches entities/entity_keywords guarded by expectVersion.
	SetEntities(ctx context.Context, owner, id string, expectVersion int64, entities []byte, keywords []string) error

	// PurgeExpired deletes breadcrumbs whose TTL has fired as of now and
	// returns the deleted ids grouped by owner, used by the Hygiene Runner.
	PurgeExpired(ctx context.Context, now time.Time) (map[string][]string, error)
	// ApplyAutoTTL sets a default TTL on breadcrumbs matching a schema
	// prefix that were written without one.
	ApplyAutoTTL(ctx context.Context, prefix string, ttl models.TTL) (int, error)
}

// ── Tenant / Agent / Subscription ────────────────────────────

type TenantStore interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	ListTenants(ctx context.Context) ([]models.Tenant, error)
}

type AgentStore interface {
	CreateAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, owner, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, owner string) ([]models.Agent, error)
	TouchAgent(ctx context.Context, owner, id string, at time.Time) error
	DeleteAgent(ctx context.Context, owner, id string) error
}

// ── ACL ──────────────────────────────────────────────────────

type ACLStore interface {
	CreateGrant(ctx context.Context, g *models.ACLGrant) error
	ListGrants(ctx context.Context, owner, breadcrumbID string) ([]models.ACLGrant, error)
	GrantFor(ctx context.Context, owner, breadcrumbID, agentID string) (*models.ACLGrant, error)
	DeleteGrant(ctx context.Context, owner, id string) error
}

// ── Edges (§4.5) ─────────────────────────────────────────────

type EdgeStore interface {
	PutEdges(ctx context.Context, owner, fromID string, kind models.EdgeKind, edges []models.Edge) error
	EdgesFrom(ctx context.Context, owner, fromID string) ([]models.Edge, error)
	LoadSubgraph(ctx context.Context, owner string, seeds []string, depth int) (map[string][]models.Edge, error)
}

// ── Audit (§4.8) ─────────────────────────────────────────────

type AuditStore interface {
	RecordAudit(ctx context.Context, e *models.AuditEntry) error
	ListAudit(ctx context.Context, owner string, limit int) ([]models.AuditEntry, error)
}

// ── Webhooks / DLQ (§4.2) ────────────────────────────────────

// WebhookStore persists webhook registrations and the dead-letter queue the
// Bus writes to once a delivery exhausts its retry budget.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, w *models.Webhook) error
	GetWebhook(ctx context.Context, owner, id string) (*models.Webhook, error)
	ListWebhooks(ctx context.Context, owner, agentID string) ([]models.Webhook, error)
	DeleteWebhook(ctx context.Context, owner, id string) error

	PutDeadLetter(ctx context.Context, dl *models.WebhookDeadLetter) error
	ListDeadLetters(ctx context.Context, owner string, limit int) ([]models.WebhookDeadLetter, error)
	GetDeadLetter(ctx context.Context, owner, id string) (*models.WebhookDeadLetter, error)
	DeleteDeadLetter(ctx context.Context, owner, id string) error
}

// ── Errors (§7) ──────────────────────────────────────────────

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("version conflict")
	ErrPreconditionFailed = errors.New("if-match precondition failed")
	ErrPayloadTooLarge   = errors.New("context exceeds tenant policy")
	ErrExhausted         = errors.New("usage ttl exhausted")
	ErrIdempotencyConflict = errors.New("idempotency key already used")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
)
