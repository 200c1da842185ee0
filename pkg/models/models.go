// Package models defines the persisted and wire-level entities of the
// breadcrumb substrate.
package models

import (
	"encoding/json"
	"time"
)

// ── Tenant ───────────────────────────────────────────────────

type Tenant struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ── Agent ────────────────────────────────────────────────────

type Role string

const (
	RoleCurator    Role = "curator"
	RoleEmitter    Role = "emitter"
	RoleSubscriber Role = "subscriber"
)

type Agent struct {
	ID         string    `json:"id" db:"id"`
	OwnerID    string    `json:"owner_id" db:"owner_id"`
	Name       string    `json:"name" db:"name"`
	Roles      []Role    `json:"roles" db:"roles"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at" db:"last_seen_at"`
}

func (a *Agent) HasRole(r Role) bool {
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// ── Breadcrumb ───────────────────────────────────────────────

const MaxTitleLen = 512

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityTeam    Visibility = "team"
	VisibilityPrivate Visibility = "private"
)

type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityPII    Sensitivity = "pii"
	SensitivitySecret Sensitivity = "secret"
)

type TTLKind string

const (
	TTLNever    TTLKind = "never"
	TTLDatetime TTLKind = "datetime"
	TTLUsage    TTLKind = "usage"
	TTLHybrid   TTLKind = "hybrid"
)

// TTL is the closed-form TTL policy attached to a breadcrumb. ExpiresAt is
// meaningful for datetime/hybrid; MaxReads/RemainingReads for usage/hybrid.
type TTL struct {
	Kind           TTLKind    `json:"kind"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	MaxReads       int        `json:"max_reads,omitempty"`
	RemainingReads int        `json:"remaining_reads,omitempty"`
}

// Expired reports whether the TTL has fired as of now, given the current
// remaining-reads count already decremented by the caller.
func (t TTL) Expired(now time.Time) bool {
	switch t.Kind {
	case TTLNever:
		return false
	case TTLDatetime:
		return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
	case TTLUsage:
		return t.RemainingReads <= 0
	case TTLHybrid:
		if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
			return true
		}
		return t.RemainingReads <= 0
	default:
		return false
	}
}

// Breadcrumb is the universal versioned, tagged, embedded document.
type Breadcrumb struct {
	ID             string          `json:"id" db:"id"`
	OwnerID        string          `json:"owner_id" db:"owner_id"`
	Title          string          `json:"title" db:"title"`
	Tags           []string        `json:"tags" db:"tags"`
	SchemaName     string          `json:"schema_name,omitempty" db:"schema_name"`
	Context        json.RawMessage `json:"context" db:"context"`
	Version        int64           `json:"version" db:"version"`
	Checksum       string          `json:"checksum" db:"checksum"`
	Embedding      []float32       `json:"embedding,omitempty" db:"embedding"`
	Entities       json.RawMessage `json:"entities,omitempty" db:"entities"`
	EntityKeywords []string        `json:"entity_keywords,omitempty" db:"entity_keywords"`
	Visibility     Visibility      `json:"visibility" db:"visibility"`
	Sensitivity    Sensitivity     `json:"sensitivity" db:"sensitivity"`
	TTL            TTL             `json:"ttl" db:"ttl"`
	Quarantined    bool            `json:"quarantined,omitempty" db:"quarantined"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	CreatedBy      string          `json:"created_by" db:"created_by"`
	UpdatedBy      string          `json:"updated_by" db:"updated_by"`
}

// ReservedSchemaDefinition is the schema_name value that marks a
// breadcrumb's context as an llm_hints declaration for another schema.
const ReservedSchemaDefinition = "schema definition"

// SchemaHints is the content of a schema-definition breadcrumb's context.
type SchemaHints struct {
	TargetSchema string          `json:"target_schema"`
	Include      []string        `json:"include,omitempty"`
	Exclude      []string        `json:"exclude,omitempty"`
	Transform    map[string]Rule `json:"transform,omitempty"`
	Mode         string          `json:"mode,omitempty"` // replace | merge
}

type RuleKind string

const (
	RuleFormat   RuleKind = "format"
	RuleTemplate RuleKind = "template"
	RuleExtract  RuleKind = "extract"
	RuleLiteral  RuleKind = "literal"
)

type Rule struct {
	Kind     RuleKind    `json:"kind"`
	Format   string      `json:"format,omitempty"`
	Template string      `json:"template,omitempty"`
	Path     string      `json:"path,omitempty"`
	Value    interface{} `json:"value,omitempty"`
}

// ── Selector ─────────────────────────────────────────────────

type MatchOp string

const (
	OpEq       MatchOp = "eq"
	OpNeq      MatchOp = "neq"
	OpGt       MatchOp = "gt"
	OpLt       MatchOp = "lt"
	OpContains MatchOp = "contains"
	OpIn       MatchOp = "in"
)

type ContextMatch struct {
	Path  string      `json:"path"`
	Op    MatchOp     `json:"op"`
	Value interface{} `json:"value"`
}

type Selector struct {
	SchemaName   string         `json:"schema_name,omitempty"`
	AnyTags      []string       `json:"any_tags,omitempty"`
	AllTags      []string       `json:"all_tags,omitempty"`
	ContextMatch []ContextMatch `json:"context_match,omitempty"`
}

// SelectorSubscription is a per-agent filter set.
type SelectorSubscription struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	Selector  Selector  `json:"selector" db:"selector"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ── ACL ──────────────────────────────────────────────────────

type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermDelete Permission = "delete"
	PermGrant  Permission = "grant"
)

type ACLGrant struct {
	ID           string       `json:"id" db:"id"`
	OwnerID      string       `json:"owner_id" db:"owner_id"`
	BreadcrumbID string       `json:"breadcrumb_id" db:"breadcrumb_id"`
	AgentID      string       `json:"agent_id" db:"agent_id"`
	Permissions  []Permission `json:"permissions" db:"permissions"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	CreatedBy    string       `json:"created_by" db:"created_by"`
}

func (g *ACLGrant) Has(p Permission) bool {
	for _, have := range g.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// ── Webhooks / DLQ ───────────────────────────────────────────

type Webhook struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	URL       string    `json:"url" db:"url"`
	Secret    string    `json:"-" db:"secret"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type WebhookDeadLetter struct {
	ID         string    `json:"id" db:"id"`
	OwnerID    string    `json:"owner_id" db:"owner_id"`
	AgentID    string    `json:"agent_id" db:"agent_id"`
	DeliveryID string    `json:"delivery_id" db:"delivery_id"`
	WebhookID  string    `json:"webhook_id" db:"webhook_id"`
	Event      Event     `json:"event" db:"event"`
	Attempts   int       `json:"attempts" db:"attempts"`
	LastError  string    `json:"last_error" db:"last_error"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ── Bus event ────────────────────────────────────────────────

type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
	EventPing    EventKind = "ping"
	EventGap     EventKind = "gap"
)

type Event struct {
	Kind          EventKind       `json:"kind"`
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner"`
	SchemaName    string          `json:"schema_name,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Version       int64           `json:"version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	PriorVersion  int64           `json:"prior_version,omitempty"`
	ContextView   json.RawMessage `json:"context_view,omitempty"`
}

// ── Edges ────────────────────────────────────────────────────

type EdgeKind string

const (
	EdgeCausal   EdgeKind = "causal"
	EdgeTag      EdgeKind = "tag"
	EdgeTemporal EdgeKind = "temporal"
	EdgeSemantic EdgeKind = "semantic"
)

type Edge struct {
	FromID  string   `json:"from_id" db:"from_id"`
	ToID    string   `json:"to_id" db:"to_id"`
	Kind    EdgeKind `json:"kind" db:"kind"`
	Cost    float64  `json:"cost" db:"cost"`
	OwnerID string   `json:"owner_id" db:"owner_id"`
}

// ── Hygiene ──────────────────────────────────────────────────

type HygieneStats struct {
	RunAt             time.Time `json:"run_at"`
	TTLPurged         int       `json:"ttl_purged"`
	AutoTTLApplied    int       `json:"auto_ttl_applied"`
	IdleAgentsPurged  int       `json:"idle_agents_purged"`
	DurationMs        int64     `json:"duration_ms"`
}

// ── Audit ────────────────────────────────────────────────────

type AuditEntry struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Actor     string    `json:"actor" db:"actor"`
	Target    string    `json:"target" db:"target"`
	Reason    string    `json:"reason" db:"reason"`
	At        time.Time `json:"at" db:"at"`
}

// ── Consumer profile (Context Assembler) ────────────────────

type ConsumerSource struct {
	SchemaNames []string `json:"schema_names,omitempty"`
	TagPrefixes []string `json:"tag_prefixes,omitempty"`
	K           int      `json:"k,omitempty"`
	MinSim      float64  `json:"min_similarity,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

type ConsumerProfile struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	AlwaysInclude  ConsumerSource `json:"always_include"`
	SemanticSearch ConsumerSource `json:"semantic_search"`
	SessionHistory ConsumerSource `json:"session_history"`
	TokenBudget    int            `json:"token_budget"`
	Sections       []string       `json:"sections"`
	SectionOf      map[string]string `json:"section_of,omitempty"` // schema_name -> section
	// TriggerSchemas names the schemas whose creation auto-fires assembly
	// for this consumer, the first of the Context Assembler's two trigger
	// paths (§4.6): "an external breadcrumb of a configured trigger schema".
	TriggerSchemas []string `json:"trigger_schemas,omitempty"`
}

// ReservedConsumerProfile is the schema_name of a breadcrumb carrying a
// ConsumerProfile as its context, looked up by the Context Assembler.
const ReservedConsumerProfile = "consumer profile"

// ReservedContextRequest is the schema_name of an explicit context request:
// the Context Assembler's second trigger path (§4.6), context holds
// {"consumer_id": "..."}.
const ReservedContextRequest = "context request"

// BundleContext is the context document of an emitted bundle breadcrumb.
type BundleContext struct {
	FormattedContext string   `json:"formatted_context"`
	TokenEstimate    int      `json:"token_estimate"`
	BreadcrumbCount  int      `json:"breadcrumb_count"`
	SourcesAssembled int      `json:"sources_assembled"`
	TriggerEventID   string   `json:"trigger_event_id"`
}

const BundleSchemaName = "context bundle for consumer"
