// Package handlers implements the HTTP handlers of the breadcrumb
// substrate's §6.1 REST surface.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcrt/substrate/internal/apperr"
	"github.com/rcrt/substrate/internal/api/middleware"
	"github.com/rcrt/substrate/internal/auth"
	"github.com/rcrt/substrate/internal/bus"
	"github.com/rcrt/substrate/internal/embeddings"
	"github.com/rcrt/substrate/internal/hygiene"
	"github.com/rcrt/substrate/internal/metrics"
	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/internal/transform"
	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store      contracts.Store
	Bus        *bus.Bus
	Signer     *auth.Signer
	Hygiene    *hygiene.Runner
	Metrics    *metrics.Metrics
	Transform  *transform.Engine
	Embeddings *embeddings.Registry
	// EmbeddingDriver names the Embeddings entry used to turn a query_text
	// into a vector for /search/vector and /search/hybrid. Empty disables
	// text-query embedding; callers must supply a raw vector instead.
	EmbeddingDriver string
	MaxContextBytes int
}

func New(s contracts.Store, b *bus.Bus, signer *auth.Signer, h *hygiene.Runner, m *metrics.Metrics, tr *transform.Engine, embReg *embeddings.Registry, embDriver string, maxContextBytes int) *Handlers {
	return &Handlers{
		Store:           s,
		Bus:             b,
		Signer:          signer,
		Hygiene:         h,
		Metrics:         m,
		Transform:       tr,
		Embeddings:      embReg,
		EmbeddingDriver: embDriver,
		MaxContextBytes: maxContextBytes,
	}
}

// invalidateSchemaHints drops the Transform Engine's cache for owner
// whenever a breadcrumb that may itself be a schema definition is written;
// cheap compared to a read-time cache miss, since schema-definition writes
// are rare (§4.3).
func (h *Handlers) invalidateSchemaHints(owner, schemaName string) {
	if h.Transform == nil || schemaName != models.ReservedSchemaDefinition {
		return
	}
	h.Transform.InvalidateOwner(owner)
}

func identity(r *http.Request) *contracts.Identity {
	return middleware.GetIdentity(r.Context())
}

// ══════════════════════════════════════════════════════════════
// ── Auth ─────────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// IssueToken handles POST /auth/token. It trusts the caller-supplied claim
// as-is (§4.8 notes the verified-identity-claim step as out of core scope
// here — an upstream IdP or service-account check would gate this in a
// full deployment); this endpoint's job is purely to sign the claim into a
// bearer token.
func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string       `json:"owner_id"`
		AgentID string       `json:"agent_id"`
		Roles   []models.Role `json:"roles"`
		TTL     string       `json:"ttl,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OwnerID == "" || req.AgentID == "" || len(req.Roles) == 0 {
		respondError(w, http.StatusBadRequest, "owner_id, agent_id, and roles are required")
		return
	}

	ttl := 24 * time.Hour
	if req.TTL != "" {
		if d, err := time.ParseDuration(req.TTL); err == nil {
			ttl = d
		}
	}

	token, err := h.Signer.Issue(req.OwnerID, req.AgentID, req.Roles, ttl)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"token": token})
}

// ══════════════════════════════════════════════════════════════
// ── Breadcrumbs ──────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CreateBreadcrumb(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !auth.RequireRole(id, models.RoleEmitter, models.RoleCurator) {
		respondError(w, http.StatusForbidden, auth.ErrInsufficientRole.Error())
		return
	}

	body, err := readLimited(r, h.MaxContextBytes)
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, istore.ErrPayloadTooLarge.Error())
		return
	}

	var req models.Breadcrumb
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Title) > models.MaxTitleLen {
		respondError(w, http.StatusBadRequest, "title exceeds max length")
		return
	}

	req.OwnerID = id.OwnerID
	req.CreatedBy = id.AgentID
	req.UpdatedBy = id.AgentID
	if req.Visibility == "" {
		req.Visibility = models.VisibilityTeam
	}
	if req.Sensitivity == "" {
		req.Sensitivity = models.SensitivityLow
	}
	if req.TTL.Kind == "" {
		req.TTL.Kind = models.TTLNever
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	created, err := h.Store.CreateBreadcrumb(r.Context(), istore.CreateParams{Breadcrumb: &req, IdempotencyKey: idempotencyKey})
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if h.Bus != nil {
		h.Bus.Publish(r.Context(), models.Event{
			Kind: models.EventCreated, ID: created.ID, OwnerID: created.OwnerID,
			SchemaName: created.SchemaName, Tags: created.Tags, Version: created.Version,
			UpdatedAt: created.UpdatedAt,
		})
	}

	if h.Metrics != nil {
		h.Metrics.BreadcrumbsCreated.WithLabelValues(created.OwnerID, created.SchemaName).Inc()
	}
	h.invalidateSchemaHints(created.OwnerID, created.SchemaName)
	log.Info().Str("id", created.ID).Str("owner", created.OwnerID).Str("schema", created.SchemaName).Msg("breadcrumb created")
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handlers) GetBreadcrumb(w http.ResponseWriter, r *http.Request) {
	h.getBreadcrumbView(w, r, istore.ViewContext)
}

func (h *Handlers) GetBreadcrumbFull(w http.ResponseWriter, r *http.Request) {
	h.getBreadcrumbView(w, r, istore.ViewFull)
}

func (h *Handlers) getBreadcrumbView(w http.ResponseWriter, r *http.Request, view istore.View) {
	id := identity(r)
	bcID := chi.URLParam(r, "id")

	if err := auth.Authorize(r.Context(), h.Store, id, bcID, models.PermRead, models.RoleSubscriber, models.RoleEmitter, models.RoleCurator); err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}

	bc, err := h.Store.GetBreadcrumb(r.Context(), id.OwnerID, bcID, view, istore.ReadOriginExternal)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if view == istore.ViewContext && h.Transform != nil {
		bc = h.Transform.Materialize(r.Context(), id.OwnerID, bc)
	}

	reason := r.URL.Query().Get("reason")
	viaGrant := !auth.RequireRole(id, models.RoleSubscriber, models.RoleEmitter, models.RoleCurator)
	if err := auth.AuditPrivilegedRead(r.Context(), h.Store, id, bc, viaGrant, reason); err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, bc)
}

func (h *Handlers) GetBreadcrumbHistory(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	bcID := chi.URLParam(r, "id")

	if err := auth.Authorize(r.Context(), h.Store, id, bcID, models.PermRead, models.RoleSubscriber, models.RoleEmitter, models.RoleCurator); err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}

	limit := queryInt(r, "limit", 50)
	hist, err := h.Store.GetBreadcrumbHistory(r.Context(), id.OwnerID, bcID, limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, hist)
}

func (h *Handlers) PatchBreadcrumb(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	bcID := chi.URLParam(r, "id")

	ifMatch := r.Header.Get("If-Match")
	if ifMatch == "" {
		respondError(w, http.StatusPreconditionFailed, "If-Match header is required")
		return
	}
	version, err := strconv.ParseInt(strings.Trim(ifMatch, `"`), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "If-Match must be an integer version")
		return
	}

	if err := auth.Authorize(r.Context(), h.Store, id, bcID, models.PermWrite, models.RoleEmitter, models.RoleCurator); err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}

	var req struct {
		Title       *string             `json:"title"`
		Tags        []string            `json:"tags"`
		Context     json.RawMessage     `json:"context"`
		Visibility  *models.Visibility  `json:"visibility"`
		Sensitivity *models.Sensitivity `json:"sensitivity"`
		TTL         *models.TTL         `json:"ttl"`
	}
	body, err := readLimited(r, h.MaxContextBytes)
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, istore.ErrPayloadTooLarge.Error())
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	diff := istore.PatchDiff{
		Title: req.Title, Tags: req.Tags, Visibility: req.Visibility,
		Sensitivity: req.Sensitivity, TTL: req.TTL, ActorID: id.AgentID,
	}
	if req.Context != nil {
		diff.Context = []byte(req.Context)
	}

	updated, err := h.Store.PatchBreadcrumb(r.Context(), id.OwnerID, bcID, version, diff)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if h.Bus != nil {
		h.Bus.Publish(r.Context(), models.Event{
			Kind: models.EventUpdated, ID: updated.ID, OwnerID: updated.OwnerID,
			SchemaName: updated.SchemaName, Tags: updated.Tags, Version: updated.Version,
			UpdatedAt: updated.UpdatedAt, PriorVersion: version,
		})
	}

	if h.Metrics != nil {
		h.Metrics.BreadcrumbsPatched.WithLabelValues(updated.OwnerID).Inc()
	}
	h.invalidateSchemaHints(updated.OwnerID, updated.SchemaName)
	respondJSON(w, http.StatusOK, updated)
}

func (h *Handlers) DeleteBreadcrumb(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	bcID := chi.URLParam(r, "id")

	if err := auth.Authorize(r.Context(), h.Store, id, bcID, models.PermDelete, models.RoleCurator); err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}

	var ifMatch *int64
	if v := r.Header.Get("If-Match"); v != "" {
		if parsed, err := strconv.ParseInt(strings.Trim(v, `"`), 10, 64); err == nil {
			ifMatch = &parsed
		}
	}

	if err := h.Store.DeleteBreadcrumb(r.Context(), id.OwnerID, bcID, ifMatch); err != nil {
		respondStoreError(w, err)
		return
	}

	if h.Metrics != nil {
		h.Metrics.BreadcrumbsDeleted.WithLabelValues(id.OwnerID).Inc()
	}
	if h.Bus != nil {
		h.Bus.Publish(r.Context(), models.Event{Kind: models.EventDeleted, ID: bcID, OwnerID: id.OwnerID, UpdatedAt: time.Now().UTC()})
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) SearchBreadcrumbs(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !auth.RequireRole(id, models.RoleSubscriber, models.RoleEmitter, models.RoleCurator) {
		respondError(w, http.StatusForbidden, auth.ErrInsufficientRole.Error())
		return
	}

	q := r.URL.Query()
	params := istore.SearchParams{
		Owner:      id.OwnerID,
		SchemaName: q.Get("schema_name"),
		TagPrefix:  q.Get("tag_prefix"),
		Limit:      queryInt(r, "limit", 50),
		OrderBy:    q.Get("order_by"),
	}
	if tags := q.Get("any_tags"); tags != "" {
		params.AnyTags = strings.Split(tags, ",")
	}
	if tags := q.Get("all_tags"); tags != "" {
		params.AllTags = strings.Split(tags, ",")
	}

	start := time.Now()
	results, err := h.Store.SearchBreadcrumbs(r.Context(), params)
	h.recordSearch("list", start, err)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if results == nil {
		results = []models.Breadcrumb{}
	}
	respondJSON(w, http.StatusOK, results)
}

// recordSearch is a no-op when Metrics is unset, so tests and minimal
// deployments can construct Handlers without a registry.
func (h *Handlers) recordSearch(kind string, start time.Time, err error) {
	if h.Metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	h.Metrics.SearchRequests.WithLabelValues(kind, outcome).Inc()
	h.Metrics.SearchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// ══════════════════════════════════════════════════════════════
// ── Vector / Hybrid search ───────────────────────────────────
// ══════════════════════════════════════════════════════════════

type searchRequest struct {
	Vector     []float32         `json:"vector,omitempty"`
	QueryText  string            `json:"query_text,omitempty"`
	Keywords   []string          `json:"keywords,omitempty"`
	K          int               `json:"k,omitempty"`
	Alpha      float64           `json:"alpha,omitempty"`
	SchemaName string            `json:"schema_name,omitempty"`
	AnyTags    []string          `json:"any_tags,omitempty"`
}

func (h *Handlers) resolveVector(ctx context.Context, req searchRequest) ([]float32, error) {
	if len(req.Vector) > 0 {
		return req.Vector, nil
	}
	if req.QueryText == "" {
		return nil, fmt.Errorf("vector or query_text is required")
	}
	if h.Embeddings == nil || h.EmbeddingDriver == "" {
		return nil, fmt.Errorf("no embedding driver configured to embed query_text")
	}
	driver, err := h.Embeddings.Get(h.EmbeddingDriver)
	if err != nil {
		return nil, err
	}
	vectors, err := driver.Embed(ctx, []string{req.QueryText})
	if err != nil || len(vectors) == 0 {
		return nil, fmt.Errorf("embedding query_text failed: %w", err)
	}
	return vectors[0], nil
}

func (h *Handlers) VectorSearch(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !auth.RequireRole(id, models.RoleSubscriber, models.RoleEmitter, models.RoleCurator) {
		respondError(w, http.StatusForbidden, auth.ErrInsufficientRole.Error())
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	vector, err := h.resolveVector(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.K <= 0 {
		req.K = 10
	}

	var filters *istore.SearchParams
	if req.SchemaName != "" || len(req.AnyTags) > 0 {
		filters = &istore.SearchParams{Owner: id.OwnerID, SchemaName: req.SchemaName, AnyTags: req.AnyTags}
	}

	start := time.Now()
	hits, err := h.Store.VectorSearch(r.Context(), istore.VectorSearchParams{Owner: id.OwnerID, Query: vector, K: req.K, Filters: filters})
	h.recordSearch("vector", start, err)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, hits)
}

func (h *Handlers) HybridSearch(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !auth.RequireRole(id, models.RoleSubscriber, models.RoleEmitter, models.RoleCurator) {
		respondError(w, http.StatusForbidden, auth.ErrInsufficientRole.Error())
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	vector, err := h.resolveVector(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.K <= 0 {
		req.K = 10
	}
	alpha := req.Alpha
	if alpha == 0 {
		alpha = 0.6
	}

	var filters *istore.SearchParams
	if req.SchemaName != "" || len(req.AnyTags) > 0 {
		filters = &istore.SearchParams{Owner: id.OwnerID, SchemaName: req.SchemaName, AnyTags: req.AnyTags}
	}

	start := time.Now()
	hits, err := h.Store.HybridSearch(r.Context(), istore.HybridSearchParams{
		Owner: id.OwnerID, Vector: vector, Keywords: req.Keywords, K: req.K, Alpha: alpha, Filters: filters,
	})
	h.recordSearch("hybrid", start, err)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, hits)
}

// ══════════════════════════════════════════════════════════════
// ── Event stream (§6.2) ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) EventsStream(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !auth.RequireRole(id, models.RoleSubscriber, models.RoleEmitter, models.RoleCurator) {
		respondError(w, http.StatusForbidden, auth.ErrInsufficientRole.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	queue := h.Bus.Queue(id.OwnerID, id.AgentID)
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case event, ok := <-queue:
			if !ok {
				return
			}
			data, _ := json.Marshal(event)
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()

		case <-keepalive.C:
			ping, _ := json.Marshal(models.Event{Kind: models.EventPing, UpdatedAt: time.Now().UTC()})
			if _, err := fmt.Fprintf(w, "event: ping\ndata: %s\n\n", ping); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// ══════════════════════════════════════════════════════════════
// ── Webhooks / DLQ (§4.2) ─────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !auth.RequireRole(id, models.RoleCurator) {
		respondError(w, http.StatusForbidden, auth.ErrInsufficientRole.Error())
		return
	}

	var req models.Webhook
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" || req.AgentID == "" {
		respondError(w, http.StatusBadRequest, "agent_id and url are required")
		return
	}
	req.ID = uuid.NewString()
	req.OwnerID = id.OwnerID
	req.CreatedAt = time.Now().UTC()

	if err := h.Store.CreateWebhook(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !auth.RequireRole(id, models.RoleCurator) {
		respondError(w, http.StatusForbidden, auth.ErrInsufficientRole.Error())
		return
	}
	hookID := chi.URLParam(r, "id")
	if err := h.Store.DeleteWebhook(r.Context(), id.OwnerID, hookID); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateGrant lets a curator narrow or widen an agent's access to a
// specific breadcrumb (§4.8: "grants are themselves breadcrumbs that the
// curator role may create" — materialized here as ACL grant records keyed
// to the breadcrumb, since the grant itself carries no context payload a
// consumer would ever read back through the breadcrumb surface).
func (h *Handlers) CreateGrant(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !auth.RequireRole(id, models.RoleCurator) {
		respondError(w, http.StatusForbidden, auth.ErrInsufficientRole.Error())
		return
	}
	bcID := chi.URLParam(r, "id")

	var req struct {
		AgentID     string              `json:"agent_id"`
		Permissions []models.Permission `json:"permissions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" || len(req.Permissions) == 0 {
		respondError(w, http.StatusBadRequest, "agent_id and permissions are required")
		return
	}

	grant := &models.ACLGrant{
		OwnerID:      id.OwnerID,
		BreadcrumbID: bcID,
		AgentID:      req.AgentID,
		Permissions:  req.Permissions,
		CreatedBy:    id.AgentID,
	}
	if err := h.Store.CreateGrant(r.Context(), grant); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, grant)
}

// ListGrants returns every ACL grant on a breadcrumb, curator-only since a
// grant list reveals who else can reach a resource.
func (h *Handlers) ListGrants(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !auth.RequireRole(id, models.RoleCurator) {
		respondError(w, http.StatusForbidden, auth.ErrInsufficientRole.Error())
		return
	}
	bcID := chi.URLParam(r, "id")

	grants, err := h.Store.ListGrants(r.Context(), id.OwnerID, bcID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, grants)
}

func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !auth.RequireRole(id, models.RoleCurator) {
		respondError(w, http.StatusForbidden, auth.ErrInsufficientRole.Error())
		return
	}
	limit := queryInt(r, "limit", 100)
	dls, err := h.Store.ListDeadLetters(r.Context(), id.OwnerID, limit)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if dls == nil {
		dls = []models.WebhookDeadLetter{}
	}
	respondJSON(w, http.StatusOK, dls)
}

// RetryDeadLetter re-delivers a dead-lettered event through the webhook it
// failed on and removes it from the queue once re-enqueued. The retry
// itself goes through the Bus's normal backoff path again rather than a
// single best-effort send, so a still-down endpoint lands back in the DLQ.
func (h *Handlers) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !auth.RequireRole(id, models.RoleCurator) {
		respondError(w, http.StatusForbidden, auth.ErrInsufficientRole.Error())
		return
	}
	dlID := chi.URLParam(r, "id")

	dl, err := h.Store.GetDeadLetter(r.Context(), id.OwnerID, dlID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	hook, err := h.Store.GetWebhook(r.Context(), id.OwnerID, dl.WebhookID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	if err := h.Store.DeleteDeadLetter(r.Context(), id.OwnerID, dlID); err != nil {
		respondStoreError(w, err)
		return
	}

	go h.Bus.Redeliver(context.Background(), *hook, dl.Event)

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "retrying", "webhook_id": hook.ID})
}

func (h *Handlers) DeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !auth.RequireRole(id, models.RoleCurator) {
		respondError(w, http.StatusForbidden, auth.ErrInsufficientRole.Error())
		return
	}
	dlID := chi.URLParam(r, "id")
	if err := h.Store.DeleteDeadLetter(r.Context(), id.OwnerID, dlID); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ══════════════════════════════════════════════════════════════
// ── Hygiene (§4.7) ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// HygieneRun triggers an immediate full hygiene sweep (TTL purge, auto-TTL,
// idle-agent cleanup across every tenant — the sweep is store-wide by
// design, §4.7) and returns the stats computed for the caller's own tenant.
func (h *Handlers) HygieneRun(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !auth.RequireRole(id, models.RoleCurator) {
		respondError(w, http.StatusForbidden, auth.ErrInsufficientRole.Error())
		return
	}
	stats := h.Hygiene.RunOnce(r.Context())
	respondJSON(w, http.StatusOK, stats[id.OwnerID])
}

// HygieneStats returns the last computed counters for the caller's tenant,
// read from the single-overwrite stats breadcrumb the Runner maintains,
// without triggering a new sweep.
func (h *Handlers) HygieneStats(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !auth.RequireRole(id, models.RoleSubscriber, models.RoleEmitter, models.RoleCurator) {
		respondError(w, http.StatusForbidden, auth.ErrInsufficientRole.Error())
		return
	}
	found, err := h.Store.SearchBreadcrumbs(r.Context(), istore.SearchParams{Owner: id.OwnerID, AnyTags: []string{hygiene.StatsTag}, Limit: 1})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if len(found) == 0 {
		respondJSON(w, http.StatusOK, models.HygieneStats{})
		return
	}
	var stats models.HygieneStats
	if err := json.Unmarshal(found[0].Context, &stats); err != nil {
		respondError(w, http.StatusInternalServerError, "corrupt hygiene stats breadcrumb")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// MetricsHandler serves GET /metrics (§6.1), unauthenticated for scraping.
// Returns 404 when no registry was wired, rather than panicking.
func (h *Handlers) MetricsHandler() http.Handler {
	if h.Metrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	return h.Metrics.Handler()
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps a store-layer error to its §7 HTTP status.
func respondStoreError(w http.ResponseWriter, err error) {
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("unhandled store error")
	}
	respondError(w, status, err.Error())
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// readLimited reads the request body, returning ErrPayloadTooLarge if it
// exceeds limit (§7 validation: payload too large). limit<=0 disables the
// check.
func readLimited(r *http.Request, limit int) ([]byte, error) {
	body := r.Body
	if limit > 0 {
		body = http.MaxBytesReader(nil, r.Body, int64(limit))
	}
	data, err := io.ReadAll(body)
	if err != nil {
		if limit > 0 {
			return nil, istore.ErrPayloadTooLarge
		}
		return nil, err
	}
	return data, nil
}
