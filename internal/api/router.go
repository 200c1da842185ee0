package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/rcrt/substrate/internal/api/handlers"
	"github.com/rcrt/substrate/internal/api/middleware"
	"github.com/rcrt/substrate/internal/auth"
	"github.com/rcrt/substrate/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter wires the §6.1 REST surface: health/version/metrics are public,
// /auth/token issues bearer tokens, and every other route runs behind
// AuthMiddleware, which resolves the caller's Identity for role and ACL
// checks in the handlers themselves.
func NewRouter(cfg *config.Config, h *handlers.Handlers, signer *auth.Signer) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Telemetry)

	authMW := middleware.NewAuthMiddleware(signer)
	r.Use(authMW.Handler)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   parseCORSOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant", "X-Request-Id", "Idempotency-Key", "If-Match"},
		ExposedHeaders:   []string{"X-Request-Id", "ETag"},
		AllowCredentials: !isWildcardOnly(parseCORSOrigins()),
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", h.MetricsHandler())

	r.Post("/auth/token", h.IssueToken)

	r.Route("/breadcrumbs", func(r chi.Router) {
		r.Post("/", h.CreateBreadcrumb)
		r.Get("/", h.SearchBreadcrumbs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetBreadcrumb)
			r.Get("/full", h.GetBreadcrumbFull)
			r.Get("/history", h.GetBreadcrumbHistory)
			r.Patch("/", h.PatchBreadcrumb)
			r.Delete("/", h.DeleteBreadcrumb)
			r.Route("/grants", func(r chi.Router) {
				r.Post("/", h.CreateGrant)
				r.Get("/", h.ListGrants)
			})
		})
	})

	r.Route("/search", func(r chi.Router) {
		r.Post("/vector", h.VectorSearch)
		r.Post("/hybrid", h.HybridSearch)
	})

	r.Get("/events/stream", h.EventsStream)

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", h.CreateWebhook)
		r.Delete("/{id}", h.DeleteWebhook)
	})

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", h.ListDeadLetters)
		r.Post("/{id}/retry", h.RetryDeadLetter)
		r.Delete("/{id}", h.DeleteDeadLetter)
	})

	r.Route("/hygiene", func(r chi.Router) {
		r.Post("/run", h.HygieneRun)
		r.Get("/stats", h.HygieneStats)
	})

	return r
}

// parseCORSOrigins reads allowed CORS origins from the environment. Default
// is wildcard, which forces AllowCredentials off per the Fetch spec.
func parseCORSOrigins() []string {
	originsEnv := os.Getenv("RCRT_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func isWildcardOnly(origins []string) bool {
	return len(origins) == 1 && origins[0] == "*"
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "rcrt-substrate"})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": cfg.Version, "service": "rcrt-substrate"})
	}
}
