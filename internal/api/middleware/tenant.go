package middleware

import (
	"context"
	"net/http"
	"strings"

	pkgmw "github.com/rcrt/substrate/pkg/middleware"
)

type contextKey string

const (
	// TenantIDKey is the context key for the tenant (owner) ID.
	TenantIDKey contextKey = "tenant_id"
)

// TenantExtractor sets a provisional tenant (owner) on the request context
// before the bearer token is verified, from the X-Tenant header or the
// owner query parameter. AuthMiddleware overwrites this with the verified
// token's owner_id once it runs; this pass only matters for the small set
// of public paths auth never touches (e.g. /auth/token issuance itself,
// which names its owner in the request body instead).
func TenantExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ""

		if h := r.Header.Get("X-Tenant"); h != "" {
			owner = strings.TrimSpace(h)
		}
		if owner == "" {
			if q := r.URL.Query().Get("owner"); q != "" {
				owner = strings.TrimSpace(q)
			}
		}
		if owner == "" {
			owner = "default"
		}

		ctx := pkgmw.SetOwner(r.Context(), owner)
		ctx = context.WithValue(ctx, TenantIDKey, owner)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetOwner retrieves the tenant owner id from the request context.
// Delegates to pkg/middleware.GetOwner for cross-module compatibility.
func GetOwner(ctx context.Context) string {
	return pkgmw.GetOwner(ctx)
}

// GetTenantID retrieves the tenant ID from the request context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return "default"
}
