package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rcrt/substrate/internal/auth"
	pkgmw "github.com/rcrt/substrate/pkg/middleware"
)

// isAuthPublicPath names paths reachable without a bearer token: health and
// version checks, metrics scraping, and token issuance itself.
func isAuthPublicPath(path string) bool {
	switch path {
	case "/health", "/version", "/metrics", "/auth/token":
		return true
	}
	return false
}

// AuthMiddleware verifies the bearer token of §4.8 on every non-public
// request and stores the resulting Identity in context for downstream
// handlers and auth.Authorize.
type AuthMiddleware struct {
	signer *auth.Signer
}

func NewAuthMiddleware(signer *auth.Signer) *AuthMiddleware {
	return &AuthMiddleware{signer: signer}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAuthPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearer(r)
		if token == "" {
			respondUnauthorizedAuth(w, "missing bearer token")
			return
		}

		identity, err := m.signer.Verify(token)
		if err != nil {
			respondUnauthorizedAuth(w, err.Error())
			return
		}

		ctx := pkgmw.SetIdentity(r.Context(), identity)
		ctx = pkgmw.SetOwner(ctx, identity.OwnerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearer(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// GET /events/stream is opened from an EventSource, which cannot set
	// custom headers — §6.1 names the token query parameter explicitly.
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return ""
}

func respondUnauthorizedAuth(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="rcrt"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
