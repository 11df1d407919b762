package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ucplabs/ucp/internal/keys"
	"github.com/ucplabs/ucp/pkg/models"
)

type ctxKey int

const (
	ctxKeyAPIKey ctxKey = iota
	ctxKeyPlaintext
)

// KeyFromContext returns the authorized key record, or nil when auth is
// disabled or the bootstrap key was used.
func KeyFromContext(ctx context.Context) *models.APIKey {
	key, _ := ctx.Value(ctxKeyAPIKey).(*models.APIKey)
	return key
}

// PlaintextFromContext returns the bearer key material as presented, for
// handlers that need it beyond authorization (packet signature checks).
func PlaintextFromContext(ctx context.Context) string {
	pt, _ := ctx.Value(ctxKeyPlaintext).(string)
	return pt
}

// Auth enforces API key authentication on /api/v1 routes.
//
// Keys are presented via Authorization: Bearer <key> or X-API-Key. The
// bootstrap key from config is accepted with every permission so a fresh
// deployment can mint its first real key. Deployments that configure no
// bootstrap key run with auth disabled.
type Auth struct {
	service      *keys.Service
	bootstrapKey string
	enabled      bool
}

func NewAuth(svc *keys.Service, bootstrapKey string, enabled bool) *Auth {
	return &Auth{service: svc, bootstrapKey: bootstrapKey, enabled: enabled}
}

// Require returns middleware that authorizes the request's key for perm.
func (a *Auth) Require(perm models.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.enabled {
				next.ServeHTTP(w, r)
				return
			}

			plaintext := extractKey(r)
			if plaintext == "" {
				respondAuthError(w, http.StatusUnauthorized, models.KindUnauthorized,
					"API key required: set Authorization: Bearer <key> or X-API-Key")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyPlaintext, plaintext)

			if a.isBootstrap(plaintext) {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			key, err := a.service.Authorize(ctx, plaintext, perm)
			if err != nil {
				switch kind := models.KindOf(err); kind {
				case models.KindRateLimited:
					w.Header().Set("Retry-After", retryAfter())
					respondAuthError(w, http.StatusTooManyRequests, kind, err.Error())
				case models.KindUnauthorized:
					respondAuthError(w, http.StatusUnauthorized, kind, err.Error())
				default:
					respondAuthError(w, http.StatusInternalServerError, models.KindInternal, "authorization failed")
				}
				return
			}

			ctx = context.WithValue(ctx, ctxKeyAPIKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Auth) isBootstrap(candidate string) bool {
	if a.bootstrapKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(a.bootstrapKey)) == 1
}

func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func retryAfter() string {
	// Windows roll hourly; a precise remainder would need the key record,
	// which the error path does not carry.
	return "60"
}

func respondAuthError(w http.ResponseWriter, status int, kind models.ErrorKind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="ucp"`)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   string(kind),
		"message": msg,
	})
}
