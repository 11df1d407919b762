// Package api assembles the HTTP surface: router, handlers, middleware.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ucplabs/ucp/internal/api/handlers"
	"github.com/ucplabs/ucp/internal/api/middleware"
	"github.com/ucplabs/ucp/internal/config"
	"github.com/ucplabs/ucp/internal/keys"
	"github.com/ucplabs/ucp/pkg/models"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, auth *middleware.Auth) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-API-Key",
			"X-Request-Id", keys.HeaderSignature, keys.HeaderKeyPrefix,
		},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info — always public
	r.Get("/health", healthHandler(h))
	r.Get("/version", versionHandler(cfg))

	// API v1. Reads require the read permission, everything else execute.
	r.Route("/api/v1", func(r chi.Router) {
		read := auth.Require(models.PermRead)
		execute := auth.Require(models.PermExecute)

		r.With(execute).Post("/compile", h.Compile)
		r.With(execute).Post("/run", h.Run)
		r.With(execute).Post("/execute", h.ExecutePacket)
		r.With(read).Get("/capabilities", h.Capabilities)

		r.Route("/sessions", func(r chi.Router) {
			r.With(read).Get("/", h.ListSessions)
			r.With(read).Get("/{sessionId}", h.GetSession)
			r.With(read).Get("/{sessionId}/hops", h.ListSessionHops)
			r.With(read).Get("/{sessionId}/verify", h.VerifySession)
			r.With(execute).Post("/{sessionId}/execute", h.ExecuteSession)
			r.With(execute).Delete("/{sessionId}", h.DeleteSession)
		})

		r.Route("/keys", func(r chi.Router) {
			r.With(read).Get("/", h.ListKeys)
			r.With(execute).Post("/", h.CreateKey)
			r.With(execute).Post("/{keyId}/revoke", h.RevokeKey)
			r.With(execute).Delete("/{keyId}", h.DeleteKey)
		})

		r.Route("/rules", func(r chi.Router) {
			r.With(read).Get("/", h.ListRules)
			r.With(read).Get("/{ruleId}", h.GetRule)
			r.With(execute).Post("/", h.CreateRule)
			r.With(execute).Put("/{ruleId}", h.UpdateRule)
			r.With(execute).Delete("/{ruleId}", h.DeleteRule)
		})

		r.Route("/providers", func(r chi.Router) {
			r.With(read).Get("/", h.ListProviders)
			r.With(read).Get("/{providerId}", h.GetProvider)
			r.With(execute).Post("/", h.CreateProvider)
			r.With(execute).Put("/{providerId}", h.UpdateProvider)
			r.With(execute).Delete("/{providerId}", h.DeleteProvider)
		})
	})

	return r
}

func healthHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "ucp-engine",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "ucp-engine",
		})
	}
}
