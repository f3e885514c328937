// Package api provides the REST API server for the sync engine: conflict
// administration, sync status, audit queries and the inbound Booksy webhook.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v0 "github.com/mariia-hub/booksy-sync/internal/api/v0"
)

// ServerOption configures the API server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
	adminAuth   func(http.Handler) http.Handler
}

// WithMiddlewares adds middleware to the server.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithAdminAuth guards the admin API routes with the given middleware.
// Health endpoints and the webhook receiver stay unauthenticated; the
// webhook authenticates deliveries by signature instead.
func WithAdminAuth(mw func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.adminAuth = mw
	}
}

// NewServer creates and configures the HTTP router.
func NewServer(routes *v0.Routes, webhook *v0.Webhook, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Mount("/", v0.HealthRouter(routes))
	admin := v0.Router(routes)
	if cfg.adminAuth != nil {
		admin = cfg.adminAuth(admin)
	}
	r.Mount("/api/v0", admin)
	r.Mount("/webhooks", v0.WebhookRouter(webhook))

	return r
}

// LoggingMiddleware logs HTTP requests through slog.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
