package api

import (
	"net/http"
	"publishsync/internal/health"
	"publishsync/internal/observability"
	"publishsync/internal/reconcile"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service       *reconcile.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Publish endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/decisions", authMiddleware(http.HandlerFunc(handler.Decide)))
	mux.Handle("POST /v1/plans", authMiddleware(http.HandlerFunc(handler.Plan)))
	mux.Handle("GET /v1/structure", authMiddleware(http.HandlerFunc(handler.Structure)))
	mux.Handle("POST /v1/publishes", authMiddleware(http.HandlerFunc(handler.Publish)))
	mux.Handle("POST /v1/full-marks", authMiddleware(http.HandlerFunc(handler.MarkFull)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RequestIDMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
