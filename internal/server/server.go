// Package server implements the ZoomStore HTTP server: the JSON image API,
// the Deep Zoom routes, health checks and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zoomstore/zoomstore/internal/config"
	"github.com/zoomstore/zoomstore/internal/handlers"
	"github.com/zoomstore/zoomstore/internal/zoom"
)

// Server is the ZoomStore HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	svc        *zoom.Service
	images     *handlers.ImageHandler
	tiles      *handlers.DZIHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string                 `json:"status" example:"ok" doc:"Health status"`
	Checks map[string]CheckResult `json:"checks,omitempty" doc:"Per-dependency results"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status" example:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithService sets the core service the routes delegate to. Without one
// only the health, docs and metrics routes are registered.
func WithService(svc *zoom.Service) ServerOption {
	return func(s *Server) {
		s.svc = svc
	}
}

// New creates a new Server with the given configuration and wires up all
// routes on the Chi router with Huma API.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("ZoomStore API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.svc != nil {
		s.images = handlers.NewImageHandler(s.svc, cfg.Server.MaxUploadSize)
		s.tiles = handlers.NewDZIHandler(s.svc)
	}

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> accessLog -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = accessLog(s.router)
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the ZoomStore server. With health checks enabled the registry, storage and archive are checked.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return s.health(ctx), nil
	})

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	if s.cfg.Observability.HealthCheck {
		s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s.router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if out := s.health(r.Context()); out.Status != http.StatusOK {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	if s.svc == nil {
		return
	}
	s.registerImageRoutes()

	s.router.Post("/api/images", s.images.Upload)
	s.router.Get("/dzi/*", s.tiles.ServeHTTP)
	s.router.Head("/dzi/*", s.tiles.ServeHTTP)
}

// health runs the dependency checks when enabled.
func (s *Server) health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{Status: http.StatusOK, Body: HealthBody{Status: "ok"}}
	if !s.cfg.Observability.HealthCheck || s.svc == nil {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	results := s.svc.HealthChecks(ctx)
	latency := time.Since(start).Milliseconds()

	out.Body.Checks = make(map[string]CheckResult, len(results))
	for name, err := range results {
		res := CheckResult{Status: "ok", LatencyMS: latency}
		if err != nil {
			res.Status = "error"
			res.Error = err.Error()
			out.Status = http.StatusServiceUnavailable
			out.Body.Status = "degraded"
		}
		out.Body.Checks[name] = res
	}
	return out
}
