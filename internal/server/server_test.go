package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zoomstore/zoomstore/internal/config"
	"github.com/zoomstore/zoomstore/internal/metrics"
	"github.com/zoomstore/zoomstore/internal/zoom"
)

func init() {
	// Register metrics once for the entire test binary so that tests
	// checking /metrics output see the expected collectors.
	metrics.Register()
}

// testConfig returns a config with observability enabled, an in-memory
// registry and small tiles rooted in a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.RootDir = filepath.Join(t.TempDir(), "images")
	cfg.Registry.Engine = "memory"
	cfg.Pyramid.TileSize = 64
	cfg.Pyramid.Workers = 2
	cfg.TileCache.SizeMB = 4
	cfg.Observability = config.ObservabilityConfig{Metrics: true, HealthCheck: true}
	return cfg
}

// newTestServer creates a Server without a service.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithConfig(t, testConfig(t))
}

// newTestServerWithConfig creates a Server without a service for cfg.
func newTestServerWithConfig(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return srv
}

// newTestServerWithService creates a Server backed by a real service.
func newTestServerWithService(t *testing.T) (*Server, *zoom.Service) {
	t.Helper()
	cfg := testConfig(t)
	svc, err := zoom.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("zoom.Open: %v", err)
	}
	t.Cleanup(func() { svc.Close(context.Background()) })
	srv, err := New(cfg, WithService(svc))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return srv, svc
}

// testRequest performs an HTTP request against the test server's handler
// through the full middleware chain.
func testRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, "GET", "/health")

	if rec.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", rec.Code, http.StatusOK)
	}

	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Errorf("GET /health Content-Type = %q, want application/json", ct)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET /health body unmarshal error: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("GET /health status = %q, want %q", body["status"], "ok")
	}
}

func TestHealthEndpointWithService(t *testing.T) {
	srv, _ := newTestServerWithService(t)
	rec := testRequest(t, srv, "GET", "/health")

	if rec.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET /health body unmarshal error: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("GET /health status = %q, want %q", body["status"], "ok")
	}

	checks, ok := body["checks"].(map[string]interface{})
	if !ok {
		t.Fatal("GET /health response missing 'checks' field")
	}
	for _, name := range []string{"registry", "storage"} {
		check, ok := checks[name].(map[string]interface{})
		if !ok {
			t.Fatalf("GET /health missing %q check", name)
		}
		if check["status"] != "ok" {
			t.Errorf("%s check status = %q, want %q", name, check["status"], "ok")
		}
	}
	if _, ok := checks["archive"]; ok {
		t.Error("GET /health reports an archive check with archiving disabled")
	}
}

func TestHealthHeadEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, "HEAD", "/health")

	if rec.Code != http.StatusOK {
		t.Errorf("HEAD /health status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestDocsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, "GET", "/docs")

	// Huma may return 200 directly or redirect to /docs/.
	if rec.Code != http.StatusOK && rec.Code != http.StatusMovedPermanently && rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("GET /docs status = %d, want 200 or redirect", rec.Code)
	}

	// If redirect, follow it.
	if rec.Code == http.StatusMovedPermanently || rec.Code == http.StatusTemporaryRedirect {
		loc := rec.Header().Get("Location")
		if loc == "" {
			t.Fatal("GET /docs returned redirect but no Location header")
		}
		rec = testRequest(t, srv, "GET", loc)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", loc, rec.Code, http.StatusOK)
		}
	}

	ct := rec.Header().Get("Content-Type")
	if !strings.Contains(ct, "text/html") {
		t.Errorf("GET /docs Content-Type = %q, want text/html", ct)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	// Make a request to /health first so that HTTP metrics get recorded.
	// CounterVec and HistogramVec only appear in Prometheus output after
	// at least one observation.
	testRequest(t, srv, "GET", "/health")

	rec := testRequest(t, srv, "GET", "/metrics")

	if rec.Code != http.StatusOK {
		t.Errorf("GET /metrics status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := rec.Body.String()
	for _, name := range []string{
		"zoomstore_http_requests_total",
		"zoomstore_http_request_duration_seconds",
		"zoomstore_generation_runs_total",
		"zoomstore_tile_requests_total",
		"zoomstore_images_total",
		"zoomstore_bytes_received_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("GET /metrics does not contain %s", name)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Observability.Metrics = false
	srv := newTestServerWithConfig(t, cfg)
	rec := testRequest(t, srv, "GET", "/metrics")

	if rec.Code == http.StatusOK {
		t.Errorf("GET /metrics with metrics disabled should not return 200, got %d", rec.Code)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, "GET", "/healthz")

	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := rec.Body.String(); body != "" {
		t.Errorf("GET /healthz body = %q, want empty", body)
	}
}

func TestReadyzEndpoint(t *testing.T) {
	srv, _ := newTestServerWithService(t)
	rec := testRequest(t, srv, "GET", "/readyz")

	if rec.Code != http.StatusOK {
		t.Errorf("GET /readyz status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := rec.Body.String(); body != "" {
		t.Errorf("GET /readyz body = %q, want empty", body)
	}
}

func TestHealthCheckDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Observability.HealthCheck = false
	srv := newTestServerWithConfig(t, cfg)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := testRequest(t, srv, "GET", path)
		if rec.Code == http.StatusOK {
			t.Errorf("GET %s with health_check disabled should not return 200, got %d", path, rec.Code)
		}
	}

	// /health should still work but return static response without checks.
	rec := testRequest(t, srv, "GET", "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET /health body unmarshal error: %v", err)
	}
	if _, ok := body["checks"]; ok {
		t.Errorf("GET /health with health_check disabled should not contain 'checks' field")
	}
}

func TestCommonHeaders(t *testing.T) {
	srv := newTestServer(t)
	rec := testRequest(t, srv, "GET", "/health")

	reqID := rec.Header().Get("X-Request-Id")
	if len(reqID) != 16 {
		t.Errorf("X-Request-Id = %q, want 16 hex characters", reqID)
	}
	if rec.Header().Get("Date") == "" {
		t.Error("Missing Date header")
	}
	if rec.Header().Get("Server") != "ZoomStore" {
		t.Errorf("Server header = %q, want %q", rec.Header().Get("Server"), "ZoomStore")
	}

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-Id", "client-chosen")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "client-chosen" {
		t.Errorf("X-Request-Id = %q, want the client's", got)
	}
}

func TestImageRoutesNeedService(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/api/images", "/dzi/0123456789abcdef0123456789abcdef.dzi"} {
		rec := testRequest(t, srv, "GET", path)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s without a service = %d, want 404", path, rec.Code)
		}
	}
}
