// Package metrics defines custom Prometheus metrics for ZoomStore.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zoomstore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zoomstore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zoomstore_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zoomstore_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Pyramid metrics.
var (
	// GenerationRunsTotal counts finished generation runs by result
	// (completed, failed, cancelled).
	GenerationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zoomstore_generation_runs_total",
			Help: "Pyramid generation runs by result",
		},
		[]string{"result"},
	)

	// GenerationDuration observes the wall time of a generation run.
	GenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zoomstore_generation_duration_seconds",
			Help:    "Pyramid generation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	// GenerationInProgress is the number of runs currently cutting tiles.
	GenerationInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zoomstore_generation_in_progress",
			Help: "Pyramid generation runs in progress",
		},
	)

	// TilesWrittenTotal counts tile files written by generation runs.
	TilesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zoomstore_tiles_written_total",
			Help: "Total tile files written",
		},
	)

	// TileRequestsTotal counts tile lookups by result
	// (hit, not_ready, not_found, invalid_address, failed).
	TileRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zoomstore_tile_requests_total",
			Help: "Tile requests by result",
		},
		[]string{"result"},
	)

	// TileCacheHitsTotal counts tiles served from the in-memory cache.
	TileCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zoomstore_tile_cache_hits_total",
			Help: "Tiles served from the in-memory hot tile cache",
		},
	)

	// ImagesTotal is a gauge tracking registered images.
	ImagesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "zoomstore_images_total",
			Help: "Total registered images",
		},
	)

	// BytesReceivedTotal counts source image bytes accepted by registration.
	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zoomstore_bytes_received_total",
			Help: "Total source image bytes registered",
		},
	)

	// ArchiveOperationsTotal counts source archive operations by operation
	// and status.
	ArchiveOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zoomstore_archive_operations_total",
			Help: "Source archive operations by type",
		},
		[]string{"operation", "status"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			GenerationRunsTotal,
			GenerationDuration,
			GenerationInProgress,
			TilesWrittenTotal,
			TileRequestsTotal,
			TileCacheHitsTotal,
			ImagesTotal,
			BytesReceivedTotal,
			ArchiveOperationsTotal,
		)
		// Initialize the labelled series so they appear in /metrics output
		// before the first run or tile request.
		for _, r := range []string{"completed", "failed", "cancelled"} {
			GenerationRunsTotal.WithLabelValues(r)
		}
		TileRequestsTotal.WithLabelValues("hit")
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual image identifiers and tile addresses.
func NormalizePath(path string) string {
	// Known fixed paths.
	switch path {
	case "/health", "/healthz", "/readyz":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/metrics":
		return "/metrics"
	case "/openapi.json":
		return "/openapi.json"
	case "/api/images", "/api/images/":
		return "/api/images"
	case "/", "":
		return "/"
	}

	// Starts with /docs (Stoplight Elements assets).
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	if rest, ok := strings.CutPrefix(path, "/api/images/"); ok {
		_, sub, found := strings.Cut(rest, "/")
		if !found || sub == "" {
			return "/api/images/{id}"
		}
		switch sub {
		case "pyramid", "descriptor":
			return "/api/images/{id}/" + sub
		}
		return "/api/images/{id}/*"
	}

	if rest, ok := strings.CutPrefix(path, "/dzi/"); ok {
		if strings.Contains(rest, "_files/") {
			return "/dzi/{id}_files/{level}/{tile}"
		}
		if strings.HasSuffix(rest, ".dzi") {
			return "/dzi/{id}.dzi"
		}
		return "/dzi/*"
	}

	return "/*"
}
