package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zoomstore/zoomstore/internal/handlers"
	"github.com/zoomstore/zoomstore/internal/metrics"
	"github.com/zoomstore/zoomstore/internal/xmlutil"
)

// maxClientRequestID bounds a request ID supplied by the client.
const maxClientRequestID = 64

// generateRequestID returns 16 random hex characters.
func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// commonHeaders sets X-Request-Id, Date and Server on every response and
// stores the request ID in the request context. A client-supplied ID of
// reasonable length is kept so viewers can correlate their tile requests.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(xmlutil.RequestIDHeader)
		if requestID == "" || len(requestID) > maxClientRequestID {
			requestID = generateRequestID()
		}
		w.Header().Set(xmlutil.RequestIDHeader, requestID)
		w.Header().Set("Date", xmlutil.FormatTimeHTTP(time.Now()))
		w.Header().Set("Server", "ZoomStore")
		next.ServeHTTP(w, r.WithContext(handlers.WithRequestID(r.Context(), requestID)))
	})
}

// responseRecorder captures the status and body size of a response for
// the metrics and access log middleware.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	if rr, ok := w.(*responseRecorder); ok {
		return rr
	}
	return &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.wroteHeader = true
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += n
	return n, err
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// accessLog logs one line per request. Tile and descriptor requests are
// logged at debug level since a single viewer issues hundreds of them;
// server errors are logged at warn level.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		switch {
		case rec.statusCode >= 500:
			level = slog.LevelWarn
		case strings.HasPrefix(r.URL.Path, "/dzi/"), r.URL.Path == "/metrics", strings.HasPrefix(r.URL.Path, "/health"):
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.statusCode,
			"bytes", rec.bytesWritten,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", handlers.RequestID(r.Context()),
		)
	})
}

// metricsMiddleware records request count, latency and sizes per
// normalized route. Scrapes of /metrics are not counted.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()
		normalizedPath := metrics.NormalizePath(r.URL.Path)
		method := r.Method
		status := strconv.Itoa(rec.statusCode)

		metrics.HTTPRequestsTotal.WithLabelValues(method, normalizedPath, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, normalizedPath).Observe(duration)

		if r.ContentLength > 0 {
			metrics.HTTPRequestSize.WithLabelValues(method, normalizedPath).Observe(float64(r.ContentLength))
		}
		if rec.bytesWritten > 0 {
			metrics.HTTPResponseSize.WithLabelValues(method, normalizedPath).Observe(float64(rec.bytesWritten))
		}
	})
}
