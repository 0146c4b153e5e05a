// Package handlers implements the HTTP handlers that do not fit a JSON
// request/response operation: source uploads, DZI documents and tiles. It
// also holds the JSON views shared with the API routes.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/zoomstore/zoomstore/internal/dzi"
	zerrors "github.com/zoomstore/zoomstore/internal/errors"
	"github.com/zoomstore/zoomstore/internal/xmlutil"
)

type requestIDKey struct{}

// WithRequestID returns a copy of ctx carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ErrorBody is the JSON error document of the /api routes. It satisfies
// huma.StatusError so API operations can return it directly.
type ErrorBody struct {
	Status    int    `json:"status" example:"404" doc:"HTTP status code"`
	Code      string `json:"code" example:"NotFound" doc:"Stable error code"`
	Message   string `json:"message" doc:"Human-readable description"`
	Retryable bool   `json:"retryable" doc:"Whether the same request may succeed later"`
	RequestID string `json:"request_id,omitempty" doc:"Request ID for correlation with logs"`
}

func (e *ErrorBody) Error() string  { return e.Code + ": " + e.Message }
func (e *ErrorBody) GetStatus() int { return e.Status }

// NewErrorBody classifies err into an ErrorBody. Internal errors are logged
// and their cause is not exposed.
func NewErrorBody(ctx context.Context, err error) *ErrorBody {
	ze := zerrors.Classify(err)
	if ze.Code == zerrors.ErrInternalError.Code {
		slog.Error("Internal error", "error", err, "request_id", RequestID(ctx))
	}
	return &ErrorBody{
		Status:    ze.HTTPStatus,
		Code:      ze.Code,
		Message:   ze.Message,
		Retryable: ze.Retryable,
		RequestID: RequestID(ctx),
	}
}

// writeJSON marshals v as JSON and writes it with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Writing JSON response failed", "error", err)
	}
}

// writeError writes err as a JSON ErrorBody.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := NewErrorBody(r.Context(), err)
	if body.Code == zerrors.ErrNotReady.Code {
		w.Header().Set("Retry-After", strconv.Itoa(xmlutil.RetryAfterSeconds))
	}
	writeJSON(w, body.Status, body)
}

// DZIURL returns the path of the DZI document of id.
func DZIURL(id string) string {
	return "/dzi/" + id + ".dzi"
}

// TileURL returns the path of one tile of id.
func TileURL(id string, a dzi.Address, format string) string {
	return fmt.Sprintf("/dzi/%s_files/%d/%d_%d.%s", id, a.Level, a.Column, a.Row, format)
}

// dziPath is a parsed request path under /dzi/.
type dziPath struct {
	ID string
	// Tile is false for the descriptor document.
	Tile bool
	Addr dzi.Address
	Ext  string
}

// parseDZIPath parses "<id>.dzi" and "<id>_files/<level>/<col>_<row>.<ext>"
// (the part after "/dzi/"). Any other shape reports ok=false.
func parseDZIPath(rest string) (p dziPath, ok bool) {
	if id, found := strings.CutSuffix(rest, ".dzi"); found {
		if id == "" || strings.Contains(id, "/") {
			return p, false
		}
		return dziPath{ID: id}, true
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return p, false
	}
	id, found := strings.CutSuffix(parts[0], "_files")
	if !found || id == "" {
		return p, false
	}
	level, err := strconv.Atoi(parts[1])
	if err != nil {
		return p, false
	}
	name, ext, found := strings.Cut(parts[2], ".")
	if !found || ext == "" {
		return p, false
	}
	colStr, rowStr, found := strings.Cut(name, "_")
	if !found {
		return p, false
	}
	col, err := strconv.Atoi(colStr)
	if err != nil {
		return p, false
	}
	row, err := strconv.Atoi(rowStr)
	if err != nil {
		return p, false
	}
	return dziPath{
		ID:   id,
		Tile: true,
		Addr: dzi.Address{Level: level, Column: col, Row: row},
		Ext:  strings.ToLower(ext),
	}, true
}

// extMatches reports whether a request extension names format.
func extMatches(ext, format string) bool {
	if ext == format {
		return true
	}
	return ext == "jpg" && format == dzi.FormatJPEG
}

// tileETag returns the strong ETag of a tile body.
func tileETag(data []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(data))
}

// notModified reports whether the request's If-None-Match matches etag.
func notModified(r *http.Request, etag string) bool {
	ifNoneMatch := r.Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}
	if strings.TrimSpace(ifNoneMatch) == "*" {
		return true
	}
	normalize := func(e string) string {
		return strings.Trim(strings.TrimPrefix(strings.TrimSpace(e), "W/"), `"`)
	}
	want := normalize(etag)
	for _, tag := range strings.Split(ifNoneMatch, ",") {
		if normalize(tag) == want {
			return true
		}
	}
	return false
}
