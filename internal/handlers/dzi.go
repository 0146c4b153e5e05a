package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/zoomstore/zoomstore/internal/dzi"
	zerrors "github.com/zoomstore/zoomstore/internal/errors"
	"github.com/zoomstore/zoomstore/internal/tileserver"
	"github.com/zoomstore/zoomstore/internal/xmlutil"
)

// TileCacheControl is sent with every tile. Tiles of one identifier never
// change.
const TileCacheControl = "public, max-age=604800, immutable"

// TileSource serves descriptors and tiles of completed pyramids.
type TileSource interface {
	GetDescriptor(ctx context.Context, id string) (*dzi.Descriptor, error)
	GetTile(ctx context.Context, id string, level, col, row int) (*tileserver.Tile, error)
}

// DZIHandler serves GET and HEAD under /dzi/: the descriptor at
// /dzi/<id>.dzi and tiles at /dzi/<id>_files/<level>/<col>_<row>.<ext>.
// Errors are XML documents.
type DZIHandler struct {
	svc TileSource
}

// NewDZIHandler creates a DZIHandler.
func NewDZIHandler(svc TileSource) *DZIHandler {
	return &DZIHandler{svc: svc}
}

func (h *DZIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, ok := parseDZIPath(strings.TrimPrefix(r.URL.Path, "/dzi/"))
	if !ok {
		xmlutil.RenderError(w, r, zerrors.ErrNotFound.WithMessage("no such resource"), r.URL.Path)
		return
	}
	if p.Tile {
		h.serveTile(w, r, p)
		return
	}
	h.serveDescriptor(w, r, p.ID)
}

func (h *DZIHandler) serveDescriptor(w http.ResponseWriter, r *http.Request, id string) {
	desc, err := h.svc.GetDescriptor(r.Context(), id)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	if err := xmlutil.RenderDZI(w, desc); err != nil {
		slog.Debug("Writing DZI failed", "id", id, "error", err)
	}
}

func (h *DZIHandler) serveTile(w http.ResponseWriter, r *http.Request, p dziPath) {
	ctx := r.Context()
	desc, err := h.svc.GetDescriptor(ctx, p.ID)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, err)
		return
	}
	if !extMatches(p.Ext, desc.Format) {
		xmlutil.RenderError(w, r, zerrors.ErrInvalidAddress.WithMessage("tiles of this pyramid are %s, not %s", desc.Format, p.Ext), r.URL.Path)
		return
	}

	tile, err := h.svc.GetTile(ctx, p.ID, p.Addr.Level, p.Addr.Column, p.Addr.Row)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, err)
		return
	}

	etag := tileETag(tile.Data)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", TileCacheControl)
	if notModified(r, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", tile.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(tile.Data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(tile.Data); err != nil {
		slog.Debug("Writing tile failed", "id", p.ID, "tile", p.Addr.String(), "error", err)
	}
}
