package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	zerrors "github.com/zoomstore/zoomstore/internal/errors"
	"github.com/zoomstore/zoomstore/internal/zoom"
)

// uploadField is the multipart form field carrying the image.
const uploadField = "file"

// Registrar registers source images.
type Registrar interface {
	RegisterImage(ctx context.Context, r io.Reader, filename, declaredFormat string) (*zoom.Registration, error)
}

// ImageHandler handles image uploads.
type ImageHandler struct {
	svc       Registrar
	maxUpload int64
}

// NewImageHandler creates an ImageHandler. A positive maxUpload rejects raw
// bodies whose declared length exceeds it before reading them.
func NewImageHandler(svc Registrar, maxUpload int64) *ImageHandler {
	return &ImageHandler{svc: svc, maxUpload: maxUpload}
}

// Upload handles POST /api/images. The body is either the raw image or a
// multipart form with the image in the "file" field. The optional query
// parameters filename and format override what is derived from the upload.
// The pyramid is scheduled before the response is written.
func (h *ImageHandler) Upload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filename := q.Get("filename")
	format := q.Get("format")

	var body io.Reader = r.Body
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && mediaType == "multipart/form-data" {
		part, err := filePart(multipart.NewReader(r.Body, params["boundary"]))
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer part.Close()
		if filename == "" {
			filename = part.FileName()
		}
		body = part
	} else if h.maxUpload > 0 && r.ContentLength > h.maxUpload {
		writeError(w, r, zerrors.ErrImageTooLarge.WithMessage("upload of %d bytes exceeds the %d byte limit", r.ContentLength, h.maxUpload))
		return
	}

	reg, err := h.svc.RegisterImage(r.Context(), body, filename, format)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if reg.Cached {
		status = http.StatusOK
	}
	id := reg.Record.ID
	w.Header().Set("Location", DZIURL(id))
	writeJSON(w, status, UploadView{
		ID:     id,
		DZIURL: DZIURL(id),
		Cached: reg.Cached,
		Meta:   NewImageView(reg.Record, reg.State, reg.Plan.Thumbnail(), reg.Plan.Format),
	})
}

// filePart advances mr to the upload field.
func filePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, zerrors.ErrInvalidArgument.WithMessage("multipart form has no %q field", uploadField)
		}
		if err != nil {
			return nil, zerrors.ErrInvalidArgument.WithMessage("malformed multipart body: %v", err)
		}
		if part.FormName() == uploadField {
			return part, nil
		}
		part.Close()
	}
}
