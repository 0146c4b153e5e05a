package xmlutil

import (
	"encoding/xml"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zoomstore/zoomstore/internal/dzi"
	zerrors "github.com/zoomstore/zoomstore/internal/errors"
)

func TestRenderErrorNotReady(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set(RequestIDHeader, "abc123")
	req := httptest.NewRequest("GET", "/dzi/x_files/0/0_0.png", nil)

	RenderError(rec, req, zerrors.ErrNotReady, req.URL.Path)

	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "<?xml") {
		t.Errorf("body missing XML header: %q", body)
	}
	var resp ErrorResponse
	if err := xml.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Code != "NotReady" || resp.RequestID != "abc123" || resp.Resource != "/dzi/x_files/0/0_0.png" {
		t.Errorf("unexpected error document: %+v", resp)
	}
}

func TestWriteErrorResponseUnclassified(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/dzi/a.dzi", nil)
	WriteErrorResponse(rec, req, errors.New("boom"))
	if rec.Code != 500 {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "" {
		t.Error("Retry-After set on internal error")
	}
}

func TestRenderDZI(t *testing.T) {
	desc, err := dzi.New(600, 400, 256, 1, dzi.FormatJPEG)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	if err := RenderDZI(rec, desc); err != nil {
		t.Fatal(err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	got, err := dzi.Parse(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if *got != *desc {
		t.Errorf("round trip = %+v, want %+v", got, desc)
	}
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 123_000_000, time.FixedZone("x", 3600))
	if got := FormatTimeISO(ts); got != "2024-03-09T13:05:07.123Z" {
		t.Errorf("FormatTimeISO = %q", got)
	}
	if got := FormatTimeHTTP(ts); got != "Sat, 09 Mar 2024 13:05:07 GMT" {
		t.Errorf("FormatTimeHTTP = %q", got)
	}
}
