package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zoomstore/zoomstore/internal/config"
	"github.com/zoomstore/zoomstore/internal/dzi"
	zerrors "github.com/zoomstore/zoomstore/internal/errors"
	"github.com/zoomstore/zoomstore/internal/tileserver"
	"github.com/zoomstore/zoomstore/internal/xmlutil"
	"github.com/zoomstore/zoomstore/internal/zoom"
)

func openService(t *testing.T) *zoom.Service {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.RootDir = filepath.Join(t.TempDir(), "images")
	cfg.Registry.Engine = "memory"
	cfg.Pyramid.TileSize = 64
	cfg.Pyramid.Workers = 2
	cfg.TileCache.SizeMB = 4
	svc, err := zoom.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { svc.Close(context.Background()) })
	return svc
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func upload(t *testing.T, h *ImageHandler, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.Upload(rec, req)
	return rec
}

func decodeUpload(t *testing.T, rec *httptest.ResponseRecorder) UploadView {
	t.Helper()
	var v UploadView
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding upload response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestUploadAndServe(t *testing.T) {
	svc := openService(t)
	images := NewImageHandler(svc, 0)
	tiles := NewDZIHandler(svc)
	data := pngImage(t, 200, 150)

	rec := upload(t, images, "/api/images?filename=scan.png", data, "image/png")
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	v := decodeUpload(t, rec)
	if len(v.ID) != 32 || v.Cached {
		t.Fatalf("unexpected upload view: %+v", v)
	}
	if v.DZIURL != "/dzi/"+v.ID+".dzi" || rec.Header().Get("Location") != v.DZIURL {
		t.Errorf("dzi_url = %q, Location = %q", v.DZIURL, rec.Header().Get("Location"))
	}
	if v.Meta.Filename != "scan.png" || v.Meta.FileType != "png" || v.Meta.Width != 200 || v.Meta.Height != 150 {
		t.Errorf("unexpected meta: %+v", v.Meta)
	}
	if v.Meta.ThumbnailURL != "/dzi/"+v.ID+"_files/6/0_0.png" {
		t.Errorf("thumbnail_url = %q", v.Meta.ThumbnailURL)
	}

	if _, err := svc.WaitPyramid(context.Background(), v.ID); err != nil {
		t.Fatalf("WaitPyramid: %v", err)
	}

	req := httptest.NewRequest("GET", v.DZIURL, nil)
	rec = httptest.NewRecorder()
	tiles.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET dzi status = %d, body %s", rec.Code, rec.Body.String())
	}
	desc, err := dzi.Parse(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if desc.Width != 200 || desc.Height != 150 || desc.TileSize != 64 || desc.Format != "png" {
		t.Errorf("unexpected descriptor: %+v", desc)
	}

	tileURL := "/dzi/" + v.ID + "_files/8/1_1.png"
	req = httptest.NewRequest("GET", tileURL, nil)
	rec = httptest.NewRecorder()
	tiles.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET tile status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != TileCacheControl {
		t.Errorf("Cache-Control = %q", cc)
	}
	etag := rec.Header().Get("ETag")
	if etag != tileETag(rec.Body.Bytes()) {
		t.Errorf("ETag = %q, want hash of body", etag)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("tile is not a PNG: %v", err)
	}
	if cfg.Width != 66 || cfg.Height != 66 {
		t.Errorf("interior tile is %dx%d, want 66x66", cfg.Width, cfg.Height)
	}

	req = httptest.NewRequest("GET", tileURL, nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	tiles.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("conditional GET status = %d, want 304", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("304 carried a body of %d bytes", rec.Body.Len())
	}

	req = httptest.NewRequest("HEAD", tileURL, nil)
	rec = httptest.NewRecorder()
	tiles.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("HEAD status = %d, body %d bytes", rec.Code, rec.Body.Len())
	}
}

func TestUploadMultipartAndDedup(t *testing.T) {
	svc := openService(t)
	images := NewImageHandler(svc, 0)
	data := pngImage(t, 90, 70)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "ignored")
	fw, err := mw.CreateFormFile("file", "photo.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()

	rec := upload(t, images, "/api/images", buf.Bytes(), mw.FormDataContentType())
	if rec.Code != http.StatusCreated {
		t.Fatalf("multipart upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	first := decodeUpload(t, rec)
	if first.Meta.Filename != "photo.png" {
		t.Errorf("filename = %q, want photo.png", first.Meta.Filename)
	}

	rec = upload(t, images, "/api/images", data, "application/octet-stream")
	if rec.Code != http.StatusOK {
		t.Fatalf("re-upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	second := decodeUpload(t, rec)
	if !second.Cached || second.ID != first.ID {
		t.Errorf("re-upload = %+v, want cached %s", second, first.ID)
	}
}

func TestUploadErrors(t *testing.T) {
	svc := openService(t)
	images := NewImageHandler(svc, 1024)

	var empty bytes.Buffer
	mw := multipart.NewWriter(&empty)
	mw.WriteField("other", "x")
	mw.Close()

	tests := []struct {
		name        string
		target      string
		body        []byte
		contentType string
		status      int
		code        string
	}{
		{"garbage", "/api/images", []byte("definitely not an image"), "application/octet-stream", 400, "InvalidImage"},
		{"empty", "/api/images", nil, "", 400, "InvalidImage"},
		{"too large", "/api/images", bytes.Repeat([]byte{1}, 2048), "application/octet-stream", 413, "ImageTooLarge"},
		{"no file field", "/api/images", empty.Bytes(), mw.FormDataContentType(), 400, "InvalidArgument"},
		{"disallowed extension", "/api/images?filename=x.gif", []byte("GIF89a"), "", 400, "InvalidImage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := upload(t, images, tt.target, tt.body, tt.contentType)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			var body ErrorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decoding error body: %v", err)
			}
			if body.Code != tt.code || body.Status != tt.status {
				t.Errorf("error body = %+v, want code %s", body, tt.code)
			}
		})
	}
}

// fakeTiles answers every lookup with a fixed descriptor, tile or error.
type fakeTiles struct {
	desc *dzi.Descriptor
	tile *tileserver.Tile
	err  error
}

func (f *fakeTiles) GetDescriptor(ctx context.Context, id string) (*dzi.Descriptor, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.desc, nil
}

func (f *fakeTiles) GetTile(ctx context.Context, id string, level, col, row int) (*tileserver.Tile, error) {
	if f.err != nil {
		return nil, f.err
	}
	if err := f.desc.Check(dzi.Address{Level: level, Column: col, Row: row}); err != nil {
		return nil, err
	}
	return f.tile, nil
}

func serveDZI(t *testing.T, src TileSource, path string) (*httptest.ResponseRecorder, xmlutil.ErrorResponse) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	NewDZIHandler(src).ServeHTTP(rec, req)
	var resp xmlutil.ErrorResponse
	if rec.Code >= 400 {
		if err := xml.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decoding error document %q: %v", rec.Body.String(), err)
		}
	}
	return rec, resp
}

func TestDZIErrors(t *testing.T) {
	desc, err := dzi.New(300, 200, 256, 1, dzi.FormatJPEG)
	if err != nil {
		t.Fatal(err)
	}
	tile := &tileserver.Tile{Data: []byte("jpeg"), ContentType: "image/jpeg"}
	const id = "0123456789abcdef0123456789abcdef"

	rec, resp := serveDZI(t, &fakeTiles{err: zerrors.ErrNotReady}, "/dzi/"+id+"_files/0/0_0.jpeg")
	if rec.Code != 503 || resp.Code != "NotReady" {
		t.Errorf("not ready: status %d code %q", rec.Code, resp.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("NotReady response has no Retry-After")
	}

	rec, resp = serveDZI(t, &fakeTiles{err: zerrors.ErrNotFound}, "/dzi/"+id+".dzi")
	if rec.Code != 404 || resp.Code != "NotFound" {
		t.Errorf("unknown image: status %d code %q", rec.Code, resp.Code)
	}

	ok := &fakeTiles{desc: desc, tile: tile}
	rec, resp = serveDZI(t, ok, "/dzi/"+id+"_files/0/0_0.png")
	if rec.Code != 404 || resp.Code != "InvalidAddress" {
		t.Errorf("wrong extension: status %d code %q", rec.Code, resp.Code)
	}
	rec, resp = serveDZI(t, ok, "/dzi/"+id+"_files/9/5_0.jpeg")
	if rec.Code != 404 || resp.Code != "InvalidAddress" {
		t.Errorf("outside grid: status %d code %q", rec.Code, resp.Code)
	}
	rec, resp = serveDZI(t, ok, "/dzi/"+id+"_files/zero/0_0.jpeg")
	if rec.Code != 404 || resp.Code != "NotFound" {
		t.Errorf("malformed path: status %d code %q", rec.Code, resp.Code)
	}

	rec, _ = serveDZI(t, ok, "/dzi/"+id+"_files/9/1_0.jpg")
	if rec.Code != 200 || rec.Body.String() != "jpeg" {
		t.Errorf("jpg alias: status %d body %q", rec.Code, rec.Body.String())
	}
}

func TestParseDZIPath(t *testing.T) {
	tests := []struct {
		in   string
		ok   bool
		want dziPath
	}{
		{"abc.dzi", true, dziPath{ID: "abc"}},
		{"abc_files/3/1_2.jpeg", true, dziPath{ID: "abc", Tile: true, Addr: dzi.Address{Level: 3, Column: 1, Row: 2}, Ext: "jpeg"}},
		{"abc_files/0/0_0.PNG", true, dziPath{ID: "abc", Tile: true, Addr: dzi.Address{}, Ext: "png"}},
		{"abc_files/-1/0_0.png", true, dziPath{ID: "abc", Tile: true, Addr: dzi.Address{Level: -1}, Ext: "png"}},
		{".dzi", false, dziPath{}},
		{"a/b.dzi", false, dziPath{}},
		{"abc_files/3/1_2", false, dziPath{}},
		{"abc_files/3/12.png", false, dziPath{}},
		{"abc_files/x/1_2.png", false, dziPath{}},
		{"abc/3/1_2.png", false, dziPath{}},
		{"abc_files/3/1_2.png/extra", false, dziPath{}},
		{"", false, dziPath{}},
	}
	for _, tt := range tests {
		got, ok := parseDZIPath(tt.in)
		if ok != tt.ok {
			t.Errorf("parseDZIPath(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("parseDZIPath(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestNotModified(t *testing.T) {
	const etag = `"00000000deadbeef"`
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{"*", true},
		{etag, true},
		{`W/"00000000deadbeef"`, true},
		{`"other", "00000000deadbeef"`, true},
		{`"other"`, false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			req.Header.Set("If-None-Match", tt.header)
		}
		if got := notModified(req, etag); got != tt.want {
			t.Errorf("notModified(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestNewErrorBody(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	body := NewErrorBody(ctx, zerrors.ErrCancelled)
	if body.Status != 409 || body.Code != "Cancelled" || !body.Retryable || body.RequestID != "req-1" {
		t.Errorf("unexpected body: %+v", body)
	}
	body = NewErrorBody(ctx, context.DeadlineExceeded)
	if body.Status != 500 || strings.Contains(body.Message, "deadline") {
		t.Errorf("internal error leaked its cause: %+v", body)
	}
}
