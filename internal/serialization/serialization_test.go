package serialization

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zoomstore/zoomstore/internal/registry"
)

func record(id string, created time.Time) registry.ImageRecord {
	return registry.ImageRecord{
		ID:        id,
		Filename:  id[:4] + ".jpg",
		Format:    "jpeg",
		Size:      1234,
		Width:     800,
		Height:    600,
		CreatedAt: created,
	}
}

const (
	idA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	idB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	idC = "cccccccccccccccccccccccccccccccc"
)

func newSQLite(t *testing.T) registry.Store {
	t.Helper()
	s, err := registry.NewSQLiteStore(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newSQLite(t)
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{idB, idA} {
		rec := record(id, base.Add(time.Duration(i)*time.Hour))
		if err := src.Put(ctx, &rec); err != nil {
			t.Fatal(err)
		}
	}

	data, err := ExportJSON(ctx, src)
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("export is not JSON: %v", err)
	}
	env, ok := raw["zoomstore_export"].(map[string]any)
	if !ok || env["version"] != float64(ExportVersion) {
		t.Fatalf("envelope = %v", raw["zoomstore_export"])
	}
	if !strings.Contains(string(data), "\n  \"images\"") {
		t.Error("export is not indented with two spaces")
	}

	doc, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Images) != 2 || doc.Images[0].ID != idA || doc.Images[1].ID != idB {
		t.Fatalf("exported images not ordered by id: %+v", doc.Images)
	}

	dst := registry.NewMemoryStore()
	res, err := Import(ctx, dst, data, nil)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Imported != 2 || res.Skipped != 0 {
		t.Errorf("result = %+v", res)
	}
	got, err := dst.Get(ctx, idB)
	if err != nil || got == nil {
		t.Fatalf("Get: %v, %v", got, err)
	}
	if !got.CreatedAt.Equal(base) || got.Width != 800 || got.Filename != "bbbb.jpg" {
		t.Errorf("imported record = %+v", got)
	}
}

func TestImportMergeSkipsExisting(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	dst := newSQLite(t)
	existing := record(idA, now)
	existing.Filename = "keep.jpg"
	if err := dst.Put(ctx, &existing); err != nil {
		t.Fatal(err)
	}

	doc := &Document{
		Export: Envelope{Version: ExportVersion},
		Images: []registry.ImageRecord{record(idA, now), record(idB, now)},
	}
	data, err := Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}

	res, err := Import(ctx, dst, data, &ImportOptions{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Imported != 1 || res.Skipped != 1 {
		t.Errorf("merge result = %+v", res)
	}
	got, _ := dst.Get(ctx, idA)
	if got.Filename != "keep.jpg" {
		t.Errorf("merge overwrote existing record: %+v", got)
	}

	res, err = Import(ctx, dst, data, &ImportOptions{Replace: true})
	if err != nil {
		t.Fatalf("Import replace: %v", err)
	}
	if res.Imported != 2 {
		t.Errorf("replace result = %+v", res)
	}
	got, _ = dst.Get(ctx, idA)
	if got.Filename != "aaaa.jpg" {
		t.Errorf("replace kept the old record: %+v", got)
	}
}

func TestImportReplaceRemovesOthers(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	dst := registry.NewMemoryStore()
	other := record(idC, now)
	dst.Put(ctx, &other)

	data, _ := Marshal(&Document{
		Export: Envelope{Version: ExportVersion},
		Images: []registry.ImageRecord{record(idA, now)},
	})
	if _, err := Import(ctx, dst, data, &ImportOptions{Replace: true}); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n, _ := dst.Count(ctx); n != 1 {
		t.Errorf("count after replace = %d, want 1", n)
	}
	if got, _ := dst.Get(ctx, idC); got != nil {
		t.Error("replace kept a record absent from the export")
	}
}

func TestImportSkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	badID := record(idA, now)
	badID.ID = "nope"
	badFormat := record(idB, now)
	badFormat.Format = "gif"
	badSize := record(idC, now)
	badSize.Width = 0

	data, _ := Marshal(&Document{
		Export: Envelope{Version: ExportVersion},
		Images: []registry.ImageRecord{badID, badFormat, badSize, record(idA, now), record(idA, now)},
	})
	dst := registry.NewMemoryStore()
	res, err := Import(ctx, dst, data, nil)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Imported != 1 || res.Skipped != 4 || len(res.Warnings) != 4 {
		t.Errorf("result = %+v", res)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not json", "{"},
		{"no envelope", `{"images": []}`},
		{"future version", `{"zoomstore_export": {"version": 99}, "images": []}`},
		{"zero version", `{"zoomstore_export": {}, "images": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.in)); err == nil {
				t.Error("Parse succeeded")
			}
		})
	}
}
