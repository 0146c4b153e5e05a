// Package serialization handles export and import of the image registry as
// JSON.
package serialization

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/zoomstore/zoomstore/internal/imaging"
	"github.com/zoomstore/zoomstore/internal/registry"
	"github.com/zoomstore/zoomstore/internal/uid"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// envelopeKey is the top-level key identifying an export document.
const envelopeKey = "zoomstore_export"

// Envelope describes an export document.
type Envelope struct {
	Version    int    `json:"version"`
	ExportedAt string `json:"exported_at"`
	Source     string `json:"source"`
}

// Document is a complete export.
type Document struct {
	Export Envelope               `json:"zoomstore_export"`
	Images []registry.ImageRecord `json:"images"`
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace removes every existing record first. Without it, records whose
	// ID is already registered are skipped.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Imported int
	Skipped  int
	Warnings []string
}

// Export reads every record of reg into a Document ordered by ID.
func Export(ctx context.Context, reg registry.Store) (*Document, error) {
	recs, err := reg.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	for i := range recs {
		recs[i].CreatedAt = recs[i].CreatedAt.UTC()
	}
	return &Document{
		Export: Envelope{
			Version:    ExportVersion,
			ExportedAt: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			Source:     "go/" + Version,
		},
		Images: recs,
	}, nil
}

// Marshal encodes doc with 2-space indentation.
func Marshal(doc *Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// ExportJSON is Export followed by Marshal.
func ExportJSON(ctx context.Context, reg registry.Store) ([]byte, error) {
	doc, err := Export(ctx, reg)
	if err != nil {
		return nil, err
	}
	return Marshal(doc)
}

// Parse decodes an export document and checks its version.
func Parse(data []byte) (*Document, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if _, ok := top[envelopeKey]; !ok {
		return nil, fmt.Errorf("not a zoomstore export: missing %q", envelopeKey)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if doc.Export.Version < 1 || doc.Export.Version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", doc.Export.Version)
	}
	return &doc, nil
}

// Import writes the records of an export document into reg in one
// transaction. Malformed records are skipped with a warning.
func Import(ctx context.Context, reg registry.Store, data []byte, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	seen := make(map[string]bool, len(doc.Images))
	valid := make([]registry.ImageRecord, 0, len(doc.Images))
	for _, rec := range doc.Images {
		if problem := checkRecord(&rec); problem != "" {
			result.Skipped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped image %q: %s", rec.ID, problem))
			continue
		}
		if seen[rec.ID] {
			result.Skipped++
			result.Warnings = append(result.Warnings, fmt.Sprintf("Skipped image %q: duplicate", rec.ID))
			continue
		}
		seen[rec.ID] = true
		if !opts.Replace {
			existing, err := reg.Get(ctx, rec.ID)
			if err != nil {
				return nil, fmt.Errorf("looking up %s: %w", rec.ID, err)
			}
			if existing != nil {
				result.Skipped++
				continue
			}
		}
		valid = append(valid, rec)
	}

	n, err := reg.PutAll(ctx, valid, opts.Replace)
	if err != nil {
		return nil, fmt.Errorf("writing images: %w", err)
	}
	result.Imported = n
	return result, nil
}

// checkRecord returns why rec cannot be imported, or "".
func checkRecord(rec *registry.ImageRecord) string {
	switch {
	case !uid.Valid(rec.ID):
		return "malformed id"
	case !imaging.Supported(rec.Format):
		return fmt.Sprintf("unsupported format %q", rec.Format)
	case rec.Width <= 0 || rec.Height <= 0:
		return fmt.Sprintf("invalid dimensions %dx%d", rec.Width, rec.Height)
	case rec.Size <= 0:
		return "invalid size"
	case rec.CreatedAt.IsZero():
		return "missing created_at"
	}
	return ""
}
