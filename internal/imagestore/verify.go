package imagestore

import (
	"context"
	"fmt"
	"os"

	"github.com/zoomstore/zoomstore/internal/dzi"
)

// maxReportedMissing caps VerifyResult.Missing.
const maxReportedMissing = 10

// VerifyResult is the on-disk state of one image.
type VerifyResult struct {
	ID string
	// Source is true when the source file is present.
	Source bool
	// Complete is true when a completion marker is present.
	Complete bool
	// Tiles is the number of tiles the descriptor promises.
	Tiles int64
	// MissingCount is the number of promised tiles absent from disk; Missing
	// lists the first of them.
	MissingCount int64
	Missing      []dzi.Address
	// Problem describes a defect other than missing tiles.
	Problem string
}

// OK reports whether the image has its source and, if complete, every tile.
func (v *VerifyResult) OK() bool {
	return v.Source && v.Problem == "" && v.MissingCount == 0
}

// Verify checks the files of id against its record: the source, and for a
// completed pyramid the descriptor and every tile it promises. An
// incomplete pyramid is not a defect.
func (s *Store) Verify(ctx context.Context, id string) (*VerifyResult, error) {
	rec, srcPath, err := s.Source(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &VerifyResult{ID: rec.ID}
	if fi, err := os.Stat(srcPath); err == nil && fi.Size() == rec.Size {
		res.Source = true
	} else if err == nil {
		res.Problem = fmt.Sprintf("source is %d bytes, registry says %d", fi.Size(), rec.Size)
	}

	if _, ok := s.layout.ReadMarker(id); !ok {
		return res, nil
	}
	res.Complete = true

	data, err := os.ReadFile(s.layout.DescriptorPath(id))
	if err != nil {
		res.Problem = "completed pyramid has no descriptor"
		return res, nil
	}
	desc, err := dzi.Parse(data)
	if err != nil {
		res.Problem = err.Error()
		return res, nil
	}
	if desc.Width != rec.Width || desc.Height != rec.Height {
		res.Problem = fmt.Sprintf("descriptor is %dx%d, source is %dx%d", desc.Width, desc.Height, rec.Width, rec.Height)
		return res, nil
	}

	tilesDir := s.layout.TilesDir(id)
	res.Tiles = desc.TileCount()
	for _, lvl := range desc.Levels() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for row := 0; row < lvl.Rows; row++ {
			for col := 0; col < lvl.Columns; col++ {
				a := dzi.Address{Level: lvl.Level, Column: col, Row: row}
				if _, err := os.Stat(TilePath(tilesDir, a, desc.Format)); err != nil {
					res.MissingCount++
					if len(res.Missing) < maxReportedMissing {
						res.Missing = append(res.Missing, a)
					}
				}
			}
		}
	}
	return res, nil
}
