package handlers

import (
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zoomstore/zoomstore/internal/coordinator"
	"github.com/zoomstore/zoomstore/internal/dzi"
	zerrors "github.com/zoomstore/zoomstore/internal/errors"
	"github.com/zoomstore/zoomstore/internal/registry"
	"github.com/zoomstore/zoomstore/internal/zoom"
)

// StateView is the JSON form of a generation state.
type StateView struct {
	Status         string     `json:"status" enum:"not_started,in_progress,completed,failed" doc:"Generation phase"`
	ElapsedSeconds float64    `json:"elapsed_seconds" doc:"Time spent generating so far, or in total once finished"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty" doc:"Error code of a failed run"`
	Error          string     `json:"error,omitempty" doc:"Error message of a failed run"`
}

// NewStateView converts st.
func NewStateView(st coordinator.State) StateView {
	v := StateView{
		Status:         st.Phase.String(),
		ElapsedSeconds: math.Round(st.Elapsed().Seconds()*1000) / 1000,
	}
	if !st.StartedAt.IsZero() {
		t := st.StartedAt.UTC()
		v.StartedAt = &t
	}
	if !st.FinishedAt.IsZero() {
		t := st.FinishedAt.UTC()
		v.FinishedAt = &t
	}
	if st.Phase == coordinator.Failed && st.Err != nil {
		ze := zerrors.Classify(st.Err)
		v.ErrorCode = ze.Code
		v.Error = ze.Message
	}
	return v
}

// ImageView is the JSON form of a registered image.
type ImageView struct {
	ID           string    `json:"id" doc:"Content-derived image identifier"`
	Filename     string    `json:"filename"`
	FileType     string    `json:"file_type" doc:"Detected source format"`
	Size         int64     `json:"size" doc:"Source size in bytes"`
	SizeHuman    string    `json:"size_human" example:"12 MB"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Megapixels   float64   `json:"megapixels"`
	CreatedAt    time.Time `json:"created_at"`
	DZIURL       string    `json:"dzi_url" example:"/dzi/0123456789abcdef0123456789abcdef.dzi"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Pyramid      StateView `json:"pyramid"`
}

// NewImageView converts rec. With a non-empty tileFormat the view carries
// the URL of thumb.
func NewImageView(rec *registry.ImageRecord, st coordinator.State, thumb dzi.Address, tileFormat string) ImageView {
	v := ImageView{
		ID:         rec.ID,
		Filename:   rec.Filename,
		FileType:   rec.Format,
		Size:       rec.Size,
		SizeHuman:  humanize.Bytes(uint64(rec.Size)),
		Width:      rec.Width,
		Height:     rec.Height,
		Megapixels: rec.Megapixels(),
		CreatedAt:  rec.CreatedAt.UTC(),
		DZIURL:     DZIURL(rec.ID),
		Pyramid:    NewStateView(st),
	}
	if tileFormat != "" {
		v.ThumbnailURL = TileURL(rec.ID, thumb, tileFormat)
	}
	return v
}

// NewSummaryView converts one ListImages entry.
func NewSummaryView(s zoom.ImageSummary) ImageView {
	return NewImageView(&s.Record, s.State, s.Thumbnail, s.TileFormat)
}

// DescriptorView is the JSON form of a pyramid descriptor.
type DescriptorView struct {
	ID         string      `json:"id"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	TileSize   int         `json:"tile_size"`
	Overlap    int         `json:"overlap"`
	Format     string      `json:"format" enum:"jpeg,png"`
	LevelCount int         `json:"level_count"`
	TileCount  int64       `json:"tile_count"`
	Levels     []dzi.Level `json:"levels"`
}

// NewDescriptorView converts d.
func NewDescriptorView(id string, d *dzi.Descriptor) DescriptorView {
	return DescriptorView{
		ID:         id,
		Width:      d.Width,
		Height:     d.Height,
		TileSize:   d.TileSize,
		Overlap:    d.Overlap,
		Format:     d.Format,
		LevelCount: d.LevelCount,
		TileCount:  d.TileCount(),
		Levels:     d.Levels(),
	}
}

// StatusView is the JSON form of one image together with the geometry its
// pyramid has or will have.
type StatusView struct {
	Image      ImageView      `json:"image"`
	Descriptor DescriptorView `json:"descriptor"`
}

// NewStatusView converts st.
func NewStatusView(st *zoom.ImageStatus) StatusView {
	return StatusView{
		Image:      NewImageView(st.Record, st.State, st.Plan.Thumbnail(), st.Plan.Format),
		Descriptor: NewDescriptorView(st.Record.ID, st.Plan),
	}
}

// UploadView is the response of an upload.
type UploadView struct {
	ID     string    `json:"id"`
	DZIURL string    `json:"dzi_url"`
	Cached bool      `json:"cached" doc:"True when identical bytes were already registered"`
	Meta   ImageView `json:"meta"`
}
