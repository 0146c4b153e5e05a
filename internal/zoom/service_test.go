package zoom

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zoomstore/zoomstore/internal/config"
	"github.com/zoomstore/zoomstore/internal/coordinator"
	zerrors "github.com/zoomstore/zoomstore/internal/errors"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.RootDir = filepath.Join(t.TempDir(), "images")
	cfg.Registry.Engine = "memory"
	cfg.Pyramid.TileSize = 64
	cfg.Pyramid.Workers = 2
	cfg.TileCache.SizeMB = 4
	return cfg
}

func openService(t *testing.T) *Service {
	t.Helper()
	svc, err := Open(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := svc.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	t.Cleanup(func() { svc.Close(context.Background()) })
	return svc
}

func pngImage(t *testing.T, w, h int, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x) ^ seed, G: uint8(y), B: seed, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRegisterGenerateServe(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()

	reg, err := svc.RegisterImage(ctx, bytes.NewReader(pngImage(t, 200, 130, 1)), "scan.png", "")
	if err != nil {
		t.Fatalf("RegisterImage: %v", err)
	}
	if reg.Cached || reg.State.Phase == coordinator.NotStarted {
		t.Fatalf("registration = %+v", reg)
	}
	id := reg.Record.ID

	st, err := svc.WaitPyramid(ctx, id)
	if err != nil || st.Phase != coordinator.Completed {
		t.Fatalf("WaitPyramid = %+v, %v", st, err)
	}
	desc, err := svc.GetDescriptor(ctx, id)
	if err != nil {
		t.Fatalf("GetDescriptor: %v", err)
	}
	for _, lvl := range desc.Levels() {
		for row := 0; row < lvl.Rows; row++ {
			for col := 0; col < lvl.Columns; col++ {
				tile, err := svc.GetTile(ctx, id, lvl.Level, col, row)
				if err != nil {
					t.Fatalf("GetTile(%d,%d,%d): %v", lvl.Level, col, row, err)
				}
				if len(tile.Data) == 0 || tile.ContentType != "image/png" {
					t.Fatalf("tile (%d,%d,%d) = %d bytes %q", lvl.Level, col, row, len(tile.Data), tile.ContentType)
				}
			}
		}
	}

	again, err := svc.RegisterImage(ctx, bytes.NewReader(pngImage(t, 200, 130, 1)), "scan-copy.png", "")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !again.Cached || again.Record.ID != id || again.State.Phase != coordinator.Completed {
		t.Errorf("re-registration = %+v", again)
	}

	status, err := svc.Status(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if status.Plan.LevelCount != desc.LevelCount || status.State.Phase != coordinator.Completed {
		t.Errorf("status = %+v", status)
	}
}

func TestConcurrentEnsureRunsOnce(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()
	reg, err := svc.store.Register(ctx, bytes.NewReader(pngImage(t, 120, 90, 2)), "a.png", "")
	if err != nil {
		t.Fatal(err)
	}
	id := reg.Record.ID

	var wg sync.WaitGroup
	states := make([]coordinator.State, 16)
	for i := range states {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := svc.WaitPyramid(ctx, id)
			if err != nil {
				t.Errorf("WaitPyramid: %v", err)
			}
			states[i] = st
		}()
	}
	wg.Wait()
	if n := svc.coord.RunCount(); n != 1 {
		t.Fatalf("RunCount = %d, want 1", n)
	}
	for _, st := range states {
		if st.Phase != coordinator.Completed || st.Token != states[0].Token {
			t.Errorf("state = %+v", st)
		}
	}
}

func TestDeleteImage(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()
	reg, err := svc.RegisterImage(ctx, bytes.NewReader(pngImage(t, 100, 100, 3)), "d.png", "")
	if err != nil {
		t.Fatal(err)
	}
	id := reg.Record.ID
	if _, err := svc.WaitPyramid(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetTile(ctx, id, 0, 0, 0); err != nil {
		t.Fatalf("GetTile before delete: %v", err)
	}

	if err := svc.DeleteImage(ctx, id); err != nil {
		t.Fatalf("DeleteImage: %v", err)
	}
	if _, err := os.Stat(svc.store.Layout().ImageDir(id)); !os.IsNotExist(err) {
		t.Errorf("image directory survived: %v", err)
	}
	if _, err := svc.GetTile(ctx, id, 0, 0, 0); !errors.Is(err, zerrors.ErrNotFound) {
		t.Errorf("GetTile after delete err = %v, want NotFound", err)
	}
	if _, err := svc.GetDescriptor(ctx, id); !errors.Is(err, zerrors.ErrNotFound) {
		t.Errorf("GetDescriptor after delete err = %v, want NotFound", err)
	}
	if err := svc.DeleteImage(ctx, id); !errors.Is(err, zerrors.ErrNotFound) {
		t.Errorf("second DeleteImage err = %v, want NotFound", err)
	}
	if _, err := svc.EnsurePyramid(ctx, id); !errors.Is(err, zerrors.ErrNotFound) {
		t.Errorf("EnsurePyramid after delete err = %v, want NotFound", err)
	}
}

func TestDeleteDuringGeneration(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()
	reg, err := svc.RegisterImage(ctx, bytes.NewReader(pngImage(t, 640, 480, 4)), "big.png", "")
	if err != nil {
		t.Fatal(err)
	}
	id := reg.Record.ID
	if err := svc.DeleteImage(ctx, id); err != nil {
		t.Fatalf("DeleteImage: %v", err)
	}
	entries, err := os.ReadDir(svc.store.Layout().Root)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() == id {
			t.Errorf("image directory survived deletion during generation")
		}
	}
	if _, err := svc.GetTile(ctx, id, 0, 0, 0); !errors.Is(err, zerrors.ErrNotFound) {
		t.Errorf("GetTile err = %v, want NotFound", err)
	}
}

// failingReaderAt fails the test if anything reads from it.
type failingReaderAt struct{ t *testing.T }

func (f failingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	f.t.Errorf("payload read at offset %d", off)
	return 0, io.ErrUnexpectedEOF
}

func TestRegisterRacingDelete(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()

	reg, err := svc.store.Register(ctx, bytes.NewReader(pngImage(t, 90, 70, 9)), "a.png", "")
	if err != nil {
		t.Fatal(err)
	}
	id := reg.Record.ID
	// The delete completes before generation is requested.
	if err := svc.DeleteImage(ctx, id); err != nil {
		t.Fatalf("DeleteImage: %v", err)
	}

	_, err = svc.ensureRegistered(ctx, id)
	if !errors.Is(err, zerrors.ErrNotFound) {
		t.Fatalf("ensureRegistered = %v, want NotFound", err)
	}
	if st := svc.coord.Status(id); st.Phase != coordinator.NotStarted {
		t.Errorf("state after racing delete = %+v, want NotStarted", st)
	}
	if _, err := os.Stat(svc.store.Layout().ImageDir(id)); !os.IsNotExist(err) {
		t.Error("image directory recreated for a deleted image")
	}
}

func TestRegisterThreeGigabytes(t *testing.T) {
	svc := openService(t)
	payload := io.NewSectionReader(failingReaderAt{t}, 0, 3<<30)
	_, err := svc.RegisterImage(context.Background(), payload, "huge.tif", "")
	if !errors.Is(err, zerrors.ErrImageTooLarge) {
		t.Fatalf("err = %v, want ImageTooLarge", err)
	}
	if n := svc.coord.RunCount(); n != 0 {
		t.Errorf("RunCount = %d, want 0", n)
	}
}

func TestListImages(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()
	first, err := svc.RegisterImage(ctx, bytes.NewReader(pngImage(t, 300, 200, 5)), "first.png", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.WaitPyramid(ctx, first.Record.ID); err != nil {
		t.Fatal(err)
	}
	second, err := svc.RegisterImage(ctx, bytes.NewReader(pngImage(t, 50, 40, 6)), "second.png", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.WaitPyramid(ctx, second.Record.ID); err != nil {
		t.Fatal(err)
	}

	list, err := svc.ListImages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}
	if list[0].Record.ID != second.Record.ID || list[1].Record.ID != first.Record.ID {
		t.Errorf("not newest first: %s, %s", list[0].Record.Filename, list[1].Record.Filename)
	}
	for _, sum := range list {
		if sum.State.Phase != coordinator.Completed {
			t.Errorf("%s phase = %v", sum.Record.Filename, sum.State.Phase)
		}
		desc, err := svc.GetDescriptor(ctx, sum.Record.ID)
		if err != nil {
			t.Fatal(err)
		}
		if sum.Thumbnail != desc.Thumbnail() {
			t.Errorf("%s thumbnail = %v, want %v", sum.Record.Filename, sum.Thumbnail, desc.Thumbnail())
		}
		if _, err := svc.GetTile(ctx, sum.Record.ID, sum.Thumbnail.Level, 0, 0); err != nil {
			t.Errorf("thumbnail tile: %v", err)
		}
	}
}

func TestUnknownImage(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()
	id := "0123456789abcdef0123456789abcdef"
	if _, err := svc.EnsurePyramid(ctx, id); !errors.Is(err, zerrors.ErrNotFound) {
		t.Errorf("EnsurePyramid err = %v", err)
	}
	if _, err := svc.WaitPyramid(ctx, id); !errors.Is(err, zerrors.ErrNotFound) {
		t.Errorf("WaitPyramid err = %v", err)
	}
	if _, err := svc.Status(ctx, id); !errors.Is(err, zerrors.ErrNotFound) {
		t.Errorf("Status err = %v", err)
	}
	if err := svc.DeleteImage(ctx, id); !errors.Is(err, zerrors.ErrNotFound) {
		t.Errorf("DeleteImage err = %v", err)
	}
}

func TestResumeAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.Engine = "sqlite"
	cfg.Registry.SQLite.Path = filepath.Join(t.TempDir(), "registry.db")
	ctx := context.Background()

	// First process: register without generating, then stop.
	svc, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	reg, err := svc.store.Register(ctx, bytes.NewReader(pngImage(t, 80, 60, 7)), "r.png", "")
	if err != nil {
		t.Fatal(err)
	}
	id := reg.Record.ID
	if err := svc.Close(ctx); err != nil {
		t.Fatal(err)
	}

	// Second process picks up the pending image.
	svc, err = Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := svc.Resume(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Resume = %d, %v", n, err)
	}
	if st, _ := svc.coord.Wait(ctx, id); st.Phase != coordinator.Completed {
		t.Fatalf("phase = %v", st.Phase)
	}
	if err := svc.Close(ctx); err != nil {
		t.Fatal(err)
	}

	// Third process finds the committed pyramid on disk.
	svc, err = Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close(ctx)
	if _, err := svc.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := svc.Resume(ctx); n != 0 {
		t.Errorf("Resume after completion scheduled %d runs", n)
	}
	if _, err := svc.GetTile(ctx, id, 0, 0, 0); err != nil {
		t.Errorf("GetTile after restart: %v", err)
	}
}
