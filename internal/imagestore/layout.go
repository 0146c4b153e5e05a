package imagestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zoomstore/zoomstore/internal/dzi"
	"github.com/zoomstore/zoomstore/internal/uid"
)

// File and directory names inside an image directory.
const (
	sourceBase     = "source"
	descriptorName = "image.dzi"
	tilesDirName   = "image_files"
	markerName     = ".complete"
	stagePrefix    = ".run-"
	tmpDirName     = ".tmp"
	trashDirName   = ".trash"
)

// Layout maps identifiers to paths under a root directory:
//
//	<root>/.tmp/                      temp files (cleaned on boot)
//	<root>/.trash/                    directories being deleted
//	<root>/<id>/source.<ext>          original bytes
//	<root>/<id>/image.dzi             descriptor
//	<root>/<id>/image_files/<L>/<c>_<r>.<ext>
//	<root>/<id>/.complete             completion marker
//	<root>/<id>/.run-<token>/         staging for an in-flight run
type Layout struct {
	Root string
}

// NewLayout creates the root, temp and trash directories.
func NewLayout(root string) (*Layout, error) {
	for _, dir := range []string{root, filepath.Join(root, tmpDirName), filepath.Join(root, trashDirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %q: %w", dir, err)
		}
	}
	return &Layout{Root: root}, nil
}

// HealthCheck verifies that the temp directory is accessible.
func (l *Layout) HealthCheck() error {
	_, err := os.Stat(l.TempDir())
	return err
}

func (l *Layout) TempDir() string  { return filepath.Join(l.Root, tmpDirName) }
func (l *Layout) TrashDir() string { return filepath.Join(l.Root, trashDirName) }

// ImageDir returns the directory holding everything for id.
func (l *Layout) ImageDir(id string) string { return filepath.Join(l.Root, id) }

// SourcePath returns the path of the original bytes of id.
func (l *Layout) SourcePath(id, format string) string {
	return filepath.Join(l.Root, id, sourceBase+"."+format)
}

func (l *Layout) DescriptorPath(id string) string {
	return filepath.Join(l.Root, id, descriptorName)
}

func (l *Layout) TilesDir(id string) string {
	return filepath.Join(l.Root, id, tilesDirName)
}

func (l *Layout) MarkerPath(id string) string {
	return filepath.Join(l.Root, id, markerName)
}

// StageDir returns the private tile directory of generation run token. On
// commit it is renamed to TilesDir.
func (l *Layout) StageDir(id, token string) string {
	return filepath.Join(l.Root, id, stagePrefix+token)
}

// TilePath returns the path of tile a under a tiles (or staging) directory.
func TilePath(tilesDir string, a dzi.Address, format string) string {
	return filepath.Join(tilesDir, fmt.Sprint(a.Level), fmt.Sprintf("%d_%d.%s", a.Column, a.Row, format))
}

// tempPath returns a unique temporary file path in the .tmp directory.
func (l *Layout) tempPath() string {
	return filepath.Join(l.Root, tmpDirName, "tmp-"+uid.New())
}

// TrashPath returns a fresh path inside the .trash directory.
func (l *Layout) TrashPath() string {
	return filepath.Join(l.Root, trashDirName, uid.New())
}

// CreateTemp creates a new file in the .tmp directory.
func (l *Layout) CreateTemp() (*os.File, error) {
	f, err := os.OpenFile(l.tempPath(), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	return f, nil
}

// WriteFile writes data to path using the crash-only atomic write pattern:
// write to a temp file, optionally fsync, rename. No reader ever observes a
// partially written file.
func (l *Layout) WriteFile(path string, data []byte, sync bool) error {
	return l.writeFrom(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}, sync)
}

func (l *Layout) writeFrom(path string, fill func(io.Writer) error, sync bool) error {
	tmpFile, err := l.CreateTemp()
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if err := fill(tmpFile); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if sync {
		if err := tmpFile.Sync(); err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("syncing temp file: %w", err)
		}
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return nil
}

// Marker is the content of a completion marker.
type Marker struct {
	Token string
	Time  string
}

// ReadMarker returns the completion marker of id. ok is false when the
// pyramid is not complete.
func (l *Layout) ReadMarker(id string) (m Marker, ok bool) {
	data, err := os.ReadFile(l.MarkerPath(id))
	if err != nil {
		return Marker{}, false
	}
	token, ts, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	return Marker{Token: token, Time: ts}, true
}

// WriteMarker durably records that the pyramid of id is complete.
func (l *Layout) WriteMarker(id string, m Marker) error {
	return l.WriteFile(l.MarkerPath(id), []byte(m.Token+"\n"+m.Time+"\n"), true)
}
