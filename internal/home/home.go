// Package home resolves where source documents live and where each
// document's ingestion artifacts are written.
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// CollectionFileName is the SQLite database holding the vector collection.
	CollectionFileName = "collection.sqlite3"

	// CheckpointFileName stores the last committed position.
	CheckpointFileName = "embeddings_checkpoint.json"

	// IndexJSONFileName is the machine-readable chapter index.
	IndexJSONFileName = "topics_index.json"

	// IndexTextFileName is the human-readable chapter index.
	IndexTextFileName = "topics_index.txt"
)

// Dir maps document filenames to source and output paths.
type Dir struct {
	dataDir   string
	outputDir string
}

// New creates a Dir reading sources from dataDir and writing under outputDir.
func New(dataDir, outputDir string) *Dir {
	return &Dir{dataDir: dataDir, outputDir: outputDir}
}

// DataPath returns the source directory.
func (d *Dir) DataPath() string {
	return d.dataDir
}

// SourcePath returns the path of a source document.
func (d *Dir) SourcePath(filename string) string {
	return filepath.Join(d.dataDir, SanitizeFilename(filename))
}

// OutputPath returns the per-document output folder.
func (d *Dir) OutputPath(filename string) string {
	return filepath.Join(d.outputDir, StripExtension(SanitizeFilename(filename)))
}

// EnsureOutput creates the per-document output folder.
func (d *Dir) EnsureOutput(filename string) (string, error) {
	path := d.OutputPath(filename)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	return path, nil
}

// RemoveOutput deletes every artifact of a document.
func (d *Dir) RemoveOutput(filename string) error {
	return os.RemoveAll(d.OutputPath(filename))
}

// OutputExists reports whether the document has an output folder.
func (d *Dir) OutputExists(filename string) bool {
	info, err := os.Stat(d.OutputPath(filename))
	return err == nil && info.IsDir()
}

// CollectionPath returns the vector collection database path.
func (d *Dir) CollectionPath(filename string) string {
	return filepath.Join(d.OutputPath(filename), CollectionFileName)
}

// CheckpointPath returns the checkpoint file path.
func (d *Dir) CheckpointPath(filename string) string {
	return filepath.Join(d.OutputPath(filename), CheckpointFileName)
}

// IndexJSONPath returns the JSON index path.
func (d *Dir) IndexJSONPath(filename string) string {
	return filepath.Join(d.OutputPath(filename), IndexJSONFileName)
}

// IndexTextPath returns the text index path.
func (d *Dir) IndexTextPath(filename string) string {
	return filepath.Join(d.OutputPath(filename), IndexTextFileName)
}

// StripExtension drops the last dot-separated segment: "a.b.pdf" -> "a.b".
func StripExtension(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// SanitizeFilename keeps only the base name of a user-supplied filename.
// Names that still point at a directory become "unnamed".
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return "unnamed"
	}
	return name
}

// WriteFileAtomic writes data to a temp file in the destination directory
// and renames it over path, so readers never see a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
