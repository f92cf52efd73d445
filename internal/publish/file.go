package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yangwenmai/dailydigest/internal/model"
)

// File writes the document under a local directory at doc.Path.
type File struct {
	name string
	dir  string
}

// NewFile creates a file channel rooted at dir.
func NewFile(name, dir string) *File {
	return &File{name: name, dir: dir}
}

func (f *File) Name() string { return f.name }

// Publish replaces the file atomically so readers never see a partial document.
func (f *File) Publish(ctx context.Context, doc model.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc.Path == "" {
		return fmt.Errorf("document for %s has no path", doc.Date)
	}
	target := filepath.Join(f.dir, filepath.FromSlash(doc.Path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".digest-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(doc.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("rename into %s: %w", target, err)
	}
	return nil
}
