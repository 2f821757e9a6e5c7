package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps blobs as files directly under one root directory.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if missing.
func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{root: abs}, nil
}

// Root returns the absolute upload directory.
func (f *FileStore) Root() string {
	return f.root
}

// Put streams r into a temp file next to the target and renames it into place.
func (f *FileStore) Put(ctx context.Context, name string, r io.Reader, _ string) error {
	target, err := f.resolve(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.root, ".incoming-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	tmpPath = ""
	return nil
}

// Open returns a reader for an existing blob.
func (f *FileStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	target, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}

// Delete removes a blob; missing files are ignored.
func (f *FileStore) Delete(_ context.Context, name string) error {
	target, err := f.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (f *FileStore) resolve(name string) (string, error) {
	if !ValidBlobName(name) {
		return "", fmt.Errorf("invalid blob name %q", name)
	}
	target := filepath.Join(f.root, name)
	rel, err := filepath.Rel(f.root, target)
	if err != nil || rel != name {
		return "", fmt.Errorf("blob name %q escapes storage root", name)
	}
	return target, nil
}
