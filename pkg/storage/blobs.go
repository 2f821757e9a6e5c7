package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrBlobNotFound is returned by Open when no blob has the given name.
var ErrBlobNotFound = errors.New("blob not found")

// Blobs is a flat namespace of uploaded files addressed by name.
// Names are plain base names; backends must refuse anything that looks like a path.
type Blobs interface {
	// Put writes r under name. On error nothing is left behind under name.
	Put(ctx context.Context, name string, r io.Reader, contentType string) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Delete removes name. A missing blob is not an error.
	Delete(ctx context.Context, name string) error
}

// ValidBlobName reports whether name is a plain base name usable as a blob key.
func ValidBlobName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}
	return path.Base(name) == name
}
