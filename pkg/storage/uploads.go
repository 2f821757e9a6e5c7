package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"marketplace/internal/util"
)

// DefaultMaxUploadBytes bounds a single photo when no limit is configured.
const DefaultMaxUploadBytes int64 = 10 << 20

const sniffLen = 512

const (
	maxNameLen = 128
	// uuid plus the underscore separator
	storedPrefixLen = 37
)

// ErrRejected is returned for any upload that was not stored: bad input or a failed write.
var ErrRejected = errors.New("upload rejected")

var errTooLarge = errors.New("file too large")

// DefaultExtensions is the image allow-list.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".gif"}

var imageMIMEs = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
}

// UploaderConfig configures an Uploader.
type UploaderConfig struct {
	Blobs      Blobs
	MaxBytes   int64
	Extensions []string
}

// Uploader validates photo uploads and writes accepted ones to its Blobs backend.
// It never touches the database and never honors a caller-supplied directory.
type Uploader struct {
	blobs      Blobs
	maxBytes   int64
	extensions map[string]struct{}
}

// NewUploader builds an uploader.
func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	if cfg.Blobs == nil {
		return nil, errors.New("uploader requires a blob backend")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxUploadBytes
	}
	return &Uploader{
		blobs:      cfg.Blobs,
		maxBytes:   cfg.MaxBytes,
		extensions: normalizeExtensions(cfg.Extensions),
	}, nil
}

// Accept validates the upload and stores it, returning the stored name.
// Every failure wraps ErrRejected.
func (u *Uploader) Accept(ctx context.Context, file io.Reader, declaredName string) (string, error) {
	if file == nil {
		return "", fmt.Errorf("%w: no file supplied", ErrRejected)
	}
	clean := SanitizeFilename(declaredName)
	if clean == "" {
		return "", fmt.Errorf("%w: empty filename", ErrRejected)
	}
	ext := strings.ToLower(path.Ext(clean))
	if _, ok := u.extensions[ext]; !ok || ext == clean {
		return "", fmt.Errorf("%w: extension %q not allowed", ErrRejected, ext)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: read file: %v", ErrRejected, err)
	}
	head = head[:n]
	if n == 0 {
		return "", fmt.Errorf("%w: file is empty", ErrRejected)
	}
	mime := mimetype.Detect(head)
	if _, ok := imageMIMEs[mime.String()]; !ok {
		return "", fmt.Errorf("%w: content type %s is not an allowed image", ErrRejected, mime.String())
	}

	stored := uuid.NewString() + "_" + truncateName(clean, maxNameLen-storedPrefixLen)
	body := &limitedReader{r: io.MultiReader(bytes.NewReader(head), file), remaining: u.maxBytes}
	if err := u.blobs.Put(ctx, stored, body, mime.String()); err != nil {
		if errors.Is(err, errTooLarge) {
			return "", fmt.Errorf("%w: file exceeds %d bytes", ErrRejected, u.maxBytes)
		}
		return "", fmt.Errorf("%w: write file: %v", ErrRejected, err)
	}
	return stored, nil
}

// Remove deletes stored files best-effort; failures are logged and skipped.
func (u *Uploader) Remove(ctx context.Context, names ...string) {
	for _, name := range names {
		if name == "" {
			continue
		}
		if err := u.blobs.Delete(ctx, name); err != nil {
			util.LoggerFromContext(ctx).Warn("upload remove failed", "file", name, "err", err)
		}
	}
}

// Open returns a stored file for reading.
func (u *Uploader) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return u.blobs.Open(ctx, name)
}

// SanitizeFilename reduces a client filename to a safe base name of ASCII
// letters, digits, dot, dash and underscore. It returns "" if nothing survives.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), `\`, "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.TrimLeft(b.String(), "._")
	out = strings.TrimRight(out, "_")
	return truncateName(out, maxNameLen)
}

// truncateName shortens name to limit bytes, keeping a short extension.
func truncateName(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := path.Ext(name)
	if len(ext) > 16 {
		ext = ""
	}
	return name[:limit-len(ext)] + ext
}

func normalizeExtensions(exts []string) map[string]struct{} {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	out := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out[ext] = struct{}{}
	}
	return out
}

type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, errTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, errTooLarge
	}
	return n, err
}
