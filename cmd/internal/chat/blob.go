package chat

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/crypto/blake2b"
)

// DefaultMaxBlobBytes bounds a single upload.
const DefaultMaxBlobBytes = 5 << 20

// Blob errors.
var (
	ErrBlobTooLarge     = errors.New("chat: blob too large")
	ErrUnsupportedMedia = errors.New("chat: unsupported media type")
	ErrBadDataURL       = errors.New("chat: malformed data url")
)

// BlobStore persists binary assets and returns a stable URL for them.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// DiskBlobStore stores images on local disk, content-addressed by BLAKE2b-256.
// Identical uploads map to the same file and URL.
type DiskBlobStore struct {
	dir      string
	urlBase  string
	maxBytes int
}

// NewDiskBlobStore creates dir if needed. urlBase is the public prefix the files
// are served under (for example "/blobs/").
func NewDiskBlobStore(dir, urlBase string, maxBytes int) (*DiskBlobStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("chat: empty blob dir")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("chat: create blob dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBlobBytes
	}
	if !strings.HasSuffix(urlBase, "/") {
		urlBase += "/"
	}
	return &DiskBlobStore{dir: dir, urlBase: urlBase, maxBytes: maxBytes}, nil
}

// Put stores data if it is an image and returns its URL.
func (s *DiskBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", ErrInvalidInput
	}
	if len(data) > s.maxBytes {
		return "", ErrBlobTooLarge
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, mt.String())
	}

	sum := blake2b.Sum256(data)
	name := hex.EncodeToString(sum[:]) + mt.Extension()
	path := filepath.Join(s.dir, name)

	if _, err := os.Stat(path); err == nil {
		return s.urlBase + name, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return s.urlBase + name, nil
}

// Handler serves stored blobs. Mount it under the store's URL prefix.
func (s *DiskBlobStore) Handler() http.Handler {
	fs := http.FileServer(http.Dir(s.dir))
	return http.StripPrefix(strings.TrimSuffix(s.urlBase, "/"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Content-addressed files never change.
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		fs.ServeHTTP(w, r)
	}))
}

// DecodeDataURL extracts the payload of a base64 data URL
// ("data:image/png;base64,...."). A bare base64 string is accepted too.
func DecodeDataURL(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrBadDataURL
	}
	if strings.HasPrefix(s, "data:") {
		meta, payload, ok := strings.Cut(s[len("data:"):], ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return nil, ErrBadDataURL
		}
		s = payload
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadDataURL, err)
	}
	return b, nil
}
