package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrObjectNotFound is returned when a storage key has no stored object.
var ErrObjectNotFound = errors.New("object not found")

// ErrInvalidKey is returned for keys that escape the storage root.
var ErrInvalidKey = errors.New("invalid storage key")

// Storage persists generated media. Jobs store only opaque keys; download
// URLs are minted on demand and expire.
type Storage interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	DownloadURL(key string) (string, error)
}

// ImageKey builds the storage key for one image of a job.
func ImageKey(jobID uuid.UUID, index int, mime string) string {
	ext := "bin"
	switch mime {
	case "image/png":
		ext = "png"
	case "image/jpeg":
		ext = "jpg"
	case "image/webp":
		ext = "webp"
	}
	return fmt.Sprintf("jobs/%s/%d.%s", jobID, index, ext)
}

// Local stores objects on the local filesystem and serves them through the
// API's signed /files endpoint.
type Local struct {
	root      string
	publicURL string
	signer    *Signer
	urlTTL    time.Duration
}

func NewLocal(root, publicURL string, signer *Signer, urlTTL time.Duration) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if urlTTL <= 0 {
		urlTTL = 15 * time.Minute
	}
	return &Local{
		root:      root,
		publicURL: strings.TrimRight(publicURL, "/"),
		signer:    signer,
		urlTTL:    urlTTL,
	}, nil
}

// resolve maps a key to a path under the root, rejecting traversal.
func (l *Local) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

func (l *Local) Upload(_ context.Context, key string, data []byte, _ string) error {
	p, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	// Write to a temp file first so readers never see partial objects.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("finalize object: %w", err)
	}
	return nil
}

func (l *Local) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

func (l *Local) DownloadURL(key string) (string, error) {
	if _, err := l.resolve(key); err != nil {
		return "", err
	}
	expiresAt := time.Now().Add(l.urlTTL)
	sig := l.signer.Sign(key, expiresAt)

	q := url.Values{}
	q.Set("exp", fmt.Sprintf("%d", expiresAt.Unix()))
	q.Set("sig", sig)
	return fmt.Sprintf("%s/files/%s?%s", l.publicURL, key, q.Encode()), nil
}

var _ Storage = (*Local)(nil)
