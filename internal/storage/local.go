package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/logger"
	"github.com/mediafetch/backend/internal/media"
)

// LocalRoute is where the API serves LocalStore artifacts
const LocalRoute = "/files/"

// LocalStore copies artifacts into a directory served by the API itself.
// It is meant for development; links do not expire.
type LocalStore struct {
	dir     string
	baseURL string
	expiry  time.Duration
	log     *logger.Logger
}

func NewLocal(dir, baseURL string, expiry time.Duration) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.StorageError("failed to create artifact directory").WithCause(err)
	}
	return &LocalStore{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		expiry:  expiry,
		log:     logger.Default().WithComponent("storage"),
	}, nil
}

func (s *LocalStore) Name() string {
	return "local"
}

func (s *LocalStore) Deliver(ctx context.Context, a media.Artifact) (media.Delivery, error) {
	src, err := os.Open(a.Path)
	if err != nil {
		return media.Delivery{}, apperrors.InternalError("artifact is missing").WithCause(err)
	}
	defer src.Close()

	key := objectKey(a)
	dst := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return media.Delivery{}, apperrors.DeliveryError("failed to prepare artifact directory").WithCause(err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return media.Delivery{}, apperrors.DeliveryError("failed to create artifact").WithCause(err)
	}
	if _, err := io.Copy(out, contextReader{ctx: ctx, r: src}); err != nil {
		out.Close()
		os.Remove(dst)
		return media.Delivery{}, apperrors.DeliveryError("failed to copy artifact").WithCause(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return media.Delivery{}, apperrors.DeliveryError("failed to write artifact").WithCause(err)
	}

	s.log.Debug(ctx, "artifact stored", map[string]interface{}{"key": key})
	return media.Delivery{
		URL:       s.baseURL + "/" + escapeKey(key),
		Key:       key,
		ExpiresAt: expiresAt(s.expiry),
	}, nil
}

// Ping checks that the artifact directory is writable
func (s *LocalStore) Ping(ctx context.Context) error {
	f, err := os.CreateTemp(s.dir, ".ping-*")
	if err != nil {
		return fmt.Errorf("artifact directory not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Handler serves stored artifacts under LocalRoute
func (s *LocalStore) Handler() http.Handler {
	return http.StripPrefix(LocalRoute, http.FileServer(http.Dir(s.dir)))
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
