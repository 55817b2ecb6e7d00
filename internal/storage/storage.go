package storage

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/mediafetch/backend/internal/config"
	"github.com/mediafetch/backend/internal/media"
)

// Store uploads finished artifacts and hands back a link the user can fetch
// them from.
type Store interface {
	Deliver(ctx context.Context, a media.Artifact) (media.Delivery, error)
	// Ping checks that the backing store is reachable
	Ping(ctx context.Context) error
	Name() string
}

// New builds the Store selected by STORAGE_DRIVER
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StorageDriver {
	case "minio":
		s, err := NewMinio(MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Region:    cfg.S3Region,
			Bucket:    cfg.Bucket,
			Expiry:    cfg.PresignExpiry,
		})
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case "s3":
		return NewS3(S3Config{
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
			Bucket:       cfg.Bucket,
			Expiry:       cfg.PresignExpiry,
		}), nil
	case "local":
		return NewLocal(cfg.LocalDir, cfg.PublicBaseURL+LocalRoute, cfg.PresignExpiry)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// objectKey groups artifacts per user and job: <user>/<job>/<file name>
func objectKey(a media.Artifact) string {
	return path.Join(safeSegment(a.UserID), safeSegment(a.JobID), safeSegment(a.FileName))
}

func safeSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_").Replace(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// contentDisposition makes browsers save the artifact under its display name
func contentDisposition(fileName string) string {
	if cd := mime.FormatMediaType("attachment", map[string]string{"filename": fileName}); cd != "" {
		return cd
	}
	return "attachment"
}

func contentType(a media.Artifact) string {
	if a.ContentType != "" {
		return a.ContentType
	}
	return "application/octet-stream"
}

func expiresAt(expiry time.Duration) time.Time {
	return time.Now().Add(expiry)
}
