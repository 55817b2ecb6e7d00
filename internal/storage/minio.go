package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/logger"
	"github.com/mediafetch/backend/internal/media"
)

// MinioConfig holds the configuration for the MinIO store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Region skips the bucket location lookup when presigning
	Region string
	Bucket string
	Expiry time.Duration
}

// MinioStore delivers artifacts through an S3-compatible MinIO bucket and
// presigned GET URLs.
type MinioStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
	log    *logger.Logger
}

// NewMinio creates a MinIO store. No request is made until first use.
func NewMinio(cfg MinioConfig) (*MinioStore, error) {
	// minio-go expects host:port
	endpoint := strings.TrimPrefix(cfg.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		expiry: expiry,
		log:    logger.Default().WithComponent("storage"),
	}, nil
}

func (s *MinioStore) Name() string {
	return "minio"
}

// Deliver uploads the artifact and returns a presigned link to it
func (s *MinioStore) Deliver(ctx context.Context, a media.Artifact) (media.Delivery, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return media.Delivery{}, apperrors.InternalError("artifact is missing").WithCause(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return media.Delivery{}, apperrors.InternalError("failed to stat artifact").WithCause(err)
	}

	key := objectKey(a)
	_, err = s.client.PutObject(ctx, s.bucket, key, f, info.Size(), minio.PutObjectOptions{
		ContentType:        contentType(a),
		ContentDisposition: contentDisposition(a.FileName),
		UserMetadata: map[string]string{
			"job-id":  a.JobID,
			"user-id": a.UserID,
		},
	})
	if err != nil {
		return media.Delivery{}, apperrors.DeliveryError("failed to upload artifact").WithCause(err)
	}

	link, err := s.presign(ctx, key, a.FileName)
	if err != nil {
		return media.Delivery{}, err
	}

	s.log.Debug(ctx, "artifact uploaded", map[string]interface{}{
		"bucket": s.bucket,
		"key":    key,
		"size":   info.Size(),
	})
	return media.Delivery{URL: link, Key: key, ExpiresAt: expiresAt(s.expiry)}, nil
}

func (s *MinioStore) presign(ctx context.Context, key, fileName string) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", contentDisposition(fileName))

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, params)
	if err != nil {
		return "", apperrors.DeliveryError("failed to presign artifact URL").WithCause(err)
	}
	return u.String(), nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return apperrors.StorageError("failed to check bucket").WithCause(err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return apperrors.StorageError(fmt.Sprintf("failed to create bucket %s", s.bucket)).WithCause(err)
	}
	s.log.Info(ctx, "bucket created", map[string]interface{}{"bucket": s.bucket})
	return nil
}

// Delete removes a delivered artifact
func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return apperrors.StorageError("failed to delete artifact").WithCause(err)
	}
	return nil
}

// Ping checks if the storage is accessible by verifying bucket exists.
func (s *MinioStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
