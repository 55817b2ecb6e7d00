package storage

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	apperrors "github.com/mediafetch/backend/internal/errors"
	"github.com/mediafetch/backend/internal/logger"
	"github.com/mediafetch/backend/internal/media"
)

// S3Config holds the configuration for the AWS S3 store. An empty Endpoint
// means AWS itself.
type S3Config struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Bucket       string
	Expiry       time.Duration
}

// S3Store delivers artifacts through AWS S3 (or any S3-compatible endpoint)
// using aws-sdk-go-v2.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	region    string
	expiry    time.Duration
	log       *logger.Logger
}

func NewS3(cfg S3Config) *S3Store {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.AccessKey != "" {
		opts.Credentials = awscreds.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	client := s3.New(opts)
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		region:    cfg.Region,
		expiry:    expiry,
		log:       logger.Default().WithComponent("storage"),
	}
}

func (s *S3Store) Name() string {
	return "s3"
}

// Deliver uploads the artifact and returns a presigned link to it
func (s *S3Store) Deliver(ctx context.Context, a media.Artifact) (media.Delivery, error) {
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
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(s.bucket),
		Key:                aws.String(key),
		Body:               f,
		ContentLength:      aws.Int64(info.Size()),
		ContentType:        aws.String(contentType(a)),
		ContentDisposition: aws.String(contentDisposition(a.FileName)),
		Metadata: map[string]string{
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

// presign signs locally; no request is made
func (s *S3Store) presign(ctx context.Context, key, fileName string) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket:                     aws.String(s.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(contentDisposition(fileName)),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", apperrors.DeliveryError("failed to presign artifact URL").WithCause(err)
	}
	return req.URL, nil
}

// EnsureBucket creates the bucket if HeadBucket cannot see it
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	if err := s.Ping(ctx); err == nil {
		return nil
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	// us-east-1 rejects an explicit location constraint
	if s.region != "" && s.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, in); err != nil {
		return apperrors.StorageError("failed to create bucket " + s.bucket).WithCause(err)
	}
	return nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}
