package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fieldops/shiftproof/internal/config"
	"github.com/fieldops/shiftproof/internal/model"
)

// S3Backend stores the snapshot as a single object in an S3-compatible
// bucket. An alternative to the gist endpoint for teams that already run
// object storage; the object key is the same well-known filename.
type S3Backend struct {
	client *minio.Client
	bucket string
	region string
}

// NewS3Backend creates a minio client from the Config.
func NewS3Backend(cfg *config.Config) (*S3Backend, error) {
	if cfg.S3Endpoint == "" || cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
		return nil, ErrMissingCredentials
	}
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3Backend{client: client, bucket: cfg.S3Bucket, region: cfg.S3Region}, nil
}

// S3Factory wraps NewS3Backend as a BackendFactory. The stored gist
// credentials are ignored: the object store is configured via environment.
func S3Factory(cfg *config.Config) BackendFactory {
	return func(model.SyncCredentials) (Backend, error) {
		return NewS3Backend(cfg)
	}
}

// Name implements Backend.
func (s *S3Backend) Name() string { return "s3" }

// EnsureBucket makes sure the backup bucket exists before first use.
func (s *S3Backend) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Upload overwrites the snapshot object.
func (s *S3Backend) Upload(ctx context.Context, content []byte) error {
	reader := bytes.NewReader(content)
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	if _, err := s.client.PutObject(ctx, s.bucket, SnapshotFilename, reader, int64(len(content)), opts); err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return nil
}

// Download fetches the snapshot object.
func (s *S3Backend) Download(ctx context.Context) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, SnapshotFilename, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s not present in bucket", ErrMalformedRemote, SnapshotFilename)
		}
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	return buf, nil
}
