package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// S3 stores archives as objects in an S3-compatible bucket.
type S3 struct {
	cli    *minio.Client
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewS3 creates an S3 storage. Objects are keyed below cfg.Dir.
func NewS3(logger zerolog.Logger, cfg *models.RemoteConfig) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name must be specified")
	}
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Username, cfg.Password, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create s3 client: %w", err)
	}
	return &S3{cli: cli, bucket: cfg.Bucket, prefix: cfg.Dir, logger: logger}, nil
}

func (s *S3) key(remotePath string) string {
	return strings.TrimPrefix(join(s.prefix, remotePath), "/")
}

// Upload puts a local file as one object.
func (s *S3) Upload(ctx context.Context, localPath, remotePath string) error {
	key := s.key(remotePath)
	s.logger.Debug().Str("local", localPath).Str("bucket", s.bucket).Str("key", key).Msg("uploading")
	info, err := s.cli.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	s.logger.Debug().Str("key", key).Int64("size", info.Size).Msg("uploaded")
	return nil
}

// Download writes an object to localPath.
func (s *S3) Download(ctx context.Context, remotePath, localPath string) error {
	key := s.key(remotePath)
	s.logger.Debug().Str("bucket", s.bucket).Str("key", key).Str("local", localPath).Msg("downloading")
	if err := s.cli.FGetObject(ctx, s.bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		return translateS3Error(key, err)
	}
	return nil
}

// Exists reports whether an object exists.
func (s *S3) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := s.cli.StatObject(ctx, s.bucket, s.key(remotePath), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if errors.Is(translateS3Error("", err), ErrNotFound) {
		return false, nil
	}
	return false, err
}

// MkdirAll is a no-op: object stores have no directories.
func (s *S3) MkdirAll(_ context.Context, _ string) error {
	return nil
}

// Remove deletes an object and every object below it as a prefix.
func (s *S3) Remove(ctx context.Context, remotePath string) error {
	key := s.key(remotePath)
	if err := s.cli.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if !errors.Is(translateS3Error(key, err), ErrNotFound) {
			return err
		}
	}

	for obj := range s.cli.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: key + "/", Recursive: true}) {
		if obj.Err != nil {
			return obj.Err
		}
		if err := s.cli.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("removing %s: %w", obj.Key, err)
		}
	}
	return nil
}

// Close is a no-op for S3.
func (s *S3) Close() error {
	return nil
}

func translateS3Error(key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return err
}
