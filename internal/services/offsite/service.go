// Package offsite copies backup artifacts to S3-compatible object storage.
package offsite

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/fgeck/gopgbackup/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for offsite uploads.
type Service interface {
	Upload(ctx context.Context, cfg models.OffsiteConfig, host string, files []string) (*models.OffsiteResult, error)
}

// Uploader wraps s3manager.Uploader for mocking.
type Uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// UploaderFactory builds an Uploader for a configuration.
type UploaderFactory func(cfg models.OffsiteConfig) (Uploader, error)

// NewS3Uploader creates an s3manager uploader from cfg. Without static keys
// the default AWS credential chain is used.
func NewS3Uploader(cfg models.OffsiteConfig) (Uploader, error) {
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return s3manager.NewUploader(sess), nil
}

// Impl implements the offsite Service interface.
type Impl struct {
	newUploader UploaderFactory
	logger      zerolog.Logger
}

// New creates a new offsite service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		newUploader: NewS3Uploader,
		logger:      logger,
	}
}

// NewWithUploaderFactory creates a new offsite service with a custom factory (for testing).
func NewWithUploaderFactory(logger zerolog.Logger, factory UploaderFactory) *Impl {
	return &Impl{
		newUploader: factory,
		logger:      logger,
	}
}

// ObjectKey returns <prefix>/<host>/<file name>.
func ObjectKey(prefix, host, file string) string {
	return path.Join(prefix, host, filepath.Base(file))
}

// Upload copies every file to the bucket. A failed file is recorded in the
// result and does not stop the others; only setup errors are returned.
func (s *Impl) Upload(ctx context.Context, cfg models.OffsiteConfig, host string, files []string) (*models.OffsiteResult, error) {
	result := &models.OffsiteResult{}

	uploader, err := s.newUploader(cfg)
	if err != nil {
		return nil, err
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err)
			break
		}

		key := ObjectKey(cfg.Prefix, host, file)
		if err := s.uploadFile(ctx, uploader, cfg.Bucket, key, file); err != nil {
			s.logger.Error().Err(err).Str("file", file).Str("key", key).Msg("upload failed")
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", file, err))
			continue
		}

		s.logger.Info().
			Str("bucket", cfg.Bucket).
			Str("key", key).
			Msg("artifact uploaded")
		result.Uploaded = append(result.Uploaded, key)
	}

	return result, nil
}

func (s *Impl) uploadFile(ctx context.Context, uploader Uploader, bucket, key, file string) error {
	f, err := os.Open(file) //nolint:gosec // artifact paths are produced by this run
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	_, err = uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
		Metadata: map[string]*string{
			"created-by": aws.String("gopgbackup"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to s3://%s/%s: %w", bucket, key, err)
	}

	return nil
}
