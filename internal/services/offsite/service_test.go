package offsite

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/fgeck/gopgbackup/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockUploader struct {
	uploadFunc func(ctx aws.Context, input *s3manager.UploadInput) (*s3manager.UploadOutput, error)
}

func (m *mockUploader) UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if m.uploadFunc != nil {
		return m.uploadFunc(ctx, input)
	}
	return &s3manager.UploadOutput{}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.OffsiteConfig {
	return models.OffsiteConfig{
		Bucket: "backups",
		Prefix: "postgres",
		Region: "eu-central-1",
	}
}

func writeArtifacts(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for _, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte("content of "+n), 0o600))
		paths = append(paths, p)
	}
	return paths
}

func TestUpload_Success(t *testing.T) {
	files := writeArtifacts(t, "db-app-20240309.sql.gz", "roles-db1-20240309.sql")

	bodies := map[string]string{}
	uploader := &mockUploader{
		uploadFunc: func(ctx aws.Context, input *s3manager.UploadInput) (*s3manager.UploadOutput, error) {
			assert.Equal(t, "backups", aws.StringValue(input.Bucket))
			data, err := io.ReadAll(input.Body)
			require.NoError(t, err)
			bodies[aws.StringValue(input.Key)] = string(data)
			return &s3manager.UploadOutput{}, nil
		},
	}

	var factoryCfg models.OffsiteConfig
	svc := NewWithUploaderFactory(testLogger(), func(cfg models.OffsiteConfig) (Uploader, error) {
		factoryCfg = cfg
		return uploader, nil
	})

	result, err := svc.Upload(context.Background(), testConfig(), "db1", files)

	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{
		"postgres/db1/db-app-20240309.sql.gz",
		"postgres/db1/roles-db1-20240309.sql",
	}, result.Uploaded)
	assert.Equal(t, "content of db-app-20240309.sql.gz", bodies["postgres/db1/db-app-20240309.sql.gz"])
	assert.Equal(t, testConfig(), factoryCfg)
}

func TestUpload_PartialFailure(t *testing.T) {
	files := writeArtifacts(t, "db-a-20240309.sql.gz", "db-b-20240309.sql.gz")

	uploader := &mockUploader{
		uploadFunc: func(ctx aws.Context, input *s3manager.UploadInput) (*s3manager.UploadOutput, error) {
			if filepath.Base(aws.StringValue(input.Key)) == "db-a-20240309.sql.gz" {
				return nil, errors.New("AccessDenied")
			}
			return &s3manager.UploadOutput{}, nil
		},
	}

	svc := NewWithUploaderFactory(testLogger(), func(models.OffsiteConfig) (Uploader, error) {
		return uploader, nil
	})

	result, err := svc.Upload(context.Background(), testConfig(), "db1", files)

	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error(), "AccessDenied")
	assert.Equal(t, []string{"postgres/db1/db-b-20240309.sql.gz"}, result.Uploaded)
}

func TestUpload_MissingFile(t *testing.T) {
	svc := NewWithUploaderFactory(testLogger(), func(models.OffsiteConfig) (Uploader, error) {
		return &mockUploader{}, nil
	})

	result, err := svc.Upload(context.Background(), testConfig(), "db1", []string{"/nonexistent/db-a.sql.gz"})

	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Error(), "failed to open artifact")
}

func TestUpload_FactoryError(t *testing.T) {
	svc := NewWithUploaderFactory(testLogger(), func(models.OffsiteConfig) (Uploader, error) {
		return nil, errors.New("failed to create AWS session")
	})

	result, err := svc.Upload(context.Background(), testConfig(), "db1", nil)

	require.Error(t, err)
	assert.Nil(t, result)
}

func TestUpload_Cancelled(t *testing.T) {
	files := writeArtifacts(t, "db-a-20240309.sql.gz")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	svc := NewWithUploaderFactory(testLogger(), func(models.OffsiteConfig) (Uploader, error) {
		return &mockUploader{uploadFunc: func(aws.Context, *s3manager.UploadInput) (*s3manager.UploadOutput, error) {
			called = true
			return nil, nil
		}}, nil
	})

	result, err := svc.Upload(ctx, testConfig(), "db1", files)

	require.NoError(t, err)
	assert.False(t, called)
	require.Len(t, result.Errors, 1)
	assert.ErrorIs(t, result.Errors[0], context.Canceled)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "db1/db-a.sql.gz", ObjectKey("", "db1", "/b/db1/db-a.sql.gz"))
	assert.Equal(t, "p/q/db1/db-a.sql.gz", ObjectKey("p/q/", "db1", "/b/db1/db-a.sql.gz"))
}

func TestNewS3Uploader(t *testing.T) {
	cfg := testConfig()
	cfg.Endpoint = "http://localhost:9000"
	cfg.AccessKey = "minio"
	cfg.SecretKey = "minio123"
	cfg.PathStyle = true

	uploader, err := NewS3Uploader(cfg)

	require.NoError(t, err)
	assert.NotNil(t, uploader)
}
