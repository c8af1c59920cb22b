package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/timelapseplus/extension/internal/config"
)

// DefaultBucket receives archives when no bucket is configured.
const DefaultBucket = "timelapses"

// Uploader copies finished archives to an S3-compatible bucket.
type Uploader struct {
	client *minio.Client
	bucket string
}

// NewUploader creates a MinIO client for cfg.
func NewUploader(cfg config.UploadConfig) (*Uploader, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("archive upload endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &Uploader{client: client, bucket: bucket}, nil
}

// Bucket returns the destination bucket.
func (u *Uploader) Bucket() string {
	return u.bucket
}

// Upload puts the archive at localPath into the bucket, creating the bucket
// on first use, and returns the object name.
func (u *Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return "", fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("create bucket %s: %w", u.bucket, err)
		}
	}
	objectName := filepath.Base(localPath)
	_, err = u.client.FPutObject(ctx, u.bucket, objectName, localPath, minio.PutObjectOptions{ContentType: "application/zip"})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}
	return objectName, nil
}
