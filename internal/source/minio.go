package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds object storage connection settings.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// MinIO fetches s3://bucket/key and minio://bucket/key locators.
type MinIO struct {
	client *minio.Client
}

// NewMinIO creates an object storage fetcher.
func NewMinIO(cfg MinIOConfig) (*MinIO, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIO{client: client}, nil
}

// Fetch implements Fetcher.
func (m *MinIO) Fetch(ctx context.Context, locator string) (io.ReadCloser, int64, error) {
	bucket, key, err := ParseObjectLocator(locator)
	if err != nil {
		return nil, 0, err
	}

	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	// GetObject is lazy; Stat surfaces missing keys and access errors.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, fmt.Errorf("stat object %s/%s: %w", bucket, key, err)
	}
	return obj, info.Size, nil
}

// ParseObjectLocator splits s3://bucket/key/path into bucket and key.
func ParseObjectLocator(locator string) (bucket, key string, err error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", "", fmt.Errorf("parse %q: %w", locator, err)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("locator %q must be scheme://bucket/key", locator)
	}
	return bucket, key, nil
}
