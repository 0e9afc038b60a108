package objstore

import (
	"context"
	"fmt"
	"io"

	minio "github.com/minio/minio-go"
)

// Buckets per document source. This subsystem only ever reads from them.
const (
	BucketIndex          = "index"
	BucketActes          = "actes"
	BucketPlanCadastraux = "plans-cadastraux"
)

// BucketFor maps a document source to its bucket.
func BucketFor(source string) (string, error) {
	switch source {
	case "index":
		return BucketIndex, nil
	case "acte":
		return BucketActes, nil
	case "plan_cadastraux":
		return BucketPlanCadastraux, nil
	default:
		return "", fmt.Errorf("no bucket for document source %q", source)
	}
}

// Config points at the S3-compatible object store holding the source PDFs.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Downloader fetches PDFs referenced by a job's storage_path.
type Downloader interface {
	Download(ctx context.Context, source, storagePath string) ([]byte, error)
}

// Client is the minio-backed Downloader.
type Client struct {
	mc *minio.Client
}

// New connects to the object store.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object storage endpoint is required")
	}
	mc, err := minio.New(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.UseSSL)
	if err != nil {
		return nil, fmt.Errorf("object storage connect: %w", err)
	}
	return &Client{mc: mc}, nil
}

// Download reads one PDF. The bucket is derived from the document source.
func (c *Client) Download(ctx context.Context, source, storagePath string) ([]byte, error) {
	bucket, err := BucketFor(source)
	if err != nil {
		return nil, err
	}

	obj, err := c.mc.GetObjectWithContext(ctx, bucket, storagePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, storagePath, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, storagePath, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty object at %s/%s", bucket, storagePath)
	}
	return data, nil
}
