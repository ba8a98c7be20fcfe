package objectstore

import (
	"context"
	"io"
	"time"
)

// Client defines the S3-compatible operations the backend needs
type Client interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	ListObjects(ctx context.Context, bucket, prefix string) (<-chan ObjectInfo, <-chan error)
	PresignedPutObject(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// PutOptions contains options for put operations
type PutOptions struct {
	ContentType string
	PartSize    uint64
	Encrypted   bool
	// Progress receives the bytes uploaded as they are read
	Progress io.Reader
}

// Config contains client configuration
type Config struct {
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Secure   bool   `yaml:"secure"`
	PartSize uint64 `yaml:"part_size"`
}
