package objectstore

import (
	"context"
	"io"
	"time"

	"github.com/siteforge/steward/pkg/config"
)

// UploadOptions carries per-object settings. Size must match the body
// exactly, the store signs the payload length.
type UploadOptions struct {
	Size         int64
	ContentType  string
	StorageClass string
	Metadata     map[string]string
}

// ObjectInfo describes one stored archive.
type ObjectInfo struct {
	Key          string
	SizeBytes    int64
	LastModified time.Time
}

// Store is the archive surface the backup engine talks to. Keys are
// flat strings, naming conventions live with the caller.
type Store interface {
	Upload(ctx context.Context, key string, body io.Reader, opts UploadOptions) error

	// Download streams the object into dst and returns the byte count.
	// A missing key reports types.ErrNotFound.
	Download(ctx context.Context, key string, dst io.Writer) (int64, error)

	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error

	// EnsureBucket creates the bucket when it does not exist yet.
	EnsureBucket(ctx context.Context) error

	// ApplyRetentionPolicy installs the per-prefix expiry rules. Runs at
	// startup so bucket lifecycle always reflects the current retention
	// table.
	ApplyRetentionPolicy(ctx context.Context) error
}

// New returns the S3 store when a bucket is configured and the
// in-memory store otherwise.
func New(ctx context.Context, cfg config.BackupConfig) (Store, error) {
	if cfg.Bucket == "" {
		return NewMemStore(), nil
	}
	return NewS3Store(ctx, cfg)
}
