package storage

import (
	"context"
	"io"
)

// ObjectStorage is the remote blob store shared by every worker node.
// Keys are bucket-relative; the bucket is fixed at construction.
type ObjectStorage interface {
	// Exists reports whether an object is present.
	Exists(ctx context.Context, objectKey string) (bool, error)

	// Upload stores size bytes from reader under objectKey. A negative size streams.
	Upload(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error

	// Open returns a reader for an object. Caller must close it.
	Open(ctx context.Context, objectKey string) (io.ReadCloser, error)
}
