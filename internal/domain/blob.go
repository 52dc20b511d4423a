package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads objects. PutMultipart streams large bodies in parts of
// at least partSize bytes.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader lists and downloads objects. List returns keys in lexical
// order.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver moves rows older than before from the database to object
// storage and reports how many it moved.
type Archiver interface {
	ArchiveOrders(ctx context.Context, before time.Time) (int64, error)
	ArchiveFills(ctx context.Context, before time.Time) (int64, error)
}
