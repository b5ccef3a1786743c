package publish

import (
	"context"
	"io"
	"time"
)

type FsObjectMeta struct {
	Name         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

type BlobContent struct {
	ContentType     string
	ContentLength   int64
	ContentEncoding string
	Content         io.ReadCloser
}

func (s BlobContent) Close() error {
	if s.Content != nil {
		return s.Content.Close()
	}
	return nil
}

func (s BlobContent) Read(p []byte) (int, error) {
	return s.Content.Read(p)
}

// FSProvider is a flat object store addressed by slash-separated paths.
// Get returns a NOT_FOUND error for missing objects.
type FSProvider interface {
	Put(ctx context.Context, path string, content BlobContent) error
	Get(ctx context.Context, path string) (BlobContent, error)
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, path string, recursive bool) ([]FsObjectMeta, error)
	Remove(ctx context.Context, path string, recursive bool) error
}
