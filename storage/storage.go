// Package storage abstracts the object store that holds photo bytes and
// finished archives. The core treats it as opaque: upload, download, and
// time-limited URLs.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound indicates the referenced object does not exist.
var ErrNotFound = errors.New("storage: object not found")

type Storage interface {
	// Upload streams r into the store under key and returns an opaque
	// reference to the stored object along with the number of bytes written.
	Upload(ctx context.Context, key string, r io.Reader) (ref string, size int64, err error)

	// Download opens the object for reading. The caller must close the
	// returned reader.
	Download(ctx context.Context, ref string) (io.ReadCloser, error)

	// SignedURL returns a time-limited URL for the object.
	SignedURL(ref string, ttl time.Duration) (string, error)
}

// countingReader counts bytes as an upload consumes them.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
