// Package blob stores opaque objects such as exported run archives.
package blob

import (
	"context"
	"errors"
	"io"
)

var ErrNotFound = errors.New("blob not found")

// Store is a flat key/value object store. Keys use forward slashes.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	// Get returns ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}
