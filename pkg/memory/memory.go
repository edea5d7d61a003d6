// Package memory provides the key-value and list stores behind the
// deployment directory and the host queues of the transport.
package memory

import (
	"context"
	"time"

	"github.com/scottdavis/nnflow/pkg/errors"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New(errors.ResourceNotFound, "key not found")

// StoreOption defines options for Store operations
type StoreOption func(*StoreOptions)

// StoreOptions contains configuration for Store operations
type StoreOptions struct {
	TTL time.Duration
}

// WithTTL creates an option to set a TTL for a stored value
func WithTTL(ttl time.Duration) StoreOption {
	return func(options *StoreOptions) {
		options.TTL = ttl
	}
}

func applyOptions(opts []StoreOption) *StoreOptions {
	options := &StoreOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// Memory is a key-value store of opaque byte values.
type Memory interface {
	// Store saves a value with the specified key.
	Store(ctx context.Context, key string, value []byte, opts ...StoreOption) error

	// Retrieve gets a value by its key. Missing keys yield ErrNotFound.
	Retrieve(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Clear removes all values from the store.
	Clear(ctx context.Context) error

	// CleanExpired removes all expired entries from the store.
	CleanExpired(ctx context.Context) (int64, error)

	// Close releases resources used by the store.
	Close() error
}

// ListMemory extends Memory with FIFO list operations.
type ListMemory interface {
	Memory

	// PushList appends a value to the tail of a list.
	PushList(ctx context.Context, key string, value []byte, opts ...StoreOption) error

	// PopList removes the head of a list, waiting up to timeout for one to
	// arrive. It returns nil without error when the list stayed empty.
	PopList(ctx context.Context, key string, timeout time.Duration) ([]byte, error)

	// ListLength returns the length of a list.
	ListLength(ctx context.Context, key string) (int, error)
}

func notFound(key string) error {
	return errors.WithFields(ErrNotFound, errors.Fields{
		"key":         key,
		"access_time": time.Now().UTC(),
	})
}
