package product

import (
	"context"
	"io"
	"time"
)

// Sessions hands out isolated browsing contexts backed by one shared resource.
type Sessions interface {
	// Acquire returns an isolated context and the function that releases it.
	Acquire(ctx context.Context) (context.Context, context.CancelFunc, error)
	// Healthy returns a non-nil error once the shared resource is unusable.
	Healthy() error
}

// Store persists the final product sequence keyed by Product.Key.
type Store interface {
	Upsert(ctx context.Context, items []*Product) (int, error)
	Close()
}

// BlobStore writes run artifacts and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher emits notifications about finished runs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
