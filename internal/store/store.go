package store

import (
	"context"
	"errors"

	"github.com/JakeFAU/product-enricher/internal/product"
)

// ErrNotFound signals that no product is stored under the requested key.
var ErrNotFound = errors.New("product not found")

// Repository persists enriched products keyed by product.Product.Key.
type Repository interface {
	product.Store
	// Get loads a single product or returns ErrNotFound.
	Get(ctx context.Context, key string) (*product.Product, error)
}

// Noop discards every write. It backs the "none" driver.
type Noop struct{}

// Upsert reports every item as written.
func (Noop) Upsert(_ context.Context, items []*product.Product) (int, error) { return len(items), nil }

// Get always misses.
func (Noop) Get(context.Context, string) (*product.Product, error) { return nil, ErrNotFound }

// Close does nothing.
func (Noop) Close() {}
