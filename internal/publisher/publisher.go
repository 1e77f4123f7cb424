// Package publisher announces finished runs.
package publisher

import (
	"context"
	"io"

	"github.com/JakeFAU/product-enricher/internal/config"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/publisher/pubsub"
)

// Noop drops every notification.
type Noop struct{}

// Publish returns an empty ID.
func (Noop) Publish(context.Context, string, any) (string, error) { return "", nil }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns the Pub/Sub publisher when a topic is configured, otherwise Noop.
func New(ctx context.Context, cfg config.PublisherConfig) (product.Publisher, io.Closer, error) {
	if cfg.Topic == "" {
		return Noop{}, nopCloser{}, nil
	}
	p, err := pubsub.Dial(ctx, cfg.ProjectID, map[string]string{"source": "product-enricher"})
	if err != nil {
		return nil, nil, err
	}
	return p, p, nil
}
