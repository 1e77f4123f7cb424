// Package storage builds the configured persistence backends.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	gcsclient "cloud.google.com/go/storage"

	"github.com/JakeFAU/product-enricher/internal/config"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/storage/gcs"
	"github.com/JakeFAU/product-enricher/internal/storage/local"
	"github.com/JakeFAU/product-enricher/internal/storage/memory"
	"github.com/JakeFAU/product-enricher/internal/storage/postgres"
	"github.com/JakeFAU/product-enricher/internal/storage/sqlite"
	"github.com/JakeFAU/product-enricher/internal/store"
)

// NewRepository opens the product repository selected by cfg.Driver.
func NewRepository(ctx context.Context, cfg config.StoreConfig) (store.Repository, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.NewProductStore(), nil
	case "none":
		return store.Noop{}, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.DSN, cfg.Table)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, Table: cfg.Table, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store.driver %q is not supported", cfg.Driver)
	}
}

// Output is where the final product JSON is written.
type Output struct {
	Blobs product.BlobStore
	// Object is the path passed to Blobs.PutObject.
	Object string
	close  func() error
}

// Close releases the blob client, if any.
func (o Output) Close() error {
	if o.close == nil {
		return nil
	}
	return o.close()
}

// NewOutput resolves path into a blob store: gs://bucket/object uploads to
// GCS, memory://object stays in process, anything else is a local file.
func NewOutput(ctx context.Context, path string) (Output, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return Output{}, fmt.Errorf("output path is required")
	case strings.HasPrefix(path, "gs://"):
		bucket, object, err := gcs.ParseURI(path)
		if err != nil {
			return Output{}, err
		}
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return Output{}, fmt.Errorf("create gcs client: %w", err)
		}
		bs, err := gcs.New(client, gcs.Config{Bucket: bucket})
		if err != nil {
			_ = client.Close()
			return Output{}, err
		}
		return Output{Blobs: bs, Object: object, close: client.Close}, nil
	case strings.HasPrefix(path, "memory://"):
		return Output{Blobs: memory.NewBlobStore(), Object: strings.TrimPrefix(path, "memory://")}, nil
	default:
		bs, err := local.New(local.Config{BaseDir: filepath.Dir(path)})
		if err != nil {
			return Output{}, fmt.Errorf("open output dir: %w", err)
		}
		return Output{Blobs: bs, Object: filepath.Base(path)}, nil
	}
}
