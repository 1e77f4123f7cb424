package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/store"
)

func TestUpsertReplacesByStableKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "products.db"), "")
	require.NoError(t, err)
	defer s.Close()

	p := product.New("Acme WM-800", "https://catalog.example/wm-800")
	p.Specs.Set("capacity", "8kg")
	n, err := s.Upsert(ctx, []*product.Product{p, product.New("Other", "https://catalog.example/o")})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	again := product.New("acme wm-800", "https://catalog.example/wm-800?utm_source=x")
	again.Specs.Set("capacity", "9kg")
	_, err = s.Upsert(ctx, []*product.Product{again})
	require.NoError(t, err)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	got, err := s.Get(ctx, p.Key())
	require.NoError(t, err)
	v, _ := got.Specs.Get("capacity")
	require.Equal(t, "9kg", v)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestOpenValidates(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "", "")
	require.Error(t, err)
	_, err = Open(context.Background(), filepath.Join(t.TempDir(), "x.db"), "bad-name")
	require.Error(t, err)
}
