package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/page"
	"github.com/JakeFAU/product-enricher/internal/product"
)

type fakeLoader struct {
	pages map[string]string
}

func (f fakeLoader) Load(_ context.Context, rawURL string) (page.Page, error) {
	html, ok := f.pages[rawURL]
	if !ok {
		return page.Page{}, failure.Extract("load", errors.New("404"))
	}
	return page.Page{URL: rawURL, FinalURL: rawURL, StatusCode: 200, HTML: html}, nil
}

const listing1 = `<div class="grid">
<article class="card"><a href="/p/washer-1?utm_source=x"><h3>Washer One</h3></a><span class="price">£299</span></article>
<article class="card"><a href="/p/washer-2"><h3>Washer Two</h3></a></article>
<article class="card"><h3>No link</h3></article>
</div>`

const listing2 = `<div class="grid">
<article class="card"><a href="https://shop.example/p/washer-2"><h3>Washer Two</h3></a></article>
<article class="card"><a href="/p/washer-3"><h3>Washer Three</h3></a><span class="price">£499</span></article>
</div>`

func TestPages(t *testing.T) {
	t.Parallel()

	got := Pages("https://shop.example/washers?page={page}", 3)
	require.Len(t, got, 3)
	require.Equal(t, "https://shop.example/washers?page=3", got[2].URL)

	require.Len(t, Pages("https://shop.example/washers", 5), 1)
	require.Equal(t, "https://shop.example/w?p=1", Pages("https://shop.example/w?p={page}", 0)[0].URL)
	require.Nil(t, Pages("  ", 2))
}

func TestScanAndCollect(t *testing.T) {
	t.Parallel()

	loader := fakeLoader{pages: map[string]string{
		"https://shop.example/washers?page=1": listing1,
		"https://shop.example/washers?page=2": listing2,
		"https://shop.example/washers?page=3": `<p>nothing</p>`,
	}}
	d, err := New(loader, Rules{Card: "article.card", Name: "h3", Price: ".price"}, zap.NewNop())
	require.NoError(t, err)

	listings := Pages("https://shop.example/washers?page={page}", 3)
	for i, l := range listings {
		out, err := d.Scan(context.Background(), l)
		if i == 2 {
			require.ErrorIs(t, err, ErrNoCards)
			require.Equal(t, failure.Extraction, failure.KindOf(err))
			continue
		}
		require.NoError(t, err)
		require.Equal(t, product.StatusSucceeded, out.Status)
	}

	got := Collect(listings)
	require.Len(t, got, 3)
	require.Equal(t, "Washer One", got[0].Name)
	require.Equal(t, "https://shop.example/p/washer-1", got[0].URL)
	require.Equal(t, "£299", got[0].Price)
	require.Equal(t, "Washer Two", got[1].Name)
	require.Equal(t, "Washer Three", got[2].Name)
	require.NotNil(t, got[2].Specs)
}

func TestNewRequiresCardSelector(t *testing.T) {
	t.Parallel()

	_, err := New(fakeLoader{}, Rules{}, nil)
	require.Error(t, err)
}

func TestFromFileDedupes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "in.json")
	data := `[
	  {"name": "Fridge", "url": "https://shop.example/f#top"},
	  {"name": "fridge ", "url": "https://shop.example/f"},
	  null,
	  {"name": "Freezer", "url": "https://shop.example/z", "specs": {"Height": "180cm"}}
	]`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	got, err := FromFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	v, _ := got[1].Specs.Get("Height")
	require.Equal(t, "180cm", v)
	require.NotNil(t, got[0].Specs)

	_, err = FromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
