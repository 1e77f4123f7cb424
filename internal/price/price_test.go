package price

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/page"
	"github.com/JakeFAU/product-enricher/internal/product"
)

func TestScan(t *testing.T) {
	t.Parallel()

	text := "Was £1,299.99 now £999. Finance GBP 45.50 or 300 GBP. Delivery £0.50, bundle £20000, again £999"
	require.Equal(t, []float64{1299.99, 999, 45.5, 300}, Scan(text, Bounds{Min: 1, Max: 10000}))
	require.Empty(t, Scan("no prices here", Bounds{}))
}

func TestTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		prices []float64
		want   float64
	}{
		{"outliers dropped before clustering", []float64{299, 305, 301, 150, 640}, 301},
		{"two prices use the median", []float64{100, 200}, 150},
		{"largest cluster wins", []float64{100, 102, 150, 160, 170}, 101},
		{"cluster ties go to the cheapest", []float64{100, 102, 200, 202}, 101},
	}
	for _, tc := range cases {
		got, ok := Target(tc.prices)
		require.True(t, ok, tc.name)
		assert.InDelta(t, tc.want, got, 1e-9, tc.name)
	}

	_, ok := Target([]float64{100})
	require.False(t, ok)
}

func TestInRange(t *testing.T) {
	t.Parallel()

	require.True(t, InRange(240, 300, 20))
	require.True(t, InRange(360, 300, 20))
	require.False(t, InRange(239.9, 300, 20))
}

func TestSettleRechecksOutliers(t *testing.T) {
	t.Parallel()

	s := Settle([]Quote{
		{URL: "a", Amounts: []float64{299}},
		{URL: "b", Amounts: []float64{640, 305}},
		{URL: "c", Amounts: []float64{301}},
		{URL: "d", Amounts: []float64{12}},
		{URL: "e"},
	}, 20)
	require.True(t, s.HasTarget)
	require.InDelta(t, 300, s.Target, 1e-9)
	require.Equal(t, []Accepted{{"a", 299}, {"b", 305}, {"c", 301}}, s.Accepted)
	require.Equal(t, 1, s.Dropped)

	single := Settle([]Quote{{URL: "a", Amounts: []float64{640, 305}}}, 20)
	require.False(t, single.HasTarget)
	require.Equal(t, []Accepted{{"a", 640}}, single.Accepted)
}

func TestFormat(t *testing.T) {
	t.Parallel()

	require.Equal(t, "£299", Format(299))
	require.Equal(t, "£301.50", Format(301.5))
}

type shopLoader struct {
	mu     sync.Mutex
	search string
	pages  map[string]string
	loads  []string
}

func (s *shopLoader) Load(_ context.Context, rawURL string) (page.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads = append(s.loads, rawURL)
	if strings.HasPrefix(rawURL, "https://search.example/") {
		return page.Page{URL: rawURL, FinalURL: rawURL, HTML: s.search}, nil
	}
	html, ok := s.pages[rawURL]
	if !ok {
		return page.Page{}, failure.Transient("load page", fmt.Errorf("%s: timeout", rawURL))
	}
	return page.Page{URL: rawURL, FinalURL: rawURL, HTML: html}, nil
}

const searchResults = `<div>
<a class="result__a" href="https://shop-a.example/wm-800">A</a>
<a class="result__a" href="https://shop-b.example/wm-800">B</a>
<a class="result__a" href="https://shop-c.example/wm-800">C</a>
<a class="result__a" href="https://shop-d.example/wm-800">D</a>
<a class="result__a" href="https://shop-e.example/wm-800">E</a>
</div>`

func TestDiscoverKeepsPricesNearTarget(t *testing.T) {
	t.Parallel()

	loader := &shopLoader{
		search: searchResults,
		pages: map[string]string{
			"https://shop-a.example/wm-800": `<body><p>Now £299</p><script>var promo = "£5";</script></body>`,
			"https://shop-b.example/wm-800": `<body><p>Bundle £640</p><p>Machine only £305</p></body>`,
			"https://shop-c.example/wm-800": `<body>£301.50</body>`,
			"https://shop-e.example/wm-800": `<body>Call us</body>`,
		},
	}
	f := New(Config{
		SearchURL:   "https://search.example/html/?q={query}",
		QuerySuffix: "buy online UK",
		MaxLinks:    8,
		Bounds:      Bounds{Min: 1, Max: 10000},
	}, loader, nil)
	p := product.New("Acme WM-800", "https://catalog.example/wm-800")

	out, err := f.Discover(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, product.StatusSucceeded, out.Status)
	require.Equal(t, "3 prices, target £300.25", out.Detail)
	require.Equal(t, "https://search.example/html/?q=Acme+WM-800+buy+online+UK", loader.loads[0])
	require.Len(t, loader.loads, 6)

	require.NotNil(t, p.PriceTarget)
	require.InDelta(t, 300.25, *p.PriceTarget, 1e-9)
	require.Equal(t, []product.PriceQuote{
		{URL: "https://shop-a.example/wm-800", Price: "£299", Amount: 299},
		{URL: "https://shop-b.example/wm-800", Price: "£305", Amount: 305},
		{URL: "https://shop-c.example/wm-800", Price: "£301.50", Amount: 301.5},
	}, p.Prices)
}

func TestDiscoverSkips(t *testing.T) {
	t.Parallel()

	p := product.New("Acme WM-800", "https://catalog.example/wm-800")

	out, err := New(Config{}, &shopLoader{}, nil).Discover(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, "no search configured", out.Diagnostic)

	cfg := Config{SearchURL: "https://search.example/?q={query}"}
	out, err = New(cfg, &shopLoader{search: `<p>nothing</p>`}, nil).Discover(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, "no search results", out.Diagnostic)

	out, err = New(cfg, &shopLoader{search: searchResults}, nil).Discover(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, product.StatusSkipped, out.Status)
	require.Equal(t, "no prices found", out.Diagnostic)
	require.Empty(t, p.Prices)
}
