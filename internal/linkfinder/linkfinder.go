// Package linkfinder searches the web for product pages on registered
// provider sites when the authoritative page listed too few of them.
package linkfinder

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/extract"
	"github.com/JakeFAU/product-enricher/internal/page"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/source"
)

// QueryPlaceholder is replaced by the escaped search query.
const QueryPlaceholder = "{query}"

// resultLinks matches anchors on common HTML search result pages.
const resultLinks = `a.result__a, a.result__url, li.b_algo h2 a, a[href]`

// PageLoader loads search result pages.
type PageLoader interface {
	Load(ctx context.Context, rawURL string) (page.Page, error)
}

// Finder adds source links found through a search engine.
type Finder struct {
	loader    PageLoader
	registry  *source.Registry
	searchURL string
	minLinks  int
	logger    *zap.Logger
}

// New builds a Finder. minLinks below 1 is treated as 1.
func New(loader PageLoader, registry *source.Registry, searchURL string, minLinks int, logger *zap.Logger) *Finder {
	if minLinks < 1 {
		minLinks = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finder{
		loader:    loader,
		registry:  registry,
		searchURL: searchURL,
		minLinks:  minLinks,
		logger:    logger.Named("linkfinder"),
	}
}

// Query builds the search phrase for p.
func Query(p *product.Product) string {
	parts := []string{}
	if p.Brand != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(p.Brand)) {
		parts = append(parts, p.Brand)
	}
	parts = append(parts, p.Name)
	if p.Model != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(p.Model)) {
		parts = append(parts, p.Model)
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// SearchURL fills the template with the escaped query.
func SearchURL(template, query string) string {
	return strings.ReplaceAll(template, QueryPlaceholder, url.QueryEscape(query))
}

// Find is the phase task. Products that already have enough links are skipped.
func (f *Finder) Find(ctx context.Context, p *product.Product) (product.Outcome, error) {
	if len(p.SourceLinks) >= f.minLinks {
		return product.Outcome{Status: product.StatusSkipped, Diagnostic: "enough source links"}, nil
	}
	if f.registry.Len() == 0 || strings.TrimSpace(f.searchURL) == "" {
		return product.Outcome{Status: product.StatusSkipped, Diagnostic: "no search configured"}, nil
	}
	target := SearchURL(f.searchURL, Query(p))
	pg, err := f.loader.Load(ctx, target)
	if err != nil {
		return product.Outcome{}, err
	}
	doc, err := pg.Document()
	if err != nil {
		return product.Outcome{}, err
	}

	have := make(map[string]struct{}, len(p.SourceLinks))
	for _, l := range p.SourceLinks {
		have[strings.ToLower(l.Provider)] = struct{}{}
	}
	added := 0
	for _, link := range ResultLinks(doc, target, 0) {
		for _, prov := range f.registry.Match(link) {
			name := strings.ToLower(prov.Name())
			if _, dup := have[name]; dup {
				continue
			}
			if p.AddSourceLink(product.SourceLink{Provider: prov.Name(), URL: product.CanonicalURL(link)}) {
				have[name] = struct{}{}
				added++
			}
			break
		}
	}
	f.logger.Debug("search done", zap.String("product", p.Name), zap.Int("added", added))
	if added == 0 {
		return product.Outcome{Status: product.StatusSkipped, Diagnostic: "no provider links found"}, nil
	}
	return product.Outcome{Status: product.StatusSucceeded}, nil
}

// ResultLinks returns the unwrapped outbound result links of a search page in
// rank order, skipping links back to the search engine itself. limit <= 0
// means no limit.
func ResultLinks(doc *goquery.Document, searchURL string, limit int) []string {
	self := extract.Host(searchURL)
	seen := make(map[string]struct{})
	var out []string
	for _, href := range extract.Links(doc, resultLinks) {
		link := Unwrap(href)
		if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
			continue
		}
		if extract.Host(link) == self {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Unwrap extracts the destination of search-engine redirect links such as
// "/l/?uddg=<escaped url>".
func Unwrap(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	for _, param := range []string{"uddg", "u", "url", "q"} {
		if v := u.Query().Get(param); strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
			return v
		}
	}
	return href
}
