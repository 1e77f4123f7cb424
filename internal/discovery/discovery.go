// Package discovery finds the products to enrich, either by walking paginated
// listing pages or by reading a product file.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/extract"
	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/page"
	"github.com/JakeFAU/product-enricher/internal/product"
)

// PagePlaceholder is replaced by the 1-based page number in listing URLs.
const PagePlaceholder = "{page}"

// ErrNoCards is returned when a listing page holds no product cards.
var ErrNoCards = errors.New("no product cards found")

// Rules locate product cards on a listing page. Name defaults to the link
// text and Link to the first anchor in the card.
type Rules struct {
	Card  string
	Name  string
	Link  string
	Price string
}

// PageLoader loads one listing page.
type PageLoader interface {
	Load(ctx context.Context, rawURL string) (page.Page, error)
}

// Listing is one listing page and the products found on it.
type Listing struct {
	URL      string
	Products []*product.Product
}

// Pages expands listingURL into pages 1..maxPages. A URL without the
// placeholder yields a single page.
func Pages(listingURL string, maxPages int) []*Listing {
	listingURL = strings.TrimSpace(listingURL)
	if listingURL == "" {
		return nil
	}
	if !strings.Contains(listingURL, PagePlaceholder) || maxPages <= 1 {
		return []*Listing{{URL: strings.ReplaceAll(listingURL, PagePlaceholder, "1")}}
	}
	out := make([]*Listing, 0, maxPages)
	for i := 1; i <= maxPages; i++ {
		out = append(out, &Listing{URL: strings.ReplaceAll(listingURL, PagePlaceholder, strconv.Itoa(i))})
	}
	return out
}

// Discoverer scans listing pages.
type Discoverer struct {
	loader PageLoader
	rules  Rules
	logger *zap.Logger
}

// New builds a Discoverer.
func New(loader PageLoader, rules Rules, logger *zap.Logger) (*Discoverer, error) {
	if strings.TrimSpace(rules.Card) == "" {
		return nil, errors.New("discovery: card selector is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{loader: loader, rules: rules, logger: logger.Named("discovery")}, nil
}

// Scan loads one listing page and stores the products it lists.
func (d *Discoverer) Scan(ctx context.Context, l *Listing) (product.Outcome, error) {
	p, err := d.loader.Load(ctx, l.URL)
	if err != nil {
		return product.Outcome{}, err
	}
	doc, err := p.Document()
	if err != nil {
		return product.Outcome{}, err
	}
	l.Products = Parse(doc, d.rules)
	if len(l.Products) == 0 {
		return product.Outcome{}, failure.Extract("scan listing", fmt.Errorf("%s: %w", l.URL, ErrNoCards))
	}
	d.logger.Debug("listing scanned", zap.String("url", l.URL), zap.Int("products", len(l.Products)))
	return product.Outcome{Status: product.StatusSucceeded, Source: p.FinalURL}, nil
}

// Parse reads product cards in document order. Cards without a name or a
// resolvable link are skipped.
func Parse(doc *goquery.Document, rules Rules) []*product.Product {
	var out []*product.Product
	doc.Find(rules.Card).Each(func(_ int, card *goquery.Selection) {
		anchor := card
		if rules.Link != "" {
			anchor = card.Find(rules.Link).First()
		} else if goquery.NodeName(card) != "a" {
			anchor = card.Find("a[href]").First()
		}
		href, ok := anchor.Attr("href")
		if !ok {
			return
		}
		link := extract.Resolve(doc, href)
		if link == "" {
			return
		}
		name := ""
		if rules.Name != "" {
			name = extract.Text(card.Find(rules.Name).First())
		}
		if name == "" {
			name = extract.Text(anchor)
		}
		if name == "" {
			return
		}
		p := product.New(name, link)
		if rules.Price != "" {
			p.Price = extract.Text(card.Find(rules.Price).First())
		}
		out = append(out, p)
	})
	return out
}

// Collect flattens listings in page order and drops duplicates, keeping the
// first occurrence.
func Collect(listings []*Listing) []*product.Product {
	var all []*product.Product
	for _, l := range listings {
		all = append(all, l.Products...)
	}
	return product.Dedupe(all)
}

// FromFile reads products from a JSON file and drops duplicates.
func FromFile(path string) ([]*product.Product, error) {
	items, err := product.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return product.Dedupe(items), nil
}
