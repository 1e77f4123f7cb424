package price

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/extract"
	"github.com/JakeFAU/product-enricher/internal/linkfinder"
	"github.com/JakeFAU/product-enricher/internal/page"
	"github.com/JakeFAU/product-enricher/internal/product"
)

// PageLoader loads search and retailer pages.
type PageLoader interface {
	Load(ctx context.Context, rawURL string) (page.Page, error)
}

// Config tunes discovery.
type Config struct {
	// SearchURL contains linkfinder.QueryPlaceholder.
	SearchURL    string
	QuerySuffix  string
	MaxLinks     int
	TolerancePct float64
	Bounds       Bounds
}

// Finder is the price discovery phase.
type Finder struct {
	cfg    Config
	loader PageLoader
	logger *zap.Logger
}

// New builds a Finder.
func New(cfg Config, loader PageLoader, logger *zap.Logger) *Finder {
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = 8
	}
	if cfg.TolerancePct <= 0 {
		cfg.TolerancePct = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finder{cfg: cfg, loader: loader, logger: logger.Named("price")}
}

// Discover is the phase task. It searches for the product, reads a price from
// each top result and keeps the quotes that agree with the target price.
func (f *Finder) Discover(ctx context.Context, p *product.Product) (product.Outcome, error) {
	if strings.TrimSpace(f.cfg.SearchURL) == "" {
		return product.Outcome{Status: product.StatusSkipped, Diagnostic: "no search configured"}, nil
	}
	query := strings.TrimSpace(linkfinder.Query(p) + " " + f.cfg.QuerySuffix)
	search := linkfinder.SearchURL(f.cfg.SearchURL, query)
	pg, err := f.loader.Load(ctx, search)
	if err != nil {
		return product.Outcome{}, err
	}
	doc, err := pg.Document()
	if err != nil {
		return product.Outcome{}, err
	}
	links := linkfinder.ResultLinks(doc, search, f.cfg.MaxLinks)
	if len(links) == 0 {
		return product.Outcome{Status: product.StatusSkipped, Diagnostic: "no search results"}, nil
	}

	var quotes []Quote
	for _, link := range links {
		q, err := f.quote(ctx, link)
		if err != nil {
			if ctx.Err() != nil {
				return product.Outcome{}, err
			}
			f.logger.Debug("price page failed", zap.String("url", link), zap.Error(err))
			continue
		}
		if len(q.Amounts) > 0 {
			quotes = append(quotes, q)
		}
	}
	if len(quotes) == 0 {
		return product.Outcome{Status: product.StatusSkipped, Diagnostic: "no prices found"}, nil
	}

	settled := Settle(quotes, f.cfg.TolerancePct)
	p.Prices = make([]product.PriceQuote, 0, len(settled.Accepted))
	for _, a := range settled.Accepted {
		p.Prices = append(p.Prices, product.PriceQuote{URL: a.URL, Price: Format(a.Amount), Amount: a.Amount})
	}
	if settled.HasTarget {
		t := settled.Target
		p.PriceTarget = &t
	}
	f.logger.Debug("prices settled",
		zap.String("product", p.Name),
		zap.Int("pages", len(quotes)),
		zap.Int("accepted", len(settled.Accepted)),
		zap.Int("dropped", settled.Dropped),
	)
	if len(p.Prices) == 0 {
		return product.Outcome{Status: product.StatusSkipped, Diagnostic: "no prices within tolerance"}, nil
	}
	o := product.Outcome{Status: product.StatusSucceeded, Detail: fmt.Sprintf("%d prices", len(p.Prices))}
	if settled.HasTarget {
		o.Detail += ", target " + Format(settled.Target)
	}
	return o, nil
}

func (f *Finder) quote(ctx context.Context, link string) (Quote, error) {
	pg, err := f.loader.Load(ctx, link)
	if err != nil {
		return Quote{}, err
	}
	doc, err := pg.Document()
	if err != nil {
		return Quote{}, err
	}
	body := doc.Find("body")
	body.Find("script, style, noscript").Remove()
	return Quote{URL: pg.FinalURL, Amounts: Scan(extract.Text(body), f.cfg.Bounds)}, nil
}
