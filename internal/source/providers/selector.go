// Package providers implements the source providers that scrape third-party
// product pages with configured CSS selectors.
package providers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/product-enricher/internal/config"
	"github.com/JakeFAU/product-enricher/internal/extract"
	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/page"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/source"
)

// DefaultRedirectors are affiliate hosts whose links only redirect to the shop.
var DefaultRedirectors = []string{
	"awin1.com",
	"trx-hub.com",
	"click.linksynergy.com",
	"prf.hn",
}

// ErrNoFields is returned when a page loaded but no selector matched.
var ErrNoFields = errors.New("no spec or feature rows found")

// Loader is the subset of page.Loader providers need.
type Loader interface {
	Load(ctx context.Context, rawURL string) (page.Page, error)
	Resolve(ctx context.Context, rawURL string) (string, error)
}

// Definition describes one selector-driven provider.
type Definition struct {
	Name     string
	Patterns []string
	Specs    extract.Selectors
	Features extract.Selectors
	Price    string
}

// Selector scrapes spec tables with CSS selectors.
type Selector struct {
	name        string
	patterns    []*regexp.Regexp
	specs       extract.Selectors
	features    extract.Selectors
	price       string
	loader      Loader
	redirectors []string
}

var _ source.Provider = (*Selector)(nil)

// NewSelector compiles def. Patterns are case-insensitive regular
// expressions matched against the full URL.
func NewSelector(def Definition, loader Loader, redirectors []string) (*Selector, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, errors.New("provider name is required")
	}
	if len(def.Patterns) == 0 {
		return nil, fmt.Errorf("provider %s: at least one url pattern is required", def.Name)
	}
	if def.Specs.Empty() {
		return nil, fmt.Errorf("provider %s: specs row selector is required", def.Name)
	}
	s := &Selector{
		name:        def.Name,
		specs:       def.Specs,
		features:    def.Features,
		price:       def.Price,
		loader:      loader,
		redirectors: redirectors,
	}
	for _, pat := range def.Patterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return nil, fmt.Errorf("provider %s: pattern %q: %w", def.Name, pat, err)
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

// Name implements source.Provider.
func (s *Selector) Name() string { return s.name }

// Matches implements source.Provider.
func (s *Selector) Matches(rawURL string) bool {
	for _, re := range s.patterns {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

// Scrape loads rawURL, following affiliate redirectors first, and reads the
// configured tables.
func (s *Selector) Scrape(ctx context.Context, rawURL string) (source.Scraped, error) {
	target, err := s.target(ctx, rawURL)
	if err != nil {
		return source.Scraped{}, err
	}
	pg, err := s.loader.Load(ctx, target)
	if err != nil {
		return source.Scraped{}, fmt.Errorf("%s load: %w", s.name, err)
	}
	doc, err := pg.Document()
	if err != nil {
		return source.Scraped{}, err
	}
	res := source.Scraped{
		Specs:    extract.Table(doc, s.specs),
		Price:    extract.First(doc, s.price),
		FinalURL: pg.FinalURL,
	}
	if s.features.Empty() {
		res.Features = extract.SplitBooleans(res.Specs)
	} else {
		res.Features = extract.Table(doc, s.features)
	}
	if res.FieldCount() == 0 {
		note := ErrNoFields
		if pg.NeedsRender {
			note = fmt.Errorf("%w: page is rendered client-side", ErrNoFields)
		}
		return res, failure.Extract(s.name+" scrape", note)
	}
	return res, nil
}

func (s *Selector) target(ctx context.Context, rawURL string) (string, error) {
	if !IsRedirector(rawURL, s.redirectors) {
		return product.CanonicalURL(rawURL), nil
	}
	final, err := s.loader.Resolve(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("%s resolve redirect: %w", s.name, err)
	}
	if !s.Matches(final) {
		return "", failure.Extract(s.name+" resolve redirect",
			fmt.Errorf("redirect landed on %s, outside provider", final))
	}
	return product.CanonicalURL(final), nil
}

// IsRedirector reports whether rawURL's host is, or is a subdomain of, one
// of hosts.
func IsRedirector(rawURL string, hosts []string) bool {
	host := extract.Host(rawURL)
	if host == "" {
		return false
	}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" && (host == h || strings.HasSuffix(host, "."+h)) {
			return true
		}
	}
	return false
}

// Build registers every enabled provider from cfg into reg.
func Build(reg *source.Registry, cfg config.SourcesConfig, loader Loader) error {
	redirectors := cfg.Redirectors
	if len(redirectors) == 0 {
		redirectors = DefaultRedirectors
	}
	for _, pc := range cfg.Providers {
		if !pc.IsEnabled() {
			continue
		}
		p, err := NewSelector(Definition{
			Name:     pc.Name,
			Patterns: pc.Patterns,
			Specs:    extract.Selectors(pc.Specs),
			Features: extract.Selectors(pc.Features),
			Price:    pc.Price,
		}, loader, redirectors)
		if err != nil {
			return err
		}
		if err := reg.Register(p); err != nil {
			return fmt.Errorf("register provider: %w", err)
		}
	}
	return nil
}
