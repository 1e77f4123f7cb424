// Package review reads ratings and review summaries from retailer pages
// already linked to a product.
package review

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/config"
	"github.com/JakeFAU/product-enricher/internal/extract"
	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/page"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/scoring"
)

// ErrNoRating is returned when a matched page carried no parsable rating.
var ErrNoRating = errors.New("no rating found")

// Selectors locate review data on a page. Pros, Cons and Texts match one
// element per item.
type Selectors struct {
	Rating  string
	Count   string
	Summary string
	Pros    string
	Cons    string
	Texts   string
}

// Source is one review site.
type Source struct {
	Name     string
	patterns []*regexp.Regexp
	sel      Selectors
}

// NewSource compiles the case-insensitive URL patterns of a review site.
func NewSource(name string, patterns []string, sel Selectors) (Source, error) {
	if strings.TrimSpace(name) == "" {
		return Source{}, errors.New("review source must have a name")
	}
	if strings.TrimSpace(sel.Rating) == "" {
		return Source{}, fmt.Errorf("review source %s: rating selector is required", name)
	}
	s := Source{Name: name, sel: sel}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return Source{}, fmt.Errorf("review source %s: pattern %q: %w", name, p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	if len(s.patterns) == 0 {
		return Source{}, fmt.Errorf("review source %s: patterns must not be empty", name)
	}
	return s, nil
}

// Matches reports whether rawURL belongs to the source.
func (s Source) Matches(rawURL string) bool {
	for _, re := range s.patterns {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}

// Parse reads review data from doc. The result has a nil Rating when none
// was found.
func (s Source) Parse(doc *goquery.Document) product.Reviews {
	r := product.Reviews{Source: s.Name}
	ratingSel := doc.Find(s.sel.Rating).First()
	text := extract.Text(ratingSel)
	// Star widgets often keep the value in an attribute.
	for _, attr := range []string{"content", "data-rating", "aria-label", "title"} {
		if text != "" {
			break
		}
		text, _ = ratingSel.Attr(attr)
	}
	if v, ok := scoring.ParseRating(text); ok {
		r.Rating = &v
	}
	if s.sel.Count != "" {
		countSel := doc.Find(s.sel.Count).First()
		text := extract.Text(countSel)
		if text == "" {
			text, _ = countSel.Attr("content")
		}
		if n, ok := scoring.ParseCount(text); ok {
			r.Count = &n
		}
	}
	if s.sel.Summary != "" {
		r.Summary = extract.First(doc, s.sel.Summary)
	}
	r.Pros = items(doc, s.sel.Pros)
	r.Cons = items(doc, s.sel.Cons)
	r.Texts = items(doc, s.sel.Texts)
	return r
}

func items(doc *goquery.Document, selector string) []string {
	if strings.TrimSpace(selector) == "" {
		return nil
	}
	var out []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if t := extract.Text(s); t != "" {
			out = append(out, t)
		}
	})
	return out
}

// Sources builds the enabled review sources from configuration, in order.
func Sources(cfgs []config.ReviewSourceConfig) ([]Source, error) {
	var out []Source
	for _, c := range cfgs {
		if !c.IsEnabled() {
			continue
		}
		s, err := NewSource(c.Name, c.Patterns, Selectors{
			Rating:  c.Rating,
			Count:   c.Count,
			Summary: c.Summary,
			Pros:    c.Pros,
			Cons:    c.Cons,
			Texts:   c.Texts,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// PageLoader loads retailer pages.
type PageLoader interface {
	Load(ctx context.Context, rawURL string) (page.Page, error)
}

// Enricher is the review phase.
type Enricher struct {
	sources  []Source
	loader   PageLoader
	analyzer *Analyzer
	logger   *zap.Logger
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithSentiment runs a sentiment analysis over the collected review texts.
func WithSentiment(a *Analyzer) Option {
	return func(e *Enricher) { e.analyzer = a }
}

// NewEnricher tries sources in the given priority order.
func NewEnricher(sources []Source, loader PageLoader, logger *zap.Logger, opts ...Option) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Enricher{sources: sources, loader: loader, logger: logger.Named("review")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich is the phase task. The first source whose page yields a rating
// wins and sets the rating and count. Later linked sources are then read
// only to fill a summary, pros, cons or review texts the winner lacked. An
// existing rating is kept. A failed sentiment analysis is recorded as a
// diagnostic and does not fail the phase.
func (e *Enricher) Enrich(ctx context.Context, p *product.Product) (product.Outcome, error) {
	if p.Reviews != nil && p.Reviews.Rating != nil {
		out := product.Outcome{Status: product.StatusSkipped, Diagnostic: "reviews already present"}
		e.analyze(ctx, p, &out)
		return out, nil
	}
	var lastErr error
	tried := 0
	for i, src := range e.sources {
		link, ok := e.linkFor(src, p)
		if !ok {
			continue
		}
		tried++
		r, err := e.read(ctx, src, link)
		if err != nil {
			if ctx.Err() != nil {
				return product.Outcome{}, err
			}
			lastErr = err
			e.logger.Debug("review source failed", zap.String("source", src.Name), zap.Error(err))
			continue
		}
		p.Reviews = &r
		if err := e.fill(ctx, p, e.sources[i+1:]); err != nil {
			return product.Outcome{}, err
		}
		out := product.Outcome{Status: product.StatusSucceeded, Source: src.Name}
		e.analyze(ctx, p, &out)
		return out, nil
	}
	if tried == 0 {
		return product.Outcome{Status: product.StatusSkipped, Diagnostic: "no review source linked"}, nil
	}
	return product.Outcome{}, lastErr
}

func (e *Enricher) linkFor(src Source, p *product.Product) (string, bool) {
	for _, l := range p.SourceLinks {
		if src.Matches(l.URL) {
			return l.URL, true
		}
	}
	if src.Matches(p.URL) {
		return p.URL, true
	}
	return "", false
}

// fill completes the text fields of p.Reviews from later sources. Only a
// cancelled ctx is returned; other failures are logged.
func (e *Enricher) fill(ctx context.Context, p *product.Product, rest []Source) error {
	for _, src := range rest {
		if complete(p.Reviews) {
			return nil
		}
		link, ok := e.linkFor(src, p)
		if !ok {
			continue
		}
		r, err := e.load(ctx, src, link)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			e.logger.Debug("review source failed", zap.String("source", src.Name), zap.Error(err))
			continue
		}
		if p.Reviews.Summary == "" {
			p.Reviews.Summary = r.Summary
		}
		if len(p.Reviews.Pros) == 0 {
			p.Reviews.Pros = r.Pros
		}
		if len(p.Reviews.Cons) == 0 {
			p.Reviews.Cons = r.Cons
		}
		if len(p.Reviews.Texts) == 0 {
			p.Reviews.Texts = r.Texts
		}
	}
	return nil
}

func complete(r *product.Reviews) bool {
	return r.Summary != "" && len(r.Pros) > 0 && len(r.Cons) > 0 && len(r.Texts) > 0
}

func (e *Enricher) analyze(ctx context.Context, p *product.Product, out *product.Outcome) {
	if e.analyzer == nil || p.Reviews.Sentiment != nil || len(p.Reviews.Texts) == 0 {
		return
	}
	s, err := e.analyzer.Analyze(ctx, p.Name, p.Reviews.Texts)
	if err != nil {
		e.logger.Warn("sentiment analysis failed", zap.String("product", p.Name), zap.Error(err))
		p.AddDiagnostic("reviews: sentiment analysis failed: %v", err)
		out.Diagnostic = "sentiment analysis failed"
		return
	}
	p.Reviews.Sentiment = s
	out.Detail = fmt.Sprintf("sentiment from %d reviews", s.Analyzed)
}

func (e *Enricher) load(ctx context.Context, src Source, link string) (product.Reviews, error) {
	pg, err := e.loader.Load(ctx, link)
	if err != nil {
		return product.Reviews{}, err
	}
	doc, err := pg.Document()
	if err != nil {
		return product.Reviews{}, err
	}
	return src.Parse(doc), nil
}

func (e *Enricher) read(ctx context.Context, src Source, link string) (product.Reviews, error) {
	r, err := e.load(ctx, src, link)
	if err != nil {
		return product.Reviews{}, err
	}
	if r.Rating == nil {
		return product.Reviews{}, failure.Extract("read reviews", fmt.Errorf("%s: %w", link, ErrNoRating))
	}
	return r, nil
}
