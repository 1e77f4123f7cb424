package document

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/extract"
	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/linkfinder"
	"github.com/JakeFAU/product-enricher/internal/page"
	"github.com/JakeFAU/product-enricher/internal/product"
)

// ErrNoSpecs is returned when no candidate document yielded a spec.
var ErrNoSpecs = errors.New("no specs found in documents")

var (
	manualKeywords = []string{"manual", "user-guide", "userguide", "instruction", "spec", "datasheet", "-im.pdf", "-ib.pdf"}
	badPatterns    = []string{"recall", "/dp/", "terms", "privacy", "warranty-terms"}
	adPatterns     = []string{"doubleclick", "googleadservices", "googlesyndication", "adroll", "taboola", "outbrain", "/y.js", "/l/?"}
)

// Scorer ranks candidate PDF URLs for one product.
type Scorer struct {
	Trusted []string
}

// Score rates rawURL: brand in the host +50 (elsewhere +20), model +30,
// a manual keyword +10, a trusted host +15, a bad pattern -50, an ad or
// tracker -100.
func (s Scorer) Score(rawURL, brand, model string) int {
	lower := strings.ToLower(rawURL)
	host := extract.Host(rawURL)
	brand = strings.ToLower(strings.TrimSpace(brand))
	model = strings.ToLower(strings.TrimSpace(model))
	score := 0
	switch {
	case brand != "" && strings.Contains(host, brand):
		score += 50
	case brand != "" && strings.Contains(lower, brand):
		score += 20
	}
	if model != "" && strings.Contains(lower, model) {
		score += 30
	}
	if containsAny(lower, manualKeywords) {
		score += 10
	}
	if containsAny(lower, s.Trusted) {
		score += 15
	}
	if containsAny(lower, badPatterns) {
		score -= 50
	}
	if containsAny(lower, adPatterns) {
		score -= 100
	}
	return score
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub = strings.ToLower(strings.TrimSpace(sub)); sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Candidate is a scored document URL.
type Candidate struct {
	URL   string
	Score int
}

// Rank scores urls, drops non-positive scores and duplicates, and orders the
// rest best first, keeping input order on ties.
func (s Scorer) Rank(urls []string, brand, model string) []Candidate {
	seen := make(map[string]struct{}, len(urls))
	var out []Candidate
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		if sc := s.Score(u, brand, model); sc > 0 {
			out = append(out, Candidate{URL: u, Score: sc})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Fetcher downloads raw documents.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, string, error)
}

// PageLoader loads the optional PDF search page.
type PageLoader interface {
	Load(ctx context.Context, rawURL string) (page.Page, error)
}

// Config tunes the fallback.
type Config struct {
	TargetRatio   float64
	MinSpecs      int
	MaxDocuments  int
	SearchURL     string
	TrustedHosts  []string
	WindowSize    int
	WindowOverlap int
	MinWindow     int
	MaxWindows    int
}

// Enricher is the document fallback phase.
type Enricher struct {
	cfg     Config
	fetcher Fetcher
	search  PageLoader
	scorer  Scorer
	logger  *zap.Logger
}

// New builds an Enricher. search may be nil to use only known document links.
func New(cfg Config, fetcher Fetcher, search PageLoader, logger *zap.Logger) *Enricher {
	if cfg.TargetRatio <= 0 {
		cfg.TargetRatio = 0.5
	}
	if cfg.MinSpecs <= 0 {
		cfg.MinSpecs = 5
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = 3
	}
	if cfg.MaxWindows <= 0 {
		cfg.MaxWindows = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{
		cfg:     cfg,
		fetcher: fetcher,
		search:  search,
		scorer:  Scorer{Trusted: cfg.TrustedHosts},
		logger:  logger.Named("document"),
	}
}

// Target is the spec count the fallback aims for.
func (e *Enricher) Target(p *product.Product) int {
	return max(e.cfg.MinSpecs, int(math.Ceil(e.cfg.TargetRatio*float64(p.BaseSpecCount))))
}

// Enrich is the phase task: it reads ranked documents until the product
// reaches its target spec count.
func (e *Enricher) Enrich(ctx context.Context, p *product.Product) (product.Outcome, error) {
	target := e.Target(p)
	if p.Specs.NonEmpty() >= target {
		return product.Outcome{Status: product.StatusSkipped, Diagnostic: "spec target met"}, nil
	}
	urls := append([]string(nil), p.Documents...)
	if len(urls) == 0 && e.search != nil && e.cfg.SearchURL != "" {
		found, err := e.searchDocuments(ctx, p)
		if err != nil {
			return product.Outcome{}, err
		}
		urls = found
	}
	candidates := e.scorer.Rank(urls, p.Brand, p.Model)
	if len(candidates) == 0 {
		return product.Outcome{Status: product.StatusSkipped, Diagnostic: "no candidate documents"}, nil
	}
	if len(candidates) > e.cfg.MaxDocuments {
		candidates = candidates[:e.cfg.MaxDocuments]
	}

	added := 0
	var lastErr error
	var used []string
	for _, c := range candidates {
		if p.Specs.NonEmpty() >= target {
			break
		}
		n, err := e.readDocument(ctx, p, c.URL)
		if err != nil {
			if ctx.Err() != nil {
				return product.Outcome{}, err
			}
			lastErr = err
			e.logger.Debug("document skipped", zap.String("url", c.URL), zap.Error(err))
			continue
		}
		if n > 0 {
			used = append(used, c.URL)
			p.AddDocument(c.URL)
		}
		added += n
	}
	if added == 0 {
		if lastErr != nil {
			return product.Outcome{}, lastErr
		}
		return product.Outcome{}, failure.Extract("document fallback", ErrNoSpecs)
	}
	return product.Outcome{Status: product.StatusSucceeded, Source: strings.Join(used, " ")}, nil
}

func (e *Enricher) readDocument(ctx context.Context, p *product.Product, rawURL string) (int, error) {
	data, contentType, err := e.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	if !looksLikePDF(data) {
		return 0, failure.Extract("read document", fmt.Errorf("%s: not a pdf (%s)", rawURL, contentType))
	}
	text, err := Text(data)
	if err != nil {
		return 0, failure.Extract("read document", err)
	}
	pairs := e.extract(text)
	return p.Specs.Fill(pairs), nil
}

// extract parses the densest windows of text, or the whole text when it is
// too short to window.
func (e *Enricher) extract(text string) *product.Fields {
	ws := Windows(text, e.cfg.WindowSize, e.cfg.WindowOverlap, e.cfg.MinWindow)
	if len(ws) == 0 {
		return Pairs(text)
	}
	out := product.NewFields()
	for _, w := range Densest(ws, e.cfg.MaxWindows) {
		if w.Score <= 0 {
			break
		}
		out.Fill(Pairs(Expand(text, w)))
	}
	return out
}

func looksLikePDF(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return strings.Contains(string(head), "%PDF-")
}

func (e *Enricher) searchDocuments(ctx context.Context, p *product.Product) ([]string, error) {
	query := strings.TrimSpace(strings.Join([]string{p.Brand, p.Model, p.Name, "manual filetype:pdf"}, " "))
	target := linkfinder.SearchURL(e.cfg.SearchURL, strings.Join(strings.Fields(query), " "))
	pg, err := e.search.Load(ctx, target)
	if err != nil {
		return nil, err
	}
	doc, err := pg.Document()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, href := range extract.Links(doc, "a[href]") {
		href = linkfinder.Unwrap(href)
		if strings.Contains(strings.ToLower(href), ".pdf") {
			out = append(out, href)
		}
	}
	return out, nil
}
