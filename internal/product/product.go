// Package product defines the records and shared contracts of the enrichment pipeline.
package product

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

// Phase names one step of the enrichment pipeline.
type Phase string

// Pipeline phases in execution order.
const (
	PhaseDiscovery      Phase = "discovery"
	PhaseBaseExtraction Phase = "base_extraction"
	PhaseSourceLinks    Phase = "source_links"
	PhaseSourceSpecs    Phase = "source_specs"
	PhaseDocuments      Phase = "documents"
	PhaseReviews        Phase = "reviews"
	PhasePrices         Phase = "prices"
	PhaseAIFallback     Phase = "ai_fallback"
	PhaseUnification    Phase = "unification"
	PhaseScoring        Phase = "scoring"
	PhasePersistence    Phase = "persistence"
)

// Phases lists every phase in the order the pipeline runs them.
func Phases() []Phase {
	return []Phase{
		PhaseDiscovery,
		PhaseBaseExtraction,
		PhaseSourceLinks,
		PhaseSourceSpecs,
		PhaseDocuments,
		PhaseReviews,
		PhasePrices,
		PhaseAIFallback,
		PhaseUnification,
		PhaseScoring,
		PhasePersistence,
	}
}

// ParsePhase resolves a phase name, accepting dashes for underscores.
func ParsePhase(name string) (Phase, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for _, p := range Phases() {
		if string(p) == norm {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", name)
}

// Status is the per-phase outcome of one product.
type Status string

// Outcome statuses.
const (
	StatusSucceeded Status = "success"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Outcome is what one phase recorded about one product.
type Outcome struct {
	Status     Status `json:"status"`
	Diagnostic string `json:"diagnostic,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Source     string `json:"source,omitempty"`
}

// SourceLink points at a page for the product on another site.
type SourceLink struct {
	Provider string `json:"provider"`
	URL      string `json:"url"`
	Price    string `json:"price,omitempty"`
}

// Reviews aggregates review data. Nil pointers mean "unknown", never zero.
type Reviews struct {
	Rating       *float64 `json:"rating,omitempty"`
	Count        *int     `json:"count,omitempty"`
	QualityScore *float64 `json:"qualityScore,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	Pros         []string `json:"pros,omitempty"`
	Cons         []string `json:"cons,omitempty"`
	Source       string   `json:"source,omitempty"`
	// Texts are individual review bodies, most relevant first.
	Texts     []string   `json:"texts,omitempty"`
	Sentiment *Sentiment `json:"sentiment,omitempty"`
}

// Sentiment is a model's reading of the review texts.
type Sentiment struct {
	Summary    string   `json:"summary"`
	Pros       []string `json:"pros,omitempty"`
	Cons       []string `json:"cons,omitempty"`
	Themes     []string `json:"themes,omitempty"`
	Insights   string   `json:"insights,omitempty"`
	Confidence float64  `json:"confidence"`
	Analyzed   int      `json:"reviewsAnalyzed"`
}

// PriceQuote is a price seen on another retailer's page.
type PriceQuote struct {
	URL    string  `json:"url"`
	Price  string  `json:"price"`
	Amount float64 `json:"amount"`
}

// Product is one catalog entry. During a phase it is owned by exactly one
// worker, so it carries no locks.
type Product struct {
	Name             string            `json:"name"`
	URL              string            `json:"url"`
	Brand            string            `json:"brand,omitempty"`
	Model            string            `json:"model,omitempty"`
	Price            string            `json:"price,omitempty"`
	Specs            *Fields           `json:"specs"`
	Features         *Fields           `json:"features"`
	SourceLinks      []SourceLink      `json:"sourceLinks,omitempty"`
	Documents        []string          `json:"documents,omitempty"`
	Reviews          *Reviews          `json:"reviews,omitempty"`
	Prices           []PriceQuote      `json:"prices,omitempty"`
	PriceTarget      *float64          `json:"priceTarget,omitempty"`
	EnrichmentStatus map[Phase]Outcome `json:"enrichmentStatus,omitempty"`
	Diagnostics      []string          `json:"diagnostics,omitempty"`
	// BaseSpecCount is the number of specs the authoritative page carried.
	BaseSpecCount int `json:"baseSpecCount,omitempty"`
}

// New creates a product discovered at rawURL.
func New(name, rawURL string) *Product {
	p := &Product{Name: strings.TrimSpace(name), URL: CanonicalURL(rawURL)}
	p.ensure()
	return p
}

func (p *Product) ensure() {
	if p.Specs == nil {
		p.Specs = NewFields()
	}
	if p.Features == nil {
		p.Features = NewFields()
	}
	if p.EnrichmentStatus == nil {
		p.EnrichmentStatus = make(map[Phase]Outcome)
	}
}

// Key is the stable identity used for deduplication and upserts.
func (p *Product) Key() string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(p.Name)) + "\n" + CanonicalURL(p.URL)))
	return hex.EncodeToString(sum[:])
}

// Record stores the outcome of phase.
func (p *Product) Record(phase Phase, outcome Outcome) {
	p.ensure()
	p.EnrichmentStatus[phase] = outcome
}

// Outcome returns the recorded outcome of phase.
func (p *Product) Outcome(phase Phase) (Outcome, bool) {
	o, ok := p.EnrichmentStatus[phase]
	return o, ok
}

// AddSourceLink appends link unless its URL is already known.
func (p *Product) AddSourceLink(link SourceLink) bool {
	link.URL = strings.TrimSpace(link.URL)
	if link.URL == "" {
		return false
	}
	for _, existing := range p.SourceLinks {
		if existing.URL == link.URL {
			return false
		}
	}
	p.SourceLinks = append(p.SourceLinks, link)
	return true
}

// AddDocument appends a document URL unless already present.
func (p *Product) AddDocument(u string) bool {
	for _, existing := range p.Documents {
		if existing == u {
			return false
		}
	}
	p.Documents = append(p.Documents, u)
	return true
}

// AddDiagnostic appends a free-form diagnostic.
func (p *Product) AddDiagnostic(format string, args ...any) {
	p.Diagnostics = append(p.Diagnostics, fmt.Sprintf(format, args...))
}

var trackingParams = map[string]struct{}{
	"gclid": {}, "fbclid": {}, "msclkid": {}, "clickref": {}, "awc": {},
	"ranmid": {}, "raneaid": {}, "ransiteid": {}, "cmpid": {}, "ref": {}, "tag": {},
}

// IsTrackingParam reports whether a query parameter only carries attribution.
func IsTrackingParam(name string) bool {
	name = strings.ToLower(name)
	if strings.HasPrefix(name, "utm_") {
		return true
	}
	_, ok := trackingParams[name]
	return ok
}

// CanonicalURL lower-cases scheme and host, drops fragments, tracking
// parameters and trailing slashes. Unparseable input is returned trimmed.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			if IsTrackingParam(name) {
				q.Del(name)
			}
		}
		u.RawQuery = q.Encode()
	}
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	return u.String()
}

// Decode reads a JSON array of products and initializes missing mappings.
func Decode(r io.Reader) ([]*Product, error) {
	var items []*Product
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}
	out := items[:0]
	for _, p := range items {
		if p == nil {
			continue
		}
		p.ensure()
		out = append(out, p)
	}
	return out, nil
}

// Unmarshal decodes one stored product document.
func Unmarshal(data []byte) (*Product, error) {
	var p Product
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode product: %w", err)
	}
	p.ensure()
	return &p, nil
}

// LoadFile reads products from a JSON file.
func LoadFile(path string) ([]*Product, error) {
	f, err := os.Open(path) // #nosec G304 -- operator supplied input path
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only
	return Decode(f)
}

// Encode writes products as indented JSON.
func Encode(w io.Writer, items []*Product) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(items); err != nil {
		return fmt.Errorf("encode products: %w", err)
	}
	return nil
}

// Dedupe drops later products sharing a stable key with an earlier one.
func Dedupe(items []*Product) []*Product {
	seen := make(map[string]struct{}, len(items))
	out := make([]*Product, 0, len(items))
	for _, p := range items {
		k := p.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}
	return out
}

var booleanValues = map[string]struct{}{
	"yes": {}, "no": {}, "true": {}, "false": {}, "y": {}, "n": {},
	"✓": {}, "✔": {}, "✗": {}, "✘": {},
}

// IsBooleanValue reports whether v is a Yes/No-equivalent feature value.
func IsBooleanValue(v string) bool {
	_, ok := booleanValues[strings.ToLower(strings.TrimSpace(v))]
	return ok
}
