package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/metrics"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/retry"
)

// NoProviderMetThreshold is the diagnostic recorded when no candidate yielded fields.
const NoProviderMetThreshold = "no provider met threshold"

// ErrNoCandidates means none of the product's links belong to a registered provider.
var ErrNoCandidates = errors.New("no matching providers")

// Policy holds the orchestrator knobs.
type Policy struct {
	// Priority lists provider names, highest first. Unlisted providers sort
	// last in their original order.
	Priority           []string
	StopAtFirstSuccess bool
	// MinFields is the field count at which a provider's result is accepted.
	MinFields       int
	FallbackEnabled bool
	// MaxFallbackAttempts caps attempts after the first; zero means no cap.
	MaxFallbackAttempts int
	Retry               retry.Policy
}

// Candidate pairs a provider with the product link it should scrape.
type Candidate struct {
	Provider Provider
	URL      string
}

// Attempt records one provider call.
type Attempt struct {
	Provider     string `json:"provider"`
	URL          string `json:"url"`
	Fields       int    `json:"fields"`
	Tries        int    `json:"tries"`
	MetThreshold bool   `json:"metThreshold"`
	Error        string `json:"error,omitempty"`
}

// Outcome is the orchestrator's decision for one product.
type Outcome struct {
	Provider     string
	URL          string
	Result       Scraped
	Fields       int
	MetThreshold bool
	Attempts     []Attempt
}

// Orchestrator selects provider data for products.
type Orchestrator struct {
	registry *Registry
	policy   Policy
	rank     map[string]int
	logger   *zap.Logger
}

// NewOrchestrator builds an Orchestrator over registry.
func NewOrchestrator(registry *Registry, policy Policy, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	rank := make(map[string]int, len(policy.Priority))
	for i, name := range policy.Priority {
		if _, dup := rank[nameKey(name)]; !dup {
			rank[nameKey(name)] = i
		}
	}
	return &Orchestrator{registry: registry, policy: policy, rank: rank, logger: logger.Named("orchestrator")}
}

// Candidates lists the providers to try for p, in priority order. Each link
// is matched by its provider name first, then by URL pattern; a provider is
// tried at most once, with its first link.
func (o *Orchestrator) Candidates(p *product.Product) []Candidate {
	var out []Candidate
	seen := make(map[string]struct{})
	for _, link := range p.SourceLinks {
		prov, ok := o.registry.Lookup(link.Provider)
		if !ok {
			matches := o.registry.Match(link.URL)
			if len(matches) == 0 {
				continue
			}
			prov = matches[0]
		}
		key := nameKey(prov.Name())
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Candidate{Provider: prov, URL: link.URL})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return o.rankOf(out[i].Provider.Name()) < o.rankOf(out[j].Provider.Name())
	})
	return out
}

func (o *Orchestrator) rankOf(name string) int {
	if r, ok := o.rank[nameKey(name)]; ok {
		return r
	}
	return len(o.rank)
}

func (o *Orchestrator) maxAttempts(n int) int {
	if !o.policy.FallbackEnabled {
		return min(1, n)
	}
	if o.policy.MaxFallbackAttempts > 0 {
		return min(1+o.policy.MaxFallbackAttempts, n)
	}
	return n
}

// Enrich tries candidates in priority order. The earliest candidate meeting
// the threshold wins; without one, the largest partial result wins with
// earlier priority breaking ties. It fails with NoProviderMetThreshold when
// nothing yielded fields, or with the transient error when every attempt
// failed transiently.
func (o *Orchestrator) Enrich(ctx context.Context, p *product.Product) (Outcome, error) {
	cands := o.Candidates(p)
	if len(cands) == 0 {
		return Outcome{}, failure.Extract("source_specs", ErrNoCandidates)
	}
	cands = cands[:o.maxAttempts(len(cands))]

	var (
		out       Outcome
		results   = make([]Scraped, len(cands))
		met       = -1
		best      = -1
		bestCount = 0
		lastErr   error
		allTrans  = true
	)
	for i, c := range cands {
		name := c.Provider.Name()
		res, tries, err := retry.Do(ctx, o.policy.Retry, func(ctx context.Context) (Scraped, error) {
			return c.Provider.Scrape(ctx, c.URL)
		})
		att := Attempt{Provider: name, URL: c.URL, Tries: tries}
		if err != nil {
			att.Error = err.Error()
			out.Attempts = append(out.Attempts, att)
			metrics.ObserveProviderAttempt(name, "error")
			o.logger.Debug("provider failed", zap.String("provider", name), zap.String("url", c.URL), zap.Error(err))
			lastErr = err
			if !failure.IsTransient(err) {
				allTrans = false
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		allTrans = false
		results[i] = res
		att.Fields = res.FieldCount()
		att.MetThreshold = att.Fields > 0 && att.Fields >= o.policy.MinFields
		out.Attempts = append(out.Attempts, att)
		if att.MetThreshold {
			metrics.ObserveProviderAttempt(name, "accepted")
		} else {
			metrics.ObserveProviderAttempt(name, "below_threshold")
		}
		if att.Fields > bestCount {
			best, bestCount = i, att.Fields
		}
		if att.MetThreshold && met < 0 {
			met = i
			if o.policy.StopAtFirstSuccess {
				break
			}
		}
	}

	pick := met
	if pick < 0 {
		pick = best
	}
	if pick < 0 {
		if lastErr != nil && allTrans {
			return out, fmt.Errorf("all providers failed: %w", lastErr)
		}
		return out, failure.WithNote(failure.Extraction, "source_specs", NoProviderMetThreshold, joinAttempts(out.Attempts))
	}
	out.Provider = cands[pick].Provider.Name()
	out.URL = cands[pick].URL
	out.Result = results[pick]
	out.Fields = results[pick].FieldCount()
	out.MetThreshold = pick == met
	return out, nil
}

func joinAttempts(atts []Attempt) error {
	parts := make([]string, 0, len(atts))
	for _, a := range atts {
		msg := fmt.Sprintf("%s: %d fields", a.Provider, a.Fields)
		if a.Error != "" {
			msg = a.Provider + ": " + a.Error
		}
		parts = append(parts, msg)
	}
	return errors.New(strings.Join(parts, "; "))
}

// Merge fills absent specs, features and price on p from out and returns how
// many fields were added.
func Merge(p *product.Product, out Outcome) int {
	added := p.Specs.Fill(out.Result.Specs) + p.Features.Fill(out.Result.Features)
	if strings.TrimSpace(p.Price) == "" && out.Result.Price != "" {
		p.Price = out.Result.Price
	}
	return added
}
