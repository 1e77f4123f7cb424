// Package source matches products to external site providers and selects
// which provider's data to keep, in priority order with fallback.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/product-enricher/internal/product"
)

// Scraped is the partial data one provider extracted from one page.
type Scraped struct {
	Specs    *product.Fields
	Features *product.Fields
	Price    string
	// FinalURL is the page actually read, after redirects.
	FinalURL string
}

// FieldCount counts non-empty spec and feature values.
func (s Scraped) FieldCount() int {
	return s.Specs.NonEmpty() + s.Features.NonEmpty()
}

// Provider extracts partial spec/feature data from one site. Implementations
// must not mutate shared state.
type Provider interface {
	Name() string
	Matches(rawURL string) bool
	Scrape(ctx context.Context, rawURL string) (Scraped, error)
}

// ErrDuplicateProvider is returned when a name is registered twice.
var ErrDuplicateProvider = errors.New("provider already registered")

// Registry is the lookup table of providers, filled once at startup.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Provider
	order  []Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Provider)}
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds p. Names are case-insensitive and must be unique.
func (r *Registry) Register(p Provider) error {
	if p == nil || nameKey(p.Name()) == "" {
		return errors.New("provider must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := nameKey(p.Name())
	if _, ok := r.byName[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name())
	}
	r.byName[key] = p
	r.order = append(r.order, p)
	return nil
}

// Lookup finds a provider by name.
func (r *Registry) Lookup(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[nameKey(name)]
	return p, ok
}

// Match returns the providers whose URL pattern matches, in registration order.
func (r *Registry) Match(rawURL string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Provider
	for _, p := range r.order {
		if p.Matches(rawURL) {
			out = append(out, p)
		}
	}
	return out
}

// Names lists registered providers in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	for i, p := range r.order {
		out[i] = p.Name()
	}
	return out
}

// Len reports the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
