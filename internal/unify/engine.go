package unify

import (
	"fmt"
	"slices"

	"github.com/JakeFAU/product-enricher/internal/product"
)

// Engine applies one unification map. It is safe for concurrent use once
// built because it never mutates its rules.
type Engine struct {
	m Map
	// rules maps a canonical key to its unit rule, including rules written
	// against an alias of that key.
	rules     map[string]UnitRule
	ruleKeys  map[string]struct{}
	deletions map[string]struct{}
	autoUnits bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithAutoUnits also extracts common units from keys without a rule.
func WithAutoUnits() Option {
	return func(e *Engine) { e.autoUnits = true }
}

// NewEngine prepares m for application.
func NewEngine(m Map, opts ...Option) *Engine {
	e := &Engine{
		m:         m,
		rules:     make(map[string]UnitRule, len(m.UnitExtractions)),
		ruleKeys:  make(map[string]struct{}, len(m.UnitExtractions)),
		deletions: make(map[string]struct{}, len(m.Deletions)),
	}
	for key, rule := range m.UnitExtractions {
		e.rules[key] = rule
		e.ruleKeys[rule.NewKey] = struct{}{}
	}
	for _, alias := range sortedKeys(m.UnitExtractions) {
		if target, ok := m.Merges[alias]; ok {
			if _, own := e.rules[target]; !own {
				e.rules[target] = m.UnitExtractions[alias]
			}
		}
	}
	for _, d := range m.Deletions {
		e.deletions[d] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Map returns the rules the engine applies.
func (e *Engine) Map() Map { return e.m }

// Fields runs merge, unit extraction and deletion over one mapping and
// returns a new mapping. The input is not modified.
func (e *Engine) Fields(in *product.Fields) *product.Fields {
	return e.deleteKeys(e.extractUnits(e.merge(in)))
}

// merge renames aliases to their canonical key and keeps the first value
// seen for every normalized key.
func (e *Engine) merge(in *product.Fields) *product.Fields {
	out := product.NewFields()
	seen := make(map[string]struct{}, in.Len())
	in.Each(func(key, value string) {
		canon := key
		if target, ok := e.m.Merges[key]; ok {
			canon = target
		}
		n := NormalizeKey(canon)
		if _, dup := seen[n]; dup {
			return
		}
		seen[n] = struct{}{}
		out.Set(canon, value)
	})
	return out
}

func (e *Engine) extractUnits(in *product.Fields) *product.Fields {
	out := product.NewFields()
	seen := make(map[string]struct{}, in.Len())
	in.Each(func(key, value string) {
		if rule, ok := e.rules[key]; ok {
			if residual, matched := ExtractUnit(value, rule); matched {
				key, value = rule.NewKey, residual
			}
		} else if e.autoUnits {
			// A derived key that is itself an alias would be merged back on
			// the next pass.
			if nk, nv, ok := AutoExtract(key, value); ok {
				if _, alias := e.m.Merges[nk]; !alias {
					key, value = nk, nv
				}
			}
		}
		n := NormalizeKey(key)
		if _, dup := seen[n]; dup {
			return
		}
		seen[n] = struct{}{}
		out.Set(key, value)
	})
	return out
}

func (e *Engine) deleteKeys(f *product.Fields) *product.Fields {
	for key := range e.deletions {
		f.Delete(key)
	}
	return f
}

// Change summarizes what Apply did to one product.
type Change struct {
	SpecsBefore    int
	SpecsAfter     int
	FeaturesBefore int
	FeaturesAfter  int
	Moved          int
}

// Apply unifies p's specs and features in place, then drops keys filed
// under the wrong category. A moved key only leaves its source mapping; the
// other mapping keeps whatever value it already had for it.
func (e *Engine) Apply(p *product.Product) Change {
	c := Change{SpecsBefore: p.Specs.Len(), FeaturesBefore: p.Features.Len()}
	specs := e.Fields(p.Specs)
	features := e.Fields(p.Features)
	c.Moved += move(specs, e.m.CrossCategoryMoves.Specs)
	c.Moved += move(features, e.m.CrossCategoryMoves.Features)
	p.Specs, p.Features = specs, features
	c.SpecsAfter, c.FeaturesAfter = specs.Len(), features.Len()
	return c
}

func move(from *product.Fields, keys []string) int {
	moved := 0
	for _, key := range keys {
		if from.Delete(key) {
			moved++
		}
	}
	return moved
}

// Report aggregates a unification pass over a corpus.
type Report struct {
	Products       int `json:"products"`
	SpecKeysBefore int `json:"specKeysBefore"`
	SpecKeysAfter  int `json:"specKeysAfter"`
	Moved          int `json:"moved"`
	Invalid        int `json:"invalid"`
}

// ApplyAll unifies every product and validates the result. Validation
// problems are recorded as diagnostics on the product; data is kept as is.
func (e *Engine) ApplyAll(products []*product.Product) Report {
	r := Report{Products: len(products)}
	before := make(map[string]struct{})
	after := make(map[string]struct{})
	for _, p := range products {
		for _, k := range p.Specs.Keys() {
			before[k] = struct{}{}
		}
		c := e.Apply(p)
		r.Moved += c.Moved
		for _, k := range p.Specs.Keys() {
			after[k] = struct{}{}
		}
		if problems := e.Validate(p); len(problems) > 0 {
			r.Invalid++
			for _, msg := range problems {
				p.AddDiagnostic("validation failure: %s", msg)
			}
		}
	}
	r.SpecKeysBefore, r.SpecKeysAfter = len(before), len(after)
	return r
}

// Validate checks the post-unification invariants: no two keys of one
// mapping normalize alike, and no value under a unit-rule key still carries
// a unit.
func (e *Engine) Validate(p *product.Product) []string {
	var problems []string
	for _, side := range []struct {
		name string
		f    *product.Fields
	}{{"specs", p.Specs}, {"features", p.Features}} {
		seen := make(map[string]string, side.f.Len())
		side.f.Each(func(key, value string) {
			n := NormalizeKey(key)
			if first, dup := seen[n]; dup {
				problems = append(problems, fmt.Sprintf("%s: duplicate keys %q and %q", side.name, first, key))
			} else {
				seen[n] = key
			}
			if _, ruled := e.ruleKeys[key]; ruled && HasResidualUnit(value) {
				problems = append(problems, fmt.Sprintf("%s: residual unit in %q=%q", side.name, key, value))
			}
		})
	}
	slices.Sort(problems)
	return problems
}
