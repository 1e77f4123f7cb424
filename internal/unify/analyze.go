package unify

import (
	"slices"
	"sort"
	"strings"

	"github.com/JakeFAU/product-enricher/internal/product"
)

// DefaultSampleLimit is how many distinct sample values are kept per key.
const DefaultSampleLimit = 10

// KeyStats describes one observed key.
type KeyStats struct {
	Key     string   `json:"key"`
	Count   int      `json:"count"`
	Samples []string `json:"samples"`
}

// KeyAnalysis is the corpus snapshot a classification service turns into a map.
type KeyAnalysis struct {
	TotalProducts int        `json:"totalProducts"`
	Specs         []KeyStats `json:"specs"`
	Features      []KeyStats `json:"features"`
}

// Analyze counts key occurrences across products and keeps up to limit
// distinct sample values per key. Keys are ordered by descending count,
// then name.
func Analyze(products []*product.Product, limit int) KeyAnalysis {
	if limit <= 0 {
		limit = DefaultSampleLimit
	}
	specs := newCollector(limit)
	features := newCollector(limit)
	for _, p := range products {
		specs.add(p.Specs)
		features.add(p.Features)
	}
	return KeyAnalysis{
		TotalProducts: len(products),
		Specs:         specs.stats(),
		Features:      features.stats(),
	}
}

type collector struct {
	limit int
	byKey map[string]*KeyStats
}

func newCollector(limit int) *collector {
	return &collector{limit: limit, byKey: make(map[string]*KeyStats)}
}

func (c *collector) add(f *product.Fields) {
	f.Each(func(key, value string) {
		st := c.byKey[key]
		if st == nil {
			st = &KeyStats{Key: key}
			c.byKey[key] = st
		}
		st.Count++
		value = strings.TrimSpace(value)
		if value != "" && len(st.Samples) < c.limit && !slices.Contains(st.Samples, value) {
			st.Samples = append(st.Samples, value)
		}
	})
}

func (c *collector) stats() []KeyStats {
	out := make([]KeyStats, 0, len(c.byKey))
	for _, st := range c.byKey {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// SuggestMoves proposes category moves from the samples: spec keys whose
// samples are all boolean-like belong in features, and feature keys with no
// boolean-like sample belong in specs.
func SuggestMoves(a KeyAnalysis) Moves {
	var mv Moves
	for _, st := range a.Specs {
		if len(st.Samples) > 0 && allBoolean(st.Samples) {
			mv.Specs = append(mv.Specs, st.Key)
		}
	}
	for _, st := range a.Features {
		if len(st.Samples) > 0 && noneBoolean(st.Samples) {
			mv.Features = append(mv.Features, st.Key)
		}
	}
	return mv
}

func allBoolean(samples []string) bool {
	for _, s := range samples {
		if !product.IsBooleanValue(s) {
			return false
		}
	}
	return true
}

func noneBoolean(samples []string) bool {
	for _, s := range samples {
		if product.IsBooleanValue(s) {
			return false
		}
	}
	return true
}
