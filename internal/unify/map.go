// Package unify reconciles heterogeneous spec and feature keys into one
// canonical schema using a unification map.
package unify

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// UnitRule strips a unit from a value and renames the key.
type UnitRule struct {
	Units  []string `json:"units" yaml:"units"`
	NewKey string   `json:"newKey" yaml:"newKey"`
}

// Moves lists keys filed under the wrong category.
type Moves struct {
	// Specs are spec keys that belong in features.
	Specs []string `json:"specs" yaml:"specs"`
	// Features are feature keys that belong in specs.
	Features []string `json:"features" yaml:"features"`
}

// Map is a validated unification map.
type Map struct {
	Merges             map[string]string   `json:"merges" yaml:"merges"`
	Deletions          []string            `json:"deletions" yaml:"deletions"`
	UnitExtractions    map[string]UnitRule `json:"unitExtractions" yaml:"unitExtractions"`
	CrossCategoryMoves Moves               `json:"crossCategoryMoves" yaml:"crossCategoryMoves"`
}

// Empty reports whether the map has no rules.
func (m Map) Empty() bool {
	return len(m.Merges) == 0 && len(m.Deletions) == 0 && len(m.UnitExtractions) == 0 &&
		len(m.CrossCategoryMoves.Specs) == 0 && len(m.CrossCategoryMoves.Features) == 0
}

// NormalizeKey folds case and strips separators for duplicate detection.
func NormalizeKey(key string) string {
	folded := cases.Fold().String(strings.TrimSpace(key))
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ':
			return -1
		}
		return r
	}, folded)
}

var sectionAliases = map[string]string{
	"merges":                "merges",
	"deletions":             "deletions",
	"unitextractions":       "units",
	"crosscategorymoves":    "moves",
	"crosscategoryremovals": "moves",
}

// ParseMap decodes a JSON or YAML unification map. Each section is validated
// on its own: a malformed section or entry is dropped and reported in the
// returned diagnostics instead of failing the whole map. The error is
// non-nil only when data is not a mapping at all.
func ParseMap(data []byte) (Map, []string, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Map{}, nil, fmt.Errorf("decode unification map: %w", err)
	}
	var (
		m     Map
		diags []string
	)
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, name := range keys {
		section, ok := sectionAliases[NormalizeKey(name)]
		if !ok {
			diags = append(diags, fmt.Sprintf("ignored unknown section %q", name))
			continue
		}
		val := raw[name]
		switch section {
		case "merges":
			m.Merges, diags = parseMerges(val, diags)
		case "deletions":
			m.Deletions, diags = parseStrings("deletions", val, diags)
		case "units":
			m.UnitExtractions, diags = parseUnits(val, diags)
		case "moves":
			m.CrossCategoryMoves, diags = parseMoves(val, diags)
		}
	}
	diags = append(diags, m.normalize()...)
	return m, diags, nil
}

// LoadMapFile reads and parses a map file.
func LoadMapFile(path string) (Map, []string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied map path
	if err != nil {
		return Map{}, nil, fmt.Errorf("read unification map: %w", err)
	}
	m, diags, err := ParseMap(data)
	if err != nil {
		return Map{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, diags, nil
}

// MarshalIndent renders m as indented JSON.
func (m Map) MarshalIndent() ([]byte, error) {
	out := m
	if out.Merges == nil {
		out.Merges = map[string]string{}
	}
	if out.UnitExtractions == nil {
		out.UnitExtractions = map[string]UnitRule{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode unification map: %w", err)
	}
	return data, nil
}

func asMap(section string, val any, diags []string) (map[string]any, []string) {
	if val == nil {
		return nil, diags
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, append(diags, fmt.Sprintf("dropped section %s: expected a mapping, got %T", section, val))
	}
	return m, diags
}

func parseMerges(val any, diags []string) (map[string]string, []string) {
	raw, diags := asMap("merges", val, diags)
	if raw == nil {
		return nil, diags
	}
	out := make(map[string]string, len(raw))
	for alias, target := range raw {
		s, ok := target.(string)
		if !ok || strings.TrimSpace(s) == "" || strings.TrimSpace(alias) == "" {
			diags = append(diags, fmt.Sprintf("dropped merge %q: target must be a non-empty string", alias))
			continue
		}
		out[alias] = s
	}
	return out, diags
}

func parseStrings(section string, val any, diags []string) ([]string, []string) {
	if val == nil {
		return nil, diags
	}
	list, ok := val.([]any)
	if !ok {
		return nil, append(diags, fmt.Sprintf("dropped section %s: expected a list, got %T", section, val))
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok || strings.TrimSpace(s) == "" {
			diags = append(diags, fmt.Sprintf("dropped %s entry %v: expected a non-empty string", section, item))
			continue
		}
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out, diags
}

func parseUnits(val any, diags []string) (map[string]UnitRule, []string) {
	raw, diags := asMap("unitExtractions", val, diags)
	if raw == nil {
		return nil, diags
	}
	out := make(map[string]UnitRule, len(raw))
	for key, ruleVal := range raw {
		fields, ok := ruleVal.(map[string]any)
		if !ok {
			diags = append(diags, fmt.Sprintf("dropped unit rule %q: expected a mapping", key))
			continue
		}
		var rule UnitRule
		for name, v := range fields {
			switch NormalizeKey(name) {
			case "units":
				var sub []string
				sub, diags = parseStrings("units of "+key, v, diags)
				rule.Units = sub
			case "newkey":
				if s, ok := v.(string); ok {
					rule.NewKey = strings.TrimSpace(s)
				}
			}
		}
		if len(rule.Units) == 0 || rule.NewKey == "" {
			diags = append(diags, fmt.Sprintf("dropped unit rule %q: units and newKey are required", key))
			continue
		}
		out[key] = rule
	}
	return out, diags
}

func parseMoves(val any, diags []string) (Moves, []string) {
	raw, diags := asMap("crossCategoryMoves", val, diags)
	var mv Moves
	for name, v := range raw {
		switch NormalizeKey(name) {
		case "specs":
			mv.Specs, diags = parseStrings("crossCategoryMoves.specs", v, diags)
		case "features":
			mv.Features, diags = parseStrings("crossCategoryMoves.features", v, diags)
		default:
			diags = append(diags, fmt.Sprintf("ignored crossCategoryMoves.%s", name))
		}
	}
	return mv, diags
}

// normalize resolves merge chains to their final target, drops cycles and
// self-merges, and drops keys that are moved in both directions.
func (m *Map) normalize() []string {
	var diags []string
	if len(m.Merges) > 0 {
		aliases := make([]string, 0, len(m.Merges))
		for a := range m.Merges {
			aliases = append(aliases, a)
		}
		sort.Strings(aliases)
		resolved := make(map[string]string, len(m.Merges))
		for _, alias := range aliases {
			target, ok := followChain(m.Merges, alias)
			if !ok {
				diags = append(diags, fmt.Sprintf("dropped merge %q: cycle in merge chain", alias))
				continue
			}
			if target == alias {
				continue
			}
			resolved[alias] = target
		}
		m.Merges = resolved
	}
	if len(m.CrossCategoryMoves.Specs) > 0 && len(m.CrossCategoryMoves.Features) > 0 {
		both := make(map[string]struct{})
		for _, k := range m.CrossCategoryMoves.Specs {
			if slices.Contains(m.CrossCategoryMoves.Features, k) {
				both[k] = struct{}{}
			}
		}
		for k := range both {
			diags = append(diags, fmt.Sprintf("dropped move %q: listed in both directions", k))
		}
		drop := func(k string) bool {
			_, ok := both[k]
			return ok
		}
		m.CrossCategoryMoves.Specs = slices.DeleteFunc(m.CrossCategoryMoves.Specs, drop)
		m.CrossCategoryMoves.Features = slices.DeleteFunc(m.CrossCategoryMoves.Features, drop)
	}
	sort.Strings(diags)
	return diags
}

func followChain(merges map[string]string, alias string) (string, bool) {
	seen := map[string]struct{}{alias: {}}
	cur := alias
	for {
		next, ok := merges[cur]
		if !ok || next == cur {
			return cur, true
		}
		if _, loop := seen[next]; loop {
			return "", false
		}
		seen[next] = struct{}{}
		cur = next
	}
}

// Overlay applies over on top of base. Where both define a rule for the same
// key, the overlay wins and a diagnostic records the conflict.
func Overlay(base, over Map) (Map, []string) {
	var diags []string
	out := Map{
		Merges:          make(map[string]string, len(base.Merges)+len(over.Merges)),
		UnitExtractions: make(map[string]UnitRule, len(base.UnitExtractions)+len(over.UnitExtractions)),
	}
	for k, v := range base.Merges {
		out.Merges[k] = v
	}
	for _, alias := range sortedKeys(over.Merges) {
		target := over.Merges[alias]
		if prev, ok := out.Merges[alias]; ok && prev != target {
			diags = append(diags, fmt.Sprintf("merge target for %q changed from %q to %q (last applied wins)", alias, prev, target))
		}
		out.Merges[alias] = target
	}
	for k, v := range base.UnitExtractions {
		out.UnitExtractions[k] = v
	}
	for _, key := range sortedKeys(over.UnitExtractions) {
		rule := over.UnitExtractions[key]
		if prev, ok := out.UnitExtractions[key]; ok && prev.NewKey != rule.NewKey {
			diags = append(diags, fmt.Sprintf("unit rule for %q changed from %q to %q (last applied wins)", key, prev.NewKey, rule.NewKey))
		}
		out.UnitExtractions[key] = rule
	}
	out.Deletions = union(base.Deletions, over.Deletions)
	out.CrossCategoryMoves = Moves{
		Specs:    union(base.CrossCategoryMoves.Specs, over.CrossCategoryMoves.Specs),
		Features: union(base.CrossCategoryMoves.Features, over.CrossCategoryMoves.Features),
	}
	// A later move in one direction overrides an earlier one in the other.
	out.CrossCategoryMoves.Specs = slices.DeleteFunc(out.CrossCategoryMoves.Specs, func(k string) bool {
		return slices.Contains(over.CrossCategoryMoves.Features, k) && !slices.Contains(over.CrossCategoryMoves.Specs, k)
	})
	out.CrossCategoryMoves.Features = slices.DeleteFunc(out.CrossCategoryMoves.Features, func(k string) bool {
		return slices.Contains(over.CrossCategoryMoves.Specs, k) && !slices.Contains(over.CrossCategoryMoves.Features, k)
	})
	diags = append(diags, out.normalize()...)
	return out, diags
}

func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if !slices.Contains(out, k) {
				out = append(out, k)
			}
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
