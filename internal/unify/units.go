package unify

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	decimalComma = regexp.MustCompile(`(\d),(\d)`)
	spaces       = regexp.MustCompile(`\s+`)
	mmValue      = regexp.MustCompile(`(?i)^\s*(\d+(?:[.,]\d+)?)\s*mm\s*$`)
	// residualUnit spots a number still carrying a common unit.
	residualUnit = regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s*(?:cm|mm|kg|g|rpm|kwh|watts?|db|mins?|hours?)\b`)

	unitPatterns sync.Map // unit string -> *regexp.Regexp
)

// normalizeResidual converts decimal commas, dashes and runs of spaces.
func normalizeResidual(v string) string {
	v = decimalComma.ReplaceAllString(v, "$1.$2")
	v = strings.NewReplacer("–", "-", "—", "-").Replace(v)
	return strings.TrimSpace(spaces.ReplaceAllString(v, " "))
}

// unitPattern matches unit case-insensitively when it is not glued to a
// preceding or following letter, so "g" never matches inside "kg".
func unitPattern(unit string) *regexp.Regexp {
	if re, ok := unitPatterns.Load(unit); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(?i)(\A|[^\p{L}])\s*` + regexp.QuoteMeta(unit) + `(\z|[^\p{L}])`)
	unitPatterns.Store(unit, re)
	return re
}

func byLengthDesc(units []string) []string {
	out := append([]string(nil), units...)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// ExtractUnit strips the first of rule's units found in value. Units are
// tried longest first and only the first one that matches is removed, every
// occurrence of it. A millimetre value is
// converted to centimetres when the new key ends in "_cm". The second result
// reports whether any unit matched.
func ExtractUnit(value string, rule UnitRule) (string, bool) {
	if strings.HasSuffix(rule.NewKey, "_cm") {
		if m := mmValue.FindStringSubmatch(value); m != nil {
			if mm, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64); err == nil {
				return formatNumber(mm / 10), true
			}
		}
	}
	out := value
	matched := false
	for _, unit := range byLengthDesc(rule.Units) {
		if strings.TrimSpace(unit) == "" {
			continue
		}
		re := unitPattern(unit)
		for re.MatchString(out) {
			out = re.ReplaceAllString(out, "${1} ${2}")
			matched = true
		}
		if matched {
			break
		}
	}
	if !matched {
		return value, false
	}
	return normalizeResidual(out), true
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// autoUnit is a unit recognized without an explicit rule.
type autoUnit struct {
	suffix  string
	re      *regexp.Regexp
	convert func(float64) float64
}

// autoUnits are tried in order; the value must be exactly a number and unit.
var autoUnits = []autoUnit{
	{suffix: "_kwh", re: regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*kwh$`)},
	{suffix: "_rpm", re: regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*rpm$`)},
	{suffix: "_watt", re: regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*(?:watts?|w)$`)},
	{suffix: "_litres", re: regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*(?:litres?|l)$`)},
	{suffix: "_hours", re: regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*(?:hours?|h)$`)},
	{suffix: "_mins", re: regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*mins?$`)},
	{suffix: "_cm", re: regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*mm$`), convert: func(v float64) float64 { return v / 10 }},
	{suffix: "_cm", re: regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*cm$`)},
	{suffix: "_kg", re: regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*kg$`)},
	{suffix: "_g", re: regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*g$`)},
	{suffix: "_db", re: regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*db$`)},
}

// AutoExtract recognizes a bare number with a common unit and returns the
// new key and numeric value. Keys already carrying the suffix keep their name.
func AutoExtract(key, value string) (string, string, bool) {
	v := normalizeResidual(value)
	for _, u := range autoUnits {
		m := u.re.FindStringSubmatch(v)
		if m == nil {
			continue
		}
		num := m[1]
		if u.convert != nil {
			f, err := strconv.ParseFloat(num, 64)
			if err != nil {
				continue
			}
			num = formatNumber(u.convert(f))
		}
		newKey := key
		if !strings.HasSuffix(strings.ToLower(key), u.suffix) {
			newKey = key + u.suffix
		}
		return newKey, num, true
	}
	return key, value, false
}

// HasResidualUnit reports whether value still looks like a number with a unit.
func HasResidualUnit(value string) bool {
	return residualUnit.MatchString(value)
}
