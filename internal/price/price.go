// Package price finds what retailers ask for a product and settles on a
// target price that outlying quotes are measured against.
package price

import (
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// ClusterGap is the widest step, in pounds, between neighbouring prices of
// one cluster.
const ClusterGap = 5.0

const amount = `(\d{1,3}(?:,\d{3})+(?:\.\d{2})?|\d+(?:\.\d{2})?)`

var patterns = []*regexp.Regexp{
	regexp.MustCompile(`£\s*` + amount),
	regexp.MustCompile(`GBP\s*` + amount),
	regexp.MustCompile(amount + `\s*GBP`),
}

// Bounds drops implausible amounts such as delivery fees or phone numbers.
type Bounds struct {
	Min float64
	Max float64
}

func (b Bounds) contains(v float64) bool {
	if b.Min > 0 && v < b.Min {
		return false
	}
	if b.Max > 0 && v > b.Max {
		return false
	}
	return true
}

// Scan returns the distinct amounts found in text, pattern by pattern and in
// page order within a pattern.
func Scan(text string, b Bounds) []float64 {
	var out []float64
	for _, re := range patterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
			if err != nil || !b.contains(v) || slices.Contains(out, v) {
				continue
			}
			out = append(out, v)
		}
	}
	return out
}

// Format renders an amount the way retailers print it.
func Format(v float64) string {
	if v == math.Trunc(v) {
		return "£" + strconv.FormatFloat(v, 'f', 0, 64)
	}
	return "£" + strconv.FormatFloat(v, 'f', 2, 64)
}

// Target settles on the price most retailers agree on. Amounts outside half
// to twice the median are dropped first; with three or more left, the median
// of the largest cluster wins, otherwise the median of what is left. Fewer
// than two prices give no target.
func Target(prices []float64) (float64, bool) {
	if len(prices) < 2 {
		return 0, false
	}
	m := median(prices)
	var kept []float64
	for _, p := range prices {
		if p >= m*0.5 && p <= m*2 {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return m, true
	}
	if len(kept) >= 3 {
		if c := largestCluster(kept); len(c) >= 2 {
			return median(c), true
		}
	}
	return median(kept), true
}

// InRange reports whether price is within tolerancePct percent of target.
func InRange(price, target, tolerancePct float64) bool {
	lower := target * (1 - tolerancePct/100)
	upper := target * (1 + tolerancePct/100)
	return price >= lower && price <= upper
}

func median(values []float64) float64 {
	s := slices.Clone(values)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// largestCluster groups sorted prices whose neighbours are at most ClusterGap
// apart. Ties go to the cheapest cluster.
func largestCluster(values []float64) []float64 {
	s := slices.Clone(values)
	slices.Sort(s)
	best := s[:1]
	start := 0
	for i := 1; i <= len(s); i++ {
		if i < len(s) && s[i]-s[i-1] <= ClusterGap {
			continue
		}
		if i-start > len(best) {
			best = s[start:i]
		}
		start = i
	}
	return best
}

// Quote is every amount one page offered, in Scan order.
type Quote struct {
	URL     string
	Amounts []float64
}

// Settled is the outcome of Settle.
type Settled struct {
	// Accepted holds one amount per page that stayed within tolerance.
	Accepted []Accepted
	Target   float64
	// HasTarget is false when fewer than two pages quoted a price.
	HasTarget bool
	Dropped   int
}

// Accepted is the amount kept for one page.
type Accepted struct {
	URL    string
	Amount float64
}

// Settle takes each page's first amount, computes the target from them and
// then, for pages whose first amount is out of range, looks for another
// amount on the same page that is in range. Pages with none are dropped.
// Without a target every page keeps its first amount.
func Settle(quotes []Quote, tolerancePct float64) Settled {
	var firsts []float64
	var pages []Quote
	for _, q := range quotes {
		if len(q.Amounts) == 0 {
			continue
		}
		firsts = append(firsts, q.Amounts[0])
		pages = append(pages, q)
	}
	var out Settled
	out.Target, out.HasTarget = Target(firsts)
	for _, q := range pages {
		if !out.HasTarget {
			out.Accepted = append(out.Accepted, Accepted{URL: q.URL, Amount: q.Amounts[0]})
			continue
		}
		i := slices.IndexFunc(q.Amounts, func(v float64) bool { return InRange(v, out.Target, tolerancePct) })
		if i < 0 {
			out.Dropped++
			continue
		}
		out.Accepted = append(out.Accepted, Accepted{URL: q.URL, Amount: q.Amounts[i]})
	}
	return out
}
