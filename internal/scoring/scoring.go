// Package scoring computes the confidence-weighted review quality score.
package scoring

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/product-enricher/internal/product"
)

// Defaults used when configuration leaves a knob unset.
const (
	DefaultConfidence = 30
	// DefaultPrior is 4.0 of 5 stars on the 0-100 scale.
	DefaultPrior = 80
	MaxRating    = 5
)

// Scorer blends an observed rating with a prior mean. Prior is on the 0-100
// scale; Confidence is the review count at which both weigh equally.
type Scorer struct {
	Prior      float64
	Confidence float64
}

// New returns a scorer, substituting defaults for non-positive inputs.
func New(prior, confidence float64) Scorer {
	if prior <= 0 {
		prior = DefaultPrior
	}
	if confidence <= 0 {
		confidence = DefaultConfidence
	}
	return Scorer{Prior: math.Min(prior, 100), Confidence: confidence}
}

// Score returns the weighted score rounded to one decimal, or nil when either
// input is missing or the count is negative.
func (s Scorer) Score(rating *float64, count *int) *float64 {
	if rating == nil || count == nil || *count < 0 || math.IsNaN(*rating) {
		return nil
	}
	r := math.Max(0, math.Min(*rating, MaxRating))
	n := float64(*count)
	c := s.Confidence
	score := (n/(n+c))*(r/MaxRating*100) + (c/(n+c))*s.Prior
	score = math.Round(score*10) / 10
	return &score
}

// Apply scores every product with reviews and returns how many got a score.
// Products without a rating or count keep no score rather than zero.
func (s Scorer) Apply(products []*product.Product) int {
	scored := 0
	for _, p := range products {
		if p.Reviews == nil {
			continue
		}
		p.Reviews.QualityScore = s.Score(p.Reviews.Rating, p.Reviews.Count)
		if p.Reviews.QualityScore != nil {
			scored++
		}
	}
	return scored
}

// GlobalPrior is the review-count weighted mean rating of the corpus on the
// 0-100 scale. ok is false when no product has both a rating and a count.
func GlobalPrior(products []*product.Product) (float64, bool) {
	var sum, weight float64
	for _, p := range products {
		if p.Reviews == nil || p.Reviews.Rating == nil || p.Reviews.Count == nil || *p.Reviews.Count <= 0 {
			continue
		}
		r := math.Max(0, math.Min(*p.Reviews.Rating, MaxRating))
		sum += r * float64(*p.Reviews.Count)
		weight += float64(*p.Reviews.Count)
	}
	if weight == 0 {
		return 0, false
	}
	return sum / weight * 100 / MaxRating, true
}

var (
	ratingNumber = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*(%|/\s*(\d+(?:[.,]\d+)?)|out\s+of\s+(\d+(?:[.,]\d+)?))?`)
	countNumber  = regexp.MustCompile(`\d[\d,.\s]*`)
)

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
}

// ParseRating reads ratings such as "4.5", "4.5/5", "4.5 out of 5",
// "9/10" or "90%" and returns a value on the 0-5 scale.
func ParseRating(text string) (float64, bool) {
	m := ratingNumber.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := parseFloat(m[1])
	if err != nil {
		return 0, false
	}
	scale := ""
	switch {
	case m[2] == "%":
		return math.Min(v/20, MaxRating), true
	case m[3] != "":
		scale = m[3]
	case m[4] != "":
		scale = m[4]
	}
	if scale != "" {
		max, err := parseFloat(scale)
		if err != nil || max <= 0 {
			return 0, false
		}
		v = v / max * MaxRating
	}
	if v < 0 || v > MaxRating {
		return 0, false
	}
	return v, true
}

// ParseCount reads counts such as "(1,234 reviews)" or "1 234".
func ParseCount(text string) (int, bool) {
	m := countNumber.FindString(text)
	if m == "" {
		return 0, false
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, m)
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}
