package document

import (
	"regexp"
	"sort"
	"strings"

	"github.com/JakeFAU/product-enricher/internal/product"
)

// Window defaults.
const (
	DefaultWindowSize = 1000
	DefaultOverlap    = 500
	DefaultMinWindow  = 400
)

// Window is a slice of document text and its spec density.
type Window struct {
	Start int
	End   int
	Text  string
	Score float64
}

// Windows splits text into overlapping windows of size runes. Trailing
// windows shorter than minLen are dropped.
func Windows(text string, size, overlap, minLen int) []Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap % size
	}
	if minLen <= 0 {
		minLen = DefaultMinWindow
	}
	runes := []rune(text)
	step := size - overlap
	var out []Window
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		if end-start < minLen {
			continue
		}
		w := string(runes[start:end])
		out = append(out, Window{Start: start, End: end, Text: w, Score: Density(w)})
	}
	return out
}

type densityPattern struct {
	re     *regexp.Regexp
	weight float64
}

var (
	densityPatterns = []densityPattern{
		{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s*(?:kg|g|cm|mm|m|in|inch(?:es)?|l|ml|litres?|w|kw|watts?|v|volts?|a|hz|°c|rpm|kwh|db\(?a?\)?|mins?|minutes?|hours?|hrs?|%|years?)\b`), 5},
		{regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s*[x×*]\s*\d+(?:\.\d+)?(?:\s*[x×*]\s*\d+(?:\.\d+)?)?\s*(?:cm|mm|m|in)\b`), 8},
		{regexp.MustCompile(`(?m)^\s*[A-Za-z][A-Za-z ]{2,30}[\s:-]\s*\d+`), 4},
		{regexp.MustCompile(`(?i)\b(?:capacity|power|voltage|frequency|dimensions|width|height|depth|weight|energy|temperature|speed|noise|efficiency|consumption|rating|load|volume|spin|programmes?|class)\b`), 2},
		{regexp.MustCompile(`(?m)^[^\n]*:[^\n]*:[^\n]*$`), 10},
	}
	specHeader = regexp.MustCompile(`(?i)\b(?:specifications?|technical\s+data|product\s+details|performance|characteristics)\b`)
	fluff      = regexp.MustCompile(`(?i)\b(?:amazing|revolutionary|best|perfect|ultimate|innovative|cutting-edge|stunning|incredible)\b`)
)

// Density scores how spec-like text is, per 1000 characters.
func Density(text string) float64 {
	if text == "" {
		return 0
	}
	score := 0.0
	kinds := 0
	for _, p := range densityPatterns {
		if n := len(p.re.FindAllStringIndex(text, -1)); n > 0 {
			score += float64(n) * p.weight
			kinds++
		}
	}
	if kinds >= 3 {
		score *= 1.5
	}
	if specHeader.MatchString(text) {
		score *= 2
	}
	if len(fluff.FindAllStringIndex(text, -1)) > 5 {
		score *= 0.5
	}
	return score / float64(len([]rune(text))) * 1000
}

// Densest returns up to n windows ordered by descending score; equal scores
// keep document order.
func Densest(ws []Window, n int) []Window {
	out := append([]Window(nil), ws...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

var (
	colonPair = regexp.MustCompile(`^([\p{L}][\p{L}\d ()/&.'-]{1,48}?)\s*[:=]\s*(\S.{0,79})$`)
	spacedRow = regexp.MustCompile(`^([\p{L}][\p{L} ()/&.'-]{2,40}?)\s{2,}(\d\S*(?:\s\S+){0,3})$`)
	pageNoise = regexp.MustCompile(`(?i)^(?:page\s+\d+|\d+\s*/\s*\d+|www\.|https?://)`)
	tocLine   = regexp.MustCompile(`\.{4,}\s*\d+$`)
)

// Pairs parses "Key: Value" and tabular "Key    123 unit" lines. The first
// value of a key wins.
func Pairs(text string) *product.Fields {
	out := product.NewFields()
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || pageNoise.MatchString(line) || tocLine.MatchString(line) {
			continue
		}
		m := colonPair.FindStringSubmatch(line)
		if m == nil {
			m = spacedRow.FindStringSubmatch(line)
		}
		if m == nil {
			continue
		}
		key := strings.TrimSpace(m[1])
		value := strings.TrimSpace(m[2])
		if len(strings.Fields(key)) > 6 || value == "" {
			continue
		}
		out.SetIfAbsent(key, value)
	}
	return out
}

// Expand widens w to whole lines of text, measured in runes.
func Expand(text string, w Window) string {
	runes := []rune(text)
	start, end := w.Start, w.End
	for start > 0 && runes[start-1] != '\n' {
		start--
	}
	for end < len(runes) && runes[end] != '\n' {
		end++
	}
	return string(runes[start:end])
}
