package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/pkg/llm"
)

const sentimentPrompt = `You analyse customer reviews of one product for UK buyers.
Look for patterns across reviews and report what matters to a potential buyer.
Reply with one JSON object and nothing else:
{"summary": "<2-3 sentences>", "pros": ["..."], "cons": ["..."], "themes": ["..."],
 "insights": "<insights specific to this kind of product>", "confidence": <0.0-1.0, from review quantity and consistency>}`

// DefaultMaxTexts caps the reviews sent in one request.
const DefaultMaxTexts = 50

const defaultConfidence = 0.5

var sentimentKeys = []string{"summary", "pros", "cons", "themes", "insights"}

// Analyzer asks a language model for the overall sentiment of review texts.
type Analyzer struct {
	client    llm.Client
	model     string
	maxTokens int64
	maxTexts  int
}

// NewAnalyzer builds an Analyzer that sends at most maxTexts reviews.
func NewAnalyzer(client llm.Client, model string, maxTokens int64, maxTexts int) *Analyzer {
	if maxTexts <= 0 {
		maxTexts = DefaultMaxTexts
	}
	return &Analyzer{client: client, model: model, maxTokens: maxTokens, maxTexts: maxTexts}
}

// Analyze reads the sentiment of texts. A failed request is a transient
// failure; an unreadable answer is an extraction failure.
func (a *Analyzer) Analyze(ctx context.Context, name string, texts []string) (*product.Sentiment, error) {
	if len(texts) > a.maxTexts {
		texts = texts[:a.maxTexts]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Product: %s\n\n", name)
	for i, t := range texts {
		fmt.Fprintf(&b, "Review %d:\n%s\n\n", i+1, t)
	}
	answer, err := llm.Ask(ctx, a.client, a.model, a.maxTokens, sentimentPrompt, b.String())
	if err != nil {
		return nil, failure.Transient("analyze sentiment", err)
	}
	s, err := ParseSentiment(answer)
	if err != nil {
		return nil, failure.Extract("analyze sentiment", err)
	}
	s.Analyzed = len(texts)
	return s, nil
}

// ParseSentiment reads the model's answer. The summary, pros, cons, themes
// and insights keys must be present; list keys holding anything but a list
// read as empty. Confidence is clamped to [0, 1] and defaults to 0.5.
func ParseSentiment(text string) (*product.Sentiment, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(llm.StripFences(text)), &raw); err != nil {
		return nil, fmt.Errorf("decode model answer: %w", err)
	}
	for _, k := range sentimentKeys {
		if _, ok := raw[k]; !ok {
			return nil, fmt.Errorf("model answer is missing %q", k)
		}
	}
	s := &product.Sentiment{
		Summary:    str(raw["summary"]),
		Pros:       list(raw["pros"]),
		Cons:       list(raw["cons"]),
		Themes:     list(raw["themes"]),
		Insights:   str(raw["insights"]),
		Confidence: defaultConfidence,
	}
	if c, ok := raw["confidence"]; ok {
		var v float64
		if err := json.Unmarshal(c, &v); err == nil {
			s.Confidence = min(1, max(0, v))
		}
	}
	return s, nil
}

func str(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func list(raw json.RawMessage) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	var out []string
	for _, item := range items {
		if s := str(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
