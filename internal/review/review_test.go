package review

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-enricher/internal/config"
	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/page"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/pkg/llm"
	"github.com/JakeFAU/product-enricher/pkg/llm/llmtest"
)

type pagesLoader map[string]string

func (p pagesLoader) Load(_ context.Context, rawURL string) (page.Page, error) {
	return page.Page{URL: rawURL, FinalURL: rawURL, HTML: p[rawURL]}, nil
}

const retailerA = `<div class="reviews">
<span class="stars" aria-label="Rated 4.6 out of 5 stars"></span>
<span class="count">(1,204 reviews)</span>
<p class="summary">Quiet and  efficient.</p>
<ul class="pros"><li>Quiet</li><li>Big drum</li><li> </li></ul>
<ul class="cons"><li>Long eco cycle</li></ul>
</div>`

const retailerB = `<div><span class="rating">92%</span><span class="n">88</span></div>`

func sources(t *testing.T) []Source {
	t.Helper()
	disabled := false
	out, err := Sources([]config.ReviewSourceConfig{
		{Name: "RetailA", Patterns: []string{`retail-a\.example`}, Rating: ".stars", Count: ".count", Summary: ".summary", Pros: ".pros li", Cons: ".cons li"},
		{Name: "Off", Enabled: &disabled, Patterns: []string{`.*`}, Rating: ".x"},
		{Name: "RetailB", Patterns: []string{`retail-b\.example`}, Rating: ".rating", Count: ".n"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	return out
}

func TestEnrichUsesFirstSourceWithRating(t *testing.T) {
	t.Parallel()

	loader := pagesLoader{
		"https://retail-a.example/p/1": retailerA,
		"https://retail-b.example/p/1": retailerB,
	}
	e := NewEnricher(sources(t), loader, nil)
	p := product.New("Washer", "https://catalog.example/w")
	p.AddSourceLink(product.SourceLink{Provider: "B", URL: "https://retail-b.example/p/1"})
	p.AddSourceLink(product.SourceLink{Provider: "A", URL: "https://retail-a.example/p/1"})

	out, err := e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, "RetailA", out.Source)
	require.NotNil(t, p.Reviews)
	require.InDelta(t, 4.6, *p.Reviews.Rating, 1e-9)
	require.Equal(t, 1204, *p.Reviews.Count)
	require.Equal(t, "Quiet and efficient.", p.Reviews.Summary)
	require.Equal(t, []string{"Quiet", "Big drum"}, p.Reviews.Pros)
	require.Equal(t, []string{"Long eco cycle"}, p.Reviews.Cons)
	require.Nil(t, p.Reviews.QualityScore)
}

func TestEnrichFallsBackToNextSource(t *testing.T) {
	t.Parallel()

	loader := pagesLoader{
		"https://retail-a.example/p/1": `<p>no reviews yet</p>`,
		"https://retail-b.example/p/1": retailerB,
	}
	e := NewEnricher(sources(t), loader, nil)
	p := product.New("Washer", "https://catalog.example/w")
	p.AddSourceLink(product.SourceLink{Provider: "A", URL: "https://retail-a.example/p/1"})
	p.AddSourceLink(product.SourceLink{Provider: "B", URL: "https://retail-b.example/p/1"})

	out, err := e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, "RetailB", out.Source)
	require.InDelta(t, 4.6, *p.Reviews.Rating, 1e-9)
	require.Equal(t, 88, *p.Reviews.Count)
}

func TestEnrichOutcomes(t *testing.T) {
	t.Parallel()

	e := NewEnricher(sources(t), pagesLoader{"https://retail-a.example/p/1": `<p></p>`}, nil)

	p := product.New("Washer", "https://catalog.example/w")
	out, err := e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, product.StatusSkipped, out.Status)

	p.AddSourceLink(product.SourceLink{Provider: "A", URL: "https://retail-a.example/p/1"})
	_, err = e.Enrich(context.Background(), p)
	require.ErrorIs(t, err, ErrNoRating)
	require.Equal(t, failure.Extraction, failure.KindOf(err))

	rating := 4.0
	p.Reviews = &product.Reviews{Rating: &rating}
	out, err = e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, product.StatusSkipped, out.Status)
}

func TestNewSourceValidates(t *testing.T) {
	t.Parallel()

	_, err := NewSource("", []string{"x"}, Selectors{Rating: ".r"})
	require.Error(t, err)
	_, err = NewSource("a", []string{"x"}, Selectors{})
	require.Error(t, err)
	_, err = NewSource("a", []string{"("}, Selectors{Rating: ".r"})
	require.Error(t, err)
	_, err = NewSource("a", nil, Selectors{Rating: ".r"})
	require.Error(t, err)
}

const retailerC = `<div><span class="rating">4.2</span>
<p class="summary">Reliable.</p>
<ul class="pros"><li>Cheap to run</li></ul>
<div class="review">Washes well, very quiet at night.</div>
<div class="review">Door seal went after a year.</div>
</div>`

func textSources(t *testing.T) []Source {
	t.Helper()
	out, err := Sources([]config.ReviewSourceConfig{
		{Name: "RetailB", Patterns: []string{`retail-b\.example`}, Rating: ".rating", Count: ".n"},
		{Name: "RetailC", Patterns: []string{`retail-c\.example`}, Rating: ".stars", Summary: ".summary", Pros: ".pros li", Texts: ".review"},
	})
	require.NoError(t, err)
	return out
}

func TestEnrichFillsTextFromLaterSources(t *testing.T) {
	t.Parallel()

	loader := pagesLoader{
		"https://retail-b.example/p/1": retailerB,
		"https://retail-c.example/p/1": retailerC,
	}
	e := NewEnricher(textSources(t), loader, nil)
	p := product.New("Washer", "https://catalog.example/w")
	p.AddSourceLink(product.SourceLink{Provider: "C", URL: "https://retail-c.example/p/1"})
	p.AddSourceLink(product.SourceLink{Provider: "B", URL: "https://retail-b.example/p/1"})

	out, err := e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, "RetailB", out.Source)
	// Rating and count come from the winner only; RetailC has no ".stars".
	require.InDelta(t, 4.6, *p.Reviews.Rating, 1e-9)
	require.Equal(t, 88, *p.Reviews.Count)
	require.Equal(t, "RetailB", p.Reviews.Source)
	require.Equal(t, "Reliable.", p.Reviews.Summary)
	require.Equal(t, []string{"Cheap to run"}, p.Reviews.Pros)
	require.Empty(t, p.Reviews.Cons)
	require.Len(t, p.Reviews.Texts, 2)
	require.Nil(t, p.Reviews.Sentiment)
}

func TestEnrichAnalyzesSentiment(t *testing.T) {
	t.Parallel()

	client := llmtest.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req llm.MessageRequest) bool {
		prompt := req.Messages[0].Content
		return strings.Contains(prompt, "Product: Washer") &&
			strings.Contains(prompt, "Review 2:\nDoor seal went after a year.")
	})).Return(llmtest.Answer(`{"summary": "Mostly happy.", "pros": ["quiet"], "cons": ["door seal"],
"themes": ["noise", "reliability"], "insights": "Check the seal.", "confidence": 0.8}`), nil)

	loader := pagesLoader{
		"https://retail-b.example/p/1": retailerB,
		"https://retail-c.example/p/1": retailerC,
	}
	e := NewEnricher(textSources(t), loader, nil, WithSentiment(NewAnalyzer(client, "m", 1000, 0)))
	p := product.New("Washer", "https://catalog.example/w")
	p.AddSourceLink(product.SourceLink{Provider: "B", URL: "https://retail-b.example/p/1"})
	p.AddSourceLink(product.SourceLink{Provider: "C", URL: "https://retail-c.example/p/1"})

	out, err := e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, product.StatusSucceeded, out.Status)
	require.Equal(t, "sentiment from 2 reviews", out.Detail)
	require.Equal(t, &product.Sentiment{
		Summary:    "Mostly happy.",
		Pros:       []string{"quiet"},
		Cons:       []string{"door seal"},
		Themes:     []string{"noise", "reliability"},
		Insights:   "Check the seal.",
		Confidence: 0.8,
		Analyzed:   2,
	}, p.Reviews.Sentiment)
}

func TestEnrichSentimentFailureKeepsReviews(t *testing.T) {
	t.Parallel()

	client := llmtest.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("overloaded")).Once()
	e := NewEnricher(textSources(t), pagesLoader{}, nil, WithSentiment(NewAnalyzer(client, "m", 1000, 0)))

	rating := 4.0
	p := product.New("Washer", "https://catalog.example/w")
	p.Reviews = &product.Reviews{Rating: &rating, Texts: []string{"Great."}}

	out, err := e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, product.StatusSkipped, out.Status)
	require.Equal(t, "sentiment analysis failed", out.Diagnostic)
	require.Nil(t, p.Reviews.Sentiment)
	require.Len(t, p.Diagnostics, 1)
	require.Contains(t, p.Diagnostics[0], "overloaded")
}

func TestAnalyzerCapsTexts(t *testing.T) {
	t.Parallel()

	client := llmtest.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req llm.MessageRequest) bool {
		return !strings.Contains(req.Messages[0].Content, "third")
	})).Return(llmtest.Answer("```json\n{\"summary\": \"ok\", \"pros\": [], \"cons\": [], \"themes\": [], \"insights\": \"\"}\n```"), nil)

	s, err := NewAnalyzer(client, "m", 1000, 2).Analyze(context.Background(), "Washer", []string{"first", "second", "third"})
	require.NoError(t, err)
	require.Equal(t, 2, s.Analyzed)
	require.InDelta(t, 0.5, s.Confidence, 1e-9)

	bad := llmtest.NewMockClient(t)
	bad.On("CreateMessage", mock.Anything, mock.Anything).Return(llmtest.Answer("no idea"), nil)
	_, err = NewAnalyzer(bad, "m", 1000, 0).Analyze(context.Background(), "Washer", []string{"first"})
	require.Equal(t, failure.Extraction, failure.KindOf(err))
}

func TestParseSentiment(t *testing.T) {
	t.Parallel()

	s, err := ParseSentiment(`{"summary": " Fine ", "pros": "quiet", "cons": [" ", "loud spin", 3], "themes": null, "insights": "x", "confidence": 7}`)
	require.NoError(t, err)
	require.Equal(t, "Fine", s.Summary)
	require.Empty(t, s.Pros)
	require.Equal(t, []string{"loud spin"}, s.Cons)
	require.Empty(t, s.Themes)
	require.InDelta(t, 1.0, s.Confidence, 1e-9)

	s, err = ParseSentiment(`{"summary": "", "pros": [], "cons": [], "themes": [], "insights": "", "confidence": -2}`)
	require.NoError(t, err)
	require.InDelta(t, 0.0, s.Confidence, 1e-9)

	_, err = ParseSentiment(`{"summary": "Fine", "pros": [], "cons": [], "themes": []}`)
	require.ErrorContains(t, err, "insights")
	_, err = ParseSentiment("not json")
	require.Error(t, err)
}
