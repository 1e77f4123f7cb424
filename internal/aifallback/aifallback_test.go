package aifallback

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/page"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/pkg/llm"
	"github.com/JakeFAU/product-enricher/pkg/llm/llmtest"
)

type stubLoader struct {
	html      string
	requested []string
}

func (s *stubLoader) Load(_ context.Context, rawURL string) (page.Page, error) {
	s.requested = append(s.requested, rawURL)
	return page.Page{URL: rawURL, FinalURL: rawURL, HTML: s.html}, nil
}

const productHTML = `<html><head><script>var x = 1;</script></head><body>
<h1>Acme WM-800</h1>
<table><tr><th>Capacity</th><td>8 kg</td></tr><tr><th>Spin</th><td>1400 rpm</td></tr></table>
</body></html>`

func TestEnrichFillsAbsentSpecsAndFeatures(t *testing.T) {
	t.Parallel()

	client := llmtest.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req llm.MessageRequest) bool {
		prompt := req.Messages[0].Content
		return strings.Contains(prompt, "| Capacity |") && !strings.Contains(prompt, "var x")
	})).Return(llmtest.Answer("```json\n{\"Capacity\": \"9 kg\", \"Spin speed\": 1400, \"Wifi\": true, \"Colour\": null}\n```"), nil)

	loader := &stubLoader{html: productHTML}
	e := New(Config{Model: "m", MinSpecs: 5}, client, loader, nil)
	p := product.New("Acme WM-800", "https://catalog.example/wm-800")
	p.Specs = product.FieldsOf("Capacity", "8kg")
	p.AddSourceLink(product.SourceLink{Provider: "A", URL: "https://retail-a.example/p/1"})

	out, err := e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, product.StatusSucceeded, out.Status)
	require.Equal(t, []string{"https://retail-a.example/p/1"}, loader.requested)
	require.Equal(t, map[string]string{"Capacity": "8kg", "Spin speed": "1400"}, p.Specs.Map())
	require.Equal(t, map[string]string{"Wifi": "Yes"}, p.Features.Map())
}

func TestEnrichSkipsAndFails(t *testing.T) {
	t.Parallel()

	p := product.New("X", "https://catalog.example/x")
	out, err := New(Config{MinSpecs: 5}, nil, &stubLoader{}, nil).Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, product.StatusSkipped, out.Status)

	client := llmtest.NewMockClient(t)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("overloaded")).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(llmtest.Answer("{}"), nil).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(llmtest.Answer("I cannot help"), nil).Once()
	e := New(Config{MinSpecs: 5}, client, &stubLoader{html: productHTML}, nil)

	_, err = e.Enrich(context.Background(), p)
	require.Equal(t, failure.TransientIO, failure.KindOf(err))
	_, err = e.Enrich(context.Background(), p)
	require.ErrorIs(t, err, ErrNothingExtracted)
	_, err = e.Enrich(context.Background(), p)
	require.Equal(t, failure.Extraction, failure.KindOf(err))

	p.Specs = product.FieldsOf("a", "1", "b", "2", "c", "3", "d", "4", "e", "5")
	out, err = e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, product.StatusSkipped, out.Status)
}

func TestMarkdownTruncates(t *testing.T) {
	t.Parallel()

	e := New(Config{MaxInputChars: 10}, nil, nil, nil)
	md, err := e.Markdown(page.Page{HTML: "<p>" + strings.Repeat("é", 50) + "</p>", FinalURL: "https://x.example"})
	require.NoError(t, err)
	require.Equal(t, 10, len([]rune(md)))
}
