package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/page"
	"github.com/JakeFAU/product-enricher/internal/product"
)

// minimalPDF builds a one-page PDF whose content stream shows lines.
func minimalPDF(lines ...string) []byte {
	var content strings.Builder
	content.WriteString("BT\n/F1 10 Tf\n72 720 Td\n")
	for i, l := range lines {
		if i > 0 {
			content.WriteString("0 -14 Td\n")
		}
		fmt.Fprintf(&content, "(%s) Tj\n", strings.NewReplacer("(", `\(`, ")", `\)`).Replace(l))
	}
	content.WriteString("ET")
	stream := content.String()

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestTextReadsShowOperators(t *testing.T) {
	t.Parallel()

	text, err := Text(minimalPDF("Technical data", "Capacity: 8 kg", "Noise level (wash): 52 dB"))
	require.NoError(t, err)
	require.Equal(t, "Technical data\nCapacity: 8 kg\nNoise level (wash): 52 dB", text)

	_, err = Text([]byte("not a pdf"))
	require.Error(t, err)
}

func TestStreamTextHandlesArraysAndEscapes(t *testing.T) {
	t.Parallel()

	got := streamText([]byte("BT\n[(Wid) -20 (th:) ( 60 cm)] TJ\nT*\n(Depth\\072 58 cm) Tj\n0 -12 Td\n(Heat\\(pump\\)) '\nET"))
	require.Equal(t, "Width: 60 cm\nDepth: 58 cm\nHeat(pump)", got)
}

func TestScoreAndRank(t *testing.T) {
	t.Parallel()

	s := Scorer{Trusted: []string{"manuals.example"}}
	assert.Equal(t, 50+30+10, s.Score("https://docs.acme.com/WM800-manual.pdf", "Acme", "wm800"))
	assert.Equal(t, 20+10+15, s.Score("https://manuals.example/acme/user-guide.pdf", "acme", ""))
	assert.Equal(t, 10-100, s.Score("https://ad.doubleclick.net/spec.pdf", "", ""))
	assert.Equal(t, 50-50, s.Score("https://acme.com/recall-notice.pdf", "acme", ""))

	got := s.Rank([]string{
		"https://shop.example/leaflet.pdf",
		"https://manuals.example/x-manual.pdf",
		"https://acme.com/wm800.pdf",
		"https://acme.com/wm800.pdf",
		"https://ad.doubleclick.net/spec.pdf",
	}, "acme", "wm800")
	require.Equal(t, []Candidate{
		{URL: "https://acme.com/wm800.pdf", Score: 80},
		{URL: "https://manuals.example/x-manual.pdf", Score: 25},
	}, got)
}

func TestWindows(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", 2200)
	ws := Windows(text, 1000, 500, 400)
	// Starts at 0, 500, 1000, 1500; the window at 2000 has 200 runes.
	require.Len(t, ws, 4)
	require.Equal(t, 1500, ws[3].Start)
	require.Equal(t, 2200, ws[3].End)
	require.Empty(t, Windows("short", 1000, 500, 400))
}

func TestDensityPrefersSpecText(t *testing.T) {
	t.Parallel()

	specs := "Specifications\nCapacity: 8 kg\nSpin speed: 1400 rpm\nDimensions: 85 x 60 x 58 cm\nEnergy: 152 kWh\n"
	prose := "This amazing washer is the best, most innovative and perfect addition to any stunning home.\n"
	require.Greater(t, Density(specs), Density(prose))
	require.Zero(t, Density(""))

	ws := []Window{{Start: 0, Score: 1}, {Start: 1, Score: 5}, {Start: 2, Score: 5}}
	got := Densest(ws, 2)
	require.Equal(t, []int{1, 2}, []int{got[0].Start, got[1].Start})
}

func TestPairs(t *testing.T) {
	t.Parallel()

	got := Pairs(strings.Join([]string{
		"Capacity: 8 kg",
		"Spin speed = 1400 rpm",
		"Noise level        52 dB",
		"Capacity: 9 kg",
		"Page 3",
		"Safety instructions ........ 12",
		"https://acme.com: website",
		"just a sentence without any separator",
	}, "\n"))
	require.Equal(t, []string{"Capacity", "Spin speed", "Noise level"}, got.Keys())
	v, _ := got.Get("Capacity")
	require.Equal(t, "8 kg", v)
}

func TestExpandToWholeLines(t *testing.T) {
	t.Parallel()

	text := "first line\nsecond line\nthird"
	require.Equal(t, "second line", Expand(text, Window{Start: 13, End: 16}))
	require.Equal(t, "first line\nsecond line", Expand(text, Window{Start: 2, End: 12}))
}

type fakeFetcher struct {
	docs    map[string][]byte
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) ([]byte, string, error) {
	f.fetched = append(f.fetched, rawURL)
	data, ok := f.docs[rawURL]
	if !ok {
		return nil, "", failure.Extract("fetch", errors.New("404"))
	}
	return data, "application/pdf", nil
}

type fakeSearch struct{ html string }

func (f fakeSearch) Load(_ context.Context, rawURL string) (page.Page, error) {
	return page.Page{URL: rawURL, FinalURL: rawURL, HTML: f.html}, nil
}

func TestEnrichFillsAbsentSpecsUntilTarget(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{docs: map[string][]byte{
		"https://acme.com/wm800-manual.pdf": minimalPDF("Capacity: 9 kg", "Spin speed: 1400 rpm", "Noise: 52 dB"),
		"https://acme.com/wm800-spec.pdf":   minimalPDF("Energy class: A", "Water use: 48 L"),
		"https://acme.com/wm800-extra.pdf":  minimalPDF("Colour: White"),
	}}
	e := New(Config{MinSpecs: 5, MaxDocuments: 3}, fetcher, nil, nil)
	p := product.New("Acme WM800", "https://catalog.example/wm800")
	p.Brand, p.Model, p.BaseSpecCount = "Acme", "WM800", 4
	p.Specs = product.FieldsOf("Capacity", "8 kg")
	p.Documents = []string{
		"https://acme.com/wm800-manual.pdf",
		"https://acme.com/wm800-spec.pdf",
		"https://acme.com/wm800-extra.pdf",
	}

	out, err := e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, product.StatusSucceeded, out.Status)
	v, _ := p.Specs.Get("Capacity")
	require.Equal(t, "8 kg", v)
	require.Equal(t, 5, p.Specs.Len())
	// Target reached after the second document.
	require.Len(t, fetcher.fetched, 2)
}

func TestEnrichSkipsAndFails(t *testing.T) {
	t.Parallel()

	e := New(Config{MinSpecs: 1}, &fakeFetcher{}, nil, nil)
	p := product.New("X", "https://catalog.example/x")
	p.Specs = product.FieldsOf("a", "1")
	out, err := e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, product.StatusSkipped, out.Status)

	e = New(Config{MinSpecs: 3}, &fakeFetcher{docs: map[string][]byte{
		"https://acme.com/manual.pdf": []byte("<html>not a pdf</html>"),
	}}, nil, nil)
	p.Documents = []string{"https://acme.com/manual.pdf"}
	_, err = e.Enrich(context.Background(), p)
	require.Error(t, err)
	require.Equal(t, failure.Extraction, failure.KindOf(err))
}

func TestEnrichSearchesWhenNoDocuments(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{docs: map[string][]byte{
		"https://acme.com/wm800-manual.pdf": minimalPDF("Capacity: 9 kg"),
	}}
	search := fakeSearch{html: `<a href="/l/?uddg=https%3A%2F%2Facme.com%2Fwm800-manual.pdf">m</a><a href="https://acme.com/about">x</a>`}
	e := New(Config{MinSpecs: 2, SearchURL: "https://html.duckduckgo.com/html/?q={query}"}, fetcher, search, nil)
	p := product.New("WM800", "https://catalog.example/wm800")
	p.Brand = "Acme"

	out, err := e.Enrich(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, product.StatusSucceeded, out.Status)
	require.Equal(t, []string{"https://acme.com/wm800-manual.pdf"}, p.Documents)
}
