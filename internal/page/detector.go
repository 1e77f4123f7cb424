package page

import (
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Detector flags statically fetched pages that only render client-side.
type Detector struct {
	MinBodyBytes int
}

// NewDetector creates a detector; zero threshold defaults to 2KiB.
func NewDetector(minBodyBytes int) *Detector {
	if minBodyBytes <= 0 {
		minBodyBytes = 2048
	}
	return &Detector{MinBodyBytes: minBodyBytes}
}

var shellMarkers = []string{
	`id="__next"`,
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"ng-version",
}

// NeedsRender reports whether p looks like an empty application shell.
func (d *Detector) NeedsRender(p Page) bool {
	if p.Rendered || p.StatusCode != http.StatusOK {
		return false
	}
	if strings.TrimSpace(p.HTML) == "" {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
	if err != nil {
		return false
	}
	text := strings.TrimSpace(doc.Find("body").Text())
	if len(p.HTML) < d.MinBodyBytes && scriptHeavy(doc, len(p.HTML)) {
		return true
	}
	if len(text) > 200 {
		return false
	}
	lower := strings.ToLower(p.HTML)
	for _, marker := range shellMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// scriptHeavy reports whether inline scripts make up a quarter of the page.
func scriptHeavy(doc *goquery.Document, total int) bool {
	if total == 0 {
		return false
	}
	scripts := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scripts += len(s.Text())
	})
	return scripts*100/total >= 25
}
