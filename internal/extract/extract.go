// Package extract pulls key/value tables, links and prices out of parsed pages.
package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/product-enricher/internal/product"
)

// Selectors locate key/value rows. With an empty Key selector the row's own
// text is the key and its next sibling element holds the value (dt/dd lists).
type Selectors struct {
	Row   string
	Key   string
	Value string
}

// Empty reports whether no row selector is configured.
func (s Selectors) Empty() bool {
	return strings.TrimSpace(s.Row) == ""
}

// Text collapses whitespace in the selection's text.
func Text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func cleanKey(k string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(k), ":"))
}

// Table reads key/value rows in document order. Blank keys or values are
// skipped; a repeated key keeps its first value.
func Table(doc *goquery.Document, sel Selectors) *product.Fields {
	out := product.NewFields()
	if doc == nil || sel.Empty() {
		return out
	}
	doc.Find(sel.Row).Each(func(_ int, row *goquery.Selection) {
		var key, value string
		if strings.TrimSpace(sel.Key) == "" {
			key = Text(row)
			value = Text(row.Next())
		} else {
			key = Text(row.Find(sel.Key).First())
			value = Text(row.Find(sel.Value).First())
		}
		key = cleanKey(key)
		if key == "" || value == "" {
			return
		}
		out.SetIfAbsent(key, value)
	})
	return out
}

// SplitBooleans moves boolean-valued pairs out of specs into a new mapping.
func SplitBooleans(specs *product.Fields) *product.Fields {
	features := product.NewFields()
	for _, k := range specs.Keys() {
		v, _ := specs.Get(k)
		if product.IsBooleanValue(v) {
			features.SetIfAbsent(k, v)
			specs.Delete(k)
		}
	}
	return features
}

// First returns the collapsed text of the first match, or "".
func First(doc *goquery.Document, selector string) string {
	if doc == nil || strings.TrimSpace(selector) == "" {
		return ""
	}
	return Text(doc.Find(selector).First())
}

// Resolve turns href into an absolute URL relative to the document.
func Resolve(doc *goquery.Document, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") {
		return ""
	}
	if doc != nil && doc.Url != nil {
		if u, err := doc.Url.Parse(href); err == nil {
			return u.String()
		}
		return ""
	}
	u, err := url.Parse(href)
	if err != nil || !u.IsAbs() {
		return ""
	}
	return u.String()
}

// Links returns the absolute href of every element matching selector,
// deduplicated in document order.
func Links(doc *goquery.Document, selector string) []string {
	if doc == nil || strings.TrimSpace(selector) == "" {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			href, ok = s.Find("a[href]").First().Attr("href")
		}
		if !ok {
			return
		}
		abs := Resolve(doc, href)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

// Host returns the lower-cased host of rawURL without a www. prefix.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
