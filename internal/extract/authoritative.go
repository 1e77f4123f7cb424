package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/product-enricher/internal/product"
)

// PageRules describes where things live on the authoritative product page.
type PageRules struct {
	Specs     Selectors
	Features  Selectors
	LinkItem  string
	LinkName  string
	LinkPrice string
	Price     string
	Brand     string
	Model     string
	Documents string
}

// DefaultDocuments matches links to PDF files.
const DefaultDocuments = `a[href$=".pdf"], a[href*=".pdf?"], a[href$=".PDF"]`

// Authoritative is everything read from the authoritative page.
type Authoritative struct {
	Specs     *product.Fields
	Features  *product.Fields
	Links     []product.SourceLink
	Documents []string
	Price     string
	Brand     string
	Model     string
}

// ReadAuthoritative applies rules to doc. Without a feature table, boolean
// rows of the spec table are treated as features.
func ReadAuthoritative(doc *goquery.Document, rules PageRules) Authoritative {
	out := Authoritative{
		Specs: Table(doc, rules.Specs),
		Price: First(doc, rules.Price),
		Brand: First(doc, rules.Brand),
		Model: First(doc, rules.Model),
	}
	if rules.Features.Empty() {
		out.Features = SplitBooleans(out.Specs)
	} else {
		out.Features = Table(doc, rules.Features)
	}
	out.Links = offerLinks(doc, rules)
	docs := rules.Documents
	if strings.TrimSpace(docs) == "" {
		docs = DefaultDocuments
	}
	out.Documents = Links(doc, docs)
	return out
}

func offerLinks(doc *goquery.Document, rules PageRules) []product.SourceLink {
	if doc == nil || strings.TrimSpace(rules.LinkItem) == "" {
		return nil
	}
	var links []product.SourceLink
	seen := map[string]struct{}{}
	doc.Find(rules.LinkItem).Each(func(_ int, item *goquery.Selection) {
		anchor := item
		if goquery.NodeName(item) != "a" {
			anchor = item.Find("a[href]").First()
		}
		href, ok := anchor.Attr("href")
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
		name := ""
		if rules.LinkName != "" {
			name = Text(item.Find(rules.LinkName).First())
		}
		if name == "" {
			name = Text(anchor)
		}
		if name == "" {
			name = Host(abs)
		}
		price := ""
		if rules.LinkPrice != "" {
			price = Text(item.Find(rules.LinkPrice).First())
		}
		links = append(links, product.SourceLink{Provider: name, URL: abs, Price: price})
	})
	return links
}
