// Package aifallback asks a language model for specs that no scraper or
// document could provide.
package aifallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/extract"
	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/page"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/pkg/llm"
)

// ErrNothingExtracted is returned when the model found no new specs.
var ErrNothingExtracted = errors.New("model returned no new specs")

const systemPrompt = `You extract technical specifications of one product from a web page converted to markdown.
Reply with one flat JSON object mapping specification names to string values and nothing else.
Use yes/no values for features. Only report values stated on the page; omit anything you are unsure of.`

// PageLoader loads the page given to the model.
type PageLoader interface {
	Load(ctx context.Context, rawURL string) (page.Page, error)
}

// Config tunes the fallback.
type Config struct {
	Model         string
	MaxTokens     int64
	MaxInputChars int
	// MinSpecs is the spec count below which a product is sent to the model.
	MinSpecs int
}

// Enricher is the AI fallback phase.
type Enricher struct {
	cfg    Config
	client llm.Client
	loader PageLoader
	conv   *converter.Converter
	logger *zap.Logger
}

// New builds an Enricher. A nil client disables the phase: every product is
// skipped.
func New(cfg Config, client llm.Client, loader PageLoader, logger *zap.Logger) *Enricher {
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = 30000
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{
		cfg:    cfg,
		client: client,
		loader: loader,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		logger: logger.Named("aifallback"),
	}
}

// Enrich is the phase task.
func (e *Enricher) Enrich(ctx context.Context, p *product.Product) (product.Outcome, error) {
	if e.client == nil {
		return product.Outcome{Status: product.StatusSkipped, Diagnostic: "no model configured"}, nil
	}
	if p.Specs.NonEmpty() >= e.cfg.MinSpecs {
		return product.Outcome{Status: product.StatusSkipped, Diagnostic: "spec target met"}, nil
	}
	target := p.URL
	if len(p.SourceLinks) > 0 {
		target = p.SourceLinks[0].URL
	}
	pg, err := e.loader.Load(ctx, target)
	if err != nil {
		return product.Outcome{}, err
	}
	md, err := e.Markdown(pg)
	if err != nil {
		return product.Outcome{}, err
	}
	prompt := fmt.Sprintf("Product: %s\nPage: %s\n\n%s", p.Name, pg.FinalURL, md)
	text, err := llm.Ask(ctx, e.client, e.cfg.Model, e.cfg.MaxTokens, systemPrompt, prompt)
	if err != nil {
		return product.Outcome{}, failure.Transient("ai fallback", err)
	}
	found, err := ParseSpecs(text)
	if err != nil {
		return product.Outcome{}, failure.Extract("ai fallback", err)
	}
	features := extract.SplitBooleans(found)
	added := p.Specs.Fill(found) + p.Features.Fill(features)
	e.logger.Debug("model answered", zap.String("product", p.Name), zap.Int("added", added))
	if added == 0 {
		return product.Outcome{}, failure.Extract("ai fallback", ErrNothingExtracted)
	}
	return product.Outcome{Status: product.StatusSucceeded, Source: pg.FinalURL}, nil
}

// Markdown converts the page and truncates it to the input budget.
func (e *Enricher) Markdown(pg page.Page) (string, error) {
	md, err := e.conv.ConvertString(pg.HTML, converter.WithDomain(pg.FinalURL))
	if err != nil {
		return "", failure.Extract("convert page", err)
	}
	md = strings.TrimSpace(md)
	if runes := []rune(md); len(runes) > e.cfg.MaxInputChars {
		md = string(runes[:e.cfg.MaxInputChars])
	}
	return md, nil
}

// ParseSpecs reads the model's flat JSON object, keeping its key order.
// Blank values are dropped.
func ParseSpecs(text string) (*product.Fields, error) {
	var raw product.Fields
	if err := json.Unmarshal([]byte(llm.StripFences(text)), &raw); err != nil {
		return nil, fmt.Errorf("decode model answer: %w", err)
	}
	out := product.NewFields()
	raw.Each(func(k, v string) {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" || strings.EqualFold(v, "null") || strings.EqualFold(v, "unknown") {
			return
		}
		out.Set(k, v)
	})
	return out, nil
}
