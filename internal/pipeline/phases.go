package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/classify"
	"github.com/JakeFAU/product-enricher/internal/dispatcher"
	"github.com/JakeFAU/product-enricher/internal/extract"
	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/scoring"
	"github.com/JakeFAU/product-enricher/internal/source"
	"github.com/JakeFAU/product-enricher/internal/unify"
)

// extractBase reads the authoritative product page. Its specs go in first,
// so every later source only fills gaps.
func (p *Pipeline) extractBase(ctx context.Context, item *product.Product) (product.Outcome, error) {
	pg, err := p.deps.Loader.Load(ctx, item.URL)
	if err != nil {
		return product.Outcome{}, err
	}
	doc, err := pg.Document()
	if err != nil {
		return product.Outcome{}, err
	}
	ex := p.cfg.Extraction
	auth := extract.ReadAuthoritative(doc, extract.PageRules{
		Specs:     extract.Selectors(ex.Specs),
		Features:  extract.Selectors(ex.Features),
		LinkItem:  ex.Links.Item,
		LinkName:  ex.Links.Name,
		LinkPrice: ex.Links.Price,
		Price:     ex.Price,
		Brand:     ex.Brand,
		Model:     ex.Model,
		Documents: ex.Documents,
	})
	item.Specs.Fill(auth.Specs)
	item.Features.Fill(auth.Features)
	item.BaseSpecCount = item.Specs.NonEmpty()
	if item.Price == "" {
		item.Price = auth.Price
	}
	if item.Brand == "" {
		item.Brand = auth.Brand
	}
	if item.Model == "" {
		item.Model = auth.Model
	}
	for _, link := range auth.Links {
		item.AddSourceLink(link)
	}
	for _, d := range auth.Documents {
		item.AddDocument(d)
	}
	if auth.Specs.Len() == 0 && auth.Features.Len() == 0 {
		return product.Outcome{}, failure.WithNote(failure.Extraction, "base extraction", "no spec table on product page",
			fmt.Errorf("%s: no specs or features", pg.FinalURL))
	}
	return product.Outcome{Status: product.StatusSucceeded, Source: pg.FinalURL}, nil
}

// enrichFromSources asks the orchestrator for provider data and merges it
// into absent keys.
func (p *Pipeline) enrichFromSources(ctx context.Context, item *product.Product) (product.Outcome, error) {
	out, err := p.orch.Enrich(ctx, item)
	if err != nil {
		return product.Outcome{}, err
	}
	added := source.Merge(item, out)
	o := product.Outcome{Status: product.StatusSucceeded, Source: out.URL}
	if !out.MetThreshold {
		o.Diagnostic = fmt.Sprintf("best partial result from %s (%d fields)", out.Provider, out.Fields)
	}
	p.logger.Debug("source specs merged",
		zap.String("product", item.Name),
		zap.String("provider", out.Provider),
		zap.Int("added", added),
	)
	return o, nil
}

// classifier layers hand-edited map files over the model's proposal. Either
// side may be absent; with both absent the chain reports a classification
// failure and unification passes the data through.
func (p *Pipeline) classifier() classify.Service {
	uc := p.cfg.Unification
	chain := classify.Chain{Logger: p.logger}
	if uc.Classifier && p.deps.LLM != nil {
		chain.Base = classify.NewLLM(p.deps.LLM, p.cfg.AI.Model, p.cfg.AI.MaxTokens, p.deps.Logger)
	}
	if len(uc.MapFiles) > 0 {
		chain.Overrides = append(chain.Overrides, classify.File{Paths: uc.MapFiles, Logger: p.deps.Logger})
	}
	return chain
}

// unify builds the key analysis, obtains a map and applies it once to the
// whole set. An unavailable classification service leaves the data as is.
func (p *Pipeline) unify(ctx context.Context, products []*product.Product) PhaseSummary {
	uc := p.cfg.Unification
	analysis := unify.Analyze(products, uc.SampleLimit)
	if uc.AnalysisOut != "" {
		p.writeJSONFile(uc.AnalysisOut, analysis)
	}

	m, err := p.classifier().Propose(ctx, analysis)
	if err != nil {
		p.logger.Warn("unification skipped", zap.Error(err))
		diag := failure.Classification.Diagnostic()
		var c dispatcher.Counts
		for _, item := range products {
			item.Record(product.PhaseUnification, product.Outcome{Status: product.StatusSkipped, Diagnostic: diag, Detail: err.Error()})
			c.Add(product.StatusSkipped)
		}
		return PhaseSummary{Counts: c, Note: diag}
	}
	if uc.AutoCategorize {
		var conflicts []string
		m, conflicts = unify.Overlay(unify.Map{CrossCategoryMoves: unify.SuggestMoves(analysis)}, m)
		for _, d := range conflicts {
			p.logger.Warn("unification map diagnostic", zap.String("source", "auto categorize"), zap.String("diagnostic", d))
		}
	}
	if uc.MapOut != "" {
		if data, err := m.MarshalIndent(); err == nil {
			p.writeFile(uc.MapOut, data)
		}
	}

	engine := unify.NewEngine(m, unify.WithAutoUnits())
	var c dispatcher.Counts
	for _, item := range products {
		specs, features := item.Specs.Clone(), item.Features.Clone()
		change := engine.Apply(item)
		o := product.Outcome{Status: product.StatusSucceeded}
		if problems := engine.Validate(item); len(problems) > 0 {
			for _, msg := range problems {
				item.AddDiagnostic("%s: %s", failure.Validation.Diagnostic(), msg)
			}
			o = product.Outcome{Status: product.StatusFailed, Diagnostic: failure.Validation.Diagnostic(), Detail: problems[0]}
		} else if specs.Equal(item.Specs) && features.Equal(item.Features) {
			o.Detail = "no changes"
		} else {
			o.Detail = fmt.Sprintf("specs %d -> %d, features %d -> %d, %d moved",
				change.SpecsBefore, change.SpecsAfter, change.FeaturesBefore, change.FeaturesAfter, change.Moved)
		}
		item.Record(product.PhaseUnification, o)
		c.Add(o.Status)
	}
	return PhaseSummary{Counts: c}
}

// score derives the prior from the corpus unless one is configured.
func (p *Pipeline) score(products []*product.Product) PhaseSummary {
	sc := p.cfg.Scoring
	prior, note := sc.PriorMean, "configured prior"
	if prior == 0 {
		if g, ok := scoring.GlobalPrior(products); ok {
			prior, note = g, "corpus prior"
		} else {
			prior, note = sc.DefaultPrior, "default prior"
		}
	}
	s := scoring.New(prior, sc.Confidence)
	s.Apply(products)
	var c dispatcher.Counts
	for _, item := range products {
		o := product.Outcome{Status: product.StatusSucceeded}
		if item.Reviews == nil || item.Reviews.QualityScore == nil {
			o = product.Outcome{Status: product.StatusSkipped, Diagnostic: "no rating or review count"}
		}
		item.Record(product.PhaseScoring, o)
		c.Add(o.Status)
	}
	return PhaseSummary{Counts: c, Note: fmt.Sprintf("%s %.1f, confidence %.0f", note, s.Prior, s.Confidence)}
}

// persist upserts the set in one batch. A store failure marks every product
// failed but keeps the run going so the output artifact is still written.
func (p *Pipeline) persist(ctx context.Context, products []*product.Product) PhaseSummary {
	var c dispatcher.Counts
	if p.deps.Store == nil {
		for _, item := range products {
			item.Record(product.PhasePersistence, product.Outcome{Status: product.StatusSkipped, Diagnostic: "no store configured"})
			c.Add(product.StatusSkipped)
		}
		return PhaseSummary{Counts: c}
	}
	for _, item := range products {
		item.Record(product.PhasePersistence, product.Outcome{Status: product.StatusSucceeded})
	}
	n, err := p.deps.Store.Upsert(ctx, products)
	if err != nil {
		p.logger.Error("persist products", zap.Error(err))
		for _, item := range products {
			item.Record(product.PhasePersistence, product.Outcome{
				Status:     product.StatusFailed,
				Diagnostic: failure.Diagnostic(err),
				Detail:     err.Error(),
			})
			c.Add(product.StatusFailed)
		}
		return PhaseSummary{Counts: c}
	}
	c.Succeeded = len(products)
	return PhaseSummary{Counts: c, Note: fmt.Sprintf("%d rows upserted", n)}
}

// writeOutput stores the product sequence as indented JSON.
func (p *Pipeline) writeOutput(ctx context.Context, r *Report) {
	if p.deps.Output == nil {
		return
	}
	var buf bytes.Buffer
	if err := product.Encode(&buf, r.Products); err != nil {
		p.logger.Error("encode output", zap.Error(err))
		return
	}
	uri, err := p.deps.Output.PutObject(ctx, p.deps.OutputObject, "application/json", &buf)
	if err != nil {
		p.logger.Error("write output", zap.String("object", p.deps.OutputObject), zap.Error(err))
		r.Degraded = true
		return
	}
	r.OutputURI = uri
	p.logger.Info("output written", zap.String("uri", uri), zap.Int("products", len(r.Products)))
}

// publish announces the finished run. Delivery problems are logged only.
func (p *Pipeline) publish(ctx context.Context, r *Report) {
	if p.deps.Publisher == nil || p.cfg.Publisher.Topic == "" {
		return
	}
	id, err := p.deps.Publisher.Publish(ctx, p.cfg.Publisher.Topic, r.Summary())
	if err != nil {
		p.logger.Warn("publish run summary", zap.String("topic", p.cfg.Publisher.Topic), zap.Error(err))
		return
	}
	r.MessageID = id
}

func (p *Pipeline) writeJSONFile(path string, v any) {
	data, err := marshalIndent(v)
	if err != nil {
		p.logger.Warn("encode artifact", zap.String("path", path), zap.Error(err))
		return
	}
	p.writeFile(path, data)
}

func (p *Pipeline) writeFile(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		p.logger.Warn("write artifact", zap.String("path", path), zap.Error(err))
	}
}
