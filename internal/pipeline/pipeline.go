// Package pipeline sequences the enrichment phases over the product set.
//
// I/O-bound phases are fanned out through the dispatcher; unification,
// scoring and persistence run as single passes over the whole set. Phase i+1
// never starts before phase i has returned for every product.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/aifallback"
	"github.com/JakeFAU/product-enricher/internal/config"
	"github.com/JakeFAU/product-enricher/internal/discovery"
	"github.com/JakeFAU/product-enricher/internal/dispatcher"
	"github.com/JakeFAU/product-enricher/internal/document"
	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/linkfinder"
	"github.com/JakeFAU/product-enricher/internal/logging"
	"github.com/JakeFAU/product-enricher/internal/metrics"
	"github.com/JakeFAU/product-enricher/internal/page"
	"github.com/JakeFAU/product-enricher/internal/price"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/progress"
	"github.com/JakeFAU/product-enricher/internal/review"
	"github.com/JakeFAU/product-enricher/internal/source"
	"github.com/JakeFAU/product-enricher/internal/source/providers"
	"github.com/JakeFAU/product-enricher/pkg/llm"
)

// ErrNoProducts is returned when neither an input file nor discovery
// produced anything to enrich.
var ErrNoProducts = errors.New("no products to enrich")

// PageLoader is the page access every I/O phase shares.
type PageLoader interface {
	Load(ctx context.Context, rawURL string) (page.Page, error)
	Fetch(ctx context.Context, rawURL string) ([]byte, string, error)
	Resolve(ctx context.Context, rawURL string) (string, error)
}

// Deps are the collaborators a run needs. Store, Output, Publisher, LLM and
// Emitter are optional.
type Deps struct {
	Sessions  product.Sessions
	Loader    PageLoader
	LLM       llm.Client
	Store     product.Store
	Output    product.BlobStore
	Publisher product.Publisher
	Emitter   progress.Emitter
	Clock     product.Clock
	IDs       product.IDGenerator
	Logger    *zap.Logger
	// OutputObject is the object name passed to Output.PutObject.
	OutputObject string
}

// Pipeline runs the configured phases.
type Pipeline struct {
	cfg      config.Config
	deps     Deps
	registry *source.Registry
	orch     *source.Orchestrator
	finder   *linkfinder.Finder
	docs     *document.Enricher
	reviews  *review.Enricher
	prices   *price.Finder
	ai       *aifallback.Enricher
	logger   *zap.Logger
}

// New validates the phase collaborators and registers the configured source
// providers.
func New(cfg config.Config, deps Deps) (*Pipeline, error) {
	if deps.Sessions == nil {
		return nil, errors.New("pipeline: sessions are required")
	}
	if deps.Loader == nil {
		return nil, errors.New("pipeline: page loader is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("pipeline: clock is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("pipeline: id generator is required")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger

	registry := source.NewRegistry()
	if err := providers.Build(registry, cfg.Sources, deps.Loader); err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}
	sources, err := review.Sources(cfg.Reviews.Sources)
	if err != nil {
		return nil, fmt.Errorf("build review sources: %w", err)
	}
	var reviewOpts []review.Option
	if cfg.Reviews.Sentiment && deps.LLM != nil {
		reviewOpts = append(reviewOpts, review.WithSentiment(
			review.NewAnalyzer(deps.LLM, cfg.AI.Model, cfg.AI.MaxTokens, cfg.Reviews.MaxTexts)))
	}

	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		registry: registry,
		orch: source.NewOrchestrator(registry, source.Policy{
			Priority:            cfg.Sources.Priority,
			StopAtFirstSuccess:  cfg.Sources.StopAtFirstSuccess,
			MinFields:           cfg.Sources.MinSpecsThreshold,
			FallbackEnabled:     cfg.Sources.FallbackEnabled,
			MaxFallbackAttempts: cfg.Sources.MaxFallbackAttempts,
			Retry:               cfg.Retry.Policy(),
		}, logger),
		finder: linkfinder.New(deps.Loader, registry, cfg.Sources.SearchURL, cfg.Sources.MinLinks, logger),
		docs: document.New(document.Config{
			TargetRatio:   cfg.Documents.TargetRatio,
			MinSpecs:      cfg.Documents.MinSpecs,
			MaxDocuments:  cfg.Documents.MaxDocuments,
			SearchURL:     cfg.Documents.SearchURL,
			TrustedHosts:  cfg.Documents.TrustedHosts,
			WindowSize:    cfg.Documents.WindowSize,
			WindowOverlap: cfg.Documents.WindowOverlap,
			MinWindow:     cfg.Documents.MinWindow,
			MaxWindows:    cfg.Documents.MaxWindows,
		}, deps.Loader, deps.Loader, logger),
		reviews: review.NewEnricher(sources, deps.Loader, logger, reviewOpts...),
		prices: price.New(price.Config{
			SearchURL:    cfg.Prices.SearchURL,
			QuerySuffix:  cfg.Prices.QuerySuffix,
			MaxLinks:     cfg.Prices.MaxLinks,
			TolerancePct: cfg.Prices.TolerancePct,
			Bounds:       price.Bounds{Min: cfg.Prices.MinAmount, Max: cfg.Prices.MaxAmount},
		}, deps.Loader, logger),
		ai: aifallback.New(aifallback.Config{
			Model:         cfg.AI.Model,
			MaxTokens:     cfg.AI.MaxTokens,
			MaxInputChars: cfg.AI.MaxInputChars,
			MinSpecs:      cfg.Sources.MinSpecsThreshold,
		}, deps.LLM, deps.Loader, logger),
		logger: logger.Named("pipeline"),
	}, nil
}

// Registry exposes the registered providers.
func (p *Pipeline) Registry() *source.Registry { return p.registry }

// run carries the state of one Run call.
type run struct {
	runID    [16]byte
	dispatch *dispatcher.Dispatcher
	report   *Report
}

// Run executes every enabled phase in order over seed, or over the products
// found by discovery when seed is empty. Item failures only mark the report
// degraded; the returned error is non-nil for a resource failure, for an
// empty product set, or when the run ID cannot be generated.
func (p *Pipeline) Run(ctx context.Context, seed []*product.Product) (*Report, error) {
	id, err := p.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("new run id: %w", err)
	}
	runID, err := progress.ParseRunID(id)
	if err != nil {
		return nil, err
	}
	r := &run{
		runID: runID,
		dispatch: dispatcher.New(p.deps.Sessions, p.deps.Logger,
			dispatcher.WithProgress(p.deps.Emitter, runID),
			dispatcher.WithClock(p.deps.Clock.Now),
		),
		report: &Report{RunID: id, Started: p.deps.Clock.Now().UTC(), Products: product.Dedupe(seed)},
	}
	logger := p.logger.With(zap.String("run_id", id))
	logger.Info("run started", zap.Int("seed_products", len(r.report.Products)))
	p.emit(r, progress.Event{Stage: progress.StageRunStart})

	for _, phase := range product.Phases() {
		if !p.cfg.Phase(phase).Enabled {
			r.report.Phases = append(r.report.Phases, PhaseSummary{Phase: phase, Note: "disabled"})
			if phase == product.PhaseDiscovery && len(r.report.Products) == 0 {
				return p.abort(ctx, r, phase, ErrNoProducts)
			}
			continue
		}
		if err := p.runPhase(ctx, r, phase); err != nil {
			return p.abort(ctx, r, phase, err)
		}
		if phase == product.PhaseDiscovery && len(r.report.Products) == 0 {
			return p.abort(ctx, r, phase, ErrNoProducts)
		}
	}

	r.report.Finished = p.deps.Clock.Now().UTC()
	p.writeOutput(ctx, r.report)
	p.publish(ctx, r.report)
	p.emit(r, progress.Event{Stage: progress.StageRunDone, Note: degradedNote(r.report.Degraded)})
	logger.Info("run finished",
		zap.Int("products", len(r.report.Products)),
		zap.Bool("degraded", r.report.Degraded),
		zap.Duration("elapsed", r.report.Finished.Sub(r.report.Started)),
	)
	return r.report, nil
}

func (p *Pipeline) runPhase(ctx context.Context, r *run, phase product.Phase) error {
	start := p.deps.Clock.Now()
	logger := logging.Phase(p.logger, string(phase))
	logger.Info("phase started", zap.Int("products", len(r.report.Products)))
	p.emit(r, progress.Event{Stage: progress.StagePhaseStart, Phase: string(phase)})

	sum, err := p.execute(ctx, r, phase)
	sum.Phase, sum.Ran = phase, true
	sum.Duration = p.deps.Clock.Now().Sub(start)
	r.report.Phases = append(r.report.Phases, sum)
	if sum.Counts.Failed > 0 {
		r.report.Degraded = true
	}
	metrics.ObservePhase(string(phase), sum.Duration)
	p.emit(r, progress.Event{
		Stage:     progress.StagePhaseDone,
		Phase:     string(phase),
		Succeeded: sum.Counts.Succeeded,
		Failed:    sum.Counts.Failed,
		Skipped:   sum.Counts.Skipped,
		Dur:       sum.Duration,
		Note:      sum.Note,
	})
	logger.Info("phase finished",
		zap.Int("succeeded", sum.Counts.Succeeded),
		zap.Int("failed", sum.Counts.Failed),
		zap.Int("skipped", sum.Counts.Skipped),
		zap.Duration("elapsed", sum.Duration),
	)
	return err
}

func (p *Pipeline) execute(ctx context.Context, r *run, phase product.Phase) (PhaseSummary, error) {
	switch phase {
	case product.PhaseDiscovery:
		return p.discover(ctx, r)
	case product.PhaseBaseExtraction:
		return p.dispatch(ctx, r, phase, p.extractBase)
	case product.PhaseSourceLinks:
		return p.dispatch(ctx, r, phase, p.finder.Find)
	case product.PhaseSourceSpecs:
		return p.dispatch(ctx, r, phase, p.enrichFromSources)
	case product.PhaseDocuments:
		return p.dispatch(ctx, r, phase, p.docs.Enrich)
	case product.PhaseReviews:
		return p.dispatch(ctx, r, phase, p.reviews.Enrich)
	case product.PhasePrices:
		return p.dispatch(ctx, r, phase, p.prices.Discover)
	case product.PhaseAIFallback:
		return p.dispatch(ctx, r, phase, p.ai.Enrich)
	case product.PhaseUnification:
		return p.unify(ctx, r.report.Products), nil
	case product.PhaseScoring:
		return p.score(r.report.Products), nil
	case product.PhasePersistence:
		return p.persist(ctx, r.report.Products), nil
	default:
		return PhaseSummary{}, fmt.Errorf("unknown phase %q", phase)
	}
}

// dispatch fans task out over the product set and records each outcome on
// its product, failed ones included.
func (p *Pipeline) dispatch(ctx context.Context, r *run, phase product.Phase, task dispatcher.Task[*product.Product]) (PhaseSummary, error) {
	pc := p.cfg.Phase(phase)
	res, err := dispatcher.Run(ctx, r.dispatch, dispatcher.Options{
		Phase:       phase,
		Workers:     pc.Workers,
		ItemTimeout: pc.ItemTimeout(),
	}, r.report.Products, task, productLabel)
	for i, item := range res.Items {
		item.Record(phase, res.Outcomes[i])
	}
	return PhaseSummary{Counts: res.Counts}, err
}

// discover walks the listing pages unless products were supplied up front.
func (p *Pipeline) discover(ctx context.Context, r *run) (PhaseSummary, error) {
	if len(r.report.Products) > 0 {
		return PhaseSummary{Note: "products supplied by input"}, nil
	}
	d, err := discovery.New(p.deps.Loader, discovery.Rules{
		Card:  p.cfg.Discovery.Card,
		Name:  p.cfg.Discovery.Name,
		Link:  p.cfg.Discovery.Link,
		Price: p.cfg.Discovery.Price,
	}, p.deps.Logger)
	if err != nil {
		return PhaseSummary{}, err
	}
	listings := discovery.Pages(p.cfg.Discovery.ListingURL, p.cfg.Discovery.MaxPages)
	pc := p.cfg.Phase(product.PhaseDiscovery)
	res, err := dispatcher.Run(ctx, r.dispatch, dispatcher.Options{
		Phase:       product.PhaseDiscovery,
		Workers:     pc.Workers,
		ItemTimeout: pc.ItemTimeout(),
	}, listings, d.Scan, func(l *discovery.Listing) string { return l.URL })
	r.report.Products = discovery.Collect(listings)
	for _, item := range r.report.Products {
		item.Record(product.PhaseDiscovery, product.Outcome{Status: product.StatusSucceeded})
	}
	return PhaseSummary{Counts: res.Counts, Note: fmt.Sprintf("%d listing pages, %d products", len(listings), len(r.report.Products))}, err
}

func (p *Pipeline) abort(ctx context.Context, r *run, phase product.Phase, err error) (*Report, error) {
	r.report.Aborted = true
	r.report.Degraded = true
	r.report.Finished = p.deps.Clock.Now().UTC()
	if failure.IsFatal(err) {
		p.logger.Error("run aborted", zap.String("phase", string(phase)), zap.Error(err))
	}
	if len(r.report.Products) > 0 {
		p.writeOutput(context.WithoutCancel(ctx), r.report)
	}
	p.emit(r, progress.Event{Stage: progress.StageRunError, Phase: string(phase), Note: err.Error()})
	return r.report, fmt.Errorf("phase %s: %w", phase, err)
}

func (p *Pipeline) emit(r *run, evt progress.Event) {
	evt.RunID = r.runID
	evt.TS = p.deps.Clock.Now().UTC()
	p.deps.Emitter.Emit(evt)
}

func productLabel(p *product.Product) string { return p.Name }

func degradedNote(degraded bool) string {
	if degraded {
		return "degraded"
	}
	return ""
}
