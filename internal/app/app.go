// Package app builds the enricher's long-lived collaborators from config and
// owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/api"
	"github.com/JakeFAU/product-enricher/internal/clock/system"
	"github.com/JakeFAU/product-enricher/internal/config"
	"github.com/JakeFAU/product-enricher/internal/id/uuid"
	"github.com/JakeFAU/product-enricher/internal/metrics"
	"github.com/JakeFAU/product-enricher/internal/page"
	"github.com/JakeFAU/product-enricher/internal/pipeline"
	"github.com/JakeFAU/product-enricher/internal/policy/ratelimit"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/progress"
	"github.com/JakeFAU/product-enricher/internal/progress/sinks"
	"github.com/JakeFAU/product-enricher/internal/publisher"
	"github.com/JakeFAU/product-enricher/internal/session"
	"github.com/JakeFAU/product-enricher/internal/storage"
	"github.com/JakeFAU/product-enricher/internal/store"
	"github.com/JakeFAU/product-enricher/pkg/llm"
)

// Sessions is the shared browsing resource plus its lifecycle hooks.
type Sessions interface {
	product.Sessions
	Active() int
	Shutdown() error
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	sessions  Sessions
	limiter   *ratelimit.Limiter
	loader    *page.Loader
	repo      store.Repository
	output    storage.Output
	publisher product.Publisher
	pubCloser io.Closer
	llm       llm.Client
	hub       *progress.Hub
	tracker   *sinks.Tracker
	pipeline  *pipeline.Pipeline

	apiServer  *api.Server
	stopServer context.CancelFunc
	serverDone chan error

	registerer prometheus.Registerer
}

// Option customizes Build.
type Option func(*App)

// WithSessions replaces the session manager Build would start.
func WithSessions(s Sessions) Option {
	return func(a *App) { a.sessions = s }
}

// WithLLM replaces the Anthropic client built from ai.api_key.
func WithLLM(c llm.Client) Option {
	return func(a *App) { a.llm = c }
}

// WithRegisterer registers the progress collectors somewhere other than the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build creates the application's dependencies. Everything opened before a
// failure is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()
	a.logger.Info("building application dependencies")

	if err := a.setupSessions(ctx); err != nil {
		return err
	}
	a.setupLoader()
	if err := a.setupStorage(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	a.setupLLM()
	if err := a.setupProgress(ctx); err != nil {
		return err
	}

	var err error
	a.pipeline, err = pipeline.New(a.cfg, pipeline.Deps{
		Sessions:     a.sessions,
		Loader:       a.loader,
		LLM:          a.llm,
		Store:        a.repo,
		Output:       a.output.Blobs,
		OutputObject: a.output.Object,
		Publisher:    a.publisher,
		Emitter:      a.hub,
		Clock:        system.New(),
		IDs:          uuid.New(),
		Logger:       a.logger,
	})
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}

	a.setupServer(ctx)
	return nil
}

func (a *App) setupSessions(ctx context.Context) error {
	if a.sessions != nil {
		return nil
	}
	if !a.cfg.Session.Browser {
		a.logger.Info("browser disabled, pages are fetched statically")
		a.sessions = session.NewStatic()
		return nil
	}
	m, err := session.Start(ctx, session.Config{
		Headless:  a.cfg.Session.Headless,
		ExecPath:  a.cfg.Session.ExecPath,
		UserAgent: a.cfg.Session.UserAgent,
	}, a.logger.Named("session"))
	if err != nil {
		return fmt.Errorf("browser session init failed: %w", err)
	}
	a.sessions = m
	a.logger.Info("browser session started", zap.Bool("headless", a.cfg.Session.Headless))
	return nil
}

func (a *App) setupLoader() {
	a.limiter = ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.RateLimit.RPS,
		Burst: a.cfg.RateLimit.Burst,
	})
	a.loader = page.New(page.Config{
		UserAgent:    a.cfg.Session.UserAgent,
		NavTimeout:   a.cfg.NavTimeout(),
		HTTPTimeout:  time.Duration(a.cfg.Session.HTTPTimeoutSecs) * time.Second,
		Settle:       time.Duration(a.cfg.Session.SettleMillis) * time.Millisecond,
		MinBodyBytes: a.cfg.Session.MinBodyBytes,
	}, a.limiter, a.logger.Named("page"))
	a.logger.Debug("page loader config",
		zap.Float64("rps", a.cfg.RateLimit.RPS),
		zap.Int("burst", a.cfg.RateLimit.Burst),
		zap.Duration("nav_timeout", a.cfg.NavTimeout()),
	)
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	a.repo, err = storage.NewRepository(ctx, a.cfg.Store)
	if err != nil {
		return fmt.Errorf("store init failed: %w", err)
	}
	a.logger.Info("product store ready", zap.String("driver", a.cfg.Store.Driver))

	a.output, err = storage.NewOutput(ctx, a.cfg.Output.Path)
	if err != nil {
		return fmt.Errorf("output init failed: %w", err)
	}
	a.logger.Debug("output target", zap.String("path", a.cfg.Output.Path), zap.String("object", a.output.Object))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	var err error
	a.publisher, a.pubCloser, err = publisher.New(ctx, a.cfg.Publisher)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	if a.cfg.Publisher.Topic == "" {
		a.logger.Info("no Pub/Sub topic configured, run summaries are not published")
		return nil
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.Publisher.ProjectID),
		zap.String("topic", a.cfg.Publisher.Topic),
	)
	return nil
}

// setupLLM leaves the client nil without a key so the pipeline can tell
// "absent" from "present but failing".
func (a *App) setupLLM() {
	if a.llm != nil {
		return
	}
	if a.cfg.AI.APIKey == "" {
		a.logger.Info("no AI api key, classification and AI fallback are unavailable")
		return
	}
	a.llm = llm.NewClient(a.cfg.AI.APIKey)
	a.logger.Info("AI client configured", zap.String("model", a.cfg.AI.Model))
}

func (a *App) setupProgress(ctx context.Context) error {
	promSink, err := sinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.tracker = sinks.NewTracker()
	a.hub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	},
		sinks.NewLogSink(a.logger.Named("progress_log")),
		a.tracker,
		promSink,
	)
	a.logger.Debug("progress hub initialized")
	return nil
}

func (a *App) setupServer(ctx context.Context) {
	addr := a.cfg.Server.Listen
	if addr == "" {
		return
	}
	a.apiServer = api.NewServer(a.tracker, a.repo, a.sessions, a.logger)

	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopServer = cancel
	a.serverDone = make(chan error, 1)
	go func() {
		a.serverDone <- a.apiServer.Serve(serveCtx, addr)
	}()
}

// Run executes one pipeline run over seed; an empty seed means discovery.
func (a *App) Run(ctx context.Context, seed []*product.Product) (*pipeline.Report, error) {
	report, err := a.pipeline.Run(ctx, seed)
	if err != nil {
		return report, fmt.Errorf("run pipeline: %w", err)
	}
	return report, nil
}

// Tracker exposes the run snapshots the status API serves.
func (a *App) Tracker() *sinks.Tracker {
	return a.tracker
}

// Server returns the status API, or nil when server.listen is empty.
func (a *App) Server() *api.Server {
	return a.apiServer
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.closeServer(); err != nil {
		errs = append(errs, err)
	}
	a.closeInfrastructure(ctx)
	a.closeObservability()
	a.logger.Debug("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeServer() error {
	if a.stopServer == nil {
		return nil
	}
	a.stopServer()
	a.stopServer = nil
	return <-a.serverDone
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		if dropped := a.hub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("dropped", dropped))
		}
	}
	if a.pubCloser != nil {
		if err := a.pubCloser.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if err := a.output.Close(); err != nil {
		a.logger.Warn("output close failed", zap.Error(err))
	}
	if a.repo != nil {
		a.repo.Close()
	}
	if a.sessions != nil {
		if err := a.sessions.Shutdown(); err != nil {
			a.logger.Warn("session shutdown failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability() {
	// Sync fails on stderr/stdout ttys; nothing useful can be done about it.
	_ = a.logger.Sync()
}
