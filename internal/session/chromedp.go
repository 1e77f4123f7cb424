// Package session owns the single browser the pipeline shares and hands out
// isolated browsing contexts from it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/failure"
)

// ErrClosed is returned once Shutdown has been called.
var ErrClosed = errors.New("session closed")

// Config controls how the browser is launched.
type Config struct {
	Headless  bool
	ExecPath  string
	UserAgent string
}

// Manager is the chromedp-backed session. One Chrome process serves every
// context; each context is a separate incognito-style browser context, so
// cookies and storage are not shared between workers.
type Manager struct {
	logger        *zap.Logger
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	active atomic.Int64
}

// Start launches the browser. A launch failure is a resource failure and the
// caller is expected to abort the run.
func Start(ctx context.Context, cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run on a fresh context starts the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, failure.Fatal("start browser", err)
	}
	logger.Info("browser session started", zap.Bool("headless", cfg.Headless))
	return &Manager{
		logger:        logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// Acquire opens an isolated browsing context. The returned release function
// is idempotent and must be called on every exit path; it also fires when ctx
// is canceled.
func (m *Manager) Acquire(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := m.Healthy(); err != nil {
		return nil, nil, err
	}
	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx, chromedp.WithNewBrowserContext())
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, nil, failure.Fatal("open browsing context", err)
	}
	stop := context.AfterFunc(ctx, tabCancel)
	m.active.Add(1)

	var once sync.Once
	release := func() {
		once.Do(func() {
			stop()
			tabCancel()
			m.active.Add(-1)
		})
	}
	return tabCtx, release, nil
}

// Healthy reports whether new contexts can still be issued.
func (m *Manager) Healthy() error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return failure.Fatal("session", ErrClosed)
	}
	if err := m.browserCtx.Err(); err != nil {
		return failure.Fatal("browser", fmt.Errorf("browser exited: %w", err))
	}
	return nil
}

// Active reports how many contexts are currently checked out.
func (m *Manager) Active() int {
	return int(m.active.Load())
}

// Shutdown closes the browser gracefully and releases the allocator.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := chromedp.Cancel(m.browserCtx)
	m.browserCancel()
	m.allocCancel()
	m.logger.Info("browser session stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
