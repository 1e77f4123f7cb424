// Package page loads product pages either through a browsing context issued
// by the session manager or, without one, with a plain colly request.
package page

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/failure"
)

// Config controls loader behavior.
type Config struct {
	UserAgent    string
	NavTimeout   time.Duration
	HTTPTimeout  time.Duration
	Settle       time.Duration
	MinBodyBytes int
	MaxRedirects int
}

// Waiter gates requests per domain.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Page is a loaded document.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	HTML       string
	Rendered   bool
	// NeedsRender is set on static loads that look like client-rendered shells.
	NeedsRender bool
}

// Document parses the page with goquery, resolving relative links against
// the final URL.
func (p Page) Document() (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
	if err != nil {
		return nil, failure.Extract("parse html", err)
	}
	if u, err := url.Parse(p.FinalURL); err == nil {
		doc.Url = u
	}
	return doc, nil
}

// Loader fetches pages.
type Loader struct {
	cfg      Config
	waiter   Waiter
	base     *colly.Collector
	detector *Detector
	logger   *zap.Logger
}

// New builds a Loader. A nil waiter disables politeness delays.
func New(cfg Config, waiter Waiter, logger *zap.Logger) *Loader {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	// Timeout and redirect policy live on the HTTP backend that clones share.
	c.SetRequestTimeout(cfg.HTTPTimeout)
	maxRedirects := cfg.MaxRedirects
	c.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		return nil
	})
	return &Loader{
		cfg:      cfg,
		waiter:   waiter,
		base:     c,
		detector: NewDetector(cfg.MinBodyBytes),
		logger:   logger,
	}
}

// Load fetches rawURL. Inside a browsing context the page is rendered;
// otherwise it is fetched statically.
func (l *Loader) Load(ctx context.Context, rawURL string) (Page, error) {
	if err := l.wait(ctx, rawURL); err != nil {
		return Page{}, err
	}
	if chromedp.FromContext(ctx) != nil {
		return l.render(ctx, rawURL)
	}
	p, _, err := l.static(ctx, rawURL, false)
	if err != nil {
		return Page{}, err
	}
	p.NeedsRender = l.detector.NeedsRender(p)
	if p.NeedsRender {
		l.logger.Debug("static page looks client-rendered", zap.String("url", rawURL))
	}
	return p, nil
}

// Fetch downloads raw bytes without rendering, e.g. PDF documents.
func (l *Loader) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if err := l.wait(ctx, rawURL); err != nil {
		return nil, "", err
	}
	p, contentType, err := l.static(ctx, rawURL, false)
	if err != nil {
		return nil, "", err
	}
	return []byte(p.HTML), contentType, nil
}

// Resolve follows redirects with HEAD requests and returns the final URL.
func (l *Loader) Resolve(ctx context.Context, rawURL string) (string, error) {
	if err := l.wait(ctx, rawURL); err != nil {
		return "", err
	}
	p, _, err := l.static(ctx, rawURL, true)
	if err != nil {
		return "", err
	}
	return p.FinalURL, nil
}

func (l *Loader) wait(ctx context.Context, rawURL string) error {
	if l.waiter == nil {
		return nil
	}
	if err := l.waiter.Wait(ctx, rawURL); err != nil {
		return fmt.Errorf("politeness wait: %w", err)
	}
	return nil
}

func (l *Loader) static(ctx context.Context, rawURL string, head bool) (Page, string, error) {
	var (
		result      Page
		contentType string
		status      int
		respErr     error
	)
	collector := l.base.Clone()
	// The request dies with ctx instead of running on until HTTPTimeout.
	collector.Context = ctx
	if l.cfg.UserAgent != "" {
		collector.UserAgent = l.cfg.UserAgent
	}
	collector.OnResponse(func(r *colly.Response) {
		result = Page{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			HTML:       string(r.Body),
		}
		contentType = r.Headers.Get("Content-Type")
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		respErr = err
	})

	done := make(chan error, 1)
	go func() {
		if head {
			done <- collector.Head(rawURL)
			return
		}
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return Page{}, "", fmt.Errorf("fetch %s canceled: %w", rawURL, ctx.Err())
	case err := <-done:
		if respErr == nil {
			respErr = err
		}
		if respErr != nil {
			return Page{}, "", classifyHTTP("fetch "+rawURL, status, respErr)
		}
	}
	return result, contentType, nil
}

func (l *Loader) render(ctx context.Context, rawURL string) (Page, error) {
	navCtx, cancel := context.WithTimeout(ctx, l.cfg.NavTimeout)
	defer cancel()

	meta := &documentStatus{}
	chromedp.ListenTarget(navCtx, meta.capture)

	var html, finalURL string
	actions := []chromedp.Action{
		l.networkSetup(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if l.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(l.cfg.Settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(navCtx, actions...); err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Page{}, fmt.Errorf("render %s: %w", rawURL, ctx.Err())
		}
		return Page{}, failure.Transient("render "+rawURL, err)
	}
	status := meta.get()
	if status >= http.StatusBadRequest {
		return Page{}, classifyHTTP("render "+rawURL, status, fmt.Errorf("status %d", status))
	}
	if status == 0 {
		status = http.StatusOK
	}
	return Page{
		URL:        rawURL,
		FinalURL:   finalURL,
		StatusCode: status,
		HTML:       html,
		Rendered:   true,
	}, nil
}

func (l *Loader) networkSetup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if l.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(l.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// documentStatus remembers the status of the last document response.
type documentStatus struct {
	mu     sync.Mutex
	status int64
}

func (d *documentStatus) capture(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	d.status = resp.Response.Status
	d.mu.Unlock()
}

func (d *documentStatus) get() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.status)
}

// classifyHTTP maps HTTP and network errors onto failure kinds.
func classifyHTTP(op string, status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return failure.Transient(op, err)
	case status >= http.StatusBadRequest:
		return failure.Extract(op, err)
	case failure.IsTransient(err):
		return failure.Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return failure.Transient(op, err)
	}
	return failure.Extract(op, err)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
