package page

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/failure"
)

type countingWaiter struct{ calls atomic.Int32 }

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return nil
}

func newTestLoader(w Waiter) *Loader {
	return New(Config{UserAgent: "enricher-test", HTTPTimeout: 2 * time.Second}, w, zap.NewNop())
}

func TestLoadStaticPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "enricher-test", r.UserAgent())
		_, _ = w.Write([]byte(`<html><body><h1>Washer</h1><a href="/manual.pdf">Manual</a>` +
			strings.Repeat("<p>spec text</p>", 200) + `</body></html>`))
	}))
	defer srv.Close()

	waiter := &countingWaiter{}
	l := newTestLoader(waiter)
	p, err := l.Load(context.Background(), srv.URL+"/p/1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, p.StatusCode)
	require.False(t, p.Rendered)
	require.False(t, p.NeedsRender)
	require.EqualValues(t, 1, waiter.calls.Load())

	doc, err := p.Document()
	require.NoError(t, err)
	require.Equal(t, "Washer", doc.Find("h1").Text())
	href, _ := doc.Find("a").Attr("href")
	resolved, err := doc.Url.Parse(href)
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/manual.pdf", resolved.String())

	// Revisiting the same URL must not be rejected as already visited.
	_, err = l.Load(context.Background(), srv.URL+"/p/1")
	require.NoError(t, err)
}

func TestLoadClassifiesHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	l := newTestLoader(nil)
	_, err := l.Load(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	require.Equal(t, failure.Extraction, failure.KindOf(err))

	_, err = l.Load(context.Background(), srv.URL+"/busy")
	require.Error(t, err)
	require.True(t, failure.IsTransient(err))
}

func TestResolveFollowsRedirectChain(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/click":
			http.Redirect(w, r, srv.URL+"/hop", http.StatusFound)
		case "/hop":
			http.Redirect(w, r, srv.URL+"/product/42", http.StatusMovedPermanently)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	final, err := newTestLoader(nil).Resolve(context.Background(), srv.URL+"/click")
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/product/42", final)
}

func TestFetchReturnsBytesAndContentType(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	data, ct, err := newTestLoader(nil).Fetch(context.Background(), srv.URL+"/m.pdf")
	require.NoError(t, err)
	require.Equal(t, "application/pdf", ct)
	require.Equal(t, "%PDF-1.4", string(data))
}

func TestLoadHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestLoader(nil).Load(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, failure.IsTransient(err))
}

func TestLoadCancelsInFlightRequest(t *testing.T) {
	t.Parallel()

	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			close(aborted)
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestLoader(nil).Load(ctx, srv.URL)
	require.Error(t, err)

	// The loader's HTTP timeout is 2s; the server must see the client go
	// away long before that.
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("request kept running after the item context expired")
	}
}

func TestDetectorFlagsApplicationShells(t *testing.T) {
	t.Parallel()

	d := NewDetector(0)
	require.True(t, d.NeedsRender(Page{StatusCode: 200, HTML: ""}))
	require.True(t, d.NeedsRender(Page{StatusCode: 200, HTML: `<html><body><div id="root"></div></body></html>`}))
	require.True(t, d.NeedsRender(Page{
		StatusCode: 200,
		HTML:       `<html><body><script>` + strings.Repeat("x", 400) + `</script></body></html>`,
	}))
	require.False(t, d.NeedsRender(Page{StatusCode: 200, HTML: `<html><body>` + strings.Repeat("<p>real content</p>", 50) + `</body></html>`}))
	require.False(t, d.NeedsRender(Page{StatusCode: 200, Rendered: true}))
	require.False(t, d.NeedsRender(Page{StatusCode: 404}))
}
