package session

import (
	"context"
	"os/exec"
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/product"
)

var (
	_ product.Sessions = (*Manager)(nil)
	_ product.Sessions = (*Static)(nil)
)

func TestStaticAcquireReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewStatic()
	ctx, release, err := s.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, s.Active())

	release()
	release()
	require.Equal(t, 0, s.Active())
	require.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestStaticShutdownIsFatal(t *testing.T) {
	t.Parallel()

	s := NewStatic()
	require.NoError(t, s.Healthy())
	require.NoError(t, s.Shutdown())

	err := s.Healthy()
	require.ErrorIs(t, err, ErrClosed)
	require.True(t, failure.IsFatal(err))

	_, _, err = s.Acquire(context.Background())
	require.True(t, failure.IsFatal(err))
}

func TestAllocatorOptionsIncludeOverrides(t *testing.T) {
	t.Parallel()

	base := len(chromedp.DefaultExecAllocatorOptions)
	plain := allocatorOptions(Config{Headless: true})
	withExtras := allocatorOptions(Config{Headless: true, UserAgent: "ua", ExecPath: "/bin/chrome"})
	require.Greater(t, len(plain), base)
	require.Len(t, withExtras, len(plain)+2)
}

func chromeAvailable() bool {
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

func TestManagerIssuesIsolatedContexts(t *testing.T) {
	if testing.Short() || !chromeAvailable() {
		t.Skip("chrome not available")
	}

	m, err := Start(context.Background(), Config{Headless: true}, zap.NewNop())
	require.NoError(t, err)
	defer m.Shutdown() //nolint:errcheck // test cleanup

	a, releaseA, err := m.Acquire(context.Background())
	require.NoError(t, err)
	b, releaseB, err := m.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, m.Active())
	require.NotEqual(t, chromedp.FromContext(a).Target.TargetID, chromedp.FromContext(b).Target.TargetID)

	releaseA()
	releaseB()
	require.Equal(t, 0, m.Active())

	require.NoError(t, m.Shutdown())
	require.True(t, failure.IsFatal(m.Healthy()))
}
