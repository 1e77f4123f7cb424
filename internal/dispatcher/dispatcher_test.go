package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/progress"
	"github.com/JakeFAU/product-enricher/internal/retry"
)

type fakeSessions struct {
	acquired   atomic.Int32
	released   atomic.Int32
	checks     atomic.Int32
	failAfter  int32
	acquireErr error
}

func (f *fakeSessions) Acquire(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if f.acquireErr != nil {
		return nil, nil, f.acquireErr
	}
	f.acquired.Add(1)
	child, cancel := context.WithCancel(ctx)
	return child, func() {
		cancel()
		f.released.Add(1)
	}, nil
}

func (f *fakeSessions) Healthy() error {
	n := f.checks.Add(1)
	if f.failAfter > 0 && n > f.failAfter {
		return failure.Fatal("browser", errors.New("browser exited"))
	}
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func ints(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestRunIsolatesTransientFailure(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	d := New(sessions, zap.NewNop())
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	var attempts atomic.Int32

	task := func(ctx context.Context, item int) (product.Outcome, error) {
		if item != 4 {
			return product.Outcome{}, nil
		}
		_, _, err := retry.Do(ctx, policy, func(context.Context) (struct{}, error) {
			attempts.Add(1)
			return struct{}{}, failure.Transient("load", errors.New("navigation timeout"))
		})
		return product.Outcome{}, err
	}

	res, err := Run(context.Background(), d, Options{Phase: product.PhaseSourceSpecs, Workers: 3}, ints(10), task, nil)
	require.NoError(t, err)
	require.Equal(t, Counts{Succeeded: 9, Failed: 1}, res.Counts)
	require.EqualValues(t, 3, attempts.Load())
	for i, o := range res.Outcomes {
		if i == 4 {
			require.Equal(t, product.StatusFailed, o.Status)
			require.Equal(t, "transient I/O failure", o.Diagnostic)
			continue
		}
		require.Equal(t, product.StatusSucceeded, o.Status, "item %d", i)
	}
	require.Equal(t, ints(10), res.Items)
	require.EqualValues(t, 3, sessions.acquired.Load())
	require.EqualValues(t, 3, sessions.released.Load())
}

func TestRunPreservesInputOrderAndBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	task := func(_ context.Context, p *product.Product) (product.Outcome, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		p.Specs.Set("seen", p.Name)
		inFlight.Add(-1)
		return product.Outcome{Source: p.Name}, nil
	}

	items := make([]*product.Product, 7)
	for i := range items {
		items[i] = product.New(string(rune('a'+i)), "https://example.com/p")
	}
	res, err := Run(context.Background(), New(&fakeSessions{}, nil), Options{Workers: 2}, items, task,
		func(p *product.Product) string { return p.Name })
	require.NoError(t, err)
	require.LessOrEqual(t, peak.Load(), int32(2))
	for i, p := range res.Items {
		v, _ := p.Specs.Get("seen")
		require.Equal(t, p.Name, v)
		require.Equal(t, p.Name, res.Outcomes[i].Source)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	t.Parallel()

	task := func(_ context.Context, item int) (product.Outcome, error) {
		if item == 2 {
			panic("selector blew up")
		}
		return product.Outcome{}, nil
	}
	res, err := Run(context.Background(), New(&fakeSessions{}, nil), Options{Workers: 2}, ints(5), task, nil)
	require.NoError(t, err)
	require.Equal(t, Counts{Succeeded: 4, Failed: 1}, res.Counts)
	require.Equal(t, product.StatusFailed, res.Outcomes[2].Status)
	require.Contains(t, res.Outcomes[2].Detail, "selector blew up")
}

func TestRunItemTimeoutOnlyAbortsThatItem(t *testing.T) {
	t.Parallel()

	task := func(ctx context.Context, item int) (product.Outcome, error) {
		if item == 1 {
			<-ctx.Done()
			return product.Outcome{}, ctx.Err()
		}
		return product.Outcome{}, nil
	}
	opts := Options{Workers: 1, ItemTimeout: 20 * time.Millisecond}
	res, err := Run(context.Background(), New(&fakeSessions{}, nil), opts, ints(3), task, nil)
	require.NoError(t, err)
	require.Equal(t, "item timeout exceeded", res.Outcomes[1].Diagnostic)
	require.Equal(t, product.StatusSucceeded, res.Outcomes[0].Status)
	require.Equal(t, product.StatusSucceeded, res.Outcomes[2].Status)
}

func TestRunHonorsTaskSkips(t *testing.T) {
	t.Parallel()

	task := func(_ context.Context, item int) (product.Outcome, error) {
		if item%2 == 0 {
			return product.Outcome{Status: product.StatusSkipped, Diagnostic: "enough specs"}, nil
		}
		return product.Outcome{}, nil
	}
	res, err := Run(context.Background(), New(&fakeSessions{}, nil), Options{Workers: 4}, ints(4), task, nil)
	require.NoError(t, err)
	require.Equal(t, Counts{Succeeded: 2, Skipped: 2}, res.Counts)
}

func TestRunAbortsOnResourceFailure(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{failAfter: 3}
	var ran atomic.Int32
	task := func(context.Context, int) (product.Outcome, error) {
		ran.Add(1)
		return product.Outcome{}, nil
	}
	res, err := Run(context.Background(), New(sessions, nil), Options{Workers: 1}, ints(5), task, nil)
	require.Error(t, err)
	require.True(t, failure.IsFatal(err))
	require.EqualValues(t, 2, ran.Load())
	require.Equal(t, Counts{Succeeded: 2, Skipped: 3}, res.Counts)
	require.Equal(t, "session unavailable", res.Outcomes[4].Diagnostic)
	require.EqualValues(t, 1, sessions.released.Load())
}

func TestRunAcquireFailureIsFatal(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{acquireErr: errors.New("no target")}
	res, err := Run(context.Background(), New(sessions, nil), Options{Workers: 2}, ints(4),
		func(context.Context, int) (product.Outcome, error) { return product.Outcome{}, nil }, nil)
	require.True(t, failure.IsFatal(err))
	require.Equal(t, Counts{Skipped: 4}, res.Counts)
}

func TestRunEmitsItemEvents(t *testing.T) {
	t.Parallel()

	rec := &recordingEmitter{}
	runID := progress.UUIDToBytes(uuid.New())
	d := New(&fakeSessions{}, nil, WithProgress(rec, runID), WithClock(func() time.Time { return time.Unix(100, 0) }))
	_, err := Run(context.Background(), d, Options{Phase: product.PhaseReviews, Workers: 2}, ints(3),
		func(context.Context, int) (product.Outcome, error) { return product.Outcome{}, nil },
		func(i int) string { return "item" })
	require.NoError(t, err)
	require.Len(t, rec.events, 3)
	for _, evt := range rec.events {
		require.NoError(t, evt.Validate())
		require.Equal(t, runID, evt.RunID)
		require.Equal(t, "reviews", evt.Phase)
		require.Equal(t, "success", evt.Status)
	}
}

func TestRunEmptyInput(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	res, err := Run(context.Background(), New(sessions, nil), Options{Workers: 3}, []int{},
		func(context.Context, int) (product.Outcome, error) { return product.Outcome{}, nil }, nil)
	require.NoError(t, err)
	require.Zero(t, res.Counts.Total())
	require.Zero(t, sessions.acquired.Load())
}
