// Package dispatcher runs a phase function over a work list with a bounded
// pool of workers, each holding one isolated session context per shard.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/product-enricher/internal/failure"
	"github.com/JakeFAU/product-enricher/internal/metrics"
	"github.com/JakeFAU/product-enricher/internal/product"
	"github.com/JakeFAU/product-enricher/internal/progress"
)

// Task processes one item. A nil error with a zero Outcome counts as success.
// Tasks must honor ctx; the per-item timeout is delivered through it.
type Task[T any] func(ctx context.Context, item T) (product.Outcome, error)

// Labeler names an item for logs and progress events.
type Labeler[T any] func(item T) string

// Options configures one dispatch.
type Options struct {
	Phase       product.Phase
	Workers     int
	ItemTimeout time.Duration
}

// Counts aggregates per-item outcomes.
type Counts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Total is the number of items accounted for.
func (c Counts) Total() int { return c.Succeeded + c.Failed + c.Skipped }

// Add tallies one status.
func (c *Counts) Add(s product.Status) {
	switch s {
	case product.StatusSucceeded:
		c.Succeeded++
	case product.StatusFailed:
		c.Failed++
	default:
		c.Skipped++
	}
}

// Result holds outcomes aligned with the input indices.
type Result[T any] struct {
	Items    []T
	Outcomes []product.Outcome
	Counts   Counts
}

// Dispatcher owns the shared session handle and progress reporting.
type Dispatcher struct {
	sessions product.Sessions
	logger   *zap.Logger
	emitter  progress.Emitter
	runID    [16]byte
	now      func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithProgress reports item events for runID through e.
func WithProgress(e progress.Emitter, runID [16]byte) Option {
	return func(d *Dispatcher) {
		if e != nil {
			d.emitter = e
			d.runID = runID
		}
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a Dispatcher borrowing contexts from sessions.
func New(sessions product.Sessions, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		sessions: sessions,
		logger:   logger.Named("dispatcher"),
		emitter:  progress.Discard{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run partitions items into contiguous shards, one per worker, and applies
// task to every item. Item failures are recorded in the result and never
// returned; the error is non-nil only for a resource failure, in which case
// items that never ran are marked skipped.
func Run[T any](ctx context.Context, d *Dispatcher, opts Options, items []T, task Task[T], label Labeler[T]) (Result[T], error) {
	res := Result[T]{Items: items, Outcomes: make([]product.Outcome, len(items))}
	if len(items) == 0 {
		return res, nil
	}
	if err := d.sessions.Healthy(); err != nil {
		res.fillUnprocessed(err)
		return res, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}
	chunk := (len(items) + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	for lo := 0; lo < len(items); lo += chunk {
		hi := min(lo+chunk, len(items))
		g.Go(func() error {
			return runShard(gctx, d, opts, items, res.Outcomes, lo, hi, task, label)
		})
	}
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = failure.Fatal("dispatch", ctx.Err())
	}
	res.fillUnprocessed(err)
	for _, o := range res.Outcomes {
		res.Counts.Add(o.Status)
	}
	return res, err
}

func (r *Result[T]) fillUnprocessed(err error) {
	diag := failure.Resource.Diagnostic()
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	for i := range r.Outcomes {
		if r.Outcomes[i].Status == "" {
			r.Outcomes[i] = product.Outcome{Status: product.StatusSkipped, Diagnostic: diag, Detail: detail}
		}
	}
}

func runShard[T any](
	ctx context.Context,
	d *Dispatcher,
	opts Options,
	items []T,
	outcomes []product.Outcome,
	lo, hi int,
	task Task[T],
	label Labeler[T],
) error {
	sessCtx, release, err := d.sessions.Acquire(ctx)
	if err != nil {
		if !failure.IsFatal(err) {
			err = failure.Fatal("acquire session", err)
		}
		d.logger.Error("worker could not acquire session", zap.Int("shard_start", lo), zap.Error(err))
		return err
	}
	defer release()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	for i := lo; i < hi; i++ {
		if ctx.Err() != nil {
			// Another worker hit a fatal error; leave the rest unprocessed.
			return nil
		}
		if err := d.sessions.Healthy(); err != nil {
			d.logger.Error("session unhealthy, stopping worker", zap.Int("index", i), zap.Error(err))
			return err
		}
		start := d.now()
		outcome := runItem(sessCtx, opts.ItemTimeout, items[i], task)
		if outcome.Status == product.StatusFailed && ctx.Err() != nil {
			// Canceled by the abort, not by its own fault.
			continue
		}
		outcomes[i] = outcome
		d.report(opts.Phase, i, describe(label, items[i]), outcome, d.now().Sub(start))
	}
	return nil
}

// runItem applies task with the item timeout and converts errors and panics
// into an Outcome.
func runItem[T any](ctx context.Context, timeout time.Duration, item T, task Task[T]) (outcome product.Outcome) {
	itemCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		itemCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			outcome = product.Outcome{
				Status:     product.StatusFailed,
				Diagnostic: failure.Unknown.Diagnostic(),
				Detail:     fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	out, err := task(itemCtx, item)
	if err != nil {
		if errors.Is(itemCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return product.Outcome{Status: product.StatusFailed, Diagnostic: "item timeout exceeded", Detail: err.Error()}
		}
		return product.Outcome{
			Status:     product.StatusFailed,
			Diagnostic: failure.Diagnostic(err),
			Detail:     err.Error(),
			Source:     out.Source,
		}
	}
	if out.Status == "" {
		out.Status = product.StatusSucceeded
	}
	return out
}

func describe[T any](label Labeler[T], item T) string {
	if label == nil {
		return ""
	}
	return label(item)
}

func (d *Dispatcher) report(phase product.Phase, index int, item string, o product.Outcome, dur time.Duration) {
	metrics.ObserveItem(string(phase), string(o.Status), dur)
	if o.Status == product.StatusFailed {
		d.logger.Warn("item failed",
			zap.String("phase", string(phase)),
			zap.Int("index", index),
			zap.String("item", item),
			zap.String("diagnostic", o.Diagnostic),
			zap.String("detail", o.Detail),
		)
	}
	d.emitter.Emit(progress.Event{
		RunID:      d.runID,
		TS:         d.now().UTC(),
		Stage:      progress.StageItemDone,
		Phase:      string(phase),
		Index:      index,
		Item:       item,
		Status:     string(o.Status),
		Diagnostic: o.Diagnostic,
		Dur:        dur,
	})
}
