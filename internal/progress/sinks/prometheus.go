package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/product-enricher/internal/progress"
)

// PrometheusSink exports run-level metrics. Item-level collectors live in
// internal/metrics and are updated by the dispatcher directly.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec
	phaseItems    *prometheus.CounterVec
	degradedRuns  prometheus.Counter

	tracker *runSet
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enricher_runs_started_total",
			Help: "Pipeline runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_runs_completed_total",
			Help: "Pipeline runs finished partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enricher_runs_running",
			Help: "Pipeline runs in progress.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enricher_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200},
		}, []string{"result"}),
		phaseItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_phase_results_total",
			Help: "Phase totals reported at phase end partitioned by phase and status.",
		}, []string{"phase", "status"}),
		degradedRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enricher_degraded_phases_total",
			Help: "Phases that finished with at least one failed item.",
		}),
		tracker: &runSet{running: make(map[[16]byte]struct{})},
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.phaseItems,
		s.degradedRuns,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.tracker.start(evt.RunID) {
				s.runsRunning.Inc()
			}
		case progress.StageRunDone:
			s.finish(evt, "complete")
		case progress.StageRunError:
			s.finish(evt, "aborted")
		case progress.StagePhaseDone:
			s.phaseItems.WithLabelValues(evt.Phase, "success").Add(float64(evt.Succeeded))
			s.phaseItems.WithLabelValues(evt.Phase, "failed").Add(float64(evt.Failed))
			s.phaseItems.WithLabelValues(evt.Phase, "skipped").Add(float64(evt.Skipped))
			if evt.Failed > 0 {
				s.degradedRuns.Inc()
			}
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runSet struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func (t *runSet) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runSet) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
