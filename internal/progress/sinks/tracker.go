package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/product-enricher/internal/progress"
)

// Run states reported by the tracker.
const (
	StatePending  = "pending"
	StateRunning  = "running"
	StateComplete = "complete"
	StateAborted  = "aborted"
)

// PhaseStatus summarizes one phase of a run.
type PhaseStatus struct {
	Phase     string    `json:"phase"`
	State     string    `json:"state"`
	Processed int       `json:"processed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished,omitzero"`
}

// RunStatus is a point-in-time view of a pipeline run.
type RunStatus struct {
	RunID        string        `json:"runId"`
	State        string        `json:"state"`
	Degraded     bool          `json:"degraded"`
	CurrentPhase string        `json:"currentPhase,omitempty"`
	Phases       []PhaseStatus `json:"phases"`
	Started      time.Time     `json:"started"`
	Finished     time.Time     `json:"finished,omitzero"`
	Note         string        `json:"note,omitempty"`
}

// Tracker folds events into per-run status snapshots for the status API.
type Tracker struct {
	mu     sync.RWMutex
	runs   map[[16]byte]*RunStatus
	latest [16]byte
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[[16]byte]*RunStatus)}
}

// Consume applies the batch in order.
func (t *Tracker) Consume(_ context.Context, batch []progress.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		t.apply(evt)
	}
	return nil
}

func (t *Tracker) apply(evt progress.Event) {
	run := t.runs[evt.RunID]
	if run == nil {
		run = &RunStatus{RunID: evt.RunUUID().String(), State: StatePending, Started: evt.TS}
		t.runs[evt.RunID] = run
		t.latest = evt.RunID
	}
	switch evt.Stage {
	case progress.StageRunStart:
		run.State = StateRunning
		run.Started = evt.TS
	case progress.StagePhaseStart:
		run.State = StateRunning
		run.CurrentPhase = evt.Phase
		run.Phases = append(run.Phases, PhaseStatus{Phase: evt.Phase, State: StateRunning, Started: evt.TS})
	case progress.StageItemDone:
		ph := phaseOf(run, evt.Phase, evt.TS)
		ph.Processed++
		switch evt.Status {
		case "success":
			ph.Succeeded++
		case "failed":
			ph.Failed++
		case "skipped":
			ph.Skipped++
		}
	case progress.StagePhaseDone:
		ph := phaseOf(run, evt.Phase, evt.TS)
		ph.State = StateComplete
		ph.Succeeded, ph.Failed, ph.Skipped = evt.Succeeded, evt.Failed, evt.Skipped
		ph.Processed = evt.Succeeded + evt.Failed + evt.Skipped
		ph.Finished = evt.TS
		if evt.Failed > 0 {
			run.Degraded = true
		}
		run.CurrentPhase = ""
	case progress.StageRunDone:
		run.State = StateComplete
		run.Finished = evt.TS
		run.CurrentPhase = ""
	case progress.StageRunError:
		run.State = StateAborted
		run.Finished = evt.TS
		run.Note = evt.Note
	}
}

func phaseOf(run *RunStatus, phase string, ts time.Time) *PhaseStatus {
	for i := len(run.Phases) - 1; i >= 0; i-- {
		if run.Phases[i].Phase == phase {
			return &run.Phases[i]
		}
	}
	run.Phases = append(run.Phases, PhaseStatus{Phase: phase, State: StateRunning, Started: ts})
	return &run.Phases[len(run.Phases)-1]
}

// Latest returns the most recently started run.
func (t *Tracker) Latest() (RunStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[t.latest]
	if !ok {
		return RunStatus{}, false
	}
	return clone(run), true
}

// Run returns the status of one run.
func (t *Tracker) Run(id [16]byte) (RunStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[id]
	if !ok {
		return RunStatus{}, false
	}
	return clone(run), true
}

func clone(run *RunStatus) RunStatus {
	out := *run
	out.Phases = append([]PhaseStatus(nil), run.Phases...)
	return out
}

// Close implements the Sink interface; it performs no action.
func (t *Tracker) Close(context.Context) error {
	return nil
}
