package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/JakeFAU/product-enricher/internal/dispatcher"
	"github.com/JakeFAU/product-enricher/internal/product"
)

// PhaseSummary is the terminal record of one phase.
type PhaseSummary struct {
	Phase    product.Phase     `json:"phase"`
	Ran      bool              `json:"ran"`
	Counts   dispatcher.Counts `json:"counts"`
	Duration time.Duration     `json:"durationNs"`
	Note     string            `json:"note,omitempty"`
}

// Report is the result of one run. Products keep their partial data and
// per-phase diagnostics even when they failed.
type Report struct {
	RunID     string
	Started   time.Time
	Finished  time.Time
	Products  []*product.Product
	Phases    []PhaseSummary
	Degraded  bool
	Aborted   bool
	OutputURI string
	MessageID string
}

// RunSummary is the message published when a run completes.
type RunSummary struct {
	RunID     string         `json:"runId"`
	Started   time.Time      `json:"started"`
	Finished  time.Time      `json:"finished"`
	Products  int            `json:"products"`
	Degraded  bool           `json:"degraded"`
	OutputURI string         `json:"outputUri,omitempty"`
	Phases    []PhaseSummary `json:"phases"`
}

// Summary drops the product payload.
func (r *Report) Summary() RunSummary {
	return RunSummary{
		RunID:     r.RunID,
		Started:   r.Started,
		Finished:  r.Finished,
		Products:  len(r.Products),
		Degraded:  r.Degraded,
		OutputURI: r.OutputURI,
		Phases:    r.Phases,
	}
}

// WriteSummary prints the per-phase counts table.
func (r *Report) WriteSummary(out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PHASE\tSUCCEEDED\tFAILED\tSKIPPED\tDURATION\tNOTE")
	_, _ = fmt.Fprintln(w, "-----\t---------\t------\t-------\t--------\t----")
	for _, ph := range r.Phases {
		if !ph.Ran {
			_, _ = fmt.Fprintf(w, "%s\t-\t-\t-\t-\t%s\n", ph.Phase, ph.Note)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n",
			ph.Phase, ph.Counts.Succeeded, ph.Counts.Failed, ph.Counts.Skipped,
			ph.Duration.Round(time.Millisecond), ph.Note)
	}
	_ = w.Flush()

	state := "complete"
	switch {
	case r.Aborted:
		state = "aborted"
	case r.Degraded:
		state = "complete (degraded)"
	}
	_, _ = fmt.Fprintf(out, "\nrun %s %s: %d products in %s\n", r.RunID, state, len(r.Products), r.Elapsed().Round(time.Millisecond))
	if r.OutputURI != "" {
		_, _ = fmt.Fprintf(out, "output: %s\n", r.OutputURI)
	}
}

// Elapsed is the run's wall-clock duration.
func (r *Report) Elapsed() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

func marshalIndent(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return data, nil
}
