package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/product-enricher/internal/progress"
)

func runEvents(id [16]byte, failed int) []progress.Event {
	now := time.Now()
	return []progress.Event{
		{RunID: id, TS: now, Stage: progress.StageRunStart},
		{RunID: id, TS: now, Stage: progress.StagePhaseStart, Phase: "source_specs"},
		{RunID: id, TS: now, Stage: progress.StageItemDone, Phase: "source_specs", Index: 0, Status: "success"},
		{RunID: id, TS: now, Stage: progress.StageItemDone, Phase: "source_specs", Index: 1, Status: "failed", Diagnostic: "transient I/O failure"},
		{
			RunID: id, TS: now.Add(time.Second), Stage: progress.StagePhaseDone, Phase: "source_specs",
			Succeeded: 1, Failed: failed, Dur: time.Second,
		},
		{RunID: id, TS: now.Add(2 * time.Second), Stage: progress.StageRunDone, Dur: 2 * time.Second},
	}
}

func TestTrackerFoldsRun(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	_, ok := tr.Latest()
	require.False(t, ok)

	id := progress.UUIDToBytes(uuid.New())
	require.NoError(t, tr.Consume(context.Background(), runEvents(id, 1)[:4]))

	mid, ok := tr.Latest()
	require.True(t, ok)
	require.Equal(t, StateRunning, mid.State)
	require.Equal(t, "source_specs", mid.CurrentPhase)
	require.Len(t, mid.Phases, 1)
	require.Equal(t, 2, mid.Phases[0].Processed)
	require.Equal(t, 1, mid.Phases[0].Failed)

	require.NoError(t, tr.Consume(context.Background(), runEvents(id, 1)[4:]))
	done, ok := tr.Run(id)
	require.True(t, ok)
	require.Equal(t, StateComplete, done.State)
	require.True(t, done.Degraded)
	require.Equal(t, StateComplete, done.Phases[0].State)
	require.Equal(t, uuid.UUID(id).String(), done.RunID)
}

func TestTrackerRecordsAbort(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	id := progress.UUIDToBytes(uuid.New())
	require.NoError(t, tr.Consume(context.Background(), []progress.Event{
		{RunID: id, TS: time.Now(), Stage: progress.StageRunStart},
		{RunID: id, TS: time.Now(), Stage: progress.StageRunError, Note: "browser exited"},
	}))
	run, ok := tr.Run(id)
	require.True(t, ok)
	require.Equal(t, StateAborted, run.State)
	require.Equal(t, "browser exited", run.Note)
}

func TestPrometheusSinkRecordsRunMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	id := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), runEvents(id, 1)))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("complete")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.phaseItems.WithLabelValues("source_specs", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.degradedRuns))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runRuntime, "enricher_run_duration_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration must fail")
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	id := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), runEvents(id, 1)))

	require.Equal(t, 1, logs.FilterMessage("item failed").Len())
	require.Equal(t, 1, logs.FilterMessage("item done").Len())
	phase := logs.FilterMessage("phase done").All()
	require.Len(t, phase, 1)
	require.EqualValues(t, 1, phase[0].ContextMap()["failed"])
}
