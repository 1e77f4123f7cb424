package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/product-enricher/internal/progress"
)

// LogSink writes phase and run milestones to a zap logger. Item events are
// logged at debug level except failures, which log at warn.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Phase != "" {
			fields = append(fields, zap.String("phase", evt.Phase))
		}
		switch evt.Stage {
		case progress.StageItemDone:
			fields = append(fields,
				zap.Int("index", evt.Index),
				zap.String("item", evt.Item),
				zap.String("status", evt.Status),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Status == "failed" {
				s.logger.Warn("item failed", append(fields, zap.String("diagnostic", evt.Diagnostic))...)
				continue
			}
			s.logger.Debug("item done", fields...)
		case progress.StagePhaseDone:
			s.logger.Info("phase done", append(fields,
				zap.Int("succeeded", evt.Succeeded),
				zap.Int("failed", evt.Failed),
				zap.Int("skipped", evt.Skipped),
				zap.Duration("dur", evt.Dur),
			)...)
		case progress.StageRunError:
			s.logger.Error("run aborted", append(fields, zap.String("note", evt.Note))...)
		default:
			s.logger.Info("progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
