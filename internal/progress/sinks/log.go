package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-stream/internal/progress"
)

// LogSink writes one structured log line per run event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("runs")}
}

// Consume logs each event in the batch. Page events log at debug.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("key", evt.Key),
			zap.Int("page", evt.Page),
			zap.Int("total_pages", evt.TotalPages),
			zap.Int("records", evt.Records),
			zap.Duration("dur", evt.Dur),
		}
		switch evt.Stage {
		case progress.StagePageDone:
			fields = append(fields,
				zap.Int64("bytes", evt.Bytes),
				zap.String("status_class", string(evt.StatusClass)),
			)
			s.logger.Debug("run event", fields...)
		case progress.StageRunError:
			s.logger.Warn("run event", append(fields, zap.String("note", evt.Note))...)
		default:
			s.logger.Info("run event", fields...)
		}
	}
	return nil
}

// Close flushes buffered log entries. Sync errors on terminals are ignored.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}
