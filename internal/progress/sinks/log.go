package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/progress"
)

// LogSink writes each event as a structured log line. Error stages log at
// warn level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{zap.String("stage", string(evt.Stage))}
		fields = appendNonEmpty(fields,
			"job_id", evt.JobID,
			"task_id", evt.TaskID,
			"tenant_id", evt.TenantID,
			"source_id", evt.SourceID,
			"url", evt.URL,
			"status_class", string(evt.StatusClass),
			"note", evt.Note,
		)
		if evt.Chunks > 0 {
			fields = append(fields, zap.Int("chunks", evt.Chunks))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		switch evt.Stage {
		case progress.StageJobError, progress.StageTaskError, progress.StageSourceError:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func appendNonEmpty(fields []zap.Field, kv ...string) []zap.Field {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			fields = append(fields, zap.String(kv[i], kv[i+1]))
		}
	}
	return fields
}
