package observe

import (
	"context"
	"log/slog"

	"github.com/PipeOpsHQ/finagent/logging"
)

// LogSink writes events to a structured logger. Token events are logged at
// debug level.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logging.OrDiscard(logger)}
}

func (s *LogSink) Emit(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	switch {
	case event.Type == TypeGenerationToken:
		level = slog.LevelDebug
	case event.Status == StatusFailed:
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("thread_id", event.ThreadID),
		slog.String("user_id", event.UserID),
	}
	if event.Node != "" {
		attrs = append(attrs, slog.String("node", event.Node))
	}
	if event.ApprovalID != "" {
		attrs = append(attrs, slog.String("approval_id", event.ApprovalID))
	}
	if event.Status != "" {
		attrs = append(attrs, slog.String("status", string(event.Status)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, slog.Int64("duration_ms", event.DurationMs))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	s.logger.LogAttrs(ctx, level, string(event.Type), attrs...)
	return nil
}
