package journal

import (
	"context"
	"log/slog"
)

// LogSink writes entries to a structured logger.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a sink logging at info level.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Write(ctx context.Context, e Entry) error {
	s.log.LogAttrs(ctx, slog.LevelInfo, "journal.entry",
		slog.String("id", e.ID),
		slog.String("kind", e.Kind),
		slog.Time("at", e.At),
		slog.Int64("user_id", e.UserID),
		slog.String("username", e.Username),
		slog.Any("detail", e.Detail),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
