package logging

import (
	"log/slog"
	"os"
)

// Init builds the process logger: JSON to stdout, secrets redacted, the
// worker identity stamped on every record.
func Init(workerID string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: redactAttr,
	})
	logger := slog.New(handler).With("worker_id", workerID)
	slog.SetDefault(logger)
	return logger
}
