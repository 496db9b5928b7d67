package observability

import (
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func WithRunner(logger *slog.Logger, runnerID string) *slog.Logger {
	if logger == nil || runnerID == "" {
		return logger
	}
	return logger.With("runner_id", runnerID)
}

func WithTest(logger *slog.Logger, testID string) *slog.Logger {
	if logger == nil || testID == "" {
		return logger
	}
	return logger.With("test_id", testID)
}
