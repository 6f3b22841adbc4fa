package container

import (
	"io"
	"log/slog"
	"os"

	"github.com/lllypuk/orderledger/internal/config"
)

// SetupLogger creates the structured logger described by cfg and installs it
// as the slog default.
func SetupLogger(cfg *config.Config) *slog.Logger {
	return setupLogger(cfg, os.Stdout)
}

func setupLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     ParseLogLevel(cfg.Log.Level),
		AddSource: cfg.IsDevelopment(),
	}

	switch cfg.Log.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default: // "json" or any other value defaults to JSON
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With(
		slog.String("app", cfg.App.Name),
		slog.String("env", cfg.App.Environment),
	)
	slog.SetDefault(logger)

	return logger
}

// ParseLogLevel converts a string log level to slog.Level.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
