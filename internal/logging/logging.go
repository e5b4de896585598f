package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init configures the default logger from LOG_LEVEL, writing to stderr.
func Init() {
	Setup(os.Getenv("LOG_LEVEL"), os.Stderr)
}

// Setup installs a text logger at the named level as the slog default.
func Setup(level string, w io.Writer) *slog.Logger {
	logger := slog.New(
		slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: ParseLevel(level),
		}),
	)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values fall
// back to error, the production default.
func ParseLevel(l string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "trace":
		return LevelTrace
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
