package logger

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

var Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))

// ParseLevel maps debug|info|warn|error to a slog level; unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds a text (default) or json logger writing to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Init configures the process logger on stdout. DEBUG=true forces debug.
func Init(level, format string) *slog.Logger {
	if os.Getenv("DEBUG") == "true" {
		level = "debug"
	}
	Logger = New(os.Stdout, level, format)
	slog.SetDefault(Logger)
	return Logger
}

// Component returns the process logger tagged with a component name.
func Component(name string) *slog.Logger {
	return Logger.With("component", name)
}

// StdLogger bridges libraries that want a *log.Logger.
func StdLogger(name string, level slog.Level) *log.Logger {
	return slog.NewLogLogger(Component(name).Handler(), level)
}
