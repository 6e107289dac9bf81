// Package logging configures the structured logger used by the companion
// and gadgetctl.
//
// Output is JSON, one record per line, with source locations trimmed to the
// module-relative path. In-process components (specializer, loader) are
// handed Discard() unless a caller opts into diagnostics.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SetupLogger creates a JSON logger on stdout at level and installs it as
// the slog default.
func SetupLogger(level string) *slog.Logger {
	logger := New(os.Stdout, level)
	slog.SetDefault(logger)
	return logger
}

// New creates a JSON logger writing to w. Unknown levels mean info.
func New(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		AddSource:   true,
		ReplaceAttr: shortenSource,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// shortenSource trims file and function names to start at internal/ or
// cmd/.
func shortenSource(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	source, ok := a.Value.Any().(*slog.Source)
	if !ok {
		return a
	}
	source.File = trimToModule(source.File, filepath.Base(source.File))
	source.Function = trimToModule(source.Function, source.Function)
	return a
}

func trimToModule(s, fallback string) string {
	for _, marker := range []string{"internal/", "cmd/"} {
		if idx := strings.Index(s, marker); idx != -1 {
			return s[idx:]
		}
	}
	return fallback
}

// ParseLevel converts debug, info, warn or error (any case) to a level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent tags every record from logger with a component name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}
