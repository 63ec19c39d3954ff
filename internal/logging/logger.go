package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = newLogger(os.Stderr, "console")
)

func init() {
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func newLogger(w io.Writer, format string) zerolog.Logger {
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// Setup configures the level ("debug", "info", "warn", "error") and the
// output format ("console" or "json"). DEBUG=true still forces debug.
func Setup(level, format string) error {
	return SetOutput(os.Stderr, level, format)
}

// SetOutput is Setup with an explicit writer.
func SetOutput(w io.Writer, level, format string) error {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}
	if os.Getenv("DEBUG") == "true" {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	mu.Lock()
	logger = newLogger(w, format)
	mu.Unlock()
	return nil
}

// For returns a zerolog logger tagged with the subsystem, for callers that
// want structured fields.
func For(subsystem string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger.With().Str("subsystem", subsystem).Logger()
}

// Info logs an informational message (always shown)
func Info(subsystem, format string, args ...any) {
	l := For(subsystem)
	l.Info().Msgf(format, args...)
}

// Debug logs a debug message (only shown at debug level or with DEBUG=true)
func Debug(subsystem, format string, args ...any) {
	l := For(subsystem)
	l.Debug().Msgf(format, args...)
}

// Warn logs a recoverable problem.
func Warn(subsystem, format string, args ...any) {
	l := For(subsystem)
	l.Warn().Msgf(format, args...)
}

// Error logs a failure that was not handled further up.
func Error(subsystem string, err error, format string, args ...any) {
	l := For(subsystem)
	l.Error().Err(err).Msgf(format, args...)
}

// Truncate truncates a string to maxLen and adds ellipsis
func Truncate(s string, maxLen int) string {
	// Replace newlines with spaces for one-line logs
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
