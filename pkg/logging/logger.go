// Package logging configures the process-wide zerolog logger and hands out
// component loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to a zerolog.Level, defaulting to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger derived from the global one with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: request flow and batching internals
//   - batch opened/closed, unique key counts
//   - attempt start, classification decisions
//   - cache hits and misses
//
// Info: normal operation events
//   - success after retry
//   - server startup/shutdown, coalescer drained
//
// Warn: degraded but operating
//   - retry attempts with backoff
//   - rate-limited responses, throttle blocks
//   - cache or throttle state errors (fall through to upstream)
//
// Error: failures requiring attention
//   - transport failures
//   - batch dispatch failures
//   - configuration errors
//
// Context Fields:
//   - component: emitting component (quote-client, coalescer, quote-cache, ...)
//   - path: upstream path
//   - status: HTTP status code
//   - attempt: zero-based attempt index
//   - backoff: computed delay before the next attempt
//   - error_class: transient-upstream, rate-limited, fatal
//   - batch_id, keys: coalescer batch identity and unique key count
//   - request_id: X-Request-ID of the upstream call
