// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
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
	level, err := ParseLevel(string(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

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

// ParseLevel converts a level name to a zerolog.Level.
// "warning" is accepted as an alias for "warn".
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-batch and per-item flow
//   - Batch state transitions (validating, dispatching, awaiting, aggregating)
//   - Individual item dispatch start/finish
//   - Worker spawn and idle teardown
//
// Info: normal operation events
//   - Completed batches (size, duration, degraded item count)
//   - Server and worker pool startup/shutdown
//
// Warn: conditions that degrade a batch without failing it
//   - Deadline expiry with unfinished items
//   - Pool saturation rejections
//   - Result store errors (response still served)
//   - Admission limiter rejections
//
// Error: conditions requiring attention
//   - Aggregation failures (whole batch answered with 500)
//   - Recovered panics in tasks or handlers
//   - Forced pool shutdown
//
// Context Fields:
//   - batch_id: caller supplied batch identifier (may be empty)
//   - item_id: item identifier
//   - path: item target path or inbound URL path
//   - status: HTTP status code
//   - outcome: item outcome class (ok, client, server, timeout, network, unsupported, oversize)
//   - duration: elapsed time
//   - items: batch size
