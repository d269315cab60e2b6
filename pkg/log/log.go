/*
Package log provides structured logging for Bay using zerolog.

Bay wraps zerolog to get JSON-structured logging with component-scoped
child loggers, a configurable level, and a couple of package-level helpers
for the common case of a one-line message with no extra fields.

Initializing the logger:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

Component loggers:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("ship_id", id).Msg("created ship")
*/
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global, package-level zerolog instance. Set it via
	// Init before any component logger is derived from it.
	Logger zerolog.Logger
)

// Level is a Bay-facing log level, decoupled from zerolog's own type so
// callers don't need to import zerolog just to configure logging.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Safe to call once at process start;
// not safe to call concurrently with logging.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagging every line with component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithShipID returns a child logger tagging every line with ship_id.
func WithShipID(shipID string) zerolog.Logger {
	return Logger.With().Str("ship_id", shipID).Logger()
}

// WithSessionID returns a child logger tagging every line with session_id.
func WithSessionID(sessionID string) zerolog.Logger {
	return Logger.With().Str("session_id", sessionID).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
