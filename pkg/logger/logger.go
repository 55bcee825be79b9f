package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Namespaces attached to log lines as the "component" field
const (
	APP    = "APP"
	CHAT   = "CHAT"
	CONFIG = "CONFIG"
	PULL   = "PULL"
	REDIS  = "REDIS"
	SERVER = "SERVER"
	SIGNAL = "SIGNAL"
	STORE  = "STORE"
	SYNC   = "SYNC"
	TOOLS  = "TOOLS"
)

// Config contains logger configuration.
type Config struct {
	// Level is one of trace, debug, info, warn, error.
	Level string
	// Pretty enables the human-readable console writer.
	Pretty bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig reads LOG_LEVEL from the environment and writes JSON to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Output: os.Stderr,
	}
}

// ParseLevel maps a level name to a zerolog level. Unknown names default to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a zerolog logger with the given configuration.
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// Init replaces the global logger used through github.com/rs/zerolog/log.
func Init(cfg Config) {
	log.Logger = New(cfg)
}

// With returns a child of the global logger tagged with a component namespace.
func With(namespace string) zerolog.Logger {
	return log.Logger.With().Str("component", namespace).Logger()
}
