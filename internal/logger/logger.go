// Package logger wraps zerolog with the service-wide field conventions.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger embeds a zerolog.Logger carrying the standard service fields.
type Logger struct {
	zerolog.Logger
}

// Config controls logger construction.
type Config struct {
	Level       string
	Environment string
	ServiceName string
	Version     string
}

// New builds the service logger. Development environments get a console
// writer; everything else emits JSON to stderr.
func New(cfg Config) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var out = os.Stderr
	var logger zerolog.Logger
	if cfg.Environment == "development" || cfg.Environment == "local" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"})
	} else {
		logger = zerolog.New(out)
	}

	logger = logger.Level(parseLevel(cfg.Level)).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Logger()

	return &Logger{logger}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
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
