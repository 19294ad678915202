// Package logger provides the gateway's structured logging setup.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	// Level sets the minimum log level: debug, info, warn, error.
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	// Format sets the output format: json or console.
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// New returns a root logger configured per cfg, writing to w
// (os.Stdout if w is nil).
func New(cfg Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}

	level := parseLevel(cfg.Level)

	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger carrying a component field.
func WithComponent(lg zerolog.Logger, component string) zerolog.Logger {
	return lg.With().Str("component", component).Logger()
}

// Nop returns a discarding logger.
func Nop() zerolog.Logger { return zerolog.Nop() }

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
