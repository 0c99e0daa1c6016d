// Package logx builds the structured loggers used across ledgerproof.
// Reports go to stdout; diagnostics go through these loggers to stderr.
package logx

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

const EnvLevel = "LEDGERPROOF_LOG_LEVEL"

type Config struct {
	Level   string
	JSON    bool
	Writer  io.Writer
	Service string
}

// New returns a logger writing to cfg.Writer (stderr when nil).
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stderr
	}
	options := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(writer, options)
	} else {
		handler = slog.NewTextHandler(writer, options)
	}
	logger := slog.New(handler)
	if service := strings.TrimSpace(cfg.Service); service != "" {
		logger = logger.With("service", service)
	}
	return logger
}

// FromEnv builds a logger whose level comes from LEDGERPROOF_LOG_LEVEL,
// defaulting to warn so CLI output stays clean.
func FromEnv(service string, verbose bool) *slog.Logger {
	level := strings.TrimSpace(os.Getenv(EnvLevel))
	if level == "" {
		level = "warn"
	}
	if verbose {
		level = "debug"
	}
	return New(Config{Level: level, Service: service})
}

func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// OrDiscard substitutes Discard for a nil logger.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }
