// Package telemetry builds the logger, prometheus metrics and otel tracer
// shared by the CLI and the pipeline runner.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Environment variables consulted by LoggerFromEnv.
const (
	EnvLogLevel  = "COLONYSTATS_LOG_LEVEL"
	EnvLogFormat = "COLONYSTATS_LOG_FORMAT"
)

// ParseLevel accepts debug, info, warn and error; empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("telemetry: unknown log level %q", s)
}

// NewLogger returns a text or JSON logger writing to w.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("telemetry: unknown log format %q", format)
}

// LoggerFromEnv is NewLogger with level and format read through getenv.
// Explicit non-empty arguments take precedence.
func LoggerFromEnv(w io.Writer, getenv func(string) string, level, format string) (*slog.Logger, error) {
	if level == "" {
		level = getenv(EnvLogLevel)
	}
	if format == "" {
		format = getenv(EnvLogFormat)
	}
	return NewLogger(w, level, format)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger { return slog.New(slog.DiscardHandler) }
