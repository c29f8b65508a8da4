// Package logging builds the service's slog loggers and carries request and
// ingestion batch identifiers through contexts.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the level, output and encoding of a logger. Format is
// "json" (default) or "text".
type Config struct {
	Level  string
	Writer io.Writer
	Format string
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init builds a logger from cfg and makes it the slog default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

func New(cfg Config) *slog.Logger {
	out := cfg.Writer
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) == FormatText {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// parseLevel accepts slog level names in any case plus "warning". Unknown
// names log at info.
func parseLevel(name string) slog.Leveler {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "warning") {
		name = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		level = slog.LevelInfo
	}
	return level
}

// WithComponent tags logger with the subsystem emitting the record.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}
