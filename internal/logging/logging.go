// Package logging builds the process slog.Logger from configuration. Output
// goes to stdout, stderr or a size-rotated file; the level can be changed
// at runtime on config reload.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dskow/netcore/internal/config"
)

// Logger is a slog.Logger whose level and output are owned by this package.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

// New builds a Logger from cfg. The caller must Close it to release a log
// file.
func New(cfg config.LoggingConfig) (*Logger, error) {
	var (
		out    io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		rw, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			return nil, err
		}
		out, closer = rw, rw
	}
	l := newLogger(out, cfg)
	l.closer = closer
	return l, nil
}

func newLogger(out io.Writer, cfg config.LoggingConfig) *Logger {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	return &Logger{Logger: slog.New(h), level: level}
}

// SetLevel changes the minimum level of every logger derived from l.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLevel maps a config level name to a slog.Level. Unknown names are
// Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
