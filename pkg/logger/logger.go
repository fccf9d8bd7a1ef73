// Package logger builds the structured logger shared by the CLI, the watch
// folder and the queue worker.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config describes how log records are formatted and where they go.
type Config struct {
	Level   string   `yaml:"level"`
	Format  string   `yaml:"format"`  // text | json
	Outputs []string `yaml:"outputs"` // stdout, stderr or file paths
	Source  bool     `yaml:"source"`
}

// Logger is a slog.Logger that owns the files it writes to.
type Logger struct {
	*slog.Logger
	closers []io.Closer
}

// New builds a logger from cfg. With no outputs it writes to stderr so that
// command output on stdout stays clean.
func New(cfg Config) (*Logger, error) {
	l := &Logger{}

	writers := make([]io.Writer, 0, len(cfg.Outputs))
	for _, out := range cfg.Outputs {
		w, c, err := openWriter(out)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		if c != nil {
			l.closers = append(l.closers, c)
		}
		writers = append(writers, w)
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = os.Stderr
	case 1:
		w = writers[0]
	default:
		w = io.MultiWriter(writers...)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), AddSource: cfg.Source}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	l.Logger = slog.New(h)
	return l, nil
}

// Close closes the log files.
func (l *Logger) Close() error {
	var err error
	for _, c := range l.closers {
		err = errors.Join(err, c.Close())
	}
	l.closers = nil
	return err
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *slog.Logger {
	return l.With("component", component)
}

// ParseLevel maps a level name to a slog level; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr", "":
		return os.Stderr, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, f, nil
}
