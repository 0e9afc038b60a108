// Package logx wires the process logging: a human-readable text handler on
// stdout plus an optional JSONL event log on disk, both behind one slog
// logger.
package logx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options selects level and destinations.
type Options struct {
	// Level is debug, info, warn or error. Defaults to info.
	Level string

	// FilePath, when set, receives every record as one JSON line. The
	// parent directory is created if missing.
	FilePath string
}

// Setup builds the process logger and installs it as slog's default.
// The returned closer flushes and closes the event log file.
func Setup(opts Options) (*slog.Logger, func() error, error) {
	level := parseLevel(opts.Level)

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	closer := func() error { return nil }
	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f.Close
	}

	logger := slog.New(fanout(handlers))
	slog.SetDefault(logger)
	return logger, closer, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// multiHandler duplicates records to every child handler.
type multiHandler struct {
	children []slog.Handler
}

func fanout(children []slog.Handler) slog.Handler {
	if len(children) == 1 {
		return children[0]
	}
	return &multiHandler{children: children}
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, c := range h.children {
		if c.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, c := range h.children {
		if !c.Enabled(ctx, rec.Level) {
			continue
		}
		if err := c.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	children := make([]slog.Handler, len(h.children))
	for i, c := range h.children {
		children[i] = c.WithAttrs(attrs)
	}
	return &multiHandler{children: children}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	children := make([]slog.Handler, len(h.children))
	for i, c := range h.children {
		children[i] = c.WithGroup(name)
	}
	return &multiHandler{children: children}
}

// Banner prints a boxed human-readable section to stdout. Used for startup
// and shutdown summaries; structured events still go through the logger.
func Banner(title string, lines ...string) {
	width := len(title)
	for _, l := range lines {
		if len(l) > width {
			width = len(l)
		}
	}
	rule := strings.Repeat("=", width+4)

	fmt.Println(rule)
	fmt.Printf("  %s\n", title)
	if len(lines) > 0 {
		fmt.Println(strings.Repeat("-", width+4))
		for _, l := range lines {
			fmt.Printf("  %s\n", l)
		}
	}
	fmt.Println(rule)
}
