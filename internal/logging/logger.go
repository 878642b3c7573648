package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"statagent/internal/config"
)

const (
	ansiReset   = "\x1b[0m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
	ansiGray    = "\x1b[90m"
)

// New builds the process logger from console and file sink settings.
// Params: cfg validated log config.
// Returns: logger, close function for file sinks, or open error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)

	if cfg.Console.Enabled {
		var out io.Writer = os.Stderr
		if cfg.Console.Format == "line" && isTerminal(os.Stderr) {
			out = &colorLineWriter{dst: os.Stderr}
		}
		handlers = append(handlers, newHandler(out, cfg.Console))
	}

	if cfg.File.Enabled {
		if dir := filepath.Dir(cfg.File.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create log dir %q: %w", dir, err)
			}
		}
		file, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", cfg.File.Path, err)
		}
		closers = append(closers, file)
		handlers = append(handlers, newHandler(file, cfg.File))
	}

	closeFn := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, nil)), closeFn, nil
	case 1:
		return slog.New(handlers[0]), closeFn, nil
	default:
		return slog.New(fanoutHandler(handlers)), closeFn, nil
	}
}

// newHandler creates a line or json handler for one sink.
func newHandler(out io.Writer, sink config.LogSinkConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(sink.Level)}
	if sink.Format == "json" {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

// parseLevel maps config level names to slog levels.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func isTerminal(file *os.File) bool {
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// fanoutHandler sends every record to all sink handlers.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, handler := range h {
		out[i] = handler.WithAttrs(attrs)
	}
	return out
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, handler := range h {
		out[i] = handler.WithGroup(name)
	}
	return out
}

var (
	levelPattern = regexp.MustCompile(`\blevel=(DEBUG|INFO|WARN|ERROR)\b`)
	tokenPattern = regexp.MustCompile(`("(?:[^"\\]|\\.)*")|\b((?:\d{1,3}\.){3}\d{1,3}(?::\d+)?)\b|\b(\d+(?:\.\d+)?)\b`)
)

// colorLineWriter colors slog text lines by level and highlights value tokens.
type colorLineWriter struct {
	dst io.Writer
}

// Write renders one text handler line.
// Params: p raw line bytes.
// Returns: len(p) on success or destination write error.
func (w *colorLineWriter) Write(p []byte) (int, error) {
	line := string(p)
	base := levelColor(line)
	if base == "" {
		if _, err := io.WriteString(w.dst, line); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	body, newline := strings.CutSuffix(line, "\n")
	colored := tokenPattern.ReplaceAllStringFunc(body, func(token string) string {
		return tokenColor(token) + token + ansiReset + base
	})

	rendered := base + colored + ansiReset
	if newline {
		rendered += "\n"
	}
	if _, err := io.WriteString(w.dst, rendered); err != nil {
		return 0, err
	}
	return len(p), nil
}

// levelColor returns the base color for the line level, or empty when no level is found.
func levelColor(line string) string {
	match := levelPattern.FindStringSubmatch(line)
	if match == nil {
		return ""
	}
	switch match[1] {
	case "DEBUG":
		return ansiGray
	case "INFO":
		return ansiBlue
	case "WARN":
		return ansiMagenta
	default:
		return ansiRed
	}
}

func tokenColor(token string) string {
	switch {
	case strings.HasPrefix(token, `"`):
		return ansiGreen
	case strings.Count(token, ".") == 3:
		return ansiCyan
	default:
		return ansiYellow
	}
}
