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
	"strconv"
	"strings"
	"sync"

	"shimrelay/internal/config"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiCyan   = "\x1b[36m"
	ansiGray   = "\x1b[90m"

	// LevelPanic is above error; config accepts it for sinks that only want fatal output.
	LevelPanic = slog.LevelError + 4
)

var (
	levelPattern = regexp.MustCompile(`(?:^|\s)level=(DEBUG|INFO|WARN|ERROR)`)
	valuePattern = regexp.MustCompile(`="(?:[^"\\]|\\.)*"|=[^\s"]+`)
	ipPattern    = regexp.MustCompile(`^\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?$`)
)

// New builds the process logger from console/file sink settings.
// Params: cfg log section with console and file sinks.
// Returns: logger, close function for file resources, or sink init error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	return newWithConsole(cfg, os.Stderr)
}

// newWithConsole builds logger with an explicit console destination.
// Params: cfg log section; console writer for the console sink.
// Returns: logger, close function, or init error.
func newWithConsole(cfg config.LogConfig, console io.Writer) (*slog.Logger, func(), error) {
	handlers := make([]slog.Handler, 0, 2)
	closers := make([]io.Closer, 0, 1)

	if cfg.Console.Enabled {
		level, err := parseLevel(cfg.Console.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("log.console: %w", err)
		}
		writer := console
		if strings.EqualFold(cfg.Console.Format, "line") {
			writer = &colorLineWriter{dst: console}
		}
		handlers = append(handlers, newHandler(cfg.Console.Format, writer, level))
	}

	if cfg.File.Enabled {
		level, err := parseLevel(cfg.File.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("log.file: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		file, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", cfg.File.Path, err)
		}
		closers = append(closers, file)
		handlers = append(handlers, newHandler(cfg.File.Format, file, level))
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
		return slog.New(&fanoutHandler{handlers: handlers}), closeFn, nil
	}
}

// newHandler creates one slog handler for a sink format.
// Params: format line/json; writer destination; level minimum level.
// Returns: slog handler.
func newHandler(format string, writer io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(writer, opts)
	}
	return slog.NewTextHandler(writer, opts)
}

// parseLevel maps a config level name to slog level.
// Params: value level name.
// Returns: slog level or error for unknown names.
func parseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "panic":
		return LevelPanic, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", value)
	}
}

// fanoutHandler dispatches records to every enabled child handler.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		out = append(out, handler.WithAttrs(attrs))
	}
	return &fanoutHandler{handlers: out}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		out = append(out, handler.WithGroup(name))
	}
	return &fanoutHandler{handlers: out}
}

// colorLineWriter colors text-handler lines by level and highlights value tokens.
// Lines without a known level pass through untouched.
type colorLineWriter struct {
	mu  sync.Mutex
	dst io.Writer
}

// Write colors one rendered log line.
// Params: p one text-handler record.
// Returns: len(p) and destination write error.
func (w *colorLineWriter) Write(p []byte) (int, error) {
	line := string(p)
	base := levelColor(line)

	w.mu.Lock()
	defer w.mu.Unlock()

	if base == "" {
		if _, err := w.dst.Write(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	body, newline := strings.CutSuffix(line, "\n")
	colored := valuePattern.ReplaceAllStringFunc(body, func(match string) string {
		value := match[1:]
		color := tokenColor(value)
		if color == "" {
			return match
		}
		return "=" + color + value + ansiReset + base
	})

	var builder strings.Builder
	builder.Grow(len(colored) + 16)
	builder.WriteString(base)
	builder.WriteString(colored)
	builder.WriteString(ansiReset)
	if newline {
		builder.WriteByte('\n')
	}

	if _, err := io.WriteString(w.dst, builder.String()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// levelColor returns the base color for the record level, empty if unknown.
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
		return ansiYellow
	case "ERROR":
		return ansiRed
	}
	return ""
}

// tokenColor classifies one value token.
func tokenColor(value string) string {
	switch {
	case strings.HasPrefix(value, `"`):
		return ansiGreen
	case ipPattern.MatchString(value):
		return ansiCyan
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return ansiYellow
	}
	return ""
}
