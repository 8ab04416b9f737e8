package capture

import (
	"fmt"
	"io"
	"sync"
)

// Console levels observed by capture layers.
const (
	LevelLog   = "log"
	LevelWarn  = "warn"
	LevelError = "error"
)

// LogFunc is one console output primitive.
type LogFunc func(args ...any)

// ConsoleObserver receives a console call before it reaches the original output.
// Params: level console level; args original call arguments.
// Returns: none.
type ConsoleObserver func(level string, args []any)

// Console holds the process-wide console bindings.
// Params: Log/Warn/Error output primitives.
// Returns: replaceable console binding set.
type Console struct {
	mu      sync.RWMutex
	logFn   LogFunc
	warnFn  LogFunc
	errorFn LogFunc
}

// NewConsole creates a console from three output primitives.
// Params: log/warn/error primitives; nil entries become no-ops.
// Returns: console binding set.
func NewConsole(log, warn, errorFn LogFunc) *Console {
	return &Console{
		logFn:   orNoop(log),
		warnFn:  orNoop(warn),
		errorFn: orNoop(errorFn),
	}
}

// NewWriterConsole creates a console that prints space-separated arguments.
// Params: stdout receives log output; stderr receives warn/error output.
// Returns: console binding set.
func NewWriterConsole(stdout, stderr io.Writer) *Console {
	var mu sync.Mutex
	printer := func(w io.Writer) LogFunc {
		return func(args ...any) {
			mu.Lock()
			defer mu.Unlock()
			_, _ = fmt.Fprintln(w, args...)
		}
	}
	return NewConsole(printer(stdout), printer(stderr), printer(stderr))
}

// Log invokes the current log binding.
func (c *Console) Log(args ...any) { c.binding(LevelLog)(args...) }

// Warn invokes the current warn binding.
func (c *Console) Warn(args ...any) { c.binding(LevelWarn)(args...) }

// Error invokes the current error binding.
func (c *Console) Error(args ...any) { c.binding(LevelError)(args...) }

// Print invokes the binding for level; unknown levels fall back to log.
// Params: level console level; args call arguments.
// Returns: none.
func (c *Console) Print(level string, args ...any) {
	c.binding(level)(args...)
}

// Override wraps all three bindings with observe.
// Params: observe capture callback.
// Returns: none.
func (c *Console) Override(observe ConsoleObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logFn = WrapConsole(LevelLog, c.logFn, observe)
	c.warnFn = WrapConsole(LevelWarn, c.warnFn, observe)
	c.errorFn = WrapConsole(LevelError, c.errorFn, observe)
}

// binding returns the current primitive for level.
// Params: level console level.
// Returns: bound output primitive.
func (c *Console) binding(level string) LogFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch level {
	case LevelWarn:
		return c.warnFn
	case LevelError:
		return c.errorFn
	default:
		return c.logFn
	}
}

// WrapConsole decorates one console primitive with an observer.
// Params: level reported to observe; original primitive; observe capture callback.
// Returns: primitive that observes, then always calls original with the same arguments.
func WrapConsole(level string, original LogFunc, observe ConsoleObserver) LogFunc {
	original = orNoop(original)
	if observe == nil {
		return original
	}
	return func(args ...any) {
		safeObserve(func() { observe(level, args) })
		original(args...)
	}
}

// safeObserve runs fn and discards any panic it raises.
func safeObserve(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}

func orNoop(fn LogFunc) LogFunc {
	if fn == nil {
		return func(...any) {}
	}
	return fn
}
