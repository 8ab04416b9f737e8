package capture

import (
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
)

// ErrorHandler handles one uncaught error.
type ErrorHandler func(err error)

// ErrorObserver receives an uncaught error before the original handler runs.
type ErrorObserver func(err error)

// StackTracer is implemented by errors that carry a captured stack.
type StackTracer interface {
	StackTrace() string
}

// PanicError is an uncaught panic converted into an error.
// Params: recovered value and goroutine stack.
// Returns: error value routed to the handler slot.
type PanicError struct {
	Value any
	Stack []byte
}

// Error renders the recovered panic value.
func (e *PanicError) Error() string {
	if err, ok := e.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(e.Value)
}

// Unwrap exposes a recovered error value.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// StackTrace returns the stack captured at recovery.
func (e *PanicError) StackTrace() string {
	return string(e.Stack)
}

// StackOf extracts a stack trace from err.
// Params: err any error, may be nil.
// Returns: stack text and true when err (or a wrapped error) carries one.
func StackOf(err error) (string, bool) {
	var tracer StackTracer
	if err == nil || !errors.As(err, &tracer) {
		return "", false
	}
	stack := tracer.StackTrace()
	return stack, stack != ""
}

// HandlerSlot is a single mutable uncaught-error handler binding.
// Capture layers run in install order, then the original handler runs once.
// Params: initial handler.
// Returns: slot that capture layers attach to.
type HandlerSlot struct {
	mu       sync.RWMutex
	original ErrorHandler
	layers   []ErrorObserver
}

// NewHandlerSlot creates a slot holding handler.
// Params: handler default handler; nil means a no-op.
// Returns: handler slot.
func NewHandlerSlot(handler ErrorHandler) *HandlerSlot {
	if handler == nil {
		handler = func(error) {}
	}
	return &HandlerSlot{original: handler}
}

// Handler returns the installed layers composed with the original handler.
// Layers installed after the call are not included.
func (s *HandlerSlot) Handler() ErrorHandler {
	s.mu.RLock()
	original := s.original
	layers := slices.Clone(s.layers)
	s.mu.RUnlock()

	return func(err error) {
		for _, observe := range layers {
			safeObserve(func() { observe(err) })
		}
		original(err)
	}
}

// SetHandler replaces the original handler. Installed layers stay in front of it.
func (s *HandlerSlot) SetHandler(handler ErrorHandler) {
	if handler == nil {
		return
	}
	s.mu.Lock()
	s.original = handler
	s.mu.Unlock()
}

// Install appends a capture layer after the ones already installed.
// Params: observe capture callback; nil is ignored.
// Returns: none.
func (s *HandlerSlot) Install(observe ErrorObserver) {
	if observe == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers = append(s.layers, observe)
}

// Handle dispatches err to every layer and then to the original handler.
func (s *HandlerSlot) Handle(err error) {
	s.Handler()(err)
}

// Recover routes a panic in the calling goroutine to the slot handler.
// Must be called directly via defer.
func (s *HandlerSlot) Recover() {
	recovered := recover()
	if recovered == nil {
		return
	}
	s.Handle(&PanicError{Value: recovered, Stack: debug.Stack()})
}
