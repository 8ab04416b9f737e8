package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"shimrelay/internal/attrs"
	"shimrelay/internal/timing"
)

const (
	// EventTypeLogs is the event type used by report and every capture path.
	EventTypeLogs = "Logs"
	// DurationKey is the payload key injected for timed events.
	DurationKey = "duration"
)

// Sink receives normalized events and global attribute registrations.
// Params: context plus event/attribute/log payloads.
// Returns: delivery error; the emitter logs it and never retries.
type Sink interface {
	Send(ctx context.Context, eventType, name string, payload attrs.Payload) error
	SetAttribute(ctx context.Context, key, value string) error
	NativeLog(ctx context.Context, message string) error
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithTracker replaces the timed event tracker.
// Params: tracker shared timer state.
// Returns: emitter option.
func WithTracker(tracker *timing.Tracker) Option {
	return func(e *Emitter) {
		if tracker != nil {
			e.timers = tracker
		}
	}
}

// Emitter is the single entry point every outbound signal funnels through.
// Params: sink, logger, and pending timer state.
// Returns: emitter shared by pointer across capture layers.
type Emitter struct {
	sink   Sink
	timers *timing.Tracker
	logger *slog.Logger
}

// New creates an emitter with an empty timer map.
// Params: sink destination; logger for delivery diagnostics; opts overrides.
// Returns: emitter or error on missing dependencies.
func New(sink Sink, logger *slog.Logger, opts ...Option) (*Emitter, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	e := &Emitter{
		sink:   sink,
		timers: timing.New(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Send normalizes payload, applies timed-event duration, and dispatches to the sink.
// Params: ctx delivery context; eventType/name event identity; payload raw attributes.
// Returns: false when the event was dropped because its timer went stale.
func (e *Emitter) Send(ctx context.Context, eventType, name string, payload map[string]any) bool {
	normalized := attrs.Normalize(payload)

	timer := e.timers.Consume(name)
	switch timer.State {
	case timing.Stale:
		e.logger.Debug(
			"timed event dropped",
			slog.String("event_type", eventType),
			slog.String("name", name),
			slog.Float64("elapsed_seconds", timer.Seconds),
		)
		return false
	case timing.Fresh:
		normalized = normalized.With(DurationKey, attrs.Number(timer.Seconds))
	}

	if err := e.sink.Send(ctx, eventType, name, normalized); err != nil {
		e.logger.Warn(
			"event dispatch failed",
			slog.String("event_type", eventType),
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}
	return true
}

// Report sends a custom event with the Logs event type.
// Params: ctx delivery context; name event name; payload raw attributes.
// Returns: false when the event was dropped.
func (e *Emitter) Report(ctx context.Context, name string, payload map[string]any) bool {
	return e.Send(ctx, EventTypeLogs, name, payload)
}

// TimeEvent starts (or restarts) the timer for the next event named name.
func (e *Emitter) TimeEvent(name string) {
	e.timers.Start(name)
}

// PendingTimers returns how many timers are waiting for a matching send.
func (e *Emitter) PendingTimers() int {
	return e.timers.Pending()
}

// SetGlobalAttributes registers each entry on the sink as string key/value.
// Params: ctx delivery context; values raw attributes.
// Returns: none.
func (e *Emitter) SetGlobalAttributes(ctx context.Context, values map[string]any) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := attrs.Stringify(values[key])
		if err := e.sink.SetAttribute(ctx, key, value); err != nil {
			e.logger.Warn(
				"global attribute registration failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// NativeLog writes one plain-text line to the sink diagnostic channel.
func (e *Emitter) NativeLog(ctx context.Context, message string) {
	if err := e.sink.NativeLog(ctx, message); err != nil {
		e.logger.Warn("native log failed", slog.String("error", err.Error()))
	}
}
