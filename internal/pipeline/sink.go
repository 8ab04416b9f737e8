package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Sink consumes emitted telemetry events.
// Params: context and one event payload.
// Returns: error if sink cannot process event.
type Sink interface {
	Consume(ctx context.Context, event Event) error
}

// LogSink writes every event to the debug log; used with pipeline.log_events.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a debug sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Consume logs one event with its attributes as compact JSON.
// Non-finite numbers have no JSON form; such attribute sets fall back to Go syntax.
// Params: ctx used for the level check; event payload.
// Returns: always nil.
func (s *LogSink) Consume(ctx context.Context, event Event) error {
	if !s.logger.Enabled(ctx, slog.LevelDebug) {
		return nil
	}

	attributes, err := json.Marshal(event.Attributes)
	if err != nil {
		attributes = []byte(fmt.Sprintf("%v", event.Attributes))
	}

	s.logger.LogAttrs(
		ctx,
		slog.LevelDebug,
		"telemetry event",
		slog.String("id", event.ID),
		slog.String("session", event.Session),
		slog.String("event_type", event.EventType),
		slog.String("name", event.Name),
		slog.String("attributes", string(attributes)),
		slog.Int("global", len(event.Global)),
	)
	return nil
}

// MultiSink delivers each event to every child sink in order.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink builds a composite sink; nil entries are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	out := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	return &MultiSink{sinks: out}
}

// Consume forwards event to every child even when an earlier one fails.
// Params: ctx consume context; event payload.
// Returns: joined child errors, nil when all succeeded.
func (s *MultiSink) Consume(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Consume(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DiscardSink accepts and drops every event.
type DiscardSink struct{}

// Consume drops event.
func (DiscardSink) Consume(context.Context, Event) error {
	return nil
}
