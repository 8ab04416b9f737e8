package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"shimrelay/internal/attrs"
	"shimrelay/internal/pipeline"
)

// Option configures a Sink.
type Option func(*Sink)

// WithSession fixes the session id stamped on events.
// Params: session id; empty keeps the generated one.
// Returns: sink option.
func WithSession(session string) Option {
	return func(s *Sink) {
		if session != "" {
			s.session = session
		}
	}
}

// WithClock replaces the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		if now != nil {
			s.now = now
		}
	}
}

// Stats is a point-in-time view of the sink counters.
type Stats struct {
	Session    string `json:"session"`
	Sent       uint64 `json:"sent"`
	Failed     uint64 `json:"failed"`
	NativeLogs uint64 `json:"native_logs"`
	Attributes int    `json:"attributes"`
}

// Sink is the telemetry destination behind the emitter.
// It owns the global attribute set, stamps every event with identity and a
// copy of the current global attributes, and forwards it into the pipeline.
type Sink struct {
	next    pipeline.Sink
	native  *slog.Logger
	session string
	now     func() time.Time

	mu     sync.RWMutex
	global map[string]string

	sent       atomic.Uint64
	failed     atomic.Uint64
	nativeLogs atomic.Uint64
}

// New creates a sink forwarding events to next.
// Params: next downstream pipeline sink; logger root logger, the native channel derives from it; opts overrides.
// Returns: sink with a fresh session id.
func New(next pipeline.Sink, logger *slog.Logger, opts ...Option) *Sink {
	s := &Sink{
		next:    next,
		native:  logger.With(slog.String("channel", "native")),
		session: xid.New().String(),
		now:     time.Now,
		global:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Session returns the session id stamped on events.
func (s *Sink) Session() string {
	return s.session
}

// Send builds one pipeline event and forwards it.
// Params: ctx delivery context; eventType/name identity; payload normalized attributes.
// Returns: downstream error.
func (s *Sink) Send(ctx context.Context, eventType, name string, payload attrs.Payload) error {
	event := pipeline.Event{
		ID:         xid.New().String(),
		Timestamp:  s.now().UTC(),
		Session:    s.session,
		EventType:  eventType,
		Name:       name,
		Attributes: payload.Map(),
		Global:     s.Attributes(),
	}

	if err := s.next.Consume(ctx, event); err != nil {
		s.failed.Add(1)
		return fmt.Errorf("forward %s/%s: %w", eventType, name, err)
	}
	s.sent.Add(1)
	return nil
}

// SetAttribute sets one global attribute; later values replace earlier ones.
// Params: ctx unused; key attribute name; value string value.
// Returns: error on empty key.
func (s *Sink) SetAttribute(_ context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("attribute key is empty")
	}

	s.mu.Lock()
	s.global[key] = value
	s.mu.Unlock()
	return nil
}

// NativeLog writes one line to the native log channel.
func (s *Sink) NativeLog(ctx context.Context, message string) error {
	s.nativeLogs.Add(1)
	s.native.InfoContext(ctx, message)
	return nil
}

// Attributes returns a copy of the global attribute set.
func (s *Sink) Attributes() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.global))
	for key, value := range s.global {
		out[key] = value
	}
	return out
}

// Stats returns current counters.
func (s *Sink) Stats() Stats {
	s.mu.RLock()
	attributes := len(s.global)
	s.mu.RUnlock()

	return Stats{
		Session:    s.session,
		Sent:       s.sent.Load(),
		Failed:     s.failed.Load(),
		NativeLogs: s.nativeLogs.Load(),
		Attributes: attributes,
	}
}
