package timing

import (
	"sync"
	"time"
)

// StaleAfter is the longest elapsed time still reported as a duration.
const StaleAfter = 500 * time.Second

// State describes the outcome of one timer consumption.
// Params: none.
// Returns: enum value for absent/fresh/stale timers.
type State uint8

const (
	// Absent means no timer was started for the name.
	Absent State = iota
	// Fresh means a timer was found and its duration is valid.
	Fresh
	// Stale means a timer was found but exceeded StaleAfter.
	Stale
)

// Result carries one consumed timer measurement.
// Params: State and elapsed seconds (valid for Fresh and Stale).
// Returns: consumption outcome.
type Result struct {
	State   State
	Seconds float64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the wall clock used for timestamps.
// Params: now returns the current instant.
// Returns: tracker option.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker pairs Start calls with later Consume calls by event name.
// Params: optional clock.
// Returns: tracker safe for concurrent use.
//
// Timers that are never consumed stay in memory until overwritten.
type Tracker struct {
	mu     sync.Mutex
	starts map[string]time.Time
	now    func() time.Time
}

// New creates an empty tracker.
// Params: opts optional tracker settings.
// Returns: tracker with no pending timers.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		starts: make(map[string]time.Time),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start records the current instant for name, replacing any pending timer.
// Params: name event name.
// Returns: none.
func (t *Tracker) Start(name string) {
	started := t.now().Truncate(time.Millisecond)

	t.mu.Lock()
	t.starts[name] = started
	t.mu.Unlock()
}

// Consume reads and clears the timer for name.
// Params: name event name.
// Returns: Absent when no timer exists, Stale past StaleAfter, Fresh otherwise.
func (t *Tracker) Consume(name string) Result {
	t.mu.Lock()
	started, ok := t.starts[name]
	if ok {
		delete(t.starts, name)
	}
	t.mu.Unlock()

	if !ok {
		return Result{State: Absent}
	}

	elapsed := t.now().Truncate(time.Millisecond).Sub(started)
	seconds := float64(elapsed.Milliseconds()) / 1000
	if elapsed > StaleAfter {
		return Result{State: Stale, Seconds: seconds}
	}
	return Result{State: Fresh, Seconds: seconds}
}

// Pending returns the number of started, not yet consumed timers.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.starts)
}
