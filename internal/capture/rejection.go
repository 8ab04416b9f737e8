package capture

import (
	"errors"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/rs/xid"
)

const (
	defaultWhitelistDelay = 100 * time.Millisecond
	defaultRejectionDelay = 2 * time.Second
	defaultMaxReported    = 1000
)

// RejectionOptions configures unhandled rejection reporting.
// Params: AllRejections reports every rejection, otherwise only whitelisted errors;
// Whitelist overrides the default runtime-error match; callbacks receive rejection ids.
// Returns: tracker configuration.
type RejectionOptions struct {
	AllRejections bool
	Whitelist     func(error) bool
	OnUnhandled   func(id string, err error)
	OnHandled     func(id string)
}

// Scheduler runs fn after delay and returns a cancel function.
// fn must not be invoked before Scheduler returns.
type Scheduler func(delay time.Duration, fn func()) (cancel func() bool)

// RejectionTrackerOption configures a RejectionTracker.
type RejectionTrackerOption func(*RejectionTracker)

// WithScheduler overrides the timer implementation.
// Params: schedule timer factory.
// Returns: tracker option.
func WithScheduler(schedule Scheduler) RejectionTrackerOption {
	return func(t *RejectionTracker) {
		if schedule != nil {
			t.schedule = schedule
		}
	}
}

// WithDelays overrides the grace delays before a rejection counts as unhandled.
// Params: whitelisted delay for runtime errors; other delay for everything else.
// Returns: tracker option.
func WithDelays(whitelisted, other time.Duration) RejectionTrackerOption {
	return func(t *RejectionTracker) {
		if whitelisted > 0 {
			t.whitelistDelay = whitelisted
		}
		if other > 0 {
			t.otherDelay = other
		}
	}
}

// WithMaxReported caps how many reported rejections stay tracked for a late Handle.
// The oldest reported rejection is forgotten once the cap is exceeded.
// Params: limit maximum retained reported rejections.
// Returns: tracker option.
func WithMaxReported(limit int) RejectionTrackerOption {
	return func(t *RejectionTracker) {
		if limit > 0 {
			t.maxReported = limit
		}
	}
}

type rejection struct {
	err    error
	cancel func() bool
	logged bool
}

// RejectionTracker reports failed async work nobody handled within a grace delay.
// Params: scheduler and delays.
// Returns: tracker; disabled until Enable is called.
type RejectionTracker struct {
	mu             sync.Mutex
	enabled        bool
	opts           RejectionOptions
	pending        map[string]*rejection
	reported       []string
	maxReported    int
	schedule       Scheduler
	whitelistDelay time.Duration
	otherDelay     time.Duration
}

// NewRejectionTracker creates a disabled tracker.
// Params: opts optional scheduler/delay overrides.
// Returns: rejection tracker.
func NewRejectionTracker(opts ...RejectionTrackerOption) *RejectionTracker {
	t := &RejectionTracker{
		pending:        make(map[string]*rejection),
		whitelistDelay: defaultWhitelistDelay,
		otherDelay:     defaultRejectionDelay,
		maxReported:    defaultMaxReported,
		schedule: func(delay time.Duration, fn func()) func() bool {
			return time.AfterFunc(delay, fn).Stop
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enable starts tracking with opts, replacing a previous registration.
// Params: opts reporting policy and callbacks.
// Returns: none.
func (t *RejectionTracker) Enable(opts RejectionOptions) {
	t.Disable()

	if opts.Whitelist == nil {
		opts.Whitelist = IsRuntimeError
	}

	t.mu.Lock()
	t.enabled = true
	t.opts = opts
	t.mu.Unlock()
}

// Disable stops tracking and forgets pending rejections.
func (t *RejectionTracker) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, entry := range t.pending {
		if entry.cancel != nil {
			entry.cancel()
		}
		delete(t.pending, id)
	}
	t.reported = nil
	t.enabled = false
	t.opts = RejectionOptions{}
}

// Enabled reports whether a registration is active.
func (t *RejectionTracker) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Reject records one failed async operation.
// Params: err failure value.
// Returns: rejection id, empty when tracking is disabled or err is never reported.
func (t *RejectionTracker) Reject(err error) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || t.opts.OnUnhandled == nil {
		return ""
	}
	if !t.opts.AllRejections && !t.opts.Whitelist(err) {
		return ""
	}

	id := xid.New().String()
	delay := t.otherDelay
	if IsRuntimeError(err) {
		delay = t.whitelistDelay
	}

	entry := &rejection{err: err}
	t.pending[id] = entry
	entry.cancel = t.schedule(delay, func() { t.fireUnhandled(id) })
	return id
}

// Handle marks a rejection as handled.
// Params: id rejection id returned by Reject.
// Returns: true when the id was still tracked.
func (t *RejectionTracker) Handle(id string) bool {
	t.mu.Lock()
	entry, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, id)
	if entry.logged {
		t.reported = slices.DeleteFunc(t.reported, func(reported string) bool { return reported == id })
	}
	onHandled := t.opts.OnHandled
	logged := entry.logged
	t.mu.Unlock()

	if !logged {
		if entry.cancel != nil {
			entry.cancel()
		}
		return true
	}
	if onHandled != nil {
		safeObserve(func() { onHandled(id) })
	}
	return true
}

// Pending returns the number of tracked, not yet handled rejections.
// Reported rejections count until they are handled or evicted by the retention cap.
func (t *RejectionTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// fireUnhandled reports one rejection whose grace delay expired.
// Params: id rejection id.
// Returns: none.
func (t *RejectionTracker) fireUnhandled(id string) {
	t.mu.Lock()
	entry, ok := t.pending[id]
	if !ok || entry.logged {
		t.mu.Unlock()
		return
	}
	onUnhandled := t.opts.OnUnhandled
	entry.logged = true
	t.reported = append(t.reported, id)
	for len(t.reported) > t.maxReported {
		delete(t.pending, t.reported[0])
		t.reported = t.reported[1:]
	}
	t.mu.Unlock()

	safeObserve(func() { onUnhandled(id, entry.err) })
}

// IsRuntimeError reports whether err wraps a Go runtime error.
func IsRuntimeError(err error) bool {
	var runtimeErr runtime.Error
	return err != nil && errors.As(err, &runtimeErr)
}
