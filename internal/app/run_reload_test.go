package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shimrelay/internal/config"
)

// blockingRelay runs until its context ends.
type blockingRelay struct {
	cfg     *config.Config
	stopped chan struct{}
}

func (r *blockingRelay) Run(ctx context.Context) error {
	<-ctx.Done()
	close(r.stopped)
	return nil
}

type exitingRelay struct {
	err error
}

func (r exitingRelay) Run(context.Context) error {
	return r.err
}

// relayRecorder builds blockingRelays and remembers every config it was given.
type relayRecorder struct {
	mu     sync.Mutex
	relays []*blockingRelay
	failAt map[int]error
	builds int
}

func (r *relayRecorder) build(_ context.Context, cfg *config.Config, _ *slog.Logger) (relayRunner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call := r.builds
	r.builds++
	if err, ok := r.failAt[call]; ok {
		return nil, err
	}
	relay := &blockingRelay{cfg: cfg, stopped: make(chan struct{})}
	r.relays = append(r.relays, relay)
	return relay, nil
}

func (r *relayRecorder) started() []*blockingRelay {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.relays)
}

// waitStarted blocks until n relays were built.
// Params: t test handle; n expected relay count.
// Returns: built relays; fails test on timeout.
func (r *relayRecorder) waitStarted(t *testing.T, n int) []*blockingRelay {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if relays := r.started(); len(relays) >= n {
			return relays
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d relays, have %d", n, len(r.started()))
	return nil
}

// configQueue hands out configs in order on every load.
type configQueue struct {
	mu    sync.Mutex
	steps []any
}

func (q *configQueue) load(string) (*config.Config, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.steps) == 0 {
		return nil, errors.New("unexpected config load")
	}
	step := q.steps[0]
	q.steps = q.steps[1:]
	if err, ok := step.(error); ok {
		return nil, err
	}
	return step.(*config.Config), nil
}

// runHarness runs runWithDeps in the background with counting fakes.
type runHarness struct {
	relays *relayRecorder
	deps   runDeps
	reload chan struct{}

	loggersOpened atomic.Int32
	loggersClosed atomic.Int32
	pprofStarted  atomic.Int32
	pprofStopped  atomic.Int32

	cancel context.CancelFunc
	done   chan error
}

// newRunHarness wires fakes for the given config load sequence.
// Params: steps *config.Config or error per load call.
// Returns: harness; call start to run it.
func newRunHarness(steps ...any) *runHarness {
	h := &runHarness{
		relays: &relayRecorder{},
		reload: make(chan struct{}, 1),
		done:   make(chan error, 1),
	}
	queue := &configQueue{steps: steps}
	h.deps = runDeps{
		loadConfig: queue.load,
		newLogger: func(config.LogConfig) (*slog.Logger, func(), error) {
			h.loggersOpened.Add(1)
			return slog.New(slog.NewTextHandler(io.Discard, nil)), func() { h.loggersClosed.Add(1) }, nil
		},
		startPprof: func(context.Context, config.PprofConfig, *slog.Logger) (func(), error) {
			h.pprofStarted.Add(1)
			var once sync.Once
			return func() { once.Do(func() { h.pprofStopped.Add(1) }) }, nil
		},
		newRelay: h.relays.build,
	}
	return h
}

func (h *runHarness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() {
		h.done <- runWithDeps(ctx, Runtime{ConfigPath: "relay.toml", Reload: h.reload}, h.deps)
	}()
}

// shutdown cancels the run and returns its result.
// Params: t test handle.
// Returns: runWithDeps result; fails test on timeout.
func (h *runHarness) shutdown(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for run to stop")
	}
	return nil
}

// relayConfig creates a minimal config snapshot.
// Params: app global app attribute; dropRules drop_event rule count; collectors collector count.
// Returns: config snapshot.
func relayConfig(app string, dropRules, collectors int) *config.Config {
	cfg := &config.Config{
		Shim: config.ShimConfig{
			OverrideConsole:  true,
			GlobalAttributes: map[string]any{"app": app},
		},
	}
	for range dropRules {
		cfg.Pipeline.DropEvent = append(cfg.Pipeline.DropEvent, "name=Noise*")
	}
	for range collectors {
		cfg.Collector = append(cfg.Collector, config.CollectorConfig{
			Name:    "collector",
			Addr:    []string{"127.0.0.1:6000"},
			Timeout: config.Duration{Duration: time.Second},
			Batch:   config.CollectorBatchConfig{MaxEvents: 1},
		})
	}
	return cfg
}

// TestRun_ReloadSwapsRelay verifies a valid reload stops the old relay and releases its logger.
// Params: testing.T for assertions.
// Returns: none.
func TestRun_ReloadSwapsRelay(t *testing.T) {
	h := newRunHarness(relayConfig("p1", 1, 1), relayConfig("p2", 2, 2))
	h.start(t)

	h.relays.waitStarted(t, 1)
	h.reload <- struct{}{}
	relays := h.relays.waitStarted(t, 2)

	select {
	case <-relays[0].stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("first relay was not stopped")
	}
	if got := relays[1].cfg.Shim.GlobalAttributes["app"]; got != "p2" {
		t.Fatalf("second relay built with stale config: %v", got)
	}

	if err := h.shutdown(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if opened, closed := h.loggersOpened.Load(), h.loggersClosed.Load(); opened != 2 || closed != 2 {
		t.Fatalf("loggers opened=%d closed=%d, want 2/2", opened, closed)
	}
	if started, stopped := h.pprofStarted.Load(), h.pprofStopped.Load(); started != 2 || stopped != 2 {
		t.Fatalf("pprof started=%d stopped=%d, want 2/2", started, stopped)
	}
}

// TestRun_InvalidReloadKeepsRelay verifies a config that fails validation leaves the relay untouched.
// Params: testing.T for assertions.
// Returns: none.
func TestRun_InvalidReloadKeepsRelay(t *testing.T) {
	h := newRunHarness(relayConfig("p1", 1, 1), errors.New("invalid config"))
	h.start(t)

	relays := h.relays.waitStarted(t, 1)
	h.reload <- struct{}{}
	time.Sleep(100 * time.Millisecond)

	if got := len(h.relays.started()); got != 1 {
		t.Fatalf("relay count=%d, want 1", got)
	}
	select {
	case <-relays[0].stopped:
		t.Fatalf("relay stopped after invalid reload")
	default:
	}

	if err := h.shutdown(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

// TestRun_ReloadRollsBackOnBuildFailure verifies the previous config is rebuilt when the new relay fails.
// Params: testing.T for assertions.
// Returns: none.
func TestRun_ReloadRollsBackOnBuildFailure(t *testing.T) {
	h := newRunHarness(relayConfig("p1", 1, 1), relayConfig("p2", 1, 1))
	h.relays.failAt = map[int]error{1: errors.New("bind failed")}
	h.start(t)

	h.relays.waitStarted(t, 1)
	h.reload <- struct{}{}
	relays := h.relays.waitStarted(t, 2)

	if got := relays[1].cfg.Shim.GlobalAttributes["app"]; got != "p1" {
		t.Fatalf("rollback must rebuild previous config, got app=%v", got)
	}
	if err := h.shutdown(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if opened, closed := h.loggersOpened.Load(), h.loggersClosed.Load(); opened != 2 || closed != 2 {
		t.Fatalf("loggers opened=%d closed=%d, want 2/2", opened, closed)
	}
}

// TestRun_ReloadAppliesConfigChanges verifies each reload rebuilds with the new drop rules and collectors.
// Params: testing.T for assertions.
// Returns: none.
func TestRun_ReloadAppliesConfigChanges(t *testing.T) {
	cases := []struct {
		name       string
		configs    []*config.Config
		dropRules  []int
		collectors []int
	}{
		{
			name:       "drop rules",
			configs:    []*config.Config{relayConfig("p1", 1, 1), relayConfig("p1", 2, 1), relayConfig("p1", 0, 1)},
			dropRules:  []int{1, 2, 0},
			collectors: []int{1, 1, 1},
		},
		{
			name:       "collectors",
			configs:    []*config.Config{relayConfig("p1", 1, 1), relayConfig("p1", 1, 2), relayConfig("p1", 1, 0)},
			dropRules:  []int{1, 1, 1},
			collectors: []int{1, 2, 0},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			steps := make([]any, 0, len(tc.configs))
			for _, cfg := range tc.configs {
				steps = append(steps, cfg)
			}
			h := newRunHarness(steps...)
			h.start(t)

			h.relays.waitStarted(t, 1)
			for n := 2; n <= len(tc.configs); n++ {
				h.reload <- struct{}{}
				h.relays.waitStarted(t, n)
			}

			for idx, relay := range h.relays.started() {
				if got := len(relay.cfg.Pipeline.DropEvent); got != tc.dropRules[idx] {
					t.Fatalf("relay[%d] drop rules=%d, want %d", idx, got, tc.dropRules[idx])
				}
				if got := len(relay.cfg.Collector); got != tc.collectors[idx] {
					t.Fatalf("relay[%d] collectors=%d, want %d", idx, got, tc.collectors[idx])
				}
			}

			if err := h.shutdown(t); err != nil {
				t.Fatalf("run: %v", err)
			}
		})
	}
}

// TestRun_RelayExitIsFatal verifies a relay that returns on its own ends Run with its error.
// Params: testing.T for assertions.
// Returns: none.
func TestRun_RelayExitIsFatal(t *testing.T) {
	boom := errors.New("boom")
	h := newRunHarness(relayConfig("p1", 1, 1))
	h.deps.newRelay = func(context.Context, *config.Config, *slog.Logger) (relayRunner, error) {
		return exitingRelay{err: boom}, nil
	}

	err := runWithDeps(context.Background(), Runtime{ConfigPath: "relay.toml"}, h.deps)
	if !errors.Is(err, boom) {
		t.Fatalf("expected relay error, got %v", err)
	}
	if got := h.loggersClosed.Load(); got != 1 {
		t.Fatalf("loggers closed=%d, want 1", got)
	}
	if got := h.pprofStopped.Load(); got != 1 {
		t.Fatalf("pprof stopped=%d, want 1", got)
	}
}

// TestRun_CleanRelayExitIsFatal verifies a nil return without shutdown is still reported.
// Params: testing.T for assertions.
// Returns: none.
func TestRun_CleanRelayExitIsFatal(t *testing.T) {
	h := newRunHarness(relayConfig("p1", 0, 0))
	h.deps.newRelay = func(context.Context, *config.Config, *slog.Logger) (relayRunner, error) {
		return exitingRelay{}, nil
	}

	err := runWithDeps(context.Background(), Runtime{ConfigPath: "relay.toml"}, h.deps)
	if !errors.Is(err, errRelayExited) {
		t.Fatalf("expected errRelayExited, got %v", err)
	}
}

// TestRun_StartupFailures verifies startup errors are returned with owned resources released.
// Params: testing.T for assertions.
// Returns: none.
func TestRun_StartupFailures(t *testing.T) {
	if err := runWithDeps(context.Background(), Runtime{ConfigPath: " "}, runDeps{}); err == nil {
		t.Fatalf("expected missing path error")
	}

	h := newRunHarness(errors.New("bad toml"))
	if err := runWithDeps(context.Background(), Runtime{ConfigPath: "relay.toml"}, h.deps); err == nil {
		t.Fatalf("expected load error")
	}

	h = newRunHarness(relayConfig("p1", 0, 0))
	h.relays.failAt = map[int]error{0: errors.New("listen failed")}
	if err := runWithDeps(context.Background(), Runtime{ConfigPath: "relay.toml"}, h.deps); err == nil {
		t.Fatalf("expected build error")
	}
	if opened, closed := h.loggersOpened.Load(), h.loggersClosed.Load(); opened != 1 || closed != 1 {
		t.Fatalf("loggers opened=%d closed=%d, want 1/1", opened, closed)
	}
	if got := h.pprofStopped.Load(); got != 1 {
		t.Fatalf("pprof stopped=%d, want 1", got)
	}
}

// TestRun_ReloadInterruptedByShutdown verifies shutdown during a slow rebuild stops cleanly.
// Params: testing.T for assertions.
// Returns: none.
func TestRun_ReloadInterruptedByShutdown(t *testing.T) {
	h := newRunHarness(relayConfig("p1", 1, 1), relayConfig("p2", 1, 1))

	secondBuild := make(chan struct{})
	var builds atomic.Int32
	h.deps.newRelay = func(ctx context.Context, cfg *config.Config, _ *slog.Logger) (relayRunner, error) {
		if builds.Add(1) == 1 {
			return &blockingRelay{cfg: cfg, stopped: make(chan struct{})}, nil
		}
		close(secondBuild)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.start(t)

	h.reload <- struct{}{}
	select {
	case <-secondBuild:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for second build")
	}

	if err := h.shutdown(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if opened, closed := h.loggersOpened.Load(), h.loggersClosed.Load(); opened != 2 || closed != 2 {
		t.Fatalf("loggers opened=%d closed=%d, want 2/2", opened, closed)
	}
}
