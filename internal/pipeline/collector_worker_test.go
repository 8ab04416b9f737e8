package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"shimrelay/internal/config"
)

type sendCall struct {
	address  string
	timeout  time.Duration
	deadline bool
	batch    bool
	events   int
}

// scriptedSender fails per address or per call index and records every attempt.
type scriptedSender struct {
	mu     sync.Mutex
	down   map[string]error
	script []error
	calls  []sendCall
	closed int
}

// Encode renders a short marker payload.
// Params: events batch.
// Returns: marker bytes.
func (s *scriptedSender) Encode(events []Event) ([]byte, error) {
	return []byte(fmt.Sprintf("%d events", len(events))), nil
}

// SendBatch records a batch attempt.
// Params: ctx attempt context; address target; events batch; timeout configured timeout.
// Returns: scripted result.
func (s *scriptedSender) SendBatch(ctx context.Context, address string, events []Event, timeout time.Duration) error {
	return s.record(ctx, sendCall{address: address, timeout: timeout, batch: true, events: len(events)})
}

// Send records a spooled payload attempt.
// Params: ctx attempt context; address target; payload ignored; timeout configured timeout.
// Returns: scripted result.
func (s *scriptedSender) Send(ctx context.Context, address string, _ []byte, timeout time.Duration) error {
	return s.record(ctx, sendCall{address: address, timeout: timeout})
}

func (s *scriptedSender) record(ctx context.Context, call sendCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, call.deadline = ctx.Deadline()
	idx := len(s.calls)
	s.calls = append(s.calls, call)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := s.down[call.address]; ok {
		return err
	}
	if idx < len(s.script) {
		return s.script[idx]
	}
	return nil
}

// Close counts transport releases.
func (s *scriptedSender) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *scriptedSender) snapshot() []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendCall(nil), s.calls...)
}

func (s *scriptedSender) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestWorker builds an unstarted worker around sender and an optional queue.
// Params: cfg collector config; sender transport fake; queue spool or nil.
// Returns: worker.
func newTestWorker(cfg config.CollectorConfig, sender CollectorSender, queue *DiskQueue) *collectorWorker {
	return &collectorWorker{
		name:   "c1",
		cfg:    cfg,
		logger: testLogger(),
		sender: sender,
		queue:  queue,
		input:  make(chan Event, 8),
	}
}

func consoleEvent(id string) Event {
	return Event{EventType: "Logs", Name: "JSConsole", ID: id}
}

// waitFor polls cond until it holds or the deadline passes.
// Params: t test handle; what failure description; cond predicate.
// Returns: none; fails test on timeout.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// TestCollectorWorker_DeliverFailsOverInOrder verifies addresses are tried in config order.
// Params: testing.T for assertions.
// Returns: none.
func TestCollectorWorker_DeliverFailsOverInOrder(t *testing.T) {
	sender := &scriptedSender{down: map[string]error{"127.0.0.1:1": errors.New("down")}}
	worker := newTestWorker(config.CollectorConfig{
		Addr:    []string{"127.0.0.1:1", "127.0.0.1:2"},
		Timeout: config.Duration{Duration: time.Second},
	}, sender, nil)

	worker.add(consoleEvent("a"))
	worker.add(consoleEvent("b"))
	worker.flushBatch(context.Background())

	calls := sender.snapshot()
	if len(calls) != 2 || calls[0].address != "127.0.0.1:1" || calls[1].address != "127.0.0.1:2" {
		t.Fatalf("unexpected failover order: %+v", calls)
	}
	if calls[1].events != 2 {
		t.Fatalf("unexpected batch size: %d", calls[1].events)
	}
	if got := worker.stats().Delivered; got != 2 {
		t.Fatalf("unexpected delivered count: %d", got)
	}
	if len(worker.batch) != 0 || worker.ageTimer != nil {
		t.Fatalf("flush must reset batch and age timer")
	}
}

// TestCollectorWorker_DeliverAppliesTimeout verifies each attempt carries the configured timeout and a deadline.
// Params: testing.T for assertions.
// Returns: none.
func TestCollectorWorker_DeliverAppliesTimeout(t *testing.T) {
	down := errors.New("down")
	sender := &scriptedSender{down: map[string]error{"127.0.0.1:1": down, "127.0.0.1:2": down}}
	worker := newTestWorker(config.CollectorConfig{
		Addr:    []string{"127.0.0.1:1", "127.0.0.1:2"},
		Timeout: config.Duration{Duration: 250 * time.Millisecond},
	}, sender, nil)

	err := worker.deliver(context.Background(), func(ctx context.Context, address string) error {
		return sender.Send(ctx, address, nil, worker.cfg.Timeout.Duration)
	})
	if !errors.Is(err, down) {
		t.Fatalf("expected last address failure, got %v", err)
	}

	for idx, call := range sender.snapshot() {
		if call.timeout != 250*time.Millisecond || !call.deadline {
			t.Fatalf("unexpected attempt[%d]: %+v", idx, call)
		}
	}
}

// TestCollectorWorker_DeliverWithoutAddresses verifies blank address lists fail explicitly.
// Params: testing.T for assertions.
// Returns: none.
func TestCollectorWorker_DeliverWithoutAddresses(t *testing.T) {
	worker := newTestWorker(config.CollectorConfig{Addr: []string{" "}}, &scriptedSender{}, nil)

	err := worker.deliver(context.Background(), func(context.Context, string) error {
		t.Fatalf("attempt must not run")
		return nil
	})
	if !errors.Is(err, errNoAddresses) {
		t.Fatalf("expected errNoAddresses, got %v", err)
	}
}

// TestCollectorWorker_SpoolsWhenUnreachable verifies undeliverable batches land in the queue.
// Params: testing.T for assertions.
// Returns: none.
func TestCollectorWorker_SpoolsWhenUnreachable(t *testing.T) {
	queue := openTestQueue(t, t.TempDir(), DiskQueueOptions{MaxEvents: 10})
	sender := &scriptedSender{down: map[string]error{"127.0.0.1:1": errors.New("down")}}
	worker := newTestWorker(config.CollectorConfig{
		Addr:    []string{"127.0.0.1:1"},
		Timeout: config.Duration{Duration: time.Second},
	}, sender, queue)

	worker.add(consoleEvent("a"))
	worker.flushBatch(context.Background())

	if got := queue.Pending(); got != 1 {
		t.Fatalf("expected one spooled payload, got %d", got)
	}
	record, err := queue.Peek()
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if string(record.payload) != "1 events" {
		t.Fatalf("unexpected spooled payload: %q", string(record.payload))
	}
	if stats := worker.stats(); stats.Spooled != 1 || stats.QueuePending != 1 || stats.Dropped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

// TestCollectorWorker_DropsWithoutQueue verifies batches are counted as dropped without a spool.
// Params: testing.T for assertions.
// Returns: none.
func TestCollectorWorker_DropsWithoutQueue(t *testing.T) {
	sender := &scriptedSender{down: map[string]error{"127.0.0.1:1": errors.New("down")}}
	worker := newTestWorker(config.CollectorConfig{
		Addr:    []string{"127.0.0.1:1"},
		Timeout: config.Duration{Duration: time.Second},
	}, sender, nil)

	worker.add(consoleEvent("a"))
	worker.add(consoleEvent("b"))
	worker.flushBatch(context.Background())

	if got := worker.stats().Dropped; got != 2 {
		t.Fatalf("unexpected dropped count: %d", got)
	}
}

// TestCollectorWorker_FlushesOnSize verifies a full batch leaves immediately.
// Params: testing.T for assertions.
// Returns: none.
func TestCollectorWorker_FlushesOnSize(t *testing.T) {
	sender := &scriptedSender{}
	worker := newTestWorker(config.CollectorConfig{
		Addr:          []string{"127.0.0.1:6000"},
		Timeout:       config.Duration{Duration: time.Second},
		RetryInterval: config.Duration{Duration: time.Hour},
		Batch: config.CollectorBatchConfig{
			MaxEvents: 2,
			MaxAge:    config.Duration{Duration: time.Hour},
		},
	}, sender, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.run(ctx)
		close(done)
	}()

	worker.input <- consoleEvent("a")
	worker.input <- consoleEvent("b")
	waitFor(t, "size flush", func() bool {
		calls := sender.snapshot()
		return len(calls) == 1 && calls[0].events == 2
	})

	cancel()
	<-done
}

// TestCollectorWorker_FlushesOnAge verifies a partial batch leaves once max_age elapses.
// Params: testing.T for assertions.
// Returns: none.
func TestCollectorWorker_FlushesOnAge(t *testing.T) {
	sender := &scriptedSender{}
	worker := newTestWorker(config.CollectorConfig{
		Addr:          []string{"127.0.0.1:6000"},
		Timeout:       config.Duration{Duration: time.Second},
		RetryInterval: config.Duration{Duration: time.Hour},
		Batch: config.CollectorBatchConfig{
			MaxEvents: 100,
			MaxAge:    config.Duration{Duration: 50 * time.Millisecond},
		},
	}, sender, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.run(ctx)
		close(done)
	}()

	worker.input <- consoleEvent("a")
	waitFor(t, "age flush", func() bool {
		return len(sender.snapshot()) == 1
	})

	cancel()
	<-done
}

// TestCollectorWorker_RetryDrainsSpool verifies the retry tick replays spooled payloads.
// Params: testing.T for assertions.
// Returns: none.
func TestCollectorWorker_RetryDrainsSpool(t *testing.T) {
	queue, err := OpenDiskQueue(t.TempDir(), DiskQueueOptions{MaxEvents: 10})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	if err := queue.Enqueue([]byte("spooled")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sender := &scriptedSender{script: []error{errors.New("still down")}}
	worker := newTestWorker(config.CollectorConfig{
		Addr:          []string{"127.0.0.1:6000"},
		Timeout:       config.Duration{Duration: time.Second},
		RetryInterval: config.Duration{Duration: 30 * time.Millisecond},
		Batch:         config.CollectorBatchConfig{MaxEvents: 1},
	}, sender, queue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.run(ctx)
		close(done)
	}()

	waitFor(t, "spool drain", func() bool {
		return queue.Pending() == 0
	})
	cancel()
	<-done

	if got := len(sender.snapshot()); got < 2 {
		t.Fatalf("expected failed start drain plus retry, got %d attempts", got)
	}
}

// TestCollectorWorker_ShutdownFlushesBufferedInput verifies accepted events leave on shutdown.
// Params: testing.T for assertions.
// Returns: none.
func TestCollectorWorker_ShutdownFlushesBufferedInput(t *testing.T) {
	sender := &scriptedSender{}
	worker := newTestWorker(config.CollectorConfig{
		Addr:          []string{"127.0.0.1:6000"},
		Timeout:       config.Duration{Duration: 50 * time.Millisecond},
		RetryInterval: config.Duration{Duration: time.Hour},
		Batch: config.CollectorBatchConfig{
			MaxEvents: 100,
			MaxAge:    config.Duration{Duration: time.Minute},
		},
	}, sender, nil)

	worker.input <- consoleEvent("a")
	worker.input <- consoleEvent("b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	worker.run(ctx)

	calls := sender.snapshot()
	if len(calls) != 1 || calls[0].events != 2 {
		t.Fatalf("expected one shutdown batch with both events, got %+v", calls)
	}
	if got := worker.stats().Delivered; got != 2 {
		t.Fatalf("unexpected delivered count: %d", got)
	}
}

// TestCollectorWorker_DrainSkipsDamagedRecord verifies a corrupted spool record is skipped and draining continues.
// Params: testing.T for assertions.
// Returns: none.
func TestCollectorWorker_DrainSkipsDamagedRecord(t *testing.T) {
	queue := openTestQueue(t, t.TempDir(), DiskQueueOptions{MaxEvents: 10})
	if err := queue.Enqueue([]byte("first")); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	if err := queue.Enqueue([]byte("second")); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	corruptQueuePayloadByte(t, queue, spoolHeaderSize)

	sender := &scriptedSender{}
	worker := newTestWorker(config.CollectorConfig{
		Addr:    []string{"127.0.0.1:1"},
		Timeout: config.Duration{Duration: time.Second},
	}, sender, queue)

	if err := worker.drainQueue(context.Background()); err != nil {
		t.Fatalf("drainQueue: %v", err)
	}
	if got := queue.Pending(); got != 0 {
		t.Fatalf("expected empty spool, pending=%d", got)
	}
	if got := len(sender.snapshot()); got != 1 {
		t.Fatalf("expected only the intact record to be sent, got %d", got)
	}
}

// TestCollectorWorker_ShutdownBudget verifies the per-address budget and its clamps.
// Params: testing.T for assertions.
// Returns: none.
func TestCollectorWorker_ShutdownBudget(t *testing.T) {
	one := newTestWorker(config.CollectorConfig{
		Addr:    []string{"a:1"},
		Timeout: config.Duration{Duration: 100 * time.Millisecond},
	}, nil, nil)
	if got := one.shutdownBudget(); got != 3*time.Second {
		t.Fatalf("expected lower clamp, got %v", got)
	}

	three := newTestWorker(config.CollectorConfig{
		Addr:    []string{"a:1", "b:1", "c:1"},
		Timeout: config.Duration{Duration: 5 * time.Second},
	}, nil, nil)
	if got := three.shutdownBudget(); got != 17*time.Second {
		t.Fatalf("unexpected budget: %v", got)
	}

	many := newTestWorker(config.CollectorConfig{
		Addr: make([]string, 0),
	}, nil, nil)
	for i := 0; i < 20; i++ {
		many.cfg.Addr = append(many.cfg.Addr, fmt.Sprintf("h%d:1", i))
	}
	if got := many.shutdownBudget(); got != time.Minute {
		t.Fatalf("expected upper clamp, got %v", got)
	}
}
