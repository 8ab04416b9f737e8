package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"shimrelay/internal/config"
)

const (
	minShutdownBudget = 3 * time.Second
	maxShutdownBudget = time.Minute
	shutdownSlack     = 2 * time.Second
)

var errNoAddresses = errors.New("no collector addresses configured")

// collectorWorker batches events for one collector and owns its spool.
type collectorWorker struct {
	name   string
	cfg    config.CollectorConfig
	logger *slog.Logger
	sender CollectorSender
	queue  *DiskQueue

	input chan Event
	batch []Event

	ageTimer *time.Timer

	delivered atomic.Uint64
	spooled   atomic.Uint64
	dropped   atomic.Uint64
}

// run is the worker loop. Batches leave on size, on age, and once more on shutdown.
// Params: ctx worker lifecycle context.
// Returns: none.
func (w *collectorWorker) run(ctx context.Context) {
	defer w.closeQueue()
	defer w.disarmAge()

	retry := time.NewTicker(w.retryInterval())
	defer retry.Stop()

	_ = w.drainQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case event := <-w.input:
			w.add(event)
			if w.batchFull() {
				w.flushBatch(ctx)
			}
		case <-w.ageExpired():
			w.ageTimer = nil
			w.flushBatch(ctx)
		case <-retry.C:
			if w.queue != nil && w.queue.Pending() > 0 {
				_ = w.drainQueue(ctx)
			}
		}
	}
}

// shutdown flushes buffered input with the open batch, then drains the spool within a bounded budget.
func (w *collectorWorker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), w.shutdownBudget())
	defer cancel()

	for drained := false; !drained; {
		select {
		case event := <-w.input:
			w.add(event)
		default:
			drained = true
		}
	}
	w.flushBatch(ctx)
	_ = w.drainQueue(ctx)
}

// add appends one event and arms the age deadline for a new batch.
func (w *collectorWorker) add(event Event) {
	if len(w.batch) == 0 {
		w.armAge()
	}
	w.batch = append(w.batch, event)
}

func (w *collectorWorker) batchFull() bool {
	return w.cfg.Batch.MaxEvents > 0 && uint64(len(w.batch)) >= w.cfg.Batch.MaxEvents
}

// armAge starts the max_age timer; a zero max_age leaves batches to size and shutdown.
func (w *collectorWorker) armAge() {
	if w.ageTimer != nil || w.cfg.Batch.MaxAge.Duration <= 0 {
		return
	}
	w.ageTimer = time.NewTimer(w.cfg.Batch.MaxAge.Duration)
}

func (w *collectorWorker) disarmAge() {
	if w.ageTimer == nil {
		return
	}
	w.ageTimer.Stop()
	w.ageTimer = nil
}

// ageExpired returns the age timer channel, nil (never ready) when unarmed.
func (w *collectorWorker) ageExpired() <-chan time.Time {
	if w.ageTimer == nil {
		return nil
	}
	return w.ageTimer.C
}

// flushBatch ships the open batch, spooling it when every address fails.
// Params: ctx delivery context.
// Returns: none; failures are logged and counted.
func (w *collectorWorker) flushBatch(ctx context.Context) {
	w.disarmAge()
	if len(w.batch) == 0 {
		return
	}
	events := w.batch
	w.batch = w.batch[:0:0]

	err := w.deliver(ctx, func(sendCtx context.Context, address string) error {
		return w.sender.SendBatch(sendCtx, address, events, w.cfg.Timeout.Duration)
	})
	if err == nil {
		w.delivered.Add(uint64(len(events)))
		_ = w.drainQueue(ctx)
		return
	}

	w.spool(events, err)
}

// spool persists an undeliverable batch, or drops it when no queue is configured.
func (w *collectorWorker) spool(events []Event, cause error) {
	if w.queue == nil {
		w.dropped.Add(uint64(len(events)))
		w.logger.Error(
			"collector unavailable, batch dropped",
			slog.Int("events", len(events)),
			slog.String("error", cause.Error()),
		)
		return
	}

	payload, err := w.sender.Encode(events)
	if err != nil {
		w.dropped.Add(uint64(len(events)))
		w.logger.Error("encode batch for spool failed", slog.String("error", err.Error()))
		return
	}
	if err := w.queue.Enqueue(payload); err != nil {
		w.dropped.Add(uint64(len(events)))
		w.logger.Error("spool batch failed", slog.Int("events", len(events)), slog.String("error", err.Error()))
		return
	}

	w.spooled.Add(uint64(len(events)))
	w.logger.Warn(
		"collector unavailable, batch spooled",
		slog.Int("events", len(events)),
		slog.Int("bytes", len(payload)),
		slog.Uint64("pending", w.queue.Pending()),
	)
}

// deliver tries each configured address in order until one accepts.
// Params: ctx parent context; attempt sends to one address under a per-address deadline.
// Returns: nil on first success, the last failure otherwise.
func (w *collectorWorker) deliver(ctx context.Context, attempt func(context.Context, string) error) error {
	var lastErr error
	for _, raw := range w.cfg.Addr {
		address := strings.TrimSpace(raw)
		if address == "" {
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout.Duration)
		err := attempt(sendCtx, address)
		cancel()
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("%s: %w", address, err)
		w.logger.Warn("delivery attempt failed", slog.String("address", address), slog.String("error", err.Error()))
	}

	if lastErr == nil {
		return errNoAddresses
	}
	return lastErr
}

// drainQueue replays spooled batches oldest first until the spool is empty or delivery fails.
// Params: ctx delivery context.
// Returns: nil when drained, delivery or storage error otherwise.
func (w *collectorWorker) drainQueue(ctx context.Context) error {
	if w.queue == nil {
		return nil
	}

	for {
		record, err := w.queue.Peek()
		switch {
		case errors.Is(err, errQueueEmpty):
			return nil
		case errors.Is(err, errQueueCRC):
			w.logger.Error("skipping damaged spool record", slog.String("error", err.Error()))
			if err := w.queue.Skip(); err != nil {
				return err
			}
			continue
		case err != nil:
			w.logger.Error("read spool failed", slog.String("error", err.Error()))
			return err
		}

		err = w.deliver(ctx, func(sendCtx context.Context, address string) error {
			return w.sender.Send(sendCtx, address, record.payload, w.cfg.Timeout.Duration)
		})
		if err != nil {
			return err
		}
		if err := w.queue.Ack(record); err != nil {
			w.logger.Error("ack spool record failed", slog.String("error", err.Error()))
			return err
		}
	}
}

func (w *collectorWorker) closeQueue() {
	if w.queue == nil {
		return
	}
	if err := w.queue.Close(); err != nil {
		w.logger.Error("close spool failed", slog.String("error", err.Error()))
	}
}

func (w *collectorWorker) retryInterval() time.Duration {
	if w.cfg.RetryInterval.Duration > 0 {
		return w.cfg.RetryInterval.Duration
	}
	return 3 * time.Second
}

// shutdownBudget allows one timeout per address plus slack, clamped to [3s, 1m].
func (w *collectorWorker) shutdownBudget() time.Duration {
	perAddress := w.cfg.Timeout.Duration
	if perAddress <= 0 {
		perAddress = 5 * time.Second
	}

	addresses := 0
	for _, address := range w.cfg.Addr {
		if strings.TrimSpace(address) != "" {
			addresses++
		}
	}

	budget := time.Duration(max(addresses, 1))*perAddress + shutdownSlack
	return min(max(budget, minShutdownBudget), maxShutdownBudget)
}

// stats reports the worker counters.
func (w *collectorWorker) stats() CollectorStats {
	out := CollectorStats{
		Name:         w.name,
		InputBacklog: len(w.input),
		Delivered:    w.delivered.Load(),
		Spooled:      w.spooled.Load(),
		Dropped:      w.dropped.Load(),
	}
	if w.queue != nil {
		out.QueuePending = w.queue.Pending()
	}
	return out
}
