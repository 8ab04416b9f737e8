package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"shimrelay/internal/config"
)

const collectorInputBuffer = 4096

// CollectorSink hands every event to one batching worker per configured collector.
// Workers run until the context passed to NewCollectorSink is canceled.
type CollectorSink struct {
	workers []*collectorWorker
	logger  *slog.Logger
	sender  CollectorSender

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// CollectorStats is a point-in-time view of one collector worker.
type CollectorStats struct {
	Name         string `json:"name"`
	InputBacklog int    `json:"input_backlog"`
	QueuePending uint64 `json:"queue_pending"`
	Delivered    uint64 `json:"delivered"`
	Spooled      uint64 `json:"spooled"`
	Dropped      uint64 `json:"dropped"`
}

// NewCollectorSink opens spools, then starts one worker per collector.
// Params: ctx worker lifecycle; collectors at least one collector; logger root logger; sender shared transport.
// Returns: running sink or setup error with already opened spools closed.
func NewCollectorSink(
	ctx context.Context,
	collectors []config.CollectorConfig,
	logger *slog.Logger,
	sender CollectorSender,
) (*CollectorSink, error) {
	if len(collectors) == 0 {
		return nil, errors.New("collector list is empty")
	}
	if sender == nil {
		return nil, errors.New("collector sender is nil")
	}

	sink := &CollectorSink{logger: logger, sender: sender}
	for idx, cfg := range collectors {
		worker, err := newCollectorWorker(idx, cfg, logger, sender)
		if err != nil {
			for _, opened := range sink.workers {
				opened.closeQueue()
			}
			return nil, err
		}
		sink.workers = append(sink.workers, worker)
	}

	sink.wg.Add(len(sink.workers))
	for _, worker := range sink.workers {
		go func() {
			defer sink.wg.Done()
			worker.run(ctx)
		}()
	}
	go func() {
		sink.wg.Wait()
		sink.closeSender()
	}()

	return sink, nil
}

// newCollectorWorker builds one worker; an unnamed collector is named by position.
func newCollectorWorker(idx int, cfg config.CollectorConfig, logger *slog.Logger, sender CollectorSender) (*collectorWorker, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = fmt.Sprintf("collector-%d", idx)
	}

	worker := &collectorWorker{
		name:   name,
		cfg:    cfg,
		logger: logger.With(slog.String("collector", name)),
		sender: sender,
		input:  make(chan Event, collectorInputBuffer),
	}
	if !cfg.Queue.Enabled {
		return worker, nil
	}

	queue, err := OpenDiskQueue(cfg.Queue.Dir, DiskQueueOptions{
		MaxEvents: cfg.Queue.MaxEvents,
		MaxAge:    cfg.Queue.MaxAge.Duration,
		Compress:  cfg.Queue.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("open spool for %s: %w", name, err)
	}
	worker.queue = queue
	return worker, nil
}

// Consume offers event to every worker, blocking while a worker input is full.
// Params: ctx bounds the wait; event payload.
// Returns: ctx error when the wait is abandoned.
func (s *CollectorSink) Consume(ctx context.Context, event Event) error {
	for _, worker := range s.workers {
		select {
		case worker.input <- event:
		case <-ctx.Done():
			return fmt.Errorf("collector %s: %w", worker.name, ctx.Err())
		}
	}
	return nil
}

// Wait blocks until every worker finished its shutdown flush.
func (s *CollectorSink) Wait() {
	s.wg.Wait()
}

// Stats reports counters per collector in config order.
func (s *CollectorSink) Stats() []CollectorStats {
	out := make([]CollectorStats, 0, len(s.workers))
	for _, worker := range s.workers {
		out = append(out, worker.stats())
	}
	return out
}

// closeSender releases the transport once all workers are gone.
func (s *CollectorSink) closeSender() {
	s.closeOnce.Do(func() {
		closer, ok := s.sender.(interface{ Close() error })
		if !ok {
			return
		}
		if err := closer.Close(); err != nil && s.logger != nil {
			s.logger.Error("close collector sender failed", slog.String("error", err.Error()))
		}
	})
}
