package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"google.golang.org/grpc"

	"shimrelay/internal/bridge"
	"shimrelay/internal/capture"
	"shimrelay/internal/config"
	"shimrelay/internal/device"
	"shimrelay/internal/emitter"
	"shimrelay/internal/ingest"
	"shimrelay/internal/pipeline"
)

// Relay owns one configured emitter, its sink chain and listeners.
// Params: components built by newRelay.
// Returns: runnable relay.
type Relay struct {
	logger    *slog.Logger
	emitter   *emitter.Emitter
	host      emitter.Host
	native    *bridge.Sink
	filter    *pipeline.FilterSink
	collector *pipeline.CollectorSink

	ingest       *ingest.Server
	grpcServer   *grpc.Server
	grpcListener net.Listener
}

// relayStatus is the relay section of the ingest status document.
type relayStatus struct {
	Sink       bridge.Stats              `json:"sink"`
	Dropped    uint64                    `json:"dropped"`
	Collectors []pipeline.CollectorStats `json:"collectors"`
}

// newRelay builds the sink chain, installs capture layers, and binds listeners.
// Params: ctx lifecycle of collector workers; cfg validated config; logger root logger.
// Returns: relay ready to Run or build error.
func newRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	conditions, err := pipeline.ParseDropConditions(cfg.Pipeline.DropEvent)
	if err != nil {
		return nil, fmt.Errorf("parse drop_event: %w", err)
	}

	r := &Relay{logger: logger}

	sinks := make([]pipeline.Sink, 0, 2)
	if cfg.Pipeline.LogEvents {
		sinks = append(sinks, pipeline.NewLogSink(logger.With(slog.String("component", "events"))))
	}
	if len(cfg.Collector) > 0 {
		collector, err := pipeline.NewCollectorSink(ctx, cfg.Collector, logger, &pipeline.GRPCSender{})
		if err != nil {
			return nil, fmt.Errorf("init collector sink: %w", err)
		}
		r.collector = collector
		sinks = append(sinks, collector)
	}

	var downstream pipeline.Sink = pipeline.DiscardSink{}
	if len(sinks) > 0 {
		downstream = pipeline.NewMultiSink(sinks...)
	}
	r.filter = pipeline.NewFilterSink(conditions, downstream)
	r.native = bridge.New(r.filter, logger)

	r.emitter, err = emitter.New(r.native, logger.With(slog.String("component", "emitter")))
	if err != nil {
		return nil, fmt.Errorf("init emitter: %w", err)
	}

	r.host = emitter.Host{
		Console: capture.NewWriterConsole(os.Stdout, os.Stderr),
		Exceptions: capture.NewHandlerSlot(func(err error) {
			logger.Error("uncaught exception", slog.String("error", fmt.Sprint(err)))
		}),
		Rejections:  capture.NewRejectionTracker(),
		Development: cfg.Shim.Development,
	}
	err = r.emitter.Init(ctx, emitter.Options{
		OverrideConsole:          cfg.Shim.OverrideConsole,
		ReportUncaughtExceptions: cfg.Shim.ReportUncaughtExceptions,
		ReportRejectedPromises:   cfg.Shim.ReportRejectedPromises,
		GlobalAttributes:         cfg.Shim.GlobalAttributes,
	}, r.host)
	if err != nil {
		return nil, fmt.Errorf("init capture layers: %w", err)
	}

	if cfg.Shim.DeviceAttributesEnabled() {
		values, err := device.NewCollector().Attributes(ctx, r.native.Session())
		if err != nil {
			logger.Warn("device attributes unavailable", slog.String("error", err.Error()))
		} else {
			r.emitter.SetGlobalAttributes(ctx, values)
		}
	}

	if err := r.bindListeners(cfg.Ingest); err != nil {
		r.host.Rejections.Disable()
		return nil, err
	}

	return r, nil
}

// bindListeners opens the gRPC relay receiver and the HTTP ingest API when configured.
// Params: cfg ingest section.
// Returns: bind error; partially opened listeners are closed.
func (r *Relay) bindListeners(cfg config.IngestConfig) error {
	if cfg.GRPCListen != "" {
		listener, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			return fmt.Errorf("listen grpc %q: %w", cfg.GRPCListen, err)
		}
		r.grpcListener = listener
		r.grpcServer = grpc.NewServer()
		pipeline.RegisterCollectorServer(r.grpcServer, pipeline.NewReceiver(r.filter))
	}
	if !cfg.Enabled {
		return nil
	}

	router, err := ingest.NewRouter(ingest.Deps{
		Emitter:    r.emitter,
		Console:    r.host.Console,
		Exceptions: r.host.Exceptions,
		Rejections: r.host.Rejections,
		Status:     r.status,
		Logger:     r.logger,
		MaxBody:    cfg.MaxBody,
	})
	if err != nil {
		r.closeListeners()
		return fmt.Errorf("init ingest router: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		r.closeListeners()
		return fmt.Errorf("listen ingest %q: %w", cfg.Listen, err)
	}
	r.ingest = ingest.NewServer(listener, router, cfg.Timeout.Duration, r.logger)
	return nil
}

// closeListeners releases listeners that were bound but never served.
func (r *Relay) closeListeners() {
	if r.grpcListener != nil {
		_ = r.grpcListener.Close()
		r.grpcListener = nil
		r.grpcServer = nil
	}
	if r.ingest != nil {
		_ = r.ingest.Close()
		r.ingest = nil
	}
}

// Emitter returns the relay emitter.
func (r *Relay) Emitter() *emitter.Emitter {
	return r.emitter
}

// IngestAddr returns the bound ingest address, empty when ingest is disabled.
func (r *Relay) IngestAddr() string {
	if r.ingest == nil {
		return ""
	}
	return r.ingest.Addr()
}

// GRPCAddr returns the bound relay receiver address, empty when disabled.
func (r *Relay) GRPCAddr() string {
	if r.grpcListener == nil {
		return ""
	}
	return r.grpcListener.Addr().String()
}

// Run serves listeners until ctx is canceled, then waits for collector flush.
// Params: ctx lifecycle context; must be the one collector workers were built with.
// Returns: nil on graceful stop, listener error otherwise.
func (r *Relay) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if r.ingest != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.ingest.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("ingest server: %w", err)
			}
		}()
	}

	if r.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.grpcServer.Serve(r.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc receiver: %w", err)
			}
		}()
		r.logger.Info("grpc receiver started", slog.String("addr", r.GRPCAddr()))
	}

	if r.ingest != nil {
		r.logger.Info("ingest server started", slog.String("addr", r.IngestAddr()))
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	cancel()
	if r.grpcServer != nil {
		r.grpcServer.GracefulStop()
	}
	wg.Wait()
	r.host.Rejections.Disable()

	if runErr != nil {
		return runErr
	}
	if r.collector != nil {
		r.collector.Wait()
	}
	return nil
}

// status builds the relay section of GET /v1/status.
func (r *Relay) status() any {
	out := relayStatus{
		Sink:    r.native.Stats(),
		Dropped: r.filter.Dropped(),
	}
	if r.collector != nil {
		out.Collectors = r.collector.Stats()
	}
	return out
}
