package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"shimrelay/internal/config"
	"shimrelay/internal/logging"
)

var errRelayExited = errors.New("relay exited without context cancellation")

// Runtime defines process inputs for Run.
// Params: ConfigPath TOML file or directory; Reload optional trigger, one receive per SIGHUP.
// Returns: Runtime value used by Run.
type Runtime struct {
	ConfigPath string
	Reload     <-chan struct{}
}

type relayRunner interface {
	Run(context.Context) error
}

type runDeps struct {
	loadConfig func(string) (*config.Config, error)
	newLogger  func(config.LogConfig) (*slog.Logger, func(), error)
	startPprof func(context.Context, config.PprofConfig, *slog.Logger) (func(), error)
	newRelay   func(context.Context, *config.Config, *slog.Logger) (relayRunner, error)
}

// generation is one running relay with the config, logger and pprof server it was built with.
type generation struct {
	cfg         *config.Config
	logger      *slog.Logger
	closeLogger func()

	cancel    context.CancelFunc
	done      chan error
	stopPprof func()
}

// supervisor swaps relay generations on reload and rolls back when a new one cannot start.
type supervisor struct {
	path    string
	deps    runDeps
	current *generation
}

// Run loads configuration, starts the relay and rebuilds it on every reload trigger.
// Params: ctx process lifecycle; rt config path and reload channel.
// Returns: startup error, fatal reload error, relay failure, or nil on graceful stop.
func Run(ctx context.Context, rt Runtime) error {
	return runWithDeps(ctx, rt, defaultRunDeps())
}

func defaultRunDeps() runDeps {
	return runDeps{
		loadConfig: config.Load,
		newLogger:  logging.New,
		startPprof: startPprofServer,
		newRelay: func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (relayRunner, error) {
			return newRelay(ctx, cfg, logger)
		},
	}
}

// runWithDeps is Run with injectable constructors.
func runWithDeps(ctx context.Context, rt Runtime, deps runDeps) error {
	if strings.TrimSpace(rt.ConfigPath) == "" {
		return errors.New("config path is required")
	}

	cfg, err := deps.loadConfig(rt.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sup := &supervisor{path: rt.ConfigPath, deps: deps}
	sup.current, err = sup.launch(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	return sup.loop(ctx, rt.Reload)
}

// loop waits for shutdown, relay exit or a reload trigger.
// Params: ctx process lifecycle; reload trigger channel, may be nil.
// Returns: nil on graceful stop, error otherwise.
func (s *supervisor) loop(ctx context.Context, reload <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return s.finish(ctx, nil)
		case runErr := <-s.current.done:
			s.current.done = nil
			return s.finish(ctx, runErr)
		case _, ok := <-reload:
			if !ok {
				reload = nil
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			if err := s.reload(ctx); err != nil && s.current == nil {
				return err
			}
		}
	}
}

// finish stops the current generation and classifies why the loop ended.
// Params: ctx process lifecycle; runErr relay result when the relay exited on its own.
// Returns: nil when ctx ended the run, relay error otherwise.
func (s *supervisor) finish(ctx context.Context, runErr error) error {
	gen := s.current
	gen.stop()
	defer gen.release()

	if ctx.Err() != nil {
		gen.logger.Info("relay stopped", slog.String("reason", ctx.Err().Error()))
		return nil
	}
	if runErr == nil {
		runErr = errRelayExited
	}
	gen.logger.Error("relay stopped unexpectedly", slog.String("error", runErr.Error()))
	return fmt.Errorf("run relay: %w", runErr)
}

// launch starts pprof and a relay for cfg.
// A nil logger means the generation builds and owns its own.
// Params: ctx process lifecycle; cfg validated config; logger/closeLogger optional logger handoff.
// Returns: running generation or startup error with everything it opened released.
func (s *supervisor) launch(ctx context.Context, cfg *config.Config, logger *slog.Logger, closeLogger func()) (*generation, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("runtime context canceled: %w", err)
	}

	ownsLogger := logger == nil
	if ownsLogger {
		var err error
		logger, closeLogger, err = s.deps.newLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}

	gen := &generation{cfg: cfg, logger: logger, closeLogger: closeLogger}
	runCtx, cancel := context.WithCancel(ctx)
	gen.cancel = cancel

	// abort releases what this call opened; a handed-over logger stays with the caller.
	abort := func(err error) (*generation, error) {
		gen.stop()
		if ownsLogger {
			gen.release()
		}
		return nil, err
	}

	stopPprof, err := s.deps.startPprof(runCtx, cfg.Pprof, logger)
	if err != nil {
		return abort(fmt.Errorf("start pprof: %w", err))
	}
	gen.stopPprof = stopPprof

	relay, err := s.deps.newRelay(runCtx, cfg, logger)
	if err != nil {
		return abort(fmt.Errorf("build relay: %w", err))
	}

	gen.done = make(chan error, 1)
	go func() {
		gen.done <- relay.Run(runCtx)
	}()

	logStartup(logger, cfg)
	return gen, nil
}

// reload validates the new config, then replaces the running generation.
// When the new generation fails to start, the previous config is started again with its logger.
// Params: ctx process lifecycle.
// Returns: reload error; s.current is nil only when rollback failed too.
func (s *supervisor) reload(ctx context.Context) error {
	prev := s.current
	prev.logger.Info("config reload requested")

	nextCfg, err := s.deps.loadConfig(s.path)
	if err != nil {
		prev.logger.Error("config reload validation failed", slog.String("error", err.Error()))
		return fmt.Errorf("reload config: %w", err)
	}
	nextLogger, closeNext, err := s.deps.newLogger(nextCfg.Log)
	if err != nil {
		prev.logger.Error("config reload logger init failed", slog.String("error", err.Error()))
		return fmt.Errorf("init reload logger: %w", err)
	}

	prev.stop()
	next, startErr := s.launch(ctx, nextCfg, nextLogger, closeNext)
	if startErr == nil {
		prev.release()
		s.current = next
		next.logger.Info("config reload applied")
		return nil
	}
	closeNext()

	if ctx.Err() != nil {
		prev.logger.Info("config reload interrupted by shutdown")
		return nil
	}

	prev.logger.Error("config reload apply failed, restoring previous runtime", slog.String("error", startErr.Error()))
	restored, rollbackErr := s.launch(ctx, prev.cfg, prev.logger, prev.closeLogger)
	if rollbackErr != nil {
		prev.release()
		s.current = nil
		return fmt.Errorf("apply reload: %w; rollback failed: %w", startErr, rollbackErr)
	}

	s.current = restored
	restored.logger.Warn("config reload rejected, previous runtime restored", slog.String("error", startErr.Error()))
	return fmt.Errorf("apply reload: %w", startErr)
}

// stop cancels the relay, waits for it and stops pprof; the logger stays open.
func (g *generation) stop() {
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	if g.done != nil {
		<-g.done
		g.done = nil
	}
	if g.stopPprof != nil {
		g.stopPprof()
		g.stopPprof = nil
	}
}

// release closes the logger sinks.
func (g *generation) release() {
	if g.closeLogger != nil {
		g.closeLogger()
		g.closeLogger = nil
	}
}

// logStartup emits initial startup metadata.
// Params: logger is initialized slog logger; cfg is validated runtime config.
// Returns: none.
func logStartup(logger *slog.Logger, cfg *config.Config) {
	logger.Info(
		"relay started",
		slog.Bool("override_console", cfg.Shim.OverrideConsole),
		slog.Bool("report_uncaught_exceptions", cfg.Shim.ReportUncaughtExceptions),
		slog.Bool("report_rejected_promises", cfg.Shim.ReportRejectedPromises),
		slog.Bool("development", cfg.Shim.Development),
		slog.Int("global_attributes", len(cfg.Shim.GlobalAttributes)),
		slog.Int("drop_rules", len(cfg.Pipeline.DropEvent)),
		slog.Int("collectors", len(cfg.Collector)),
		slog.Bool("ingest", cfg.Ingest.Enabled),
	)
}
