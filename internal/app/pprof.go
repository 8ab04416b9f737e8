package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"shimrelay/internal/config"
)

const (
	debugShutdownTimeout   = 3 * time.Second
	debugReadHeaderTimeout = 2 * time.Second
)

// newDebugRouter exposes the runtime profiles under /debug/pprof.
// Named profiles (heap, goroutine, allocs, block, mutex, threadcreate) resolve through {profile}.
func newDebugRouter() *mux.Router {
	router := mux.NewRouter()
	sub := router.PathPrefix("/debug/pprof").Subrouter()
	sub.HandleFunc("/", pprof.Index)
	sub.HandleFunc("/cmdline", pprof.Cmdline)
	sub.HandleFunc("/profile", pprof.Profile)
	sub.HandleFunc("/symbol", pprof.Symbol)
	sub.HandleFunc("/trace", pprof.Trace)
	sub.HandleFunc("/{profile}", func(w http.ResponseWriter, r *http.Request) {
		pprof.Handler(mux.Vars(r)["profile"]).ServeHTTP(w, r)
	})
	return router
}

// startPprofServer serves the debug router when [pprof] is enabled.
// Params: ctx stops the server when done; cfg enabled flag and listen address; logger lifecycle events.
// Returns: idempotent stop function and bind error.
func startPprofServer(ctx context.Context, cfg config.PprofConfig, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", cfg.Listen, err)
	}
	addr := listener.Addr().String()

	server := &http.Server{
		Handler:           newDebugRouter(),
		ReadHeaderTimeout: debugReadHeaderTimeout,
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), debugShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("pprof shutdown error", slog.String("error", err.Error()))
			}
		})
	}

	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("pprof server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	context.AfterFunc(ctx, stop)

	logger.Info("pprof server started", slog.String("addr", addr))
	return stop, nil
}
