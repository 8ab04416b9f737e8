package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Server serves the ingest API on an already bound listener.
type Server struct {
	listener net.Listener
	http     *http.Server
	logger   *slog.Logger
}

// NewServer wraps listener; timeout bounds request reads and response writes.
// Params: listener bound TCP listener; handler API router; timeout per request; logger diagnostics.
// Returns: server ready to Run.
func NewServer(listener net.Listener, handler http.Handler, timeout time.Duration, logger *slog.Logger) *Server {
	return &Server{
		listener: listener,
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       timeout,
			WriteTimeout:      timeout,
		},
		logger: logger,
	}
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close releases the listener of a server that was never run.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Run serves until ctx ends, then drains in-flight requests.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop, serve error otherwise.
func (s *Server) Run(ctx context.Context) error {
	stopped := make(chan struct{})
	unwatch := context.AfterFunc(ctx, func() {
		defer close(stopped)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("ingest shutdown incomplete", slog.String("error", err.Error()))
		}
	})

	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}

	if unwatch() {
		s.logger.Error("ingest server stopped unexpectedly", slog.String("addr", s.Addr()), slog.String("error", err.Error()))
	} else {
		<-stopped
	}
	return err
}
