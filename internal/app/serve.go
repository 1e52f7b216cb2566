package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"passfiles/internal/config"
	"passfiles/internal/pf"
	"passfiles/internal/remote"
)

// Server exposes a record store over the HTTP protocol spoken by
// remote.HTTPRemote. It backs onto S3 when the remote is configured as s3
// and keeps records in memory otherwise.
type Server struct {
	listener net.Listener
	server   *http.Server
	logger   pf.Logger
	closer   func() error
}

// NewServer binds addr and prepares the handler. Call Serve to start.
func NewServer(ctx context.Context, cfg *config.Config, addr string) (*Server, error) {
	op := NewOperation("serve")
	slogger, logCloser, err := newLogger(cfg.Log, op.ShortID())
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}
	clock := pf.RealClock{}

	var api pf.RemoteAPI
	switch cfg.Remote.Type {
	case "s3":
		api, err = remote.NewRemoteFromConfig(ctx, cfg.Remote, clock, logger)
		if err != nil {
			logCloser.Close()
			return nil, fmt.Errorf("creating s3 backend: %w", err)
		}
	default:
		api = remote.NewMemoryRemote(clock, cfg.Remote.DeleteSecret)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &Server{
		listener: ln,
		server: &http.Server{
			Handler:      remote.NewHandler(api, cfg.Remote.HTTPToken, logger),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger,
		closer: logCloser.Close,
	}, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve handles requests until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	defer s.closer()
	s.logger.Info("serving records", "addr", s.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}
