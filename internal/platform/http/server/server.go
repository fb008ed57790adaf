// Package server runs the status HTTP server: health, metrics, the last
// cycle report and an on-demand cycle trigger.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
	"github.com/MahdiBaghbani/ldapmailsync/internal/reconcile"
)

// ErrMissingRunner is returned by New without a Runner.
var ErrMissingRunner = errors.New("status server requires a runner")

// Runner is the part of the cycle runner the server exposes.
type Runner interface {
	RunOnce(ctx context.Context) (*reconcile.Report, error)
	Last() (*reconcile.Report, error)
	Running() bool
}

// Config wires a Server.
type Config struct {
	ListenAddr string
	// APIKeyHash is the Argon2id hash guarding POST /api/v1/cycles. Empty
	// leaves the trigger closed.
	APIKeyHash string
	Runner     Runner
	// Metrics serves /metrics; nil leaves the route unmounted.
	Metrics http.Handler
}

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg        Config
	httpServer *http.Server
	logger     *slog.Logger
	started    time.Time
}

// New creates a Server. It does not listen until Start.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	logger = logutil.NoopIfNil(logger)
	if cfg.Runner == nil {
		return nil, ErrMissingRunner
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		started: time.Now(),
	}
	// No write timeout: a triggered cycle answers when it finishes.
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens and serves until Shutdown. It returns nil after a graceful
// shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting status server", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.httpServer.Shutdown(ctx)
}
