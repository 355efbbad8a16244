// Package server wraps the control-plane HTTP listener with a graceful
// lifecycle.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/argusmon/argus/internal/config"
)

// Server represents the HTTP server
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// New creates the HTTP server around the given handler
func New(cfg config.ServerConfig, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout(),
			WriteTimeout: cfg.WriteTimeout(),
		},
		logger: logger,
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// Start starts the HTTP server and blocks until it exits. A clean
// Shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.http.Shutdown(ctx)
}
