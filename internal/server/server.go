// Package server runs the issuer's HTTP listener with graceful
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Config contains network-level server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Handler serves all requests.
	Handler http.Handler
}

// Server manages the HTTP listener.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	log        *logrus.Entry
}

// New creates a server with the given configuration.
func New(cfg Config) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      cfg.Handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		log: logrus.WithField("component", "server"),
	}
}

// Start binds the listener and begins serving in the background. It
// returns once the address is bound, so callers know startup failures
// immediately.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = listener

	go func() {
		s.log.WithField("addr", listener.Addr().String()).Info("http server listening")
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
