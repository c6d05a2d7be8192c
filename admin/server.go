package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Server is an HTTP listener running in the background
type Server struct {
	name   string
	srv    *http.Server
	ln     net.Listener
	doneCh chan struct{}
}

// NewServer prepares a server for handler on address:port
func NewServer(name, address string, port int, handler http.Handler) *Server {
	return &Server{
		name: name,
		srv: &http.Server{
			Addr:              net.JoinHostPort(address, fmt.Sprint(port)),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		doneCh: make(chan struct{}),
	}
}

// Start binds the listener and serves in a goroutine. Bind failures are
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.ln = ln

	go func() {
		defer close(s.doneCh)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("server", s.name).Msg("HTTP server failed")
		}
	}()

	log.Info().Str("server", s.name).Str("address", ln.Addr().String()).Msg("HTTP server listening")
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.srv.Addr
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	<-s.doneCh
	return err
}
