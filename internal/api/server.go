package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"iot-sentinel/internal/logging"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig returns default configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":5000",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server runs the HTTP listener as a supervised service.
type Server struct {
	config  ServerConfig
	handler http.Handler
}

// NewServer creates a Server for handler.
func NewServer(config ServerConfig, handler http.Handler) *Server {
	def := DefaultServerConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	return &Server{config: config, handler: handler}
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("component", "api").Str("addr", s.config.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Str("component", "api").Err(err).Msg("http shutdown incomplete")
	}
	logging.Info().Str("component", "api").Msg("http server stopped")
	return ctx.Err()
}

// String implements fmt.Stringer for the supervisor.
func (s *Server) String() string { return "http-server" }
