package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/meta/internal/app"
	"github.com/ternarybob/meta/internal/common"
)

// Server serves the status API and the event websocket
type Server struct {
	app    *app.App
	router *http.ServeMux
	server *http.Server
}

func New(application *app.App) *Server {
	cfg := application.Config.Server
	s := &Server{app: application}
	s.router = s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.withConditionalMiddleware(s.router),
		ReadTimeout:  common.ParseDurationOr(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: common.ParseDurationOr(cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:  common.ParseDurationOr(cfg.IdleTimeout, 60*time.Second),
	}
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start blocks serving HTTP until Shutdown
func (s *Server) Start() error {
	s.app.Logger.Info().
		Str("address", s.server.Addr).
		Str("write_timeout", s.server.WriteTimeout.String()).
		Msg("HTTP server listening")

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http server: %w", err)
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
// Open websockets are hijacked connections and are closed by the app.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.app.Logger.Info().Msg("HTTP server stopped")
	return nil
}
