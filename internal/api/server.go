package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/assistkit/agentgate/internal/config"
	"github.com/assistkit/agentgate/internal/outbox"
)

// Server exposes the operator surface of the outbox: enqueue for remote
// producers, plus introspection, retry, and stats for tooling. It is not
// part of the delivery path.
type Server struct {
	cfg    config.ServerConfig
	queue  *outbox.Queue
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, queue *outbox.Queue, log zerolog.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		queue: queue,
		log:   log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	outboxHandler := NewOutboxHandler(s.queue)
	statsHandler := NewStatsHandler(s.queue)

	// Health check — no auth
	r.Get("/health", statsHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AdminAuth(s.cfg.AdminToken))

		r.Post("/outbox", outboxHandler.Enqueue)
		r.Get("/outbox", outboxHandler.List)
		r.Get("/outbox/{id}", outboxHandler.Get)
		r.Post("/outbox/{id}/retry", outboxHandler.Retry)

		r.Get("/stats", statsHandler.Stats)
	})

	return r
}

// Router returns the configured handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
