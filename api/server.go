package api

import (
	"context"
	"net/http"
	"time"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// Server is the admin trigger HTTP surface (§3, §6 Admin surface).
type Server struct {
	handlers   *Handlers
	httpServer *http.Server
}

// NewServer wires the single-route admin server.
func NewServer(addr string, repo contracts.Repository, bus contracts.EventBus) *Server {
	handlers := NewHandlers(repo, bus)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/schedules/{id}/trigger", handlers.HandleTrigger)

	return &Server{
		handlers: handlers,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start blocks until the server stops or errors.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handlers exposes the route handlers, for tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}
