// Package server exposes the agent read model and lifecycle commands over
// HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rezaa1/liveagent/internal/registry"
	"github.com/rezaa1/liveagent/internal/sysinfo"
)

// Agents is the registry surface the server needs.
type Agents interface {
	List() []registry.Agent
	Get(id string) (registry.Agent, bool)
	Create(name, room string, cfg registry.Configuration) (registry.Agent, error)
	Remove(id string) error
	Start(id string) error
	Stop(id string) error
}

// HostSampler reports host load for /health.
type HostSampler interface {
	Collect() (sysinfo.Snapshot, error)
}

// Config holds server settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Host is optional; /health omits the host section without it.
	Host HostSampler
}

// Server is the HTTP read-model server.
type Server struct {
	agents     Agents
	host       HostSampler
	started    time.Time
	httpServer *http.Server
}

// New creates a server for agents.
func New(cfg Config, agents Agents) *Server {
	s := &Server{agents: agents, host: cfg.Host, started: time.Now()}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Stop is called. It returns nil after a clean stop.
func (s *Server) Start() error {
	slog.Info("Starting HTTP read model", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("POST /agents", s.handleCreateAgent)
	mux.HandleFunc("GET /agents/{agentId}", s.handleGetAgent)
	mux.HandleFunc("DELETE /agents/{agentId}", s.handleRemoveAgent)
	mux.HandleFunc("POST /agents/{agentId}/start", s.handleStartAgent)
	mux.HandleFunc("POST /agents/{agentId}/stop", s.handleStopAgent)
}
