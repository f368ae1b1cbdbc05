package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rezaa1/liveagent/internal/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := map[registry.Status]int{}
	agents := s.agents.List()
	for _, a := range agents {
		counts[a.Status]++
	}
	body := map[string]interface{}{
		"status": "healthy",
		"agents": len(agents),
		"online": counts[registry.StatusOnline],
		"error":  counts[registry.StatusError],
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.host != nil {
		if snap, err := s.host.Collect(); err != nil {
			slog.Debug("Host metrics unavailable", "error", err)
		} else {
			body["host"] = snap
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": s.agents.List()})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agents.Get(r.PathValue("agentId"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type createAgentRequest struct {
	Name          string                  `json:"name"`
	RoomName      string                  `json:"roomName"`
	Configuration *registry.Configuration `json:"configuration,omitempty"`
	Start         bool                    `json:"start"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var body createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := registry.DefaultConfiguration()
	if body.Configuration != nil {
		cfg = *body.Configuration
	}
	a, err := s.agents.Create(body.Name, body.RoomName, cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if body.Start {
		if err := s.agents.Start(a.ID); err != nil {
			slog.Warn("Failed to start created agent", "agentId", a.ID, "error", err)
		}
		if cur, ok := s.agents.Get(a.ID); ok {
			a = cur
		}
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Remove(r.PathValue("agentId")); err != nil {
		writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.agents.Start)
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.agents.Stop)
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id := r.PathValue("agentId")
	if err := fn(id); err != nil {
		writeCommandError(w, err)
		return
	}
	a, _ := s.agents.Get(id)
	writeJSON(w, http.StatusAccepted, a)
}

func writeCommandError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	slog.Error("Agent command failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
