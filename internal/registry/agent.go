package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rezaa1/liveagent/internal/connection"
	"github.com/rezaa1/liveagent/internal/persistence"
	"github.com/rezaa1/liveagent/internal/quality"
)

// Status is the read-model status of an agent.
type Status string

const (
	StatusOffline    Status = "offline"
	StatusConnecting Status = "connecting"
	StatusOnline     Status = "online"
	StatusError      Status = "error"
)

// Configuration holds per-agent settings.
type Configuration struct {
	AudioEnabled bool `json:"audioEnabled" yaml:"audioEnabled"`
	VideoEnabled bool `json:"videoEnabled" yaml:"videoEnabled"`
	Simulcast    bool `json:"simulcast" yaml:"simulcast"`
	// MaxRetries overrides the reconnection ceiling when positive.
	MaxRetries int  `json:"maxRetries" yaml:"maxRetries"`
	AutoReply  bool `json:"autoReply" yaml:"autoReply"`
	// ReplyDelayMs is the minimum gap between auto-replies in milliseconds.
	ReplyDelayMs int `json:"replyDelay,omitempty" yaml:"replyDelay"`
}

// DefaultConfiguration matches the settings new agents get from the admin
// surface.
func DefaultConfiguration() Configuration {
	return Configuration{AudioEnabled: true, VideoEnabled: true, MaxRetries: 5, AutoReply: true}
}

// Agent is the read model of one agent.
type Agent struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	RoomName      string           `json:"roomName"`
	Status        Status           `json:"status"`
	State         string           `json:"state"`
	Identity      string           `json:"identity,omitempty"`
	Configuration Configuration    `json:"configuration"`
	Metrics       *quality.Metrics `json:"metrics,omitempty"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// statusFor maps a connection transition onto the read-model status.
func statusFor(t connection.Transition) Status {
	switch t.To {
	case connection.Connected:
		return StatusOnline
	case connection.Connecting, connection.Joining, connection.Reconnecting:
		return StatusConnecting
	case connection.Closed:
		if t.Failure != nil {
			return StatusError
		}
		return StatusOffline
	default:
		return StatusOffline
	}
}

func (a Agent) record() (persistence.AgentRecord, error) {
	cfg, err := json.Marshal(a.Configuration)
	if err != nil {
		return persistence.AgentRecord{}, fmt.Errorf("encode configuration: %w", err)
	}
	rec := persistence.AgentRecord{
		ID:            a.ID,
		Name:          a.Name,
		Status:        string(a.Status),
		RoomName:      a.RoomName,
		Configuration: string(cfg),
		Error:         a.Error,
		CreatedAt:     a.CreatedAt.UTC().Format(persistence.TimeLayout),
	}
	if a.Metrics != nil {
		m, err := json.Marshal(a.Metrics)
		if err != nil {
			return persistence.AgentRecord{}, fmt.Errorf("encode metrics: %w", err)
		}
		rec.Metrics = string(m)
	}
	return rec, nil
}

func agentFromRecord(rec persistence.AgentRecord) (Agent, error) {
	a := Agent{
		ID:       rec.ID,
		Name:     rec.Name,
		RoomName: rec.RoomName,
		Status:   Status(rec.Status),
		Error:    rec.Error,
	}
	if rec.Configuration != "" {
		if err := json.Unmarshal([]byte(rec.Configuration), &a.Configuration); err != nil {
			return Agent{}, fmt.Errorf("decode configuration for %s: %w", rec.ID, err)
		}
	}
	if rec.Metrics != "" {
		var m quality.Metrics
		if err := json.Unmarshal([]byte(rec.Metrics), &m); err == nil {
			a.Metrics = &m
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, rec.CreatedAt); err == nil {
		a.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, rec.UpdatedAt); err == nil {
		a.UpdatedAt = ts
	}
	return a, nil
}
