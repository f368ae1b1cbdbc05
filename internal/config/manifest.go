package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest lists the agents a worker creates at startup.
type Manifest struct {
	Agents []AgentSpec `yaml:"agents"`
}

// AgentSpec describes one agent in the manifest.
type AgentSpec struct {
	Name string `yaml:"name"`
	Room string `yaml:"room"`
	// AutoStart defaults to true.
	AutoStart *bool `yaml:"autoStart"`

	AudioEnabled *bool `yaml:"audioEnabled"`
	VideoEnabled *bool `yaml:"videoEnabled"`
	Simulcast    bool  `yaml:"simulcast"`
	MaxRetries   int   `yaml:"maxRetries"`
	AutoReply    *bool `yaml:"autoReply"`
	ReplyDelayMs int   `yaml:"replyDelay"`
}

// ShouldStart reports whether the agent is started after creation.
func (a AgentSpec) ShouldStart() bool {
	return a.AutoStart == nil || *a.AutoStart
}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	seen := make(map[string]bool, len(m.Agents))
	for i, a := range m.Agents {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return nil, fmt.Errorf("agents[%d]: name is required", i)
		}
		if strings.TrimSpace(a.Room) == "" {
			return nil, fmt.Errorf("agents[%d] (%s): room is required", i, name)
		}
		if a.MaxRetries < 0 {
			return nil, fmt.Errorf("agents[%d] (%s): maxRetries must not be negative", i, name)
		}
		key := name + "@" + a.Room
		if seen[key] {
			return nil, fmt.Errorf("agents[%d]: duplicate agent %s in room %s", i, name, a.Room)
		}
		seen[key] = true
	}
	return &m, nil
}
