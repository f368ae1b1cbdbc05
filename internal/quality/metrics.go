// Package quality derives the live connection metrics shown to operators and
// handed to the response generator.
package quality

import (
	"fmt"
	"time"
)

// Level is a coarse connection quality.
type Level string

const (
	Excellent Level = "excellent"
	Good      Level = "good"
	Poor      Level = "poor"
)

// Metrics is a point-in-time quality snapshot.
type Metrics struct {
	ConnectionQuality Level     `json:"connectionQuality"`
	LatencyMs         int64     `json:"latency"`
	PacketsLost       int       `json:"packetsLost"`
	ParticipantCount  int       `json:"participantCount"`
	MeasuredAt        time.Time `json:"measuredAt"`
}

// Measure classifies a probe round trip and the number of unacknowledged
// probes.
func Measure(rtt time.Duration, missed, participants int, at time.Time) Metrics {
	return Metrics{
		ConnectionQuality: classify(rtt, missed),
		LatencyMs:         rtt.Milliseconds(),
		PacketsLost:       missed,
		ParticipantCount:  participants,
		MeasuredAt:        at,
	}
}

func classify(rtt time.Duration, missed int) Level {
	switch {
	case missed > 1 || rtt >= 400*time.Millisecond:
		return Poor
	case missed == 1 || rtt >= 150*time.Millisecond || rtt == 0:
		return Good
	default:
		return Excellent
	}
}

// PacketLossPercent estimates loss over a window of probes.
func (m Metrics) PacketLossPercent(window int) float64 {
	if window <= 0 {
		return 0
	}
	if m.PacketsLost >= window {
		return 100
	}
	return float64(m.PacketsLost) * 100 / float64(window)
}

// Summary renders the metrics as a one-line prompt prefix.
func (m Metrics) Summary() string {
	return fmt.Sprintf("Current call metrics - Quality: %s, Latency: %dms, Packet Loss: %.1f%%.",
		m.ConnectionQuality, m.LatencyMs, m.PacketLossPercent(10))
}
