// Package heartbeat provides the application-level liveness probe that runs
// while an agent is joined to a session.
package heartbeat

import (
	"errors"
	"fmt"
	"time"

	"github.com/rezaa1/liveagent/internal/scheduler"
)

// DefaultInterval is the probe period.
const DefaultInterval = 15 * time.Second

// ErrLivenessLost is wrapped by every error passed to the loss callback.
var ErrLivenessLost = errors.New("heartbeat liveness lost")

// Record is the monitor's view of liveness.
type Record struct {
	Interval   time.Duration
	LastSentAt time.Time
	// Outstanding is true while at least one probe has not been acknowledged.
	Outstanding bool
	// OutstandingSince is when the oldest unacknowledged probe was sent.
	OutstandingSince time.Time
	LastAckAt        time.Time
	LastRTT          time.Duration
	// Missed counts probes sent while an earlier one was still unacknowledged.
	Missed int
}

// SendFunc writes one probe.
type SendFunc func(seq uint64, at time.Time) error

// LostFunc is told once that liveness has been lost.
type LostFunc func(err error)

// Monitor sends probes every interval and reports when acknowledgments stop.
// It never reconnects; that decision belongs to the owner of onLost.
//
// A Monitor is not safe for concurrent use. All methods and callbacks run on
// the executor behind its clock.
type Monitor struct {
	clock    scheduler.Clock
	interval time.Duration
	send     SendFunc
	onLost   LostFunc

	rec     Record
	seq     uint64
	task    scheduler.Task
	running bool
}

// New creates a stopped monitor.
func New(clock scheduler.Clock, interval time.Duration, send SendFunc, onLost LostFunc) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		clock:    clock,
		interval: interval,
		send:     send,
		onLost:   onLost,
		rec:      Record{Interval: interval},
	}
}

// Start schedules the first probe one interval from now.
func (m *Monitor) Start() {
	if m.running {
		return
	}
	m.running = true
	m.schedule()
}

// Stop cancels the pending probe. A stopped monitor never calls onLost.
func (m *Monitor) Stop() {
	m.running = false
	if m.task != nil {
		m.task.Cancel()
		m.task = nil
	}
}

// Running reports whether probes are being sent.
func (m *Monitor) Running() bool {
	return m.running
}

// Ack records the acknowledgment of probe seq. Acks for older probes still
// clear the outstanding flag; the RTT is only sampled for the latest probe.
func (m *Monitor) Ack(seq uint64) {
	if !m.running {
		return
	}
	now := m.clock.Now()
	if seq == m.seq && !m.rec.LastSentAt.IsZero() {
		m.rec.LastRTT = now.Sub(m.rec.LastSentAt)
	}
	m.rec.LastAckAt = now
	m.rec.Outstanding = false
	m.rec.OutstandingSince = time.Time{}
	m.rec.Missed = 0
}

// Record returns a copy of the current record.
func (m *Monitor) Record() Record {
	return m.rec
}

// Healthy reports whether acknowledgments are arriving within twice the
// interval.
func (m *Monitor) Healthy() bool {
	if !m.rec.Outstanding {
		return true
	}
	return m.clock.Now().Sub(m.rec.OutstandingSince) <= 2*m.interval
}

func (m *Monitor) schedule() {
	m.task = m.clock.AfterFunc(m.interval, m.tick)
}

func (m *Monitor) tick() {
	if !m.running {
		return
	}
	m.task = nil
	now := m.clock.Now()

	if m.rec.Outstanding {
		if silent := now.Sub(m.rec.OutstandingSince); silent > 2*m.interval {
			m.lost(fmt.Errorf("%w: no acknowledgment for %s", ErrLivenessLost, silent))
			return
		}
		m.rec.Missed++
	}

	m.seq++
	if err := m.send(m.seq, now); err != nil {
		m.lost(fmt.Errorf("%w: probe send failed: %v", ErrLivenessLost, err))
		return
	}
	m.rec.LastSentAt = now
	if !m.rec.Outstanding {
		m.rec.Outstanding = true
		m.rec.OutstandingSince = now
	}
	m.schedule()
}

func (m *Monitor) lost(err error) {
	m.Stop()
	if m.onLost != nil {
		m.onLost(err)
	}
}
