// Package reconcile periodically cross-checks the connection state an agent
// believes it is in against what the transport reports.
package reconcile

import (
	"time"

	"github.com/rezaa1/liveagent/internal/scheduler"
)

// DefaultInterval is the reconciliation period.
const DefaultInterval = 5 * time.Second

// Observation is one sample of believed and observed state.
type Observation struct {
	// BelievedConnected is true when the state machine is in Connected.
	BelievedConnected bool
	// Reconnecting is true when a recovery is already in flight.
	Reconnecting bool
	// TransportConnected is whether the underlying channel is open.
	TransportConnected bool
	// EngineConnected is an independent engine-level connected flag.
	EngineConnected bool
}

// Mismatch is the outcome of comparing an Observation.
type Mismatch int

const (
	None Mismatch = iota
	// TransportDown means state says Connected but the transport is not.
	TransportDown
	// EngineDisagrees means state says Connected but the engine flag is false.
	EngineDisagrees
)

func (m Mismatch) String() string {
	switch m {
	case None:
		return "none"
	case TransportDown:
		return "transport_down"
	case EngineDisagrees:
		return "engine_disagrees"
	default:
		return "unknown"
	}
}

// Check compares an observation. Only a believed Connected state can
// mismatch, and never while a reconnect is already under way.
func Check(o Observation) Mismatch {
	if o.Reconnecting || !o.BelievedConnected {
		return None
	}
	if !o.TransportConnected {
		return TransportDown
	}
	if !o.EngineConnected {
		return EngineDisagrees
	}
	return None
}

// Reconciler runs Check on a fixed interval and calls force on any mismatch.
// Like heartbeat.Monitor, it is owned by its clock's executor.
type Reconciler struct {
	clock    scheduler.Clock
	interval time.Duration
	observe  func() Observation
	force    func(Mismatch)

	task    scheduler.Task
	running bool
	checks  int
}

// New creates a stopped reconciler.
func New(clock scheduler.Clock, interval time.Duration, observe func() Observation, force func(Mismatch)) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{clock: clock, interval: interval, observe: observe, force: force}
}

// Start begins periodic checks. Calling Start on a running reconciler is a
// no-op.
func (r *Reconciler) Start() {
	if r.running {
		return
	}
	r.running = true
	r.task = r.clock.AfterFunc(r.interval, r.tick)
}

// Stop cancels the pending check.
func (r *Reconciler) Stop() {
	r.running = false
	if r.task != nil {
		r.task.Cancel()
		r.task = nil
	}
}

// Checks returns how many checks have run.
func (r *Reconciler) Checks() int {
	return r.checks
}

func (r *Reconciler) tick() {
	if !r.running {
		return
	}
	r.checks++
	if m := Check(r.observe()); m != None {
		r.force(m)
	}
	// force may have stopped us.
	if r.running {
		r.task = r.clock.AfterFunc(r.interval, r.tick)
	}
}
