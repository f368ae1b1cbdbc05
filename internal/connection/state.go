package connection

import (
	"fmt"
	"time"

	"github.com/rezaa1/liveagent/internal/protocol"
	"github.com/rezaa1/liveagent/internal/quality"
)

// State is the connection lifecycle state of one agent.
type State int

const (
	Idle State = iota
	Connecting
	Joining
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Joining:
		return "joining"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// edges lists the allowed successors of each state. Closed is terminal.
var edges = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Joining, Reconnecting, Closed},
	Joining:      {Connected, Reconnecting, Closed},
	Connected:    {Reconnecting, Idle, Closed},
	Reconnecting: {Connecting, Closed},
	Closed:       nil,
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FailureKind classifies why an attempt ended.
type FailureKind int

const (
	FailureTransport FailureKind = iota + 1
	FailureAbnormalClose
	FailureJoinTimeout
	FailureJoinRejected
	FailureCredentialExpired
	FailureCredentialUnavailable
	FailureLivenessLost
	FailureStateMismatch
	FailureConfiguration
	FailureExhausted
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransport:
		return "transport"
	case FailureAbnormalClose:
		return "abnormal_close"
	case FailureJoinTimeout:
		return "join_timeout"
	case FailureJoinRejected:
		return "join_rejected"
	case FailureCredentialExpired:
		return "credential_expired"
	case FailureCredentialUnavailable:
		return "credential_unavailable"
	case FailureLivenessLost:
		return "liveness_lost"
	case FailureStateMismatch:
		return "state_mismatch"
	case FailureConfiguration:
		return "configuration"
	case FailureExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Fatal reports whether the failure ends the machine.
func (k FailureKind) Fatal() bool {
	return k == FailureConfiguration || k == FailureExhausted
}

// Immediate reports whether the retry skips the backoff delay.
func (k FailureKind) Immediate() bool {
	return k == FailureCredentialExpired
}

// Failure is a classified attempt failure.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transition describes one state change.
type Transition struct {
	From       State
	To         State
	Generation uint64
	// Attempt is the retry counter after the change.
	Attempt int
	// Delay is the backoff before the next attempt; set when To is
	// Reconnecting.
	Delay    time.Duration
	Identity string
	Failure  *Failure
	At       time.Time
}

// Snapshot is a copy of machine state that is safe to read from any
// goroutine.
type Snapshot struct {
	State        State
	Generation   uint64
	Retries      int
	Session      string
	Identity     string
	LastError    string
	Participants int
	Metrics      quality.Metrics
}

// Observer receives machine events. Methods are called on the machine's
// executor and must not block or call back into the Machine's exported
// methods.
type Observer interface {
	StateChanged(Transition)
	MetricsUpdated(quality.Metrics)
	ParticipantJoined(protocol.Participant)
	ParticipantLeft(protocol.Participant)
	ChatReceived(protocol.Chat)
	ProtocolError(protocol.ErrorRecord)
}

// NopObserver ignores every event. Embed it to implement part of Observer.
type NopObserver struct{}

func (NopObserver) StateChanged(Transition)                {}
func (NopObserver) MetricsUpdated(quality.Metrics)         {}
func (NopObserver) ParticipantJoined(protocol.Participant) {}
func (NopObserver) ParticipantLeft(protocol.Participant)   {}
func (NopObserver) ChatReceived(protocol.Chat)             {}
func (NopObserver) ProtocolError(protocol.ErrorRecord)     {}
