// Package dispatch routes decoded signaling records to a handler and writes
// outbound records to the channel.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/rezaa1/liveagent/internal/protocol"
)

// ErrChannelNotOpen is returned by Send when there is no open channel. The
// message is dropped, not queued.
var ErrChannelNotOpen = errors.New("channel is not open")

// Handler receives recognized inbound records.
type Handler interface {
	HandleJoinAck(protocol.JoinAck)
	HandleParticipantJoined(protocol.Participant)
	HandleParticipantLeft(protocol.Participant)
	HandleChat(protocol.Chat)
	HandleError(protocol.ErrorRecord)
	HandlePong(protocol.Probe)
}

// Sender is the outbound side of a channel.
type Sender interface {
	Send(data []byte) error
	IsOpen() bool
}

// Outcome says what happened to one inbound frame.
type Outcome int

const (
	Routed Outcome = iota + 1
	DroppedBinary
	DroppedMalformed
	DroppedUnknown
)

func (o Outcome) String() string {
	switch o {
	case Routed:
		return "routed"
	case DroppedBinary:
		return "dropped_binary"
	case DroppedMalformed:
		return "dropped_malformed"
	case DroppedUnknown:
		return "dropped_unknown"
	default:
		return "unknown"
	}
}

// Stats counts dispatch outcomes.
type Stats struct {
	Routed    int
	Binary    int
	Malformed int
	Unknown   int
	Sent      int
	Dropped   int
}

// Dispatcher is not safe for concurrent use; it runs on the agent's loop.
type Dispatcher struct {
	handler Handler
	logger  *slog.Logger
	stats   Stats
}

// New creates a dispatcher delivering to h.
func New(h Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{handler: h, logger: logger}
}

// Dispatch decodes and routes one frame. It never panics on bad input;
// binary, malformed and unrecognized frames are logged and dropped.
func (d *Dispatcher) Dispatch(data []byte, binary bool) Outcome {
	if binary {
		d.stats.Binary++
		d.logger.Debug("Dropping binary signaling frame", "bytes", len(data))
		return DroppedBinary
	}

	rec, err := protocol.ParseInbound(data)
	if err != nil {
		d.stats.Malformed++
		d.logger.Warn("Dropping malformed signaling frame", "error", err, "bytes", len(data))
		return DroppedMalformed
	}

	switch r := rec.(type) {
	case protocol.JoinAckRecord:
		d.handler.HandleJoinAck(r.JoinAck)
	case protocol.ParticipantJoinedRecord:
		d.handler.HandleParticipantJoined(r.Participant)
	case protocol.ParticipantLeftRecord:
		d.handler.HandleParticipantLeft(r.Participant)
	case protocol.ChatRecord:
		d.handler.HandleChat(r.Chat)
	case protocol.ErrorRecordMsg:
		d.handler.HandleError(r.ErrorRecord)
	case protocol.PongRecord:
		d.handler.HandlePong(r.Probe)
	default:
		d.stats.Unknown++
		d.logger.Debug("Dropping unrecognized signaling record", "type", rec.Kind())
		return DroppedUnknown
	}
	d.stats.Routed++
	return Routed
}

// Send writes data if ch is open. There is no queue and no retry.
func (d *Dispatcher) Send(ch Sender, kind protocol.MessageType, data []byte) error {
	if ch == nil || !ch.IsOpen() {
		d.stats.Dropped++
		d.logger.Debug("Dropping outbound record, channel not open", "type", kind)
		return fmt.Errorf("send %s: %w", kind, ErrChannelNotOpen)
	}
	if err := ch.Send(data); err != nil {
		d.stats.Dropped++
		return fmt.Errorf("send %s: %w", kind, err)
	}
	d.stats.Sent++
	return nil
}

// Stats returns a copy of the counters.
func (d *Dispatcher) Stats() Stats {
	return d.stats
}
