package connection

import (
	"fmt"
	"time"

	"github.com/rezaa1/liveagent/internal/heartbeat"
	"github.com/rezaa1/liveagent/internal/protocol"
)

// handler adapts Machine to dispatch.Handler without exporting the methods.
type handler struct {
	m *Machine
}

func (h handler) HandleJoinAck(ack protocol.JoinAck) {
	m := h.m
	a := m.cur
	if a == nil {
		return
	}
	switch m.state {
	case Joining:
	case Connected:
		m.logger.Debug("Ignoring duplicate join acknowledgment", "identity", ack.Identity)
		return
	default:
		m.logger.Debug("Ignoring join acknowledgment outside joining", "state", m.state)
		return
	}
	if ack.Identity != "" && ack.Identity != a.identity {
		m.logger.Warn("Ignoring join acknowledgment for another identity",
			"identity", ack.Identity, "expected", a.identity)
		return
	}

	if a.joinTimer != nil {
		a.joinTimer.Cancel()
		a.joinTimer = nil
	}
	a.joined = true
	m.retries = 0
	m.lastErr = nil

	m.participants = make(map[string]protocol.Participant, len(ack.Participants))
	for _, p := range ack.Participants {
		if p.Identity != a.identity {
			m.participants[p.Identity] = p
		}
	}

	gen := a.gen
	a.heartbeat = heartbeat.New(m.clock, m.opts.HeartbeatInterval,
		func(seq uint64, at time.Time) error {
			return m.dispatcher.Send(a.channel, protocol.MessageTypePing, protocol.NewPingMessage(seq, at))
		},
		func(err error) {
			m.fail(gen, Failure{Kind: FailureLivenessLost, Err: err})
		},
	)

	if !m.transition(Connected, nil, 0) {
		return
	}
	a.heartbeat.Start()
	m.updateMetrics()
}

func (h handler) HandleParticipantJoined(p protocol.Participant) {
	m := h.m
	if m.cur == nil || !m.cur.joined || p.Identity == m.cur.identity {
		return
	}
	m.participants[p.Identity] = p
	m.obs.ParticipantJoined(p)
	m.updateMetrics()
}

func (h handler) HandleParticipantLeft(p protocol.Participant) {
	m := h.m
	if m.cur == nil || !m.cur.joined {
		return
	}
	if _, ok := m.participants[p.Identity]; !ok {
		return
	}
	delete(m.participants, p.Identity)
	m.obs.ParticipantLeft(p)
	m.updateMetrics()
}

func (h handler) HandleChat(c protocol.Chat) {
	m := h.m
	if m.cur == nil || m.state != Connected || c.From == m.cur.identity {
		return
	}
	m.obs.ChatReceived(c)
}

func (h handler) HandleError(rec protocol.ErrorRecord) {
	m := h.m
	a := m.cur
	if a == nil {
		return
	}
	err := fmt.Errorf("server error %s: %s", rec.Code, rec.Message)
	m.obs.ProtocolError(rec)

	switch {
	case rec.CredentialExpired():
		m.fail(a.gen, Failure{Kind: FailureCredentialExpired, Err: err})
	case m.state == Joining:
		m.fail(a.gen, Failure{Kind: FailureJoinRejected, Err: err})
	default:
		m.logger.Warn("Signaling server reported an error", "code", rec.Code, "message", rec.Message)
		m.lastErr = err
		m.publish()
	}
}

func (h handler) HandlePong(p protocol.Probe) {
	m := h.m
	if m.state != Connected || m.cur == nil || m.cur.heartbeat == nil {
		return
	}
	m.cur.heartbeat.Ack(p.Seq)
	m.updateMetrics()
}
