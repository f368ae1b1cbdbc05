package connection

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rezaa1/liveagent/internal/credential"
	"github.com/rezaa1/liveagent/internal/protocol"
	"github.com/rezaa1/liveagent/internal/quality"
	"github.com/rezaa1/liveagent/internal/retry"
	"github.com/rezaa1/liveagent/internal/scheduler"
	"github.com/rezaa1/liveagent/internal/signaling"
)

type fakeChannel struct {
	target    string
	listener  signaling.Listener
	open      bool
	closed    bool
	closeCode int
	sent      [][]byte
}

func (c *fakeChannel) Send(data []byte) error {
	if !c.open {
		return signaling.ErrNotOpen
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeChannel) Close(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.open = false
	c.closeCode = code
	c.listener(signaling.Event{Kind: signaling.EventClosed, Code: code, Reason: reason})
}

func (c *fakeChannel) IsOpen() bool { return c.open }

func (c *fakeChannel) serverOpen() {
	c.open = true
	c.listener(signaling.Event{Kind: signaling.EventOpened})
}

func (c *fakeChannel) deliver(raw []byte) {
	c.listener(signaling.Event{Kind: signaling.EventMessage, Data: raw})
}

func (c *fakeChannel) serverClose(code int) {
	c.open = false
	c.closed = true
	c.listener(signaling.Event{Kind: signaling.EventClosed, Code: code, Reason: "server"})
}

func (c *fakeChannel) sentOfType(t protocol.MessageType) []*protocol.BaseMessage {
	var out []*protocol.BaseMessage
	for _, raw := range c.sent {
		msg, err := protocol.ParseMessage(raw)
		if err == nil && msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

func (c *fakeChannel) join(t *testing.T) protocol.JoinRequest {
	t.Helper()
	joins := c.sentOfType(protocol.MessageTypeJoin)
	if len(joins) != 1 {
		t.Fatalf("channel sent %d join requests, want 1", len(joins))
	}
	req, err := protocol.ParseJoinRequest(joins[0].Data)
	if err != nil {
		t.Fatalf("parse join: %v", err)
	}
	return *req
}

type fakeOpener struct {
	autoOpen bool
	channels []*fakeChannel
}

func (o *fakeOpener) Open(target string, listener signaling.Listener) signaling.Channel {
	ch := &fakeChannel{target: target, listener: listener}
	o.channels = append(o.channels, ch)
	if o.autoOpen {
		ch.serverOpen()
	}
	return ch
}

func (o *fakeOpener) last(t *testing.T) *fakeChannel {
	t.Helper()
	if len(o.channels) == 0 {
		t.Fatal("no channel opened")
	}
	return o.channels[len(o.channels)-1]
}

type fakeSupplier struct {
	issued   []string
	failures []error // consumed one per call before succeeding
	fixed    string  // when set, every call returns this token
}

func (s *fakeSupplier) Issue(_ context.Context, session, identity string) (credential.Credential, error) {
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return credential.Credential{}, err
	}
	token := s.fixed
	if token == "" {
		token = fmt.Sprintf("T%d", len(s.issued)+1)
	}
	s.issued = append(s.issued, token)
	return credential.Credential{Token: token, Session: session, Identity: identity}, nil
}

type recordingObserver struct {
	transitions []Transition
	chats       []protocol.Chat
	joined      []protocol.Participant
	left        []protocol.Participant
	errors      []protocol.ErrorRecord
	metrics     []quality.Metrics
}

func (r *recordingObserver) StateChanged(t Transition)                { r.transitions = append(r.transitions, t) }
func (r *recordingObserver) MetricsUpdated(m quality.Metrics)         { r.metrics = append(r.metrics, m) }
func (r *recordingObserver) ParticipantJoined(p protocol.Participant) { r.joined = append(r.joined, p) }
func (r *recordingObserver) ParticipantLeft(p protocol.Participant)   { r.left = append(r.left, p) }
func (r *recordingObserver) ChatReceived(c protocol.Chat)             { r.chats = append(r.chats, c) }
func (r *recordingObserver) ProtocolError(e protocol.ErrorRecord)     { r.errors = append(r.errors, e) }

func (r *recordingObserver) last(t *testing.T) Transition {
	t.Helper()
	if len(r.transitions) == 0 {
		t.Fatal("no transitions recorded")
	}
	return r.transitions[len(r.transitions)-1]
}

func (r *recordingObserver) lastTo(to State) (Transition, bool) {
	for i := len(r.transitions) - 1; i >= 0; i-- {
		if r.transitions[i].To == to {
			return r.transitions[i], true
		}
	}
	return Transition{}, false
}

type harness struct {
	t        *testing.T
	exec     *scheduler.Inline
	clock    *scheduler.Manual
	opener   *fakeOpener
	supplier *fakeSupplier
	obs      *recordingObserver
	m        *Machine
}

const (
	testJoinTimeout = 10 * time.Second
	testHeartbeat   = 30 * time.Second
)

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	exec := &scheduler.Inline{}
	h := &harness{
		t:        t,
		exec:     exec,
		clock:    scheduler.NewManual(time.Unix(1_700_000_000, 0), exec),
		opener:   &fakeOpener{autoOpen: true},
		supplier: &fakeSupplier{},
		obs:      &recordingObserver{},
	}

	n := 0
	opts := Options{
		Session:           "R",
		Name:              "A",
		URL:               "wss://signal.example.com/rtc",
		Supplier:          h.supplier,
		Opener:            h.opener,
		Policy:            retry.DefaultPolicy(),
		JoinTimeout:       testJoinTimeout,
		HeartbeatInterval: testHeartbeat,
		ReconcileInterval: time.Hour,
		Executor:          exec,
		Clock:             h.clock,
		Spawn:             func(fn func()) { fn() },
		NewIdentity: func(name string) string {
			n++
			return fmt.Sprintf("%s-%d", name, n)
		},
		Observer: h.obs,
	}
	if mutate != nil {
		mutate(&opts)
	}

	m, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	return h
}

// ack acknowledges the join request on the newest channel.
func (h *harness) ack() *fakeChannel {
	h.t.Helper()
	ch := h.opener.last(h.t)
	req := ch.join(h.t)
	ch.deliver(protocol.NewJoinAckMessage(req.Session, req.Identity, nil))
	return ch
}

func (h *harness) connect() *fakeChannel {
	h.t.Helper()
	if err := h.m.Connect(); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
	ch := h.ack()
	h.requireState(Connected)
	return ch
}

func (h *harness) requireState(want State) {
	h.t.Helper()
	if got := h.m.State(); got != want {
		h.t.Fatalf("state = %s, want %s (last error %q)", got, want, h.m.Snapshot().LastError)
	}
}

var errUnavailable = &credential.Error{Kind: credential.KindUnavailable, Err: errors.New("token service down")}
