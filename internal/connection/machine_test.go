package connection

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rezaa1/liveagent/internal/credential"
	"github.com/rezaa1/liveagent/internal/dispatch"
	"github.com/rezaa1/liveagent/internal/protocol"
	"github.com/rezaa1/liveagent/internal/scheduler"
	"github.com/rezaa1/liveagent/internal/signaling"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to State }{
		{Idle, Connecting},
		{Connecting, Joining},
		{Connecting, Reconnecting},
		{Joining, Connected},
		{Joining, Reconnecting},
		{Connected, Reconnecting},
		{Connected, Idle},
		{Connected, Closed},
		{Reconnecting, Connecting},
		{Reconnecting, Closed},
		{Idle, Closed},
	}
	for _, e := range allowed {
		if !CanTransition(e.from, e.to) {
			t.Errorf("%s -> %s should be allowed", e.from, e.to)
		}
	}

	denied := []struct{ from, to State }{
		{Idle, Connected},
		{Connecting, Connected},
		{Reconnecting, Connected},
		{Closed, Connecting},
		{Closed, Idle},
		{Joining, Idle},
	}
	for _, e := range denied {
		if CanTransition(e.from, e.to) {
			t.Errorf("%s -> %s should be rejected", e.from, e.to)
		}
	}
}

func TestAbnormalCloseReconnectsWithFreshCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	first := h.connect()
	if got := h.supplier.issued[0]; got != "T1" {
		t.Fatalf("first token = %q", got)
	}
	if !strings.Contains(first.target, "access_token=T1") {
		t.Fatalf("target = %q, want credential in query", first.target)
	}
	firstGen := h.m.Snapshot().Generation

	first.serverClose(signaling.CloseAbnormal)

	h.requireState(Reconnecting)
	tr := h.obs.last(t)
	if tr.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", tr.Attempt)
	}
	if tr.Delay != 1000*time.Millisecond {
		t.Fatalf("delay = %v, want 1000ms", tr.Delay)
	}
	if tr.Failure == nil || tr.Failure.Kind != FailureAbnormalClose {
		t.Fatalf("failure = %v, want abnormal close", tr.Failure)
	}

	h.clock.Advance(999 * time.Millisecond)
	h.requireState(Reconnecting)
	h.clock.Advance(time.Millisecond)

	second := h.ack()
	h.requireState(Connected)
	if second == first {
		t.Fatal("reconnect reused the old channel")
	}
	if len(h.supplier.issued) != 2 || h.supplier.issued[1] == h.supplier.issued[0] {
		t.Fatalf("issued = %v, want two distinct tokens", h.supplier.issued)
	}
	snap := h.m.Snapshot()
	if snap.Retries != 0 {
		t.Fatalf("retries = %d, want 0 after join", snap.Retries)
	}
	if snap.Generation <= firstGen {
		t.Fatalf("generation %d did not advance past %d", snap.Generation, firstGen)
	}
	if first.join(t).Identity == second.join(t).Identity {
		t.Fatal("identity reused across attempts")
	}
}

func TestJoinTimeoutsExhaustRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h.clock.Advance(10 * time.Minute)

	h.requireState(Closed)
	if got := len(h.opener.channels); got != 5 {
		t.Fatalf("attempts = %d, want 5", got)
	}
	tr := h.obs.last(t)
	if tr.Failure == nil || tr.Failure.Kind != FailureExhausted {
		t.Fatalf("final failure = %v, want exhausted", tr.Failure)
	}
	if !errors.Is(tr.Failure, ErrRetriesExhausted) {
		t.Fatalf("final failure should wrap ErrRetriesExhausted: %v", tr.Failure)
	}
	if h.m.Snapshot().Retries != 5 {
		t.Fatalf("retries = %d, want 5", h.m.Snapshot().Retries)
	}
	if pending := h.clock.Pending(); len(pending) != 0 {
		t.Fatalf("pending tasks after exhaustion: %v", pending)
	}

	h.clock.Advance(time.Hour)
	if got := len(h.opener.channels); got != 5 {
		t.Fatalf("a 6th attempt was made: %d channels", got)
	}

	var delays []time.Duration
	for _, tr := range h.obs.transitions {
		if tr.To == Reconnecting && tr.Failure.Kind == FailureJoinTimeout && tr.Attempt < 5 {
			delays = append(delays, tr.Delay)
		}
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}
}

func TestReachesConnectedAfterFailuresBelowCeiling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.supplier.failures = []error{errUnavailable, errUnavailable, errUnavailable}

	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.requireState(Reconnecting)
	h.clock.Advance(time.Second + 2*time.Second + 4*time.Second)

	h.ack()
	h.requireState(Connected)
	if h.m.Snapshot().Retries != 0 {
		t.Fatalf("retries = %d, want 0", h.m.Snapshot().Retries)
	}
}

func TestCredentialExpiryReconnectsImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ch := h.connect()

	ch.deliver(protocol.NewErrorMessage("R", protocol.CodeCredentialExpired, "token expired"))

	tr, ok := h.obs.lastTo(Reconnecting)
	if !ok {
		t.Fatal("no reconnecting transition")
	}
	if tr.Delay != 0 {
		t.Fatalf("delay = %v, want 0", tr.Delay)
	}
	if tr.Failure.Kind != FailureCredentialExpired {
		t.Fatalf("failure = %v", tr.Failure)
	}
	if tr.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", tr.Attempt)
	}

	// The new attempt starts without advancing the clock.
	h.requireState(Joining)
	if len(h.opener.channels) != 2 {
		t.Fatalf("channels = %d, want 2", len(h.opener.channels))
	}
	if len(h.obs.errors) != 1 {
		t.Fatalf("protocol errors observed = %d, want 1", len(h.obs.errors))
	}
}

func TestNormalCloseGoesIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ch := h.connect()

	ch.serverClose(signaling.CloseNormal)
	h.requireState(Idle)
	if pending := h.clock.Pending(); len(pending) != 0 {
		t.Fatalf("pending tasks after normal close: %v", pending)
	}

	// Idle can be connected again.
	h.connect()
}

func TestFatalCredentialErrorClosesWithoutRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.supplier.failures = []error{&credential.Error{Kind: credential.KindConfig, Err: credential.ErrMissingSigningConfig}}

	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.requireState(Closed)
	snap := h.m.Snapshot()
	if snap.Retries != 0 {
		t.Fatalf("retries = %d, want 0", snap.Retries)
	}
	if len(h.opener.channels) != 0 {
		t.Fatal("channel opened despite fatal credential error")
	}
	tr := h.obs.last(t)
	if tr.From != Connecting || tr.Failure.Kind != FailureConfiguration {
		t.Fatalf("transition = %+v", tr)
	}
	if !strings.Contains(snap.LastError, "signing key") {
		t.Fatalf("last error = %q", snap.LastError)
	}
}

func TestMissingSupplierIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) { o.Supplier = nil })
	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.requireState(Closed)
}

func TestReusedTokenIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ch := h.connect()
	h.supplier.fixed = "T1"

	ch.serverClose(signaling.CloseAbnormal)
	h.clock.Advance(time.Second)

	h.requireState(Reconnecting)
	if got := len(h.opener.channels); got != 1 {
		t.Fatalf("channels = %d, a reused credential must not open a channel", got)
	}
	tr := h.obs.last(t)
	if tr.Failure.Kind != FailureCredentialUnavailable {
		t.Fatalf("failure = %v", tr.Failure)
	}
}

func TestSendChat(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.m.SendChat("too early"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendChat before connect: %v", err)
	}

	ch := h.connect()
	if err := h.m.SendChat("hello"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	chats := ch.sentOfType(protocol.MessageTypeChat)
	if len(chats) != 1 {
		t.Fatalf("chats sent = %d", len(chats))
	}
	c, err := protocol.ParseChat(chats[0].Data)
	if err != nil || c.Text != "hello" || c.From != "A-1" {
		t.Fatalf("chat = %+v, %v", c, err)
	}

	// Channel dies silently: the send fails and nothing is queued.
	ch.open = false
	if err := h.m.SendChat("lost"); !errors.Is(err, dispatch.ErrChannelNotOpen) {
		t.Fatalf("SendChat on dead channel: %v", err)
	}

	ch.serverClose(signaling.CloseAbnormal)
	if err := h.m.SendChat("while reconnecting"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendChat while reconnecting: %v", err)
	}
}

func TestStaleAttemptEventsAreIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	old := h.connect()
	old.serverClose(signaling.CloseAbnormal)
	h.clock.Advance(time.Second)
	h.requireState(Joining)
	before := len(h.obs.transitions)

	// The old channel's listener is still reachable but bound to a dead
	// generation.
	old.listener(signaling.Event{Kind: signaling.EventOpened})
	old.listener(signaling.Event{Kind: signaling.EventMessage, Data: protocol.NewJoinAckMessage("R", "A-1", nil)})
	old.listener(signaling.Event{Kind: signaling.EventTransportError, Err: errors.New("late")})

	h.requireState(Joining)
	if len(h.obs.transitions) != before {
		t.Fatalf("stale events caused transitions: %+v", h.obs.transitions[before:])
	}
}

func TestJoinAckValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch := h.opener.last(t)

	ch.deliver(protocol.NewJoinAckMessage("R", "someone-else", nil))
	h.requireState(Joining)

	h.ack()
	h.requireState(Connected)
	n := len(h.obs.transitions)

	ch.deliver(protocol.NewJoinAckMessage("R", "A-1", nil))
	h.requireState(Connected)
	if len(h.obs.transitions) != n {
		t.Fatal("duplicate join ack caused a transition")
	}
	if got := len(ch.sentOfType(protocol.MessageTypeJoin)); got != 1 {
		t.Fatalf("join requests sent = %d, want 1", got)
	}
}

func TestJoinRejectedIsRetryable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.opener.last(t).deliver(protocol.NewErrorMessage("R", protocol.CodeRoomFull, "room is full"))

	h.requireState(Reconnecting)
	if tr := h.obs.last(t); tr.Failure.Kind != FailureJoinRejected || tr.Delay != time.Second {
		t.Fatalf("transition = %+v", tr)
	}
}

func TestServerErrorWhileConnectedIsSurfaced(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ch := h.connect()
	ch.deliver(protocol.NewErrorMessage("R", protocol.CodeUnauthorized, "publish denied"))

	h.requireState(Connected)
	if !strings.Contains(h.m.Snapshot().LastError, "publish denied") {
		t.Fatalf("last error = %q", h.m.Snapshot().LastError)
	}
}

func TestHeartbeatOnlyWhileConnectedAndLivenessLoss(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) {
		o.HeartbeatInterval = time.Second
		o.JoinTimeout = time.Minute
	})
	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch := h.opener.last(t)

	h.clock.Advance(5 * time.Second)
	if got := len(ch.sentOfType(protocol.MessageTypePing)); got != 0 {
		t.Fatalf("pings sent while joining = %d", got)
	}

	h.ack()
	h.clock.Advance(time.Second)
	pings := ch.sentOfType(protocol.MessageTypePing)
	if len(pings) != 1 {
		t.Fatalf("pings = %d, want 1", len(pings))
	}
	probe, err := protocol.ParseProbe(pings[0].Data)
	if err != nil {
		t.Fatalf("parse ping: %v", err)
	}
	h.clock.Advance(50 * time.Millisecond)
	ch.deliver(protocol.NewPongMessage(*probe))
	if got := h.m.Snapshot().Metrics.LatencyMs; got != 50 {
		t.Fatalf("latency = %dms, want 50", got)
	}

	// Stop answering.
	h.clock.Advance(4 * time.Second)
	h.requireState(Reconnecting)
	tr := h.obs.last(t)
	if tr.Failure.Kind != FailureLivenessLost {
		t.Fatalf("failure = %v, want liveness lost", tr.Failure)
	}
	sent := len(ch.sentOfType(protocol.MessageTypePing))
	h.clock.Advance(500 * time.Millisecond)
	if got := len(ch.sentOfType(protocol.MessageTypePing)); got != sent {
		t.Fatal("pings continued after leaving connected")
	}
}

func TestReconcilerForcesReconnectOnSilentTransportLoss(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) { o.ReconcileInterval = 5 * time.Second })
	ch := h.connect()

	h.clock.Advance(5 * time.Second)
	h.requireState(Connected)

	// The close event never arrives.
	ch.open = false
	h.clock.Advance(5 * time.Second)

	h.requireState(Reconnecting)
	if tr := h.obs.last(t); tr.Failure.Kind != FailureStateMismatch {
		t.Fatalf("failure = %v, want state mismatch", tr.Failure)
	}
}

func TestReconcilerUsesEngineProbe(t *testing.T) {
	t.Parallel()

	engine := true
	h := newHarness(t, func(o *Options) {
		o.ReconcileInterval = 5 * time.Second
		o.EngineProbe = func() bool { return engine }
	})
	h.connect()

	engine = false
	h.clock.Advance(5 * time.Second)
	h.requireState(Reconnecting)
}

func TestDisconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ch := h.connect()

	if err := h.m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	h.requireState(Closed)
	if !ch.closed || ch.closeCode != signaling.CloseNormal {
		t.Fatalf("channel closed=%v code=%d", ch.closed, ch.closeCode)
	}
	if tr := h.obs.last(t); tr.Failure != nil {
		t.Fatalf("disconnect reported failure %v", tr.Failure)
	}

	if err := h.m.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if err := h.m.Connect(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after close = %v, want ErrClosed", err)
	}
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.connect().serverClose(signaling.CloseAbnormal)
	h.requireState(Reconnecting)

	if err := h.m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	h.clock.Advance(time.Minute)
	h.requireState(Closed)
	if len(h.opener.channels) != 1 {
		t.Fatalf("channels = %d, retry ran after disconnect", len(h.opener.channels))
	}
}

func TestConnectTwiceIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.connect()
	if err := h.m.Connect(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Connect = %v, want ErrAlreadyStarted", err)
	}
}

func TestGenerationNeverRepeats(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ch := h.connect()
	for i := 0; i < 3; i++ {
		ch.serverClose(signaling.CloseAbnormal)
		h.clock.Advance(time.Second)
		ch = h.ack()
	}

	seen := map[uint64]bool{}
	var prev uint64
	for _, tr := range h.obs.transitions {
		if tr.Generation < prev {
			t.Fatalf("generation decreased: %d after %d", tr.Generation, prev)
		}
		if tr.To == Connecting {
			if seen[tr.Generation] {
				t.Fatalf("generation %d started twice", tr.Generation)
			}
			seen[tr.Generation] = true
		}
		prev = tr.Generation
	}
	if len(seen) != 4 {
		t.Fatalf("attempts = %d, want 4", len(seen))
	}
}

func TestParticipantsAndChat(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ch := h.connect()

	bob := protocol.Participant{Identity: "bob"}
	ch.deliver(protocol.NewParticipantJoinedMessage("R", bob))
	ch.deliver(protocol.NewChatMessage("R", "bob", "hi agent", time.Unix(0, 0)))
	ch.deliver(protocol.NewChatMessage("R", "A-1", "echo of myself", time.Unix(0, 0)))
	ch.deliver([]byte("garbage"))
	ch.listener(signaling.Event{Kind: signaling.EventMessage, Data: []byte{1, 2}, Binary: true})

	h.requireState(Connected)
	if len(h.obs.joined) != 1 || h.m.Snapshot().Participants != 1 {
		t.Fatalf("joined = %v, participants = %d", h.obs.joined, h.m.Snapshot().Participants)
	}
	if len(h.obs.chats) != 1 || h.obs.chats[0].Text != "hi agent" {
		t.Fatalf("chats = %+v", h.obs.chats)
	}

	ch.deliver(protocol.NewParticipantLeftMessage("R", bob))
	if len(h.obs.left) != 1 || h.m.Snapshot().Participants != 0 {
		t.Fatalf("left = %v", h.obs.left)
	}
	if last := h.obs.metrics[len(h.obs.metrics)-1]; last.ParticipantCount != 0 {
		t.Fatalf("metrics participant count = %d", last.ParticipantCount)
	}
}

func TestTransportErrorWhileConnecting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.opener.autoOpen = false
	if err := h.m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.requireState(Connecting)

	ch := h.opener.last(t)
	ch.listener(signaling.Event{Kind: signaling.EventTransportError, Err: signaling.ErrConnectTimeout})
	h.requireState(Reconnecting)
	if tr := h.obs.last(t); tr.Failure.Kind != FailureTransport || !errors.Is(tr.Failure, signaling.ErrConnectTimeout) {
		t.Fatalf("failure = %v", tr.Failure)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without executor")
	}
	exec := &scheduler.Inline{}
	if _, err := New(Options{Executor: exec, Opener: &fakeOpener{}, Session: "R"}); err == nil {
		t.Fatal("expected error without url")
	}
	if _, err := New(Options{Executor: exec, Opener: &fakeOpener{}, URL: "ws://x"}); err == nil {
		t.Fatal("expected error without session")
	}
	m, err := New(Options{Executor: exec, Opener: &fakeOpener{}, URL: "ws://x", Session: "R"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.State() != Idle {
		t.Fatalf("initial state = %s", m.State())
	}
}
