// Package connection implements the per-agent connection lifecycle: the
// state machine that opens the signaling channel, performs the join
// handshake, watches liveness and drives reconnection.
//
// A Machine owns all of its state on a single executor. Exported methods are
// safe to call from any goroutine except the executor itself (including
// Observer callbacks); they submit work to the executor and wait for it.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rezaa1/liveagent/internal/credential"
	"github.com/rezaa1/liveagent/internal/dispatch"
	"github.com/rezaa1/liveagent/internal/heartbeat"
	"github.com/rezaa1/liveagent/internal/protocol"
	"github.com/rezaa1/liveagent/internal/quality"
	"github.com/rezaa1/liveagent/internal/reconcile"
	"github.com/rezaa1/liveagent/internal/retry"
	"github.com/rezaa1/liveagent/internal/scheduler"
	"github.com/rezaa1/liveagent/internal/signaling"
)

var (
	ErrAlreadyStarted   = errors.New("connection already started")
	ErrClosed           = errors.New("connection is closed")
	ErrNotConnected     = errors.New("not connected")
	ErrStopped          = errors.New("connection executor stopped")
	ErrRetriesExhausted = errors.New("reconnection attempts exhausted")

	errNoSupplier      = errors.New("no credential supplier configured")
	errCredentialReuse = errors.New("credential supplier returned a previously used token")
)

// Options configures a Machine.
type Options struct {
	// Session is the session (room) to join.
	Session string
	// Name prefixes every minted participant identity.
	Name string
	// URL is the signaling endpoint.
	URL string

	Supplier credential.Supplier
	Opener   signaling.Opener
	Policy   retry.Policy

	JoinTimeout       time.Duration
	CredentialTimeout time.Duration
	HeartbeatInterval time.Duration
	ReconcileInterval time.Duration

	// Executor runs every state mutation. Required.
	Executor scheduler.Executor
	// Clock defaults to a wall clock on Executor.
	Clock scheduler.Clock
	// Spawn runs blocking work such as credential fetches. Defaults to a new
	// goroutine.
	Spawn func(func())
	// EngineProbe reports an engine-level connected flag for reconciliation.
	// It is called on the executor. When nil, heartbeat health is used.
	EngineProbe func() bool
	// NewIdentity mints a participant identity. Defaults to name-uuid.
	NewIdentity func(name string) string

	Observer Observer
	Logger   *slog.Logger
}

// attempt is one connection attempt. At most one exists at a time.
type attempt struct {
	gen        uint64
	identity   string
	startedAt  time.Time
	channel    signaling.Channel
	credential credential.Credential
	joinTimer  scheduler.Task
	joined     bool
	heartbeat  *heartbeat.Monitor
}

// Machine is the connection state machine for one agent.
type Machine struct {
	opts       Options
	exec       scheduler.Executor
	clock      scheduler.Clock
	spawn      func(func())
	logger     *slog.Logger
	obs        Observer
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler

	state        State
	gen          uint64
	retries      int
	cur          *attempt
	identity     string
	lastToken    string
	lastErr      error
	retryTask    scheduler.Task
	retrySeq     uint64
	pendingRetry bool
	participants map[string]protocol.Participant
	metrics      quality.Metrics

	snap atomic.Pointer[Snapshot]
}

// New creates an Idle machine.
func New(opts Options) (*Machine, error) {
	if opts.Executor == nil {
		return nil, errors.New("connection: executor is required")
	}
	if opts.Opener == nil {
		return nil, errors.New("connection: signaling opener is required")
	}
	if opts.URL == "" {
		return nil, errors.New("connection: signaling url is required")
	}
	if opts.Session == "" {
		return nil, errors.New("connection: session is required")
	}
	if opts.Name == "" {
		opts.Name = "agent"
	}
	if opts.Policy.BaseDelay <= 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}
	if opts.CredentialTimeout <= 0 {
		opts.CredentialTimeout = 15 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = heartbeat.DefaultInterval
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = reconcile.DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = scheduler.NewWall(opts.Executor)
	}
	if opts.Spawn == nil {
		opts.Spawn = func(fn func()) { go fn() }
	}
	if opts.NewIdentity == nil {
		opts.NewIdentity = func(name string) string { return name + "-" + uuid.NewString() }
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Machine{
		opts:         opts,
		exec:         opts.Executor,
		clock:        opts.Clock,
		spawn:        opts.Spawn,
		logger:       opts.Logger.With("session", opts.Session),
		obs:          opts.Observer,
		participants: make(map[string]protocol.Participant),
	}
	m.dispatcher = dispatch.New(handler{m}, m.logger)
	m.reconciler = reconcile.New(m.clock, opts.ReconcileInterval, m.observe, m.forceReconnect)
	m.publish()
	return m, nil
}

// Connect starts the first attempt. It is only valid from Idle.
func (m *Machine) Connect() error {
	return m.call(m.connect)
}

// Disconnect closes the machine from any state. Closed is terminal: a
// disconnected machine cannot reconnect. Calling Disconnect twice is a no-op.
func (m *Machine) Disconnect() error {
	return m.call(func() error {
		m.disconnect()
		return nil
	})
}

// SendChat sends text to the session. It fails without queueing when the
// machine is not Connected.
func (m *Machine) SendChat(text string) error {
	return m.call(func() error { return m.sendChat(text) })
}

// State returns the current state.
func (m *Machine) State() State {
	return m.snap.Load().State
}

// Snapshot returns a consistent copy of the machine's observable state.
func (m *Machine) Snapshot() Snapshot {
	return *m.snap.Load()
}

func (m *Machine) call(fn func() error) error {
	errc := make(chan error, 1)
	if !m.exec.Post(func() { errc <- fn() }) {
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-m.exec.Done():
		select {
		case err := <-errc:
			return err
		default:
			return ErrStopped
		}
	}
}

func (m *Machine) connect() error {
	switch m.state {
	case Idle:
	case Closed:
		return ErrClosed
	default:
		return ErrAlreadyStarted
	}
	m.reconciler.Start()
	m.startAttempt()
	return nil
}

func (m *Machine) disconnect() {
	if m.state == Closed {
		return
	}
	m.teardown(signaling.CloseNormal, "client disconnect")
	m.cancelRetry()
	m.reconciler.Stop()
	m.transition(Closed, nil, 0)
}

func (m *Machine) sendChat(text string) error {
	if m.state != Connected || m.cur == nil {
		return fmt.Errorf("send chat: %w", ErrNotConnected)
	}
	msg := protocol.NewChatMessage(m.opts.Session, m.cur.identity, text, m.clock.Now())
	return m.dispatcher.Send(m.cur.channel, protocol.MessageTypeChat, msg)
}

func (m *Machine) current(gen uint64) bool {
	return m.cur != nil && m.cur.gen == gen
}

// startAttempt tears down any prior attempt, mints a fresh identity and asks
// for a credential.
func (m *Machine) startAttempt() {
	m.teardown(signaling.CloseGoingAway, "superseded")

	m.gen++
	a := &attempt{
		gen:       m.gen,
		identity:  m.opts.NewIdentity(m.opts.Name),
		startedAt: m.clock.Now(),
	}
	m.cur = a
	m.identity = a.identity
	if !m.transition(Connecting, nil, 0) {
		return
	}

	supplier := m.opts.Supplier
	if supplier == nil {
		m.fatal(&Failure{Kind: FailureConfiguration, Err: errNoSupplier})
		return
	}

	gen, session, identity, timeout := a.gen, m.opts.Session, a.identity, m.opts.CredentialTimeout
	m.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		cred, err := supplier.Issue(ctx, session, identity)
		m.exec.Post(func() { m.onCredential(gen, cred, err) })
	})
}

func (m *Machine) onCredential(gen uint64, cred credential.Credential, err error) {
	if !m.current(gen) || m.state != Connecting {
		m.logger.Debug("Ignoring stale credential result", "generation", gen)
		return
	}
	a := m.cur

	if err != nil {
		if credential.IsFatal(err) {
			m.fatal(&Failure{Kind: FailureConfiguration, Err: err})
			return
		}
		m.fail(gen, Failure{Kind: FailureCredentialUnavailable, Err: err})
		return
	}
	if cred.Token == "" || cred.Token == m.lastToken {
		m.fail(gen, Failure{Kind: FailureCredentialUnavailable, Err: errCredentialReuse})
		return
	}
	m.lastToken = cred.Token
	a.credential = cred

	target, err := signaling.WithCredential(m.opts.URL, cred.Token)
	if err != nil {
		m.fatal(&Failure{Kind: FailureConfiguration, Err: err})
		return
	}
	a.channel = m.opts.Opener.Open(target, m.listener(gen))
}

// listener binds channel events to the attempt that opened the channel.
func (m *Machine) listener(gen uint64) signaling.Listener {
	return func(ev signaling.Event) {
		m.exec.Post(func() { m.onChannelEvent(gen, ev) })
	}
}

func (m *Machine) onChannelEvent(gen uint64, ev signaling.Event) {
	if !m.current(gen) {
		m.logger.Debug("Ignoring event from stale attempt", "event", ev.Kind, "generation", gen)
		return
	}
	switch ev.Kind {
	case signaling.EventOpened:
		m.onOpened(gen)
	case signaling.EventMessage:
		m.dispatcher.Dispatch(ev.Data, ev.Binary)
	case signaling.EventClosed:
		m.onClosed(gen, ev.Code, ev.Reason)
	case signaling.EventTransportError:
		m.fail(gen, Failure{Kind: FailureTransport, Err: ev.Err})
	default:
		m.logger.Warn("Ignoring unknown channel event", "event", ev.Kind)
	}
}

func (m *Machine) onOpened(gen uint64) {
	if m.state != Connecting {
		m.logger.Warn("Ignoring channel open outside connecting", "state", m.state)
		return
	}
	a := m.cur
	if !m.transition(Joining, nil, 0) {
		return
	}

	a.joinTimer = m.clock.AfterFunc(m.opts.JoinTimeout, func() { m.onJoinTimeout(gen) })
	join := protocol.NewJoinMessage(m.opts.Session, a.identity, a.credential.Token)
	if err := m.dispatcher.Send(a.channel, protocol.MessageTypeJoin, join); err != nil {
		m.fail(gen, Failure{Kind: FailureTransport, Err: err})
	}
}

func (m *Machine) onJoinTimeout(gen uint64) {
	if !m.current(gen) || m.state != Joining || m.cur.joined {
		return
	}
	m.fail(gen, Failure{
		Kind: FailureJoinTimeout,
		Err:  fmt.Errorf("no join acknowledgment within %s", m.opts.JoinTimeout),
	})
}

func (m *Machine) onClosed(gen uint64, code int, reason string) {
	err := fmt.Errorf("channel closed with code %d: %s", code, reason)
	switch m.state {
	case Connected:
		if code == signaling.CloseNormal && !m.pendingRetry {
			m.teardown(signaling.CloseNormal, "")
			m.reconciler.Stop()
			m.transition(Idle, nil, 0)
			return
		}
		m.fail(gen, Failure{Kind: FailureAbnormalClose, Err: err})
	case Connecting, Joining:
		m.fail(gen, Failure{Kind: FailureAbnormalClose, Err: err})
	}
}

// fail handles a retryable failure of the current attempt. Failures arriving
// while a retry is already scheduled are coalesced into it.
func (m *Machine) fail(gen uint64, f Failure) {
	if !m.current(gen) {
		return
	}
	switch m.state {
	case Connecting, Joining, Connected:
	default:
		m.logger.Debug("Coalescing failure into pending recovery", "state", m.state, "failure", f.Kind)
		return
	}

	m.lastErr = &f
	m.teardown(signaling.CloseGoingAway, f.Kind.String())
	m.retries++

	d := m.opts.Policy.Decide(m.retries, f.Kind.Immediate())
	switch d.Action {
	case retry.GiveUp:
		m.transition(Reconnecting, &f, 0)
		m.reconciler.Stop()
		exhausted := &Failure{
			Kind: FailureExhausted,
			Err:  fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, m.retries, f.Err),
		}
		m.lastErr = exhausted
		m.transition(Closed, exhausted, 0)
	case retry.RetryNow:
		m.transition(Reconnecting, &f, 0)
		m.scheduleRetry(0)
	default:
		m.transition(Reconnecting, &f, d.Delay)
		m.scheduleRetry(d.Delay)
	}
}

// fatal closes the machine without consuming a retry.
func (m *Machine) fatal(f *Failure) {
	if m.state == Closed {
		return
	}
	m.lastErr = f
	m.teardown(signaling.CloseNormal, f.Kind.String())
	m.cancelRetry()
	m.reconciler.Stop()
	m.transition(Closed, f, 0)
}

func (m *Machine) scheduleRetry(delay time.Duration) {
	m.retrySeq++
	seq := m.retrySeq
	m.pendingRetry = true
	fire := func() { m.onBackoffElapsed(seq) }
	if delay <= 0 {
		m.exec.Post(fire)
		return
	}
	m.retryTask = m.clock.AfterFunc(delay, fire)
}

func (m *Machine) cancelRetry() {
	if m.retryTask != nil {
		m.retryTask.Cancel()
		m.retryTask = nil
	}
	m.pendingRetry = false
	m.retrySeq++
}

func (m *Machine) onBackoffElapsed(seq uint64) {
	if seq != m.retrySeq || !m.pendingRetry || m.state != Reconnecting {
		return
	}
	m.pendingRetry = false
	m.retryTask = nil
	m.startAttempt()
}

// teardown ends the current attempt: its timers are cancelled, its heartbeat
// stopped and its channel closed. Later events from that channel no longer
// match the current generation. Safe to call with no attempt.
func (m *Machine) teardown(code int, reason string) {
	a := m.cur
	if a == nil {
		return
	}
	m.cur = nil
	if a.joinTimer != nil {
		a.joinTimer.Cancel()
	}
	if a.heartbeat != nil {
		a.heartbeat.Stop()
	}
	if a.channel != nil {
		a.channel.Close(code, reason)
	}
}

func (m *Machine) transition(to State, f *Failure, delay time.Duration) bool {
	from := m.state
	if !CanTransition(from, to) {
		m.logger.Error("Rejected invalid state transition", "from", from, "to", to)
		return false
	}
	m.state = to

	t := Transition{
		From:       from,
		To:         to,
		Generation: m.gen,
		Attempt:    m.retries,
		Delay:      delay,
		Identity:   m.identity,
		Failure:    f,
		At:         m.clock.Now(),
	}
	attrs := []any{"from", from, "to", to, "generation", t.Generation, "attempt", t.Attempt}
	if to == Reconnecting {
		attrs = append(attrs, "delay", delay)
	}
	if f != nil {
		attrs = append(attrs, "failure", f.Kind, "error", f.Err)
		m.logger.Warn("Connection state changed", attrs...)
	} else {
		m.logger.Info("Connection state changed", attrs...)
	}

	m.publish()
	m.obs.StateChanged(t)
	return true
}

func (m *Machine) observe() reconcile.Observation {
	o := reconcile.Observation{
		BelievedConnected: m.state == Connected,
		Reconnecting:      m.state == Reconnecting,
	}
	a := m.cur
	if a == nil || a.channel == nil {
		return o
	}
	o.TransportConnected = a.channel.IsOpen()
	if m.opts.EngineProbe != nil {
		o.EngineConnected = m.opts.EngineProbe()
	} else if a.heartbeat != nil {
		o.EngineConnected = a.heartbeat.Healthy()
	}
	return o
}

func (m *Machine) forceReconnect(mm reconcile.Mismatch) {
	if m.cur == nil {
		return
	}
	m.logger.Warn("Reconciler detected state mismatch", "mismatch", mm)
	m.fail(m.cur.gen, Failure{Kind: FailureStateMismatch, Err: fmt.Errorf("believed connected but %s", mm)})
}

func (m *Machine) updateMetrics() {
	var rec heartbeat.Record
	if m.cur != nil && m.cur.heartbeat != nil {
		rec = m.cur.heartbeat.Record()
	}
	m.metrics = quality.Measure(rec.LastRTT, rec.Missed, len(m.participants), m.clock.Now())
	m.publish()
	m.obs.MetricsUpdated(m.metrics)
}

func (m *Machine) publish() {
	s := Snapshot{
		State:        m.state,
		Generation:   m.gen,
		Retries:      m.retries,
		Session:      m.opts.Session,
		Identity:     m.identity,
		Participants: len(m.participants),
		Metrics:      m.metrics,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	m.snap.Store(&s)
}
