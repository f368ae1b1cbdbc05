// Package registry owns the set of agents run by this worker. Each agent has
// its own event loop and connection machine; the registry turns machine
// events into the status read model and persists it.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rezaa1/liveagent/internal/connection"
	"github.com/rezaa1/liveagent/internal/credential"
	"github.com/rezaa1/liveagent/internal/logging"
	"github.com/rezaa1/liveagent/internal/persistence"
	"github.com/rezaa1/liveagent/internal/protocol"
	"github.com/rezaa1/liveagent/internal/quality"
	"github.com/rezaa1/liveagent/internal/responder"
	"github.com/rezaa1/liveagent/internal/retry"
	"github.com/rezaa1/liveagent/internal/scheduler"
	"github.com/rezaa1/liveagent/internal/signaling"
	"github.com/rezaa1/liveagent/internal/statusreport"
)

var (
	ErrNotFound = errors.New("agent not found")
	ErrClosed   = errors.New("registry is closed")
)

// Store persists agent records. *persistence.Store implements it.
type Store interface {
	UpsertAgent(rec persistence.AgentRecord) error
	DeleteAgent(id string) error
	UpdateAgentStatus(id, status, errMsg string) error
	UpdateAgentMetrics(id, metrics string) error
	ListAgents() ([]persistence.AgentRecord, error)
}

// Options configures a Registry. Supplier, Opener and URL are passed to
// every agent's connection machine.
type Options struct {
	URL      string
	Supplier credential.Supplier
	Opener   signaling.Opener
	Policy   retry.Policy

	JoinTimeout       time.Duration
	CredentialTimeout time.Duration
	HeartbeatInterval time.Duration
	ReconcileInterval time.Duration

	// NewGenerator builds the response generator for one agent. Defaults to
	// a canned generator with a ten-exchange window.
	NewGenerator    func() responder.Generator
	ResponseTimeout time.Duration
	ReplyInterval   time.Duration

	Store    Store
	Reporter *statusreport.Reporter

	NewID func() string
	Now   func() time.Time
}

// Registry manages N independently running agents.
type Registry struct {
	opts Options

	// sink serializes store writes off the agent loops.
	sink       *scheduler.Loop
	sinkCancel context.CancelFunc
	sinkDone   chan struct{}

	mu     sync.RWMutex
	agents map[string]*instance
	closed bool
}

type instance struct {
	mu     sync.Mutex
	agent  Agent
	logger *slog.Logger

	// life serializes Start and Stop for this agent.
	life sync.Mutex
	run  *run
}

// run is one started lifetime of an agent: a loop and the machine on it.
type run struct {
	loop    *scheduler.Loop
	cancel  context.CancelFunc
	done    chan struct{}
	machine *connection.Machine
	replier *responder.AutoReplier
}

func startRun() *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{loop: scheduler.NewLoop(), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.loop.Run(ctx)
	}()
	return r
}

func (r *run) stop() {
	if r.replier != nil {
		r.replier.Wait()
	}
	drain(r.loop)
	r.cancel()
	<-r.done
}

// drain waits until everything posted to l so far has run.
func drain(l *scheduler.Loop) {
	barrier := make(chan struct{})
	if !l.Post(func() { close(barrier) }) {
		return
	}
	select {
	case <-barrier:
	case <-l.Done():
	}
}

// New creates a registry. Call Close to stop every agent.
func New(opts Options) *Registry {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewGenerator == nil {
		opts.NewGenerator = func() responder.Generator { return responder.NewCanned(10) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:       opts,
		sink:       scheduler.NewLoop(),
		sinkCancel: cancel,
		sinkDone:   make(chan struct{}),
		agents:     make(map[string]*instance),
	}
	go func() {
		defer close(r.sinkDone)
		r.sink.Run(ctx)
	}()
	return r
}

// Create registers a new offline agent and persists it.
func (r *Registry) Create(name, room string, cfg Configuration) (Agent, error) {
	name = strings.TrimSpace(name)
	room = strings.TrimSpace(room)
	if name == "" {
		return Agent{}, fmt.Errorf("agent name is required")
	}
	if room == "" {
		return Agent{}, fmt.Errorf("room name is required")
	}
	if cfg.MaxRetries < 0 {
		return Agent{}, fmt.Errorf("maxRetries must not be negative")
	}

	now := r.opts.Now().UTC()
	a := Agent{
		ID:            r.opts.NewID(),
		Name:          name,
		RoomName:      room,
		Status:        StatusOffline,
		State:         connection.Idle.String(),
		Configuration: cfg,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.persist(a); err != nil {
		return Agent{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Agent{}, ErrClosed
	}
	if _, exists := r.agents[a.ID]; exists {
		return Agent{}, fmt.Errorf("agent already exists: %s", a.ID)
	}
	r.agents[a.ID] = r.newInstance(a)
	return a, nil
}

// Load restores persisted agents as offline. Agents already known to the
// registry are skipped. It returns the number of agents restored.
func (r *Registry) Load() (int, error) {
	if r.opts.Store == nil {
		return 0, nil
	}
	recs, err := r.opts.Store.ListAgents()
	if err != nil {
		return 0, fmt.Errorf("load agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for _, rec := range recs {
		if _, exists := r.agents[rec.ID]; exists {
			continue
		}
		a, err := agentFromRecord(rec)
		if err != nil {
			slog.Warn("Skipping unreadable agent record", "agentId", rec.ID, "error", err)
			continue
		}
		a.Status = StatusOffline
		a.State = connection.Idle.String()
		r.agents[a.ID] = r.newInstance(a)
		loaded++
	}
	return loaded, nil
}

func (r *Registry) newInstance(a Agent) *instance {
	return &instance{agent: a, logger: logging.ForAgent(a.ID, a.Name)}
}

// Remove stops an agent and deletes it.
func (r *Registry) Remove(id string) error {
	if err := r.Stop(id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	r.mu.Lock()
	_, ok := r.agents[id]
	delete(r.agents, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if r.opts.Store != nil {
		drain(r.sink)
		if err := r.opts.Store.DeleteAgent(id); err != nil {
			return fmt.Errorf("remove agent %s: %w", id, err)
		}
	}
	return nil
}

// Start connects an agent. Starting a running agent is a no-op. An agent
// whose session ended with a normal close reconnects on its existing run;
// one whose previous run ended in Closed begins a fresh run.
func (r *Registry) Start(id string) error {
	inst, err := r.lookup(id)
	if err != nil {
		return err
	}

	inst.life.Lock()
	defer inst.life.Unlock()

	if rn := inst.run; rn != nil {
		if rn.machine.State() == connection.Idle {
			err := rn.machine.Connect()
			switch {
			case err == nil:
				inst.logger.Info("Restarting agent after normal close")
				return nil
			case errors.Is(err, connection.ErrAlreadyStarted):
				return nil
			case !errors.Is(err, connection.ErrClosed):
				return fmt.Errorf("start agent %s: %w", id, err)
			}
		}
		if rn.machine.State() != connection.Closed {
			return nil
		}
		rn.stop()
		inst.run = nil
	}

	a := inst.snapshot()
	policy := r.opts.Policy
	if policy.BaseDelay <= 0 {
		policy = retry.DefaultPolicy()
	}
	if a.Configuration.MaxRetries > 0 {
		policy.MaxAttempts = a.Configuration.MaxRetries
	}

	rn := startRun()
	m, err := connection.New(connection.Options{
		Session:           a.RoomName,
		Name:              a.Name,
		URL:               r.opts.URL,
		Supplier:          r.opts.Supplier,
		Opener:            r.opts.Opener,
		Policy:            policy,
		JoinTimeout:       r.opts.JoinTimeout,
		CredentialTimeout: r.opts.CredentialTimeout,
		HeartbeatInterval: r.opts.HeartbeatInterval,
		ReconcileInterval: r.opts.ReconcileInterval,
		Executor:          rn.loop,
		Observer:          &observer{r: r, inst: inst, run: rn},
		Logger:            inst.logger,
	})
	if err != nil {
		rn.stop()
		return fmt.Errorf("start agent %s: %w", id, err)
	}
	rn.machine = m

	if a.Configuration.AutoReply {
		interval := r.opts.ReplyInterval
		if a.Configuration.ReplyDelayMs > 0 {
			interval = time.Duration(a.Configuration.ReplyDelayMs) * time.Millisecond
		}
		gen := responder.NewBounded(r.opts.NewGenerator(), r.opts.ResponseTimeout)
		rn.replier = responder.NewAutoReplier(gen, interval, m.SendChat, logging.Component(inst.logger, "responder"))
	}

	inst.run = rn
	inst.logger.Info("Starting agent", "room", a.RoomName, "maxRetries", policy.MaxAttempts)
	if err := m.Connect(); err != nil {
		return fmt.Errorf("start agent %s: %w", id, err)
	}
	return nil
}

// Stop disconnects an agent with a normal close and releases its loop.
// Stopping an agent that is not running is a no-op.
func (r *Registry) Stop(id string) error {
	inst, err := r.lookup(id)
	if err != nil {
		return err
	}

	inst.life.Lock()
	defer inst.life.Unlock()

	rn := inst.run
	if rn == nil {
		return nil
	}
	inst.run = nil

	err = rn.machine.Disconnect()
	rn.stop()
	if err != nil && !errors.Is(err, connection.ErrStopped) {
		return fmt.Errorf("stop agent %s: %w", id, err)
	}
	return nil
}

// StopAll stops every agent concurrently.
func (r *Registry) StopAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Stop(id); err != nil {
				slog.Warn("Failed to stop agent", "agentId", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// Close stops every agent and flushes pending store writes. The registry
// accepts no new agents afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.StopAll()
	drain(r.sink)
	r.sinkCancel()
	<-r.sinkDone
}

// SendChat sends text from the agent to its room.
func (r *Registry) SendChat(id, text string) error {
	inst, err := r.lookup(id)
	if err != nil {
		return err
	}
	inst.life.Lock()
	rn := inst.run
	inst.life.Unlock()
	if rn == nil {
		return fmt.Errorf("send chat: %w", connection.ErrNotConnected)
	}
	return rn.machine.SendChat(text)
}

// Get returns the read model of one agent.
func (r *Registry) Get(id string) (Agent, bool) {
	inst, err := r.lookup(id)
	if err != nil {
		return Agent{}, false
	}
	return inst.snapshot(), true
}

// List returns every agent, oldest first.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	result := make([]Agent, 0, len(r.agents))
	for _, inst := range r.agents {
		result = append(result, inst.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (r *Registry) lookup(id string) (*instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst, nil
}

func (r *Registry) persist(a Agent) error {
	if r.opts.Store == nil {
		return nil
	}
	rec, err := a.record()
	if err != nil {
		return err
	}
	if err := r.opts.Store.UpsertAgent(rec); err != nil {
		return fmt.Errorf("persist agent %s: %w", a.ID, err)
	}
	return nil
}

// write queues a store write on the sink loop.
func (r *Registry) write(what string, id string, fn func(Store) error) {
	store := r.opts.Store
	if store == nil {
		return
	}
	r.sink.Post(func() {
		if err := fn(store); err != nil {
			slog.Warn("Failed to persist agent "+what, "agentId", id, "error", err)
		}
	})
}

func (i *instance) snapshot() Agent {
	i.mu.Lock()
	defer i.mu.Unlock()
	a := i.agent
	if a.Metrics != nil {
		m := *a.Metrics
		a.Metrics = &m
	}
	return a
}

func (i *instance) update(fn func(*Agent)) Agent {
	i.mu.Lock()
	defer i.mu.Unlock()
	fn(&i.agent)
	return i.agent
}

// observer turns machine events for one run into read-model updates. Its
// methods run on the run's loop.
type observer struct {
	r    *Registry
	inst *instance
	run  *run
}

func (o *observer) StateChanged(t connection.Transition) {
	status := statusFor(t)
	failMsg := ""
	if t.Failure != nil {
		failMsg = t.Failure.Error()
	}

	var prev Status
	a := o.inst.update(func(a *Agent) {
		prev = a.Status
		a.Status = status
		a.State = t.To.String()
		a.Identity = t.Identity
		a.UpdatedAt = t.At
		switch {
		case failMsg != "":
			a.Error = failMsg
		case status == StatusOnline:
			a.Error = ""
		}
	})

	o.r.write("status", a.ID, func(s Store) error {
		return s.UpdateAgentStatus(a.ID, string(a.Status), a.Error)
	})
	terminal := t.To == connection.Closed && t.Failure != nil
	if prev != status || terminal {
		o.r.opts.Reporter.ReportStatus(a.ID, a.Name, a.RoomName, string(status), a.State, failMsg)
	}
}

func (o *observer) MetricsUpdated(m quality.Metrics) {
	id := o.inst.update(func(a *Agent) {
		mm := m
		a.Metrics = &mm
	}).ID

	doc, err := json.Marshal(m)
	if err != nil {
		return
	}
	o.r.write("metrics", id, func(s Store) error {
		return s.UpdateAgentMetrics(id, string(doc))
	})
}

func (o *observer) ParticipantJoined(p protocol.Participant) {
	o.inst.logger.Info("Participant joined", "participant", p.Identity)
}

func (o *observer) ParticipantLeft(p protocol.Participant) {
	o.inst.logger.Info("Participant left", "participant", p.Identity)
}

func (o *observer) ChatReceived(c protocol.Chat) {
	if o.run.replier == nil {
		return
	}
	var m quality.Metrics
	if cur := o.inst.snapshot().Metrics; cur != nil {
		m = *cur
	}
	o.run.replier.Handle(c.Text, m)
}

func (o *observer) ProtocolError(e protocol.ErrorRecord) {
	o.inst.logger.Debug("Protocol error record", "code", e.Code, "message", e.Message)
}
