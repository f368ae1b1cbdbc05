// Package statusreport sends agent lifecycle entries (state changes and
// terminal failures) to an operator endpoint in batches.
// All methods are nil-safe: a nil *Reporter is a no-op.
package statusreport

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Entry is one reported lifecycle event.
type Entry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	AgentID   string                 `json:"agentId,omitempty"`
	Agent     string                 `json:"agent,omitempty"`
	Room      string                 `json:"room,omitempty"`
	Status    string                 `json:"status,omitempty"`
	State     string                 `json:"state,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Config holds configuration for the reporter.
type Config struct {
	FlushInterval time.Duration // default 30s
	MaxBatchSize  int           // immediate flush threshold, default 10
	MaxQueueSize  int           // entries beyond this are dropped, default 100
	HTTPTimeout   time.Duration // default 10s
}

// Reporter batches entries and POSTs them as {"entries": [...]}.
type Reporter struct {
	endpoint  string
	authToken string
	config    Config
	client    *http.Client

	mu       sync.Mutex
	queue    []Entry
	stopC    chan struct{}
	doneC    chan struct{}
	stopOnce sync.Once
	started  bool
}

// New creates a Reporter. It returns nil when endpoint is empty so callers
// can wire it unconditionally.
func New(endpoint, authToken string, cfg Config) *Reporter {
	if endpoint == "" {
		return nil
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	return &Reporter{
		endpoint:  endpoint,
		authToken: authToken,
		config:    cfg,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		queue:     make([]Entry, 0, cfg.MaxBatchSize),
		stopC:     make(chan struct{}),
		doneC:     make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (r *Reporter) Start() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	go r.flushLoop()
}

// Shutdown flushes remaining entries and stops the background goroutine.
func (r *Reporter) Shutdown() {
	if r == nil {
		return
	}
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		r.flush()
		return
	}
	r.stopOnce.Do(func() { close(r.stopC) })
	<-r.doneC
}

// Report queues an entry. Reaching MaxBatchSize triggers a flush.
func (r *Reporter) Report(entry Entry) {
	if r == nil {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	r.mu.Lock()
	if len(r.queue) >= r.config.MaxQueueSize {
		r.mu.Unlock()
		slog.Warn("statusreport: queue full, dropping entry", "maxQueueSize", r.config.MaxQueueSize, "message", entry.Message)
		return
	}
	r.queue = append(r.queue, entry)
	shouldFlush := len(r.queue) >= r.config.MaxBatchSize
	r.mu.Unlock()

	if shouldFlush {
		go r.flush()
	}
}

// ReportStatus reports an agent status change. Entries carrying an error are
// reported at error level.
func (r *Reporter) ReportStatus(agentID, agent, room, status, state, errMsg string) {
	if r == nil {
		return
	}
	level := "info"
	msg := "agent status changed"
	if errMsg != "" {
		level = "error"
		msg = "agent connection failed"
	}
	r.Report(Entry{
		Level:   level,
		Message: msg,
		AgentID: agentID,
		Agent:   agent,
		Room:    room,
		Status:  status,
		State:   state,
		Error:   errMsg,
	})
}

func (r *Reporter) flushLoop() {
	defer close(r.doneC)

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopC:
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Reporter) flush() {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.queue
	r.queue = make([]Entry, 0, r.config.MaxBatchSize)
	r.mu.Unlock()

	r.send(batch)
}

func (r *Reporter) send(entries []Entry) {
	body, err := json.Marshal(map[string]interface{}{"entries": entries})
	if err != nil {
		slog.Error("statusreport: failed to marshal entries", "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		slog.Error("statusreport: failed to create request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		slog.Error("statusreport: failed to send entries", "count", len(entries), "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("statusreport: endpoint returned non-OK status", "statusCode", resp.StatusCode, "count", len(entries))
	}
}
