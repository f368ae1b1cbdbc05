package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezaa1/liveagent/internal/connection"
	"github.com/rezaa1/liveagent/internal/credential"
	"github.com/rezaa1/liveagent/internal/persistence"
	"github.com/rezaa1/liveagent/internal/protocol"
	"github.com/rezaa1/liveagent/internal/quality"
	"github.com/rezaa1/liveagent/internal/responder"
	"github.com/rezaa1/liveagent/internal/retry"
	"github.com/rezaa1/liveagent/internal/signaling"
)

// roomServer is a minimal signaling server: it acknowledges joins, answers
// pings and records chat.
type roomServer struct {
	srv    *httptest.Server
	reject bool

	mu     sync.Mutex
	conns  []*roomConn
	chats  []protocol.Chat
	tokens []string
}

type roomConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *roomConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func newRoomServer(t *testing.T, reject bool) *roomServer {
	t.Helper()
	rs := &roomServer{reject: reject}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		reject := rs.reject
		rs.mu.Unlock()
		if reject {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &roomConn{ws: ws}
		rs.mu.Lock()
		rs.conns = append(rs.conns, conn)
		rs.tokens = append(rs.tokens, r.URL.Query().Get("access_token"))
		rs.mu.Unlock()
		go rs.serve(conn)
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *roomServer) serve(c *roomConn) {
	defer c.ws.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case protocol.MessageTypeJoin:
			req, err := protocol.ParseJoinRequest(msg.Data)
			if err != nil {
				continue
			}
			_ = c.write(protocol.NewJoinAckMessage(req.Session, req.Identity,
				[]protocol.Participant{{Identity: "visitor", Name: "Visitor"}}))
		case protocol.MessageTypePing:
			p, err := protocol.ParseProbe(msg.Data)
			if err != nil {
				continue
			}
			_ = c.write(protocol.NewPongMessage(*p))
		case protocol.MessageTypeChat:
			chat, err := protocol.ParseChat(msg.Data)
			if err != nil {
				continue
			}
			rs.mu.Lock()
			rs.chats = append(rs.chats, *chat)
			rs.mu.Unlock()
		}
	}
}

func (rs *roomServer) broadcast(data []byte) {
	rs.mu.Lock()
	conns := append([]*roomConn(nil), rs.conns...)
	rs.mu.Unlock()
	for _, c := range conns {
		_ = c.write(data)
	}
}

// closeAll ends every session from the server side with code.
func (rs *roomServer) closeAll(code int, reason string) {
	rs.mu.Lock()
	conns := append([]*roomConn(nil), rs.conns...)
	rs.mu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		c.mu.Unlock()
	}
}

func (rs *roomServer) connCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.conns)
}

func (rs *roomServer) chatTexts() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, 0, len(rs.chats))
	for _, c := range rs.chats {
		out = append(out, c.Text)
	}
	return out
}

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRegistry(t *testing.T, rs *roomServer, store Store, mutate func(*Options)) *Registry {
	t.Helper()
	opts := Options{
		URL:               rs.srv.URL + "/rtc",
		Supplier:          credential.NewSigner("key", "secret", time.Minute),
		Opener:            signaling.NewDialer(signaling.DefaultConfig()),
		Policy:            retry.Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: 5},
		JoinTimeout:       2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		ReconcileInterval: time.Hour,
		ReplyInterval:     10 * time.Millisecond,
		Store:             store,
	}
	if mutate != nil {
		mutate(&opts)
	}
	r := New(opts)
	t.Cleanup(r.Close)
	return r
}

func statusOf(r *Registry, id string) Status {
	a, _ := r.Get(id)
	return a.Status
}

func TestCreateValidates(t *testing.T) {
	rs := newRoomServer(t, false)
	r := newRegistry(t, rs, nil, nil)

	_, err := r.Create("", "room", DefaultConfiguration())
	assert.Error(t, err)
	_, err = r.Create("agent", " ", DefaultConfiguration())
	assert.Error(t, err)
	_, err = r.Create("agent", "room", Configuration{MaxRetries: -1})
	assert.Error(t, err)
}

func TestCreateListGetRemove(t *testing.T) {
	rs := newRoomServer(t, false)
	store := openStore(t)
	r := newRegistry(t, rs, store, nil)

	a, err := r.Create("helper", "room-a", DefaultConfiguration())
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, a.Status)
	assert.Equal(t, "idle", a.State)

	b, err := r.Create("second", "room-b", Configuration{MaxRetries: 2})
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)

	got, ok := r.Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, 2, got.Configuration.MaxRetries)

	rec, err := store.GetAgent(a.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "offline", rec.Status)
	assert.Equal(t, "room-a", rec.RoomName)

	require.NoError(t, r.Remove(a.ID))
	_, ok = r.Get(a.ID)
	assert.False(t, ok)
	rec, err = store.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.True(t, errors.Is(r.Remove(a.ID), ErrNotFound))
	assert.True(t, errors.Is(r.Start("missing"), ErrNotFound))
}

func TestStartReachesOnlineAndStopGoesOffline(t *testing.T) {
	rs := newRoomServer(t, false)
	store := openStore(t)
	r := newRegistry(t, rs, store, nil)

	cfg := DefaultConfiguration()
	cfg.AutoReply = false
	a, err := r.Create("helper", "room-a", cfg)
	require.NoError(t, err)

	require.NoError(t, r.Start(a.ID))
	require.Eventually(t, func() bool { return statusOf(r, a.ID) == StatusOnline }, 5*time.Second, 10*time.Millisecond)

	got, _ := r.Get(a.ID)
	assert.Equal(t, "connected", got.State)
	assert.NotEmpty(t, got.Identity)

	// A second Start while running is a no-op.
	require.NoError(t, r.Start(a.ID))

	require.Eventually(t, func() bool {
		cur, _ := r.Get(a.ID)
		return cur.Metrics != nil && cur.Metrics.ParticipantCount == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Stop(a.ID))
	assert.Equal(t, StatusOffline, statusOf(r, a.ID))

	r.Close()
	rec, err := store.GetAgent(a.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "offline", rec.Status)
	assert.NotEmpty(t, rec.Metrics)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	require.NotEmpty(t, rs.tokens)
	claims, err := credential.Verify(rs.tokens[0], "secret")
	require.NoError(t, err)
	assert.Equal(t, "room-a", claims.Video.Room)
}

func TestStartAfterServerNormalCloseReconnects(t *testing.T) {
	rs := newRoomServer(t, false)
	store := openStore(t)
	r := newRegistry(t, rs, store, nil)

	cfg := DefaultConfiguration()
	cfg.AutoReply = false
	a, err := r.Create("helper", "room-a", cfg)
	require.NoError(t, err)

	require.NoError(t, r.Start(a.ID))
	require.Eventually(t, func() bool { return statusOf(r, a.ID) == StatusOnline }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, rs.connCount())

	rs.closeAll(websocket.CloseNormalClosure, "room ended")
	require.Eventually(t, func() bool {
		cur, _ := r.Get(a.ID)
		return cur.Status == StatusOffline && cur.State == "idle"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Start(a.ID))
	require.Eventually(t, func() bool { return statusOf(r, a.ID) == StatusOnline }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, rs.connCount())

	rs.mu.Lock()
	first, second := rs.tokens[0], rs.tokens[1]
	rs.mu.Unlock()
	assert.NotEqual(t, first, second)

	require.NoError(t, r.Stop(a.ID))
	assert.Equal(t, StatusOffline, statusOf(r, a.ID))
}

func TestAutoReplyAnswersChat(t *testing.T) {
	rs := newRoomServer(t, false)
	r := newRegistry(t, rs, nil, func(o *Options) {
		o.NewGenerator = func() responder.Generator {
			return responder.GeneratorFunc(func(_ context.Context, text string, _ quality.Metrics) (string, error) {
				return "re: " + text, nil
			})
		}
	})

	a, err := r.Create("helper", "room-a", DefaultConfiguration())
	require.NoError(t, err)
	require.NoError(t, r.Start(a.ID))
	require.Eventually(t, func() bool { return statusOf(r, a.ID) == StatusOnline }, 5*time.Second, 10*time.Millisecond)

	rs.broadcast(protocol.NewChatMessage("room-a", "visitor", "hello there", time.Now()))

	require.Eventually(t, func() bool {
		for _, text := range rs.chatTexts() {
			if text == "re: hello there" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSendChatRequiresRunningAgent(t *testing.T) {
	rs := newRoomServer(t, false)
	r := newRegistry(t, rs, nil, nil)

	a, err := r.Create("helper", "room-a", DefaultConfiguration())
	require.NoError(t, err)

	err = r.SendChat(a.ID, "hi")
	assert.True(t, errors.Is(err, connection.ErrNotConnected))
}

func TestExhaustedRetriesReportError(t *testing.T) {
	rs := newRoomServer(t, true)
	store := openStore(t)
	r := newRegistry(t, rs, store, nil)

	a, err := r.Create("helper", "room-a", Configuration{MaxRetries: 2})
	require.NoError(t, err)
	require.NoError(t, r.Start(a.ID))

	require.Eventually(t, func() bool { return statusOf(r, a.ID) == StatusError }, 5*time.Second, 10*time.Millisecond)
	got, _ := r.Get(a.ID)
	assert.Equal(t, "closed", got.State)
	assert.Contains(t, got.Error, "exhausted")

	// A fresh Start after exhaustion begins a new run.
	rs.mu.Lock()
	rs.reject = false
	rs.mu.Unlock()
	require.NoError(t, r.Start(a.ID))
	require.Eventually(t, func() bool { return statusOf(r, a.ID) == StatusOnline }, 5*time.Second, 10*time.Millisecond)
	got, _ = r.Get(a.ID)
	assert.Empty(t, got.Error)
}

func TestLoadRestoresAgentsOffline(t *testing.T) {
	rs := newRoomServer(t, false)
	store := openStore(t)

	require.NoError(t, store.UpsertAgent(persistence.AgentRecord{
		ID:            "persisted-1",
		Name:          "old",
		Status:        "online",
		RoomName:      "room-z",
		Configuration: `{"maxRetries":3,"autoReply":true}`,
	}))

	r := newRegistry(t, rs, store, nil)
	n, err := r.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := r.Get("persisted-1")
	require.True(t, ok)
	assert.Equal(t, StatusOffline, got.Status)
	assert.Equal(t, 3, got.Configuration.MaxRetries)
	assert.True(t, got.Configuration.AutoReply)
	assert.False(t, got.CreatedAt.IsZero())

	n, err = r.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStatusFor(t *testing.T) {
	failure := &connection.Failure{Kind: connection.FailureExhausted, Err: connection.ErrRetriesExhausted}
	tests := []struct {
		to      connection.State
		failure *connection.Failure
		want    Status
	}{
		{connection.Idle, nil, StatusOffline},
		{connection.Connecting, nil, StatusConnecting},
		{connection.Joining, nil, StatusConnecting},
		{connection.Reconnecting, failure, StatusConnecting},
		{connection.Connected, nil, StatusOnline},
		{connection.Closed, nil, StatusOffline},
		{connection.Closed, failure, StatusError},
	}
	for _, tt := range tests {
		got := statusFor(connection.Transition{To: tt.to, Failure: tt.failure})
		assert.Equal(t, tt.want, got, "to=%s failure=%v", tt.to, tt.failure != nil)
	}
}
