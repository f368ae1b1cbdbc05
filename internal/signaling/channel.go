// Package signaling implements the bidirectional message channel to the
// signaling server on top of a WebSocket.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes.
const (
	CloseNormal    = websocket.CloseNormalClosure
	CloseGoingAway = websocket.CloseGoingAway
	CloseAbnormal  = websocket.CloseAbnormalClosure
)

var (
	// ErrNotOpen is returned by Send before the channel opens or after it
	// closes.
	ErrNotOpen = errors.New("signaling channel is not open")
	// ErrConnectTimeout is reported when no open happens within the connect
	// timeout.
	ErrConnectTimeout = errors.New("signaling channel connect timed out")
)

// EventKind identifies a channel event.
type EventKind int

const (
	EventOpened EventKind = iota + 1
	EventMessage
	EventClosed
	EventTransportError
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Event is emitted by a Channel. Data and Binary are set for EventMessage,
// Code and Reason for EventClosed, Err for EventTransportError.
type Event struct {
	Kind   EventKind
	Data   []byte
	Binary bool
	Code   int
	Reason string
	Err    error
}

// Listener receives channel events. It is called from the channel's own
// goroutines and must not block.
type Listener func(Event)

// Channel is one signaling connection. After Opened, at most one of
// EventClosed or EventTransportError is emitted, and nothing follows it.
type Channel interface {
	Send(data []byte) error
	Close(code int, reason string)
	IsOpen() bool
}

// Opener starts channels. Open returns immediately; the outcome arrives as
// events.
type Opener interface {
	Open(target string, listener Listener) Channel
}

// Config configures WebSocket channels.
type Config struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// PingInterval is the period of transport-level ping frames. PongTimeout
	// is how long reads may stay silent before the connection is dropped.
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReadLimit    int64
	Header       http.Header
}

// DefaultConfig returns the channel defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   27 * time.Second,
		PongTimeout:    30 * time.Second,
		ReadLimit:      1 << 20,
	}
}

// Dialer opens WebSocket channels.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

// NewDialer creates an Opener using gorilla/websocket.
func NewDialer(cfg Config) *Dialer {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy: http.ProxyFromEnvironment,
		},
	}
}

// WithCredential returns target with token set as the access_token query
// parameter.
func WithCredential(target, token string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse signaling url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported signaling url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateClosed
)

// Conn is a Channel backed by a WebSocket.
type Conn struct {
	cfg      Config
	listener Listener

	mu     sync.Mutex
	state  connState
	ws     *websocket.Conn
	cancel context.CancelFunc

	writeMu  sync.Mutex
	terminal sync.Once
	doneOnce sync.Once
	done     chan struct{}
}

// Open starts dialing target and returns at once.
func (d *Dialer) Open(target string, listener Listener) Channel {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ConnectTimeout)
	c := &Conn{
		cfg:      d.cfg,
		listener: listener,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go c.dial(ctx, d.dialer, target)
	return c
}

func (c *Conn) dial(ctx context.Context, dialer *websocket.Dialer, target string) {
	defer c.cancel()

	ws, resp, err := dialer.DialContext(ctx, target, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if isTimeout(ctx, err) {
			err = fmt.Errorf("%w after %s", ErrConnectTimeout, c.cfg.ConnectTimeout)
		} else if resp != nil {
			err = fmt.Errorf("dial signaling server: HTTP %d: %w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("dial signaling server: %w", err)
		}
		c.mu.Lock()
		closed := c.state == stateClosed
		c.state = stateClosed
		c.mu.Unlock()
		if !closed {
			c.emitTerminal(Event{Kind: EventTransportError, Err: err})
		}
		return
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.state = stateOpen
	c.ws = ws
	c.mu.Unlock()

	ws.SetReadLimit(c.cfg.ReadLimit)
	if c.cfg.PongTimeout > 0 {
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		})
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	}

	c.listener(Event{Kind: EventOpened})

	if c.cfg.PingInterval > 0 {
		go c.pingLoop(ws)
	}
	c.readLoop(ws)
}

// isTimeout reports whether a dial failed because the connect deadline
// passed. The net-level deadline can fire before the context timer does.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			c.handleReadError(ws, err)
			return
		}
		if c.cfg.PongTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		}
		c.listener(Event{Kind: EventMessage, Data: data, Binary: mt == websocket.BinaryMessage})
	}
}

func (c *Conn) handleReadError(ws *websocket.Conn, err error) {
	c.mu.Lock()
	localClose := c.state == stateClosed
	c.state = stateClosed
	c.mu.Unlock()
	ws.Close()
	c.closeDone()

	// Close owns the terminal event once it has claimed the connection.
	if localClose {
		return
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.emitTerminal(Event{Kind: EventClosed, Code: ce.Code, Reason: ce.Text})
		return
	}
	c.emitTerminal(Event{Kind: EventTransportError, Err: fmt.Errorf("read signaling frame: %w", err)})
}

func (c *Conn) pingLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// Send writes one text frame.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	ws := c.ws
	open := c.state == stateOpen
	c.mu.Unlock()
	if !open {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write signaling frame: %w", err)
	}
	return nil
}

// Close sends a close frame with code and reason and releases the socket.
// Calling Close again, or after the server closed, has no effect.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	ws := c.ws
	c.state = stateClosed
	c.mu.Unlock()

	c.cancel()
	c.closeDone()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		ws.Close()
	}
	c.emitTerminal(Event{Kind: EventClosed, Code: code, Reason: reason})
}

// IsOpen reports whether the socket is open.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

func (c *Conn) emitTerminal(ev Event) {
	c.terminal.Do(func() {
		c.listener(ev)
	})
}

func (c *Conn) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}
