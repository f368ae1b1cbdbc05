// Package responder produces replies to inbound chat messages.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rezaa1/liveagent/internal/quality"
)

// FallbackReply is sent when a generator fails or runs out of time.
const FallbackReply = "I apologize, but I'm having trouble processing your message right now. Could you please try again?"

// DefaultTimeout bounds a single reply.
const DefaultTimeout = 5 * time.Second

// Generator produces a reply to text given the current call metrics.
type Generator interface {
	Reply(ctx context.Context, text string, m quality.Metrics) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, text string, m quality.Metrics) (string, error)

func (f GeneratorFunc) Reply(ctx context.Context, text string, m quality.Metrics) (string, error) {
	return f(ctx, text, m)
}

// Prompt prefixes text with the metrics summary.
func Prompt(text string, m quality.Metrics) string {
	if m.ConnectionQuality == "" {
		return text
	}
	return m.Summary() + " " + text
}

// Bounded wraps a Generator so that Reply always returns a usable string
// within the timeout.
type Bounded struct {
	gen     Generator
	timeout time.Duration
}

// NewBounded wraps gen. A non-positive timeout selects DefaultTimeout.
func NewBounded(gen Generator, timeout time.Duration) *Bounded {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bounded{gen: gen, timeout: timeout}
}

type result struct {
	text string
	err  error
}

// Reply returns the generator's answer, or FallbackReply on error, panic,
// empty answer or timeout.
func (b *Bounded) Reply(ctx context.Context, text string, m quality.Metrics) string {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("generator panicked: %v", r)}
			}
		}()
		reply, err := b.gen.Reply(ctx, text, m)
		done <- result{text: reply, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			slog.Warn("Response generator failed", "error", res.err)
			return FallbackReply
		}
		if res.text == "" {
			return FallbackReply
		}
		return res.text
	case <-ctx.Done():
		slog.Warn("Response generator timed out", "timeout", b.timeout)
		return FallbackReply
	}
}

type exchange struct {
	prompt string
	reply  string
}

// Canned is a Generator that answers from a fixed set of responses while
// keeping a bounded conversation history.
type Canned struct {
	mu        sync.Mutex
	responses []string
	window    int
	history   []exchange
	pick      func(n int) int
}

// DefaultResponses are the replies used by NewCanned.
var DefaultResponses = []string{
	"I'm receiving your audio and video clearly. The connection seems stable.",
	"The video quality looks good from my end. How's the reception on your side?",
	"I notice a slight delay in the connection. Let me run a quick diagnostic.",
	"Everything's working well. The current latency is within acceptable ranges.",
}

// NewCanned creates a Canned generator remembering the last window
// exchanges.
func NewCanned(window int) *Canned {
	if window <= 0 {
		window = 10
	}
	return &Canned{responses: DefaultResponses, window: window, pick: rand.Intn}
}

func (c *Canned) Reply(ctx context.Context, text string, m quality.Metrics) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reply := c.responses[c.pick(len(c.responses))]
	c.history = append(c.history, exchange{prompt: Prompt(text, m), reply: reply})
	if len(c.history) > c.window {
		c.history = c.history[len(c.history)-c.window:]
	}
	return reply, nil
}

// History returns the remembered prompts, oldest first.
func (c *Canned) History() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.history))
	for i, e := range c.history {
		out[i] = e.prompt
	}
	return out
}

// Reset forgets the conversation.
func (c *Canned) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}

// AutoReplier answers inbound chat through a Bounded generator, limited to a
// steady reply rate so that two agents in one room cannot feed each other
// indefinitely.
type AutoReplier struct {
	gen     *Bounded
	limiter *rate.Limiter
	send    func(text string) error
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewAutoReplier creates a replier that allows one reply per interval with a
// burst of one. send is called from a background goroutine.
func NewAutoReplier(gen *Bounded, interval time.Duration, send func(string) error, logger *slog.Logger) *AutoReplier {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoReplier{
		gen:     gen,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		send:    send,
		logger:  logger,
	}
}

// Handle schedules a reply to text. It returns false when the message was
// dropped by the rate limiter.
func (a *AutoReplier) Handle(text string, m quality.Metrics) bool {
	if !a.limiter.Allow() {
		a.logger.Debug("Auto-reply rate limited")
		return false
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		reply := a.gen.Reply(context.Background(), text, m)
		if err := a.send(reply); err != nil {
			a.logger.Warn("Failed to send auto-reply", "error", err)
		}
	}()
	return true
}

// Wait blocks until in-flight replies finish.
func (a *AutoReplier) Wait() {
	a.wg.Wait()
}
