// Package scheduler provides the single-owner event loop and the cancelable
// delayed tasks that drive an agent's connection lifecycle.
//
// Every piece of per-agent state is mutated from exactly one goroutine: the
// loop. Channel events, timer callbacks and public API calls reach that
// goroutine by posting closures through an Executor.
package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Executor runs posted functions one at a time, in posting order.
type Executor interface {
	// Post queues fn. It returns false if the executor no longer accepts work.
	Post(fn func()) bool
	// Done is closed once the executor has stopped. A nil channel means the
	// executor never stops.
	Done() <-chan struct{}
}

// Loop is an Executor backed by a dedicated goroutine started with Run.
// Post never blocks, so a task running on the loop may safely post more work.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop creates a loop. Call Run to start processing.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn for execution on the loop goroutine.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run processes posted tasks until ctx is cancelled. Queued tasks that have
// not started when ctx is cancelled are discarded.
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}

		for {
			if ctx.Err() != nil {
				return
			}
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			runSafely(fn)
		}
	}
}

// runSafely keeps a misbehaving callback from killing the loop goroutine.
func runSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered panic in loop task", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Inline is an Executor that runs tasks on the calling goroutine. A task
// posted while another is running is queued and drained afterwards, which
// gives the same ordering guarantees as Loop without a goroutine. Tests use it
// to drive the connection machine deterministically.
type Inline struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// Post runs fn now, or after the currently running task finishes.
func (e *Inline) Post(fn func()) bool {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	if e.running {
		e.mu.Unlock()
		return true
	}
	e.running = true
	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		runSafely(next)
		e.mu.Lock()
	}
	e.running = false
	e.mu.Unlock()
	return true
}

// Done returns nil: an Inline executor never stops.
func (e *Inline) Done() <-chan struct{} {
	return nil
}
