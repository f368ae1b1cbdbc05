package scheduler

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a cancelable delayed function.
type Task interface {
	// Cancel prevents the task from running. It reports whether the task was
	// still pending. Cancel is only guaranteed to win against a concurrent fire
	// when called on the task's executor.
	Cancel() bool
}

// Clock schedules delayed tasks onto an executor.
type Clock interface {
	Now() time.Time
	// AfterFunc runs fn on the clock's executor once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Task
}

// Wall is the production Clock: real timers whose callbacks are posted to the
// executor rather than run on the timer goroutine.
type Wall struct {
	exec Executor
}

// NewWall returns a Clock that delivers timer callbacks through exec.
func NewWall(exec Executor) *Wall {
	return &Wall{exec: exec}
}

func (w *Wall) Now() time.Time {
	return time.Now()
}

func (w *Wall) AfterFunc(d time.Duration, fn func()) Task {
	t := &wallTask{}
	t.timer = time.AfterFunc(d, func() {
		w.exec.Post(func() {
			// Re-checked on the executor so a Cancel issued there always wins.
			if t.cancelled.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

type wallTask struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

func (t *wallTask) Cancel() bool {
	t.timer.Stop()
	return t.cancelled.CompareAndSwap(false, true)
}

// Manual is a Clock whose time only moves when Advance is called. Due tasks
// run, in deadline order, through the configured executor.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks []*manualTask
	exec  Executor
}

// NewManual creates a Manual clock starting at start. A nil exec runs
// callbacks directly on the goroutine calling Advance.
func NewManual(start time.Time, exec Executor) *Manual {
	if exec == nil {
		exec = &Inline{}
	}
	return &Manual{now: start, exec: exec}
}

type manualTask struct {
	at        time.Time
	seq       uint64
	fn        func()
	cancelled bool
	fired     bool
	clock     *Manual
}

func (t *manualTask) Cancel() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.cancelled || t.fired {
		return false
	}
	t.cancelled = true
	return true
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTask{at: m.now.Add(d), seq: m.seq, fn: fn, clock: m}
	m.tasks = append(m.tasks, t)
	return t
}

// Advance moves time forward by d, running every task that falls due.
// Tasks scheduled by running tasks are honoured if they are due before the
// new time.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(m.now) {
			m.now = next.at
		}
		m.mu.Unlock()

		m.exec.Post(next.fn)
	}
}

func (m *Manual) nextDueLocked(target time.Time) *manualTask {
	var best *manualTask
	live := m.tasks[:0]
	for _, t := range m.tasks {
		if t.cancelled || t.fired {
			continue
		}
		live = append(live, t)
		if t.at.After(target) {
			continue
		}
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.seq < best.seq) {
			best = t
		}
	}
	m.tasks = live
	return best
}

// Pending returns the remaining delay of every scheduled task, shortest first.
func (m *Manual) Pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []time.Duration
	for _, t := range m.tasks {
		if t.cancelled || t.fired {
			continue
		}
		out = append(out, t.at.Sub(m.now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
