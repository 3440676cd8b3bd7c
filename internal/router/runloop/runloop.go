// Package runloop provides the single serialized execution context on which
// all call-routing state is mutated.
//
// Every component in internal/router that holds call or backend state is
// confined to one Loop: its methods must only run inside tasks posted here.
// Entry points reachable from other goroutines (remote callbacks, the admin
// HTTP surface, timers) hop onto the loop via Post, PostDelayed, or Submit
// before touching shared state. There is deliberately no finer-grained
// locking in the routing core.
package runloop

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Submit when the loop has been stopped before or
// while the submitted task was waiting to run.
var ErrStopped = errors.New("run loop stopped")

// Loop is a single-goroutine task executor. Tasks run strictly in the order
// they were posted; Post never blocks the caller.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Loop and starts its goroutine.
func New() *Loop {
	l := &Loop{
		done: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	defer close(l.done)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.stopped {
			l.mu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		task()
	}
}

// Post enqueues a task for execution on the loop. It never blocks. Posting
// to a stopped loop drops the task with a warning.
func (l *Loop) Post(task func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		slog.Warn("[RunLoop] Task posted after stop, dropping")
		return
	}
	l.queue = append(l.queue, task)
	l.cond.Signal()
}

// Submit posts a task and blocks the calling goroutine until it has run on
// the loop. This is the administrative request path: the block happens on
// the caller's goroutine, never on the loop itself. Submit must not be
// called from a task already running on the loop.
func (l *Loop) Submit(task func()) error {
	ran := make(chan struct{})

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, func() {
		defer close(ran)
		task()
	})
	l.cond.Signal()
	l.mu.Unlock()

	select {
	case <-ran:
		return nil
	case <-l.done:
		// The loop drains its queue before exiting, so check whether the
		// task made it in under the wire.
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Timer is a handle to a task scheduled with PostDelayed.
type Timer struct {
	mu        sync.Mutex
	t         *time.Timer
	cancelled bool
}

// Cancel stops the timer. A timer whose task has already been posted is not
// recalled; cancellation after firing is a no-op. Safe to call repeatedly
// and from any goroutine.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	t.t.Stop()
}

func (t *Timer) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// PostDelayed schedules a task to be posted onto the loop after d. The
// returned Timer can be used to cancel it before it fires.
func (l *Loop) PostDelayed(task func(), d time.Duration) *Timer {
	timer := &Timer{}
	timer.t = time.AfterFunc(d, func() {
		// Re-check under the handle's lock so Cancel on the loop is
		// authoritative even if the runtime timer already fired.
		if timer.isCancelled() {
			return
		}
		l.Post(func() {
			if timer.isCancelled() {
				return
			}
			task()
		})
	})
	return timer
}

// Stop prevents further posts, drains the already-queued tasks, and waits
// for the loop goroutine to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.wg.Wait()
		return
	}
	l.stopped = true
	l.cond.Signal()
	l.mu.Unlock()

	l.wg.Wait()
}

// Done returns a channel closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
