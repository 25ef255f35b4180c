// Package eventloop provides the single logical thread that owns all
// coordinator and orchestrator state. Public entry points and asynchronous
// completions are posted onto the loop as tasks; the loop runs them one at a
// time in submission order, so shared queues and registries never race.
package eventloop

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Loop is a single-consumer task queue. Post never blocks, so tasks running
// on the loop may safely enqueue follow-up work.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

// New creates an event loop. Run must be called for tasks to execute.
func New(logger *slog.Logger) *Loop {
	return &Loop{
		logger: logger.With("subsystem", "eventloop"),
		wake:   make(chan struct{}, 1),
	}
}

// Run consumes tasks until ctx is cancelled. It must be called exactly once,
// typically on a dedicated goroutine. Tasks already accepted by Post when the
// loop stops are still executed, so a caller blocked in Sync is always
// released.
func (l *Loop) Run(ctx context.Context) {
	for {
		tasks := l.drainQueue()
		for _, task := range tasks {
			task()
		}

		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			rest := l.queue
			l.queue = nil
			l.mu.Unlock()
			for _, task := range rest {
				task()
			}
			return
		case <-l.wake:
		}
	}
}

// Post enqueues fn for execution on the loop. Tasks run in submission order.
// Posting to a stopped loop drops the task; the return value reports whether
// the task was accepted.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.logger.Debug("task posted to stopped loop, dropping")
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

// Sync runs fn on the loop and waits for it to complete. It must not be
// called from a task already running on the loop. On a stopped loop fn does
// not run and Sync returns false immediately rather than blocking.
func (l *Loop) Sync(fn func()) bool {
	done := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(done)
	}) {
		return false
	}
	<-done
	return true
}

// Drain waits until every task posted before the call has executed.
// Primarily a test aid.
func (l *Loop) Drain() {
	l.Sync(func() {})
}

// PostDelayed schedules fn to be posted onto the loop after d. The returned
// timer may be stopped to cancel delivery. Timers are single-shot: periodic
// work re-arms itself from within the task, which guarantees executions
// never overlap.
func (l *Loop) PostDelayed(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		l.Post(fn)
	})
}

func (l *Loop) drainQueue() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	tasks := l.queue
	l.queue = nil
	return tasks
}
