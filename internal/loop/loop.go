// Package loop provides the single-goroutine scheduler every player component
// runs on. Components never block; they post work and arm timers through a Loop.
package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/playcore/internal/logger"
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// callback from running. After Stop returns the callback never runs.
	Stop() bool
}

// Loop is the scheduling contract shared by the real and virtual loops.
type Loop interface {
	Now() time.Time
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) Timer
	Every(d time.Duration, fn func()) Timer
}

// EventLoop executes posted tasks sequentially on the goroutine calling Run.
type EventLoop struct {
	tasks  chan func()
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
	logger logger.Logger
}

// New creates an event loop with a bounded task queue.
func New(queueSize int, log logger.Logger) *EventLoop {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &EventLoop{
		tasks:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		logger: log.WithField("component", "event_loop"),
	}
}

// Run processes tasks until ctx is cancelled. Tasks posted after Run returns
// are dropped.
func (l *EventLoop) Run(ctx context.Context) error {
	defer l.once.Do(func() {
		l.closed.Store(true)
		close(l.done)
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			l.execute(fn)
		}
	}
}

func (l *EventLoop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Error("Task panicked on event loop")
		}
	}()
	fn()
}

// Now returns the wall clock time.
func (l *EventLoop) Now() time.Time {
	return time.Now()
}

// Post enqueues fn. It is safe to call from any goroutine.
func (l *EventLoop) Post(fn func()) {
	if l.closed.Load() {
		return
	}
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *EventLoop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc schedules fn to run on the loop after d.
func (l *EventLoop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &realTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.fired() {
				fn()
			}
		})
	})
	return t
}

// Every schedules fn to run on the loop every d until stopped.
func (l *EventLoop) Every(d time.Duration, fn func()) Timer {
	t := &realTimer{repeat: true}
	var arm func()
	arm = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.stopped {
			return
		}
		t.timer = time.AfterFunc(d, func() {
			l.Post(func() {
				if t.isStopped() {
					return
				}
				fn()
				arm()
			})
		})
	}
	arm()
	return t
}

type realTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	done    bool
	repeat  bool
}

// fired marks a one-shot timer as delivered; it returns false when Stop won.
func (t *realTimer) fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.done = true
	return true
}

func (t *realTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *realTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || (t.done && !t.repeat) {
		return false
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}
