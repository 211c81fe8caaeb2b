package loop

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Manual is a virtual-time loop. Nothing runs until Flush or Advance is called,
// which makes timer-driven behaviour deterministic.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	queue  []func()
	timers []*manualTimer
	seq    uint64
}

// NewManual creates a virtual loop whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	return m.schedule(d, 0, fn)
}

func (m *Manual) Every(d time.Duration, fn func()) Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	return m.schedule(d, d, fn)
}

func (m *Manual) schedule(d, interval time.Duration, fn func()) *manualTimer {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{
		loop:     m,
		due:      m.now.Add(d),
		interval: interval,
		seq:      m.seq,
		fn:       fn,
	}
	m.timers = append(m.timers, t)
	return t
}

// Do posts fn and flushes the queue, so fn and every task it posts have run
// when Do returns.
func (m *Manual) Do(_ context.Context, fn func()) error {
	m.Post(fn)
	m.Flush()
	return nil
}

// Flush runs posted tasks, including tasks they post, until the queue is empty.
func (m *Manual) Flush() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

// Advance moves virtual time forward by d, firing due timers in order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.Flush()

		m.mu.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			break
		}
		if next.due.After(m.now) {
			m.now = next.due
		}
		if next.interval > 0 {
			m.seq++
			next.seq = m.seq
			next.due = next.due.Add(next.interval)
		} else {
			next.fired = true
			m.remove(next)
		}
		m.mu.Unlock()

		next.fn()
	}

	m.Flush()
}

// PendingTimers reports the number of armed timers.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].due.Equal(m.timers[j].due) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].due.Before(m.timers[j].due)
	})
	if m.timers[0].due.After(target) {
		return nil
	}
	return m.timers[0]
}

func (m *Manual) remove(t *manualTimer) bool {
	for i, candidate := range m.timers {
		if candidate == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

type manualTimer struct {
	loop     *Manual
	due      time.Time
	interval time.Duration
	seq      uint64
	fn       func()
	fired    bool
}

func (t *manualTimer) Stop() bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.fired && t.interval == 0 {
		return false
	}
	return t.loop.remove(t)
}
