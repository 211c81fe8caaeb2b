// Package signal implements the typed observer registry player components use
// to talk to each other. Each component instance owns its topics; nothing is
// process-global.
package signal

import "sort"

// Priority orders delivery within a topic. Higher runs first.
type Priority int

const (
	PriorityLow     Priority = -1000
	PriorityDefault Priority = 0
	PriorityHigh    Priority = 1000
)

// Subscription is a handle returned by Subscribe.
type Subscription interface {
	Unsubscribe()
}

// Topic delivers values of type T to its subscribers synchronously on the
// publisher's goroutine. Topics are not safe for concurrent use; all player
// components publish from the event loop.
type Topic[T any] struct {
	name    string
	seq     uint64
	entries []*entry[T]
}

type entry[T any] struct {
	topic    *Topic[T]
	fn       func(T)
	priority Priority
	seq      uint64
	removed  bool
}

// NewTopic creates a named topic.
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{name: name}
}

// Name returns the topic name.
func (t *Topic[T]) Name() string {
	return t.name
}

// Subscribe registers fn at the default priority.
func (t *Topic[T]) Subscribe(fn func(T)) Subscription {
	return t.SubscribeWithPriority(fn, PriorityDefault)
}

// SubscribeWithPriority registers fn. Subscribers with equal priority are
// called in registration order.
func (t *Topic[T]) SubscribeWithPriority(fn func(T), p Priority) Subscription {
	t.seq++
	e := &entry[T]{topic: t, fn: fn, priority: p, seq: t.seq}
	t.entries = append(t.entries, e)
	sort.SliceStable(t.entries, func(i, j int) bool {
		if t.entries[i].priority != t.entries[j].priority {
			return t.entries[i].priority > t.entries[j].priority
		}
		return t.entries[i].seq < t.entries[j].seq
	})
	return e
}

// Publish delivers v to every current subscriber. Subscribers removed during
// delivery are skipped; subscribers added during delivery wait for the next
// publish.
func (t *Topic[T]) Publish(v T) {
	if len(t.entries) == 0 {
		return
	}
	snapshot := make([]*entry[T], len(t.entries))
	copy(snapshot, t.entries)
	for _, e := range snapshot {
		if e.removed {
			continue
		}
		e.fn(v)
	}
}

// Len reports the number of live subscribers.
func (t *Topic[T]) Len() int {
	return len(t.entries)
}

func (e *entry[T]) Unsubscribe() {
	if e.removed {
		return
	}
	e.removed = true
	entries := e.topic.entries
	for i, candidate := range entries {
		if candidate == e {
			e.topic.entries = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Group collects subscriptions so a component can drop all of them at reset.
type Group struct {
	subs []Subscription
}

// Add records subscriptions in the group.
func (g *Group) Add(subs ...Subscription) {
	g.subs = append(g.subs, subs...)
}

// Len reports the number of tracked subscriptions.
func (g *Group) Len() int {
	return len(g.subs)
}

// UnsubscribeAll removes every tracked subscription.
func (g *Group) UnsubscribeAll() {
	for _, s := range g.subs {
		s.Unsubscribe()
	}
	g.subs = nil
}
