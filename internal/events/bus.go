// Package events publishes file lifecycle events to in-process subscribers
// such as the audit log and the outcome history.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names a file lifecycle event.
type EventType string

const (
	// EventFileSeen is published when a new file starts being tracked.
	EventFileSeen EventType = "file_seen"
	// EventFileRestarted is published for a processing folder resumed at startup.
	EventFileRestarted EventType = "file_restarted"
	// EventStateChanged is published after every executed state transition.
	EventStateChanged EventType = "state_changed"
	// EventFileRetry is published when a failed file is scheduled for another attempt.
	EventFileRetry EventType = "file_retry"
	// EventFileFinished is published when a file completed the pipeline.
	EventFileFinished EventType = "file_finished"
	// EventFileFailed is published when a file was moved to the error area.
	EventFileFailed EventType = "file_failed"
)

// AllEventTypes lists every type published by the poller.
var AllEventTypes = []EventType{
	EventFileSeen,
	EventFileRestarted,
	EventStateChanged,
	EventFileRetry,
	EventFileFinished,
	EventFileFailed,
}

// Event is one published occurrence. Data carries at least "file_id" and
// "folder" for file events.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives events on its own goroutine.
type Subscriber func(Event)

type subscription struct {
	ch   chan Event
	once sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.ch) })
}

// Bus fans events out to subscribers, each with its own buffered queue.
// Publish never waits on a subscriber: an event that does not fit in a
// subscriber's queue is dropped for that subscriber and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[EventType][]*subscription
	size    int
	closed  bool
	dropped atomic.Uint64
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{subs: make(map[EventType][]*subscription), size: bufferSize}
}

// Subscribe registers fn for eventType and returns the unsubscribe function.
// Panics in fn are recovered.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	sub := &subscription{ch: make(chan Event, b.size)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	go func() {
		for ev := range sub.ch {
			deliver(fn, ev)
		}
	}()

	return func() { b.remove(eventType, sub) }
}

// SubscribeAll registers fn for every type in AllEventTypes.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	cancels := make([]func(), len(AllEventTypes))
	for i, t := range AllEventTypes {
		cancels[i] = b.Subscribe(t, fn)
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func (b *Bus) remove(eventType EventType, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[eventType]
	for i, s := range list {
		if s == sub {
			b.subs[eventType] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	sub.stop()
}

func deliver(fn Subscriber, ev Event) {
	defer func() { _ = recover() }()
	fn(ev)
}

// Publish sends an event to all subscribers of eventType. A nil bus drops it.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	ev := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[eventType] {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber's
// queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops every subscriber. Later Publish and Subscribe calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, list := range b.subs {
		for _, sub := range list {
			sub.stop()
		}
	}
	b.subs = make(map[EventType][]*subscription)
	b.closed = true
}
