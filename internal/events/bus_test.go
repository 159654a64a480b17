package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestBus_DeliversToTypeSubscribers(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	seen := make(chan Event, 4)
	finished := make(chan Event, 4)
	defer bus.Subscribe(EventFileSeen, func(e Event) { seen <- e })()
	defer bus.Subscribe(EventFileFinished, func(e Event) { finished <- e })()

	before := time.Now().UTC()
	bus.Publish(EventFileSeen, map[string]any{"file_id": "IN-1", "folder": "IN"})

	e := recv(t, seen)
	assert.Equal(t, EventFileSeen, e.Type)
	assert.Equal(t, "IN-1", e.Data["file_id"])
	assert.False(t, e.Timestamp.Before(before))
	assert.Empty(t, finished)
}

func TestBus_PreservesOrderPerSubscriber(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	got := make(chan Event, 64)
	defer bus.Subscribe(EventStateChanged, func(e Event) { got <- e })()

	for i := 0; i < 20; i++ {
		bus.Publish(EventStateChanged, map[string]any{"seq": i})
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, i, recv(t, got).Data["seq"])
	}
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	release := make(chan struct{})
	var handled atomic.Int32
	defer bus.Subscribe(EventStateChanged, func(Event) {
		<-release
		handled.Add(1)
	})()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(EventStateChanged, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	// At most one in flight plus one queued.
	assert.GreaterOrEqual(t, bus.Dropped(), uint64(48))
	close(release)
	require.Eventually(t, func() bool {
		return uint64(handled.Load())+bus.Dropped() == 50
	}, time.Second, 10*time.Millisecond)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	got := make(chan Event, 4)
	unsub := bus.Subscribe(EventFileRetry, func(e Event) { got <- e })

	bus.Publish(EventFileRetry, map[string]any{"attempt": 1})
	recv(t, got)

	unsub()
	unsub()
	bus.Publish(EventFileRetry, map[string]any{"attempt": 2})

	select {
	case e := <-got:
		t.Fatalf("delivered after unsubscribe: %v", e.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SubscriberPanicIsContained(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var calls atomic.Int32
	got := make(chan Event, 4)
	bus.Subscribe(EventFileFailed, func(Event) {
		calls.Add(1)
		panic("subscriber bug")
	})
	bus.Subscribe(EventFileFailed, func(e Event) { got <- e })

	bus.Publish(EventFileFailed, nil)
	bus.Publish(EventFileFailed, nil)

	recv(t, got)
	recv(t, got)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestBus_SubscribeAllCoversEveryType(t *testing.T) {
	bus := NewBus(len(AllEventTypes))
	defer bus.Close()

	var mu sync.Mutex
	counts := map[EventType]int{}
	unsub := bus.SubscribeAll(func(e Event) {
		mu.Lock()
		counts[e.Type]++
		mu.Unlock()
	})
	defer unsub()

	for _, et := range AllEventTypes {
		bus.Publish(et, nil)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counts) == len(AllEventTypes)
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, et := range AllEventTypes {
		assert.Equal(t, 1, counts[et], et)
	}
}

func TestBus_AfterClose(t *testing.T) {
	bus := NewBus(10)
	unsub := bus.Subscribe(EventFileSeen, func(Event) {})
	bus.Close()

	assert.NotPanics(t, func() {
		unsub()
		bus.Publish(EventFileSeen, nil)
		bus.Subscribe(EventFileSeen, func(Event) {})()
	})
}

func TestBus_NilIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(EventFileSeen, nil) })
}
