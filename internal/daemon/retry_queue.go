package daemon

import (
	"container/heap"
	"sync"
	"time"

	"github.com/msageha/dirpoller/internal/pipeline"
)

// RetryQueue orders file contexts by the time they are due again. It is
// shared by the poller and the workers and is not persisted.
type RetryQueue struct {
	mu    sync.Mutex
	items retryHeap
	seq   uint64
}

// RetryEntry is a queued context with its due time.
type RetryEntry struct {
	FC  *pipeline.FileContext
	Due time.Time
}

func NewRetryQueue() *RetryQueue {
	return &RetryQueue{}
}

// Add queues fc until due. Entries with the same due time keep insertion order.
func (q *RetryQueue) Add(fc *pipeline.FileContext, due time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.items, retryItem{fc: fc, due: due, seq: q.seq})
}

// PopDue removes and returns the earliest entry that is due at now.
func (q *RetryQueue) PopDue(now time.Time) (RetryEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].due.After(now) {
		return RetryEntry{}, false
	}
	it := heap.Pop(&q.items).(retryItem)
	return RetryEntry{FC: it.fc, Due: it.due}, true
}

func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued entries in due order.
func (q *RetryQueue) Snapshot() []RetryEntry {
	q.mu.Lock()
	items := make(retryHeap, len(q.items))
	copy(items, q.items)
	q.mu.Unlock()

	out := make([]RetryEntry, 0, len(items))
	for len(items) > 0 {
		it := heap.Pop(&items).(retryItem)
		out = append(out, RetryEntry{FC: it.fc, Due: it.due})
	}
	return out
}

type retryItem struct {
	fc  *pipeline.FileContext
	due time.Time
	seq uint64
}

type retryHeap []retryItem

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *retryHeap) Push(x any) { *h = append(*h, x.(retryItem)) }

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = retryItem{}
	*h = old[:n-1]
	return it
}
