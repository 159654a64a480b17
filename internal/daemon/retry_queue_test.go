package daemon

import (
	"testing"
	"time"

	"github.com/msageha/dirpoller/internal/pipeline"
)

func TestRetryQueue_PopDueOrder(t *testing.T) {
	q := NewRetryQueue()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	a := &pipeline.FileContext{FileID: "a"}
	b := &pipeline.FileContext{FileID: "b"}
	c := &pipeline.FileContext{FileID: "c"}
	d := &pipeline.FileContext{FileID: "d"}
	q.Add(a, base.Add(30*time.Second))
	q.Add(b, base.Add(10*time.Second))
	q.Add(c, base.Add(10*time.Second))
	q.Add(d, base.Add(time.Hour))

	if q.Len() != 4 {
		t.Fatalf("Len = %d, want 4", q.Len())
	}
	if _, ok := q.PopDue(base); ok {
		t.Fatal("nothing should be due yet")
	}

	var got []string
	for {
		e, ok := q.PopDue(base.Add(time.Minute))
		if !ok {
			break
		}
		got = append(got, e.FC.FileID)
	}
	want := []string{"b", "c", "a"}
	if len(got) != len(want) {
		t.Fatalf("popped %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pop %d = %s, want %s", i, got[i], want[i])
		}
	}
	if q.Len() != 1 {
		t.Errorf("Len after drain = %d, want 1", q.Len())
	}
}

func TestRetryQueue_DueIsInclusive(t *testing.T) {
	q := NewRetryQueue()
	due := time.Date(2026, 3, 1, 9, 0, 10, 0, time.UTC)
	q.Add(&pipeline.FileContext{FileID: "a"}, due)

	e, ok := q.PopDue(due)
	if !ok {
		t.Fatal("entry due exactly now should pop")
	}
	if !e.Due.Equal(due) {
		t.Errorf("Due = %s, want %s", e.Due, due)
	}
}

func TestRetryQueue_SnapshotKeepsEntries(t *testing.T) {
	q := NewRetryQueue()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	q.Add(&pipeline.FileContext{FileID: "late"}, base.Add(time.Minute))
	q.Add(&pipeline.FileContext{FileID: "early"}, base)

	snap := q.Snapshot()
	if len(snap) != 2 || snap[0].FC.FileID != "early" || snap[1].FC.FileID != "late" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if q.Len() != 2 {
		t.Errorf("Snapshot must not drain the queue, Len = %d", q.Len())
	}
}
