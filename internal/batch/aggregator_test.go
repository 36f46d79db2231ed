package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hidarameen/Hodhod/internal/transport"
	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

type flushRecorder struct {
	mu      sync.Mutex
	flushes map[string][][]transport.Item
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{flushes: map[string][][]transport.Item{}}
}

func (r *flushRecorder) flush(ctx context.Context, key string, items []transport.Item) {
	r.mu.Lock()
	r.flushes[key] = append(r.flushes[key], items)
	r.mu.Unlock()
}

func (r *flushRecorder) get(key string) [][]transport.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes[key]
}

func item(key string, id int) transport.Item {
	return transport.Item{MessageID: id, SourceChatID: 100, GroupKey: key}
}

func TestFlushDelayFromFirstArrival(t *testing.T) {
	t.Parallel()
	rec := newFlushRecorder()
	a := New(Config{FlushDelay: 100 * time.Millisecond}, rec.flush, logx.Nop(), nil)
	defer a.Stop(context.Background())

	a.Add(item("g1", 1))
	time.Sleep(20 * time.Millisecond)
	a.Add(item("g1", 2))
	time.Sleep(60 * time.Millisecond)
	a.Add(item("g1", 3))

	// All three fall inside the window measured from the first item.
	time.Sleep(100 * time.Millisecond)

	flushes := rec.get("g1")
	if len(flushes) != 1 {
		t.Fatalf("flush count = %d, want 1", len(flushes))
	}
	got := flushes[0]
	if len(got) != 3 {
		t.Fatalf("flushed %d items, want 3", len(got))
	}
	for i, it := range got {
		if it.MessageID != i+1 {
			t.Fatalf("item %d has id %d, want %d (arrival order)", i, it.MessageID, i+1)
		}
	}
}

func TestLateItemOpensNewGroup(t *testing.T) {
	t.Parallel()
	rec := newFlushRecorder()
	a := New(Config{FlushDelay: 50 * time.Millisecond}, rec.flush, logx.Nop(), nil)
	defer a.Stop(context.Background())

	a.Add(item("g1", 1))
	time.Sleep(100 * time.Millisecond)
	a.Add(item("g1", 2)) // straggler past the flush
	time.Sleep(100 * time.Millisecond)

	flushes := rec.get("g1")
	if len(flushes) != 2 {
		t.Fatalf("flush count = %d, want 2", len(flushes))
	}
	if len(flushes[0]) != 1 || len(flushes[1]) != 1 {
		t.Fatalf("flush sizes = %d and %d, want 1 and 1", len(flushes[0]), len(flushes[1]))
	}
}

func TestGroupsFlushIndependently(t *testing.T) {
	t.Parallel()
	rec := newFlushRecorder()
	a := New(Config{FlushDelay: 60 * time.Millisecond}, rec.flush, logx.Nop(), nil)
	defer a.Stop(context.Background())

	a.Add(item("g1", 1))
	a.Add(item("g2", 2))
	a.Add(item("g1", 3))

	if got := a.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}
	time.Sleep(150 * time.Millisecond)

	if n := len(rec.get("g1")); n != 1 {
		t.Fatalf("g1 flushes = %d, want 1", n)
	}
	if n := len(rec.get("g2")); n != 1 {
		t.Fatalf("g2 flushes = %d, want 1", n)
	}
	if got := a.Pending(); got != 0 {
		t.Fatalf("Pending after flush = %d, want 0", got)
	}
}

func TestUngroupedItemIgnored(t *testing.T) {
	t.Parallel()
	rec := newFlushRecorder()
	a := New(Config{FlushDelay: 30 * time.Millisecond}, rec.flush, logx.Nop(), nil)
	defer a.Stop(context.Background())

	a.Add(transport.Item{MessageID: 1, SourceChatID: 100})
	if got := a.Pending(); got != 0 {
		t.Fatalf("Pending = %d, want 0", got)
	}
}

func TestStopWaitsForInFlightFlush(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	flush := func(ctx context.Context, key string, items []transport.Item) {
		close(started)
		<-release
	}
	a := New(Config{FlushDelay: 10 * time.Millisecond}, flush, logx.Nop(), nil)

	a.Add(item("g1", 1))
	<-started

	stopped := make(chan struct{})
	go func() {
		a.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while the flush handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the flush handler finished")
	}
}

func TestStopCancelsPendingGroups(t *testing.T) {
	t.Parallel()
	rec := newFlushRecorder()
	a := New(Config{FlushDelay: time.Hour}, rec.flush, logx.Nop(), nil)

	a.Add(item("g1", 1))
	a.Stop(context.Background())

	if n := len(rec.get("g1")); n != 0 {
		t.Fatalf("flushes after Stop = %d, want 0", n)
	}
	if got := a.Pending(); got != 0 {
		t.Fatalf("Pending after Stop = %d, want 0", got)
	}
}
