package audiocache

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newCache(max int, ttl time.Duration) *Cache {
	return New(Options{MaxEntries: max, TTL: ttl}, newLogger())
}

func TestSnapshotUnknownIsEmptyAndComplete(t *testing.T) {
	c := newCache(4, time.Minute)
	snap := c.Snapshot("missing")
	if snap.State != StateAbsent {
		t.Fatalf("expected absent, got %s", snap.State)
	}
	if !snap.Complete() {
		t.Fatal("expected absent entry to report complete")
	}
	if snap.Fragments == nil || len(snap.Fragments) != 0 {
		t.Fatalf("expected empty non-nil fragments, got %#v", snap.Fragments)
	}
}

func TestLifecycle(t *testing.T) {
	c := newCache(4, time.Minute)
	e := c.Begin("req-1")
	if snap := c.Snapshot("req-1"); snap.State != StatePending || snap.Complete() {
		t.Fatalf("expected pending entry, got %+v", snap)
	}
	e.Append("a")
	c.Append("req-1", "b")
	if !e.MarkComplete() {
		t.Fatal("expected first MarkComplete to transition")
	}
	if e.MarkComplete() {
		t.Fatal("expected second MarkComplete to be a no-op")
	}
	if e.Append("late") {
		t.Fatal("expected append after completion to be rejected")
	}
	snap := c.Snapshot("req-1")
	if snap.State != StateComplete || len(snap.Fragments) != 2 || snap.Fragments[0] != "a" || snap.Fragments[1] != "b" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestBeginReturnsExistingEntry(t *testing.T) {
	c := newCache(4, time.Minute)
	first := c.Begin("req")
	first.Append("x")
	if second := c.Begin("req"); second != first {
		t.Fatal("expected Begin to reuse the existing entry")
	}
}

func TestAppendCreatesEntryLazily(t *testing.T) {
	c := newCache(4, time.Minute)
	c.Append("lazy", "frag")
	snap := c.Snapshot("lazy")
	if snap.State != StatePending || len(snap.Fragments) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestMarkCompleteUnknownStaysAbsent(t *testing.T) {
	c := newCache(4, time.Minute)
	c.MarkComplete("ghost")
	if c.Len() != 0 {
		t.Fatalf("expected no entry to be created, len=%d", c.Len())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	c := newCache(4, time.Minute)
	e := c.Begin("req")
	e.Append("one")
	snap := c.Snapshot("req")
	snap.Fragments[0] = "mutated"
	if got := c.Snapshot("req").Fragments[0]; got != "one" {
		t.Fatalf("snapshot aliased entry storage: %q", got)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := newCache(2, time.Minute)
	c.Begin("a").MarkComplete()
	c.Begin("b").MarkComplete()
	c.Snapshot("a")
	c.Begin("c").MarkComplete()
	if c.Snapshot("b").State != StateAbsent {
		t.Fatal("expected least recently used entry to be evicted")
	}
	if c.Snapshot("a").State != StateComplete {
		t.Fatal("expected recently polled entry to survive")
	}
}

func TestPendingEntriesAreNotEvicted(t *testing.T) {
	c := newCache(1, time.Minute)
	a := c.Begin("a")
	a.Append("first")

	for _, id := range []string{"b", "c"} {
		e := c.Begin(id)
		e.Append("x")
		e.MarkComplete()
	}

	snap := c.Snapshot("a")
	if snap.State != StatePending || snap.Complete() || len(snap.Fragments) != 1 {
		t.Fatalf("in-flight entry lost to eviction: %+v", snap)
	}
	if c.Snapshot("b").State != StateAbsent {
		t.Fatal("expected older completed entry to be evicted")
	}

	a.Append("second")
	a.MarkComplete()
	if snap := c.Snapshot("a"); snap.State != StateComplete || len(snap.Fragments) != 2 {
		t.Fatalf("unexpected snapshot after completion %+v", snap)
	}
	if c.Len() != 1 {
		t.Fatalf("expected one retained entry, got %d", c.Len())
	}
}

func TestExpiresAfterTTL(t *testing.T) {
	c := newCache(4, 20*time.Millisecond)
	c.Begin("short").MarkComplete()
	time.Sleep(60 * time.Millisecond)
	if snap := c.Snapshot("short"); snap.State != StateAbsent || !snap.Complete() {
		t.Fatalf("expected expired entry to read as absent, got %+v", snap)
	}
}

func TestPendingEntriesOutliveTTL(t *testing.T) {
	c := newCache(4, 20*time.Millisecond)
	e := c.Begin("slow")
	time.Sleep(60 * time.Millisecond)
	if snap := c.Snapshot("slow"); snap.State != StatePending {
		t.Fatalf("expected pending entry to survive past ttl, got %+v", snap)
	}
	e.MarkComplete()
	if snap := c.Snapshot("slow"); snap.State != StateComplete {
		t.Fatalf("expected ttl to start at completion, got %+v", snap)
	}
}

func TestConcurrentPollsAreMonotonic(t *testing.T) {
	c := newCache(4, time.Minute)
	e := c.Begin("req")
	const total = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			e.Append(fmt.Sprintf("f%d", i))
		}
		e.MarkComplete()
	}()

	var last []string
	for {
		snap := c.Snapshot("req")
		if len(snap.Fragments) < len(last) {
			t.Fatalf("fragment list shrank from %d to %d", len(last), len(snap.Fragments))
		}
		for i := range last {
			if snap.Fragments[i] != last[i] {
				t.Fatalf("fragment %d reordered: %q != %q", i, snap.Fragments[i], last[i])
			}
		}
		last = snap.Fragments
		if snap.Complete() {
			if len(snap.Fragments) != total {
				t.Fatalf("complete snapshot with %d fragments, want %d", len(snap.Fragments), total)
			}
			break
		}
	}
	wg.Wait()
}
