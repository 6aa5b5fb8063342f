// Package audiocache holds synthesized audio per request until a client polls
// for it.
package audiocache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// State is the lifecycle position of a request's audio.
type State int

const (
	// StateAbsent means no entry exists: never begun, evicted or expired.
	StateAbsent State = iota
	StatePending
	StateComplete
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateComplete:
		return "complete"
	default:
		return "absent"
	}
}

// Snapshot is a consistent view of one entry.
type Snapshot struct {
	Fragments []string
	State     State
}

// Complete reports whether nothing more will be appended. Absent entries
// count as complete so pollers never wait on a request that will not produce.
func (s Snapshot) Complete() bool {
	return s.State != StatePending
}

// Entry is the audio list of one request. Appends come from a single
// synthesis task; snapshots may be taken concurrently.
type Entry struct {
	mu         sync.Mutex
	fragments  []string
	state      State
	onComplete func()
}

// Append adds a fragment. It returns false once the entry is complete.
func (e *Entry) Append(fragment string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateComplete {
		return false
	}
	e.fragments = append(e.fragments, fragment)
	return true
}

// MarkComplete flips the entry to complete. It reports whether this call made
// the transition.
func (e *Entry) MarkComplete() bool {
	e.mu.Lock()
	if e.state == StateComplete {
		e.mu.Unlock()
		return false
	}
	e.state = StateComplete
	done := e.onComplete
	e.onComplete = nil
	e.mu.Unlock()

	if done != nil {
		done()
	}
	return true
}

func (e *Entry) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.fragments))
	copy(out, e.fragments)
	return Snapshot{Fragments: out, State: e.state}
}

// Len returns the number of fragments appended so far.
func (e *Entry) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.fragments)
}

type Options struct {
	MaxEntries int
	TTL        time.Duration
}

// Cache maps request ids to entries. Pending entries are held until they
// complete and are never evicted. Completed entries move into an LRU bounded
// by MaxEntries and expire TTL after completion.
type Cache struct {
	mu      sync.Mutex
	pending map[string]*Entry
	done    *expirable.LRU[string, *Entry]
	log     *slog.Logger
}

func New(opts Options, log *slog.Logger) *Cache {
	c := &Cache{
		pending: make(map[string]*Entry),
		log:     log.With(slog.String("component", "audio-cache")),
	}
	c.done = expirable.NewLRU[string, *Entry](opts.MaxEntries, c.onEvict, opts.TTL)
	return c
}

func (c *Cache) onEvict(id string, e *Entry) {
	c.log.Debug("audio entry evicted",
		slog.String("request_id", id),
		slog.Int("fragments", e.Len()))
}

// Begin returns the entry for id, creating a pending one if none exists.
func (c *Cache) Begin(id string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lookupLocked(id); ok {
		return e
	}
	e := &Entry{state: StatePending}
	e.onComplete = func() { c.retire(id, e) }
	c.pending[id] = e
	return e
}

// retire moves a completed entry from the pending set into the LRU. The entry
// is visible in one of the two at every point.
func (c *Cache) retire(id string, e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[id] != e {
		return
	}
	c.done.Add(id, e)
	delete(c.pending, id)
}

func (c *Cache) lookupLocked(id string) (*Entry, bool) {
	if e, ok := c.pending[id]; ok {
		return e, true
	}
	return c.done.Get(id)
}

func (c *Cache) lookup(id string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(id)
}

// Append adds a fragment to id's entry, creating it when needed.
func (c *Cache) Append(id, fragment string) bool {
	return c.Begin(id).Append(fragment)
}

// MarkComplete completes id's entry. Unknown ids are left absent.
func (c *Cache) MarkComplete(id string) {
	if e, ok := c.lookup(id); ok {
		e.MarkComplete()
	}
}

func (c *Cache) Snapshot(id string) Snapshot {
	e, ok := c.lookup(id)
	if !ok {
		return Snapshot{Fragments: []string{}, State: StateAbsent}
	}
	return e.Snapshot()
}

// Len returns the number of live entries, pending and completed.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) + c.done.Len()
}
