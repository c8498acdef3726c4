// Package history keeps a bounded, arrival-ordered window of telemetry
// snapshots for one route subscription.
package history

import (
	"sync"
	"time"

	"github.com/markus-barta/routedeck/internal/protocol"
)

// DefaultCapacity is the number of snapshots retained per subscription.
const DefaultCapacity = 300

// labelLayout is the presentation timestamp used on chart axes.
const labelLayout = "15:04:05"

// Clock allows deterministic timestamps in tests.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Entry is a snapshot tagged with its presentation timestamp.
type Entry struct {
	At       time.Time         `json:"at"`
	Label    string            `json:"label"`
	Snapshot protocol.Snapshot `json:"snapshot"`
}

// Buffer is a fixed-capacity ring of entries. Appends evict the oldest
// entry once full. One writer, any number of readers.
type Buffer struct {
	mu    sync.RWMutex
	clock Clock
	ring  []Entry
	head  int // index of the oldest entry
	size  int
}

// New creates a buffer. A non-positive capacity falls back to DefaultCapacity.
func New(capacity int, clock Clock) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Buffer{
		clock: clock,
		ring:  make([]Entry, capacity),
	}
}

// Append stores a snapshot and returns the stored entry.
// The snapshot's ReceivedAt is kept if set, otherwise stamped from the clock.
func (b *Buffer) Append(s protocol.Snapshot) Entry {
	at := s.ReceivedAt
	if at.IsZero() {
		at = b.clock.Now()
		s.ReceivedAt = at
	}
	e := Entry{At: at, Label: at.Format(labelLayout), Snapshot: s}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < len(b.ring) {
		b.ring[(b.head+b.size)%len(b.ring)] = e
		b.size++
		return e
	}

	// Full: overwrite the oldest slot and advance head.
	b.ring[b.head] = e
	b.head = (b.head + 1) % len(b.ring)
	return e
}

// Snapshots returns the entries oldest first. The slice is a copy.
func (b *Buffer) Snapshots() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	return out
}

// Latest returns the most recent entry.
func (b *Buffer) Latest() (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return Entry{}, false
	}
	return b.ring[(b.head+b.size-1)%len(b.ring)], true
}

// Len returns the number of stored entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.ring)
}
