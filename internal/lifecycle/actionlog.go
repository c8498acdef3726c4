package lifecycle

import (
	"sync"
	"time"

	"github.com/markus-barta/routedeck/internal/routes"
)

const (
	actionLogMax  = 1000
	actionLogTrim = 100
)

// Entry is one line of the action log.
type Entry struct {
	At            time.Time     `json:"at"`
	RouteID       string        `json:"route_id"`
	DestinationID string        `json:"destination_id,omitempty"`
	Action        Action        `json:"action"`
	Outcome       Outcome       `json:"outcome"`
	Status        routes.Status `json:"status"`
	Level         Level         `json:"level"`
	Message       string        `json:"message"`
}

// ActionLog is the bounded in-memory history of lifecycle outcomes.
type ActionLog struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewActionLog creates an empty action log.
func NewActionLog() *ActionLog {
	return &ActionLog{entries: make([]Entry, 0, actionLogMax)}
}

// Add appends an entry. When full, the oldest 100 entries are dropped.
func (l *ActionLog) Add(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= actionLogMax {
		l.entries = l.entries[actionLogTrim:]
	}
	l.entries = append(l.entries, e)
}

// Recent returns the most recent entries, oldest first. A non-positive
// limit returns everything.
func (l *ActionLog) Recent(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	start := len(l.entries) - limit
	result := make([]Entry, limit)
	copy(result, l.entries[start:])
	return result
}

// Len returns the number of stored entries.
func (l *ActionLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
