package lifecycle

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level represents the severity of a notification or action log entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Icon returns the icon for a level.
func (l Level) Icon() string {
	switch l {
	case LevelInfo:
		return "ℹ"
	case LevelSuccess:
		return "✓"
	case LevelWarning:
		return "⚠"
	case LevelError:
		return "✗"
	default:
		return "?"
	}
}

// Notification is a user-visible message produced by a lifecycle or
// subscription outcome.
type Notification struct {
	ID      string    `json:"id"`
	Level   Level     `json:"level"`
	RouteID string    `json:"route_id,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// NewNotification stamps a notification with a fresh id and the current time.
func NewNotification(level Level, routeID, message string) Notification {
	return Notification{
		ID:      uuid.NewString(),
		Level:   level,
		RouteID: routeID,
		Message: message,
		At:      time.Now(),
	}
}

// Notifier receives notifications for the presentation layer.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }

// Navigator receives navigation side effects (e.g. "/routes" after a delete)
// and breadcrumb updates.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(string)

// Navigate calls f(path).
func (f NavigatorFunc) Navigate(path string) { f(path) }

// Inbox is a bounded in-memory Notifier, newest last.
type Inbox struct {
	mu    sync.RWMutex
	items []Notification
	max   int
}

// NewInbox creates an inbox that keeps at most max notifications.
func NewInbox(max int) *Inbox {
	if max <= 0 {
		max = 100
	}
	return &Inbox{items: make([]Notification, 0, max), max: max}
}

// Notify appends n, dropping the oldest entry when full.
func (in *Inbox) Notify(n Notification) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.items) >= in.max {
		in.items = in.items[1:]
	}
	in.items = append(in.items, n)
}

// List returns a copy of the stored notifications.
func (in *Inbox) List() []Notification {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return append([]Notification(nil), in.items...)
}

var (
	_ Notifier = NotifierFunc(nil)
	_ Notifier = (*Inbox)(nil)
)
