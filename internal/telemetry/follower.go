package telemetry

import (
	"context"
	"sync"
)

// Subscriber opens subscriptions. *Client implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, routeID string, h Handler) (*Subscription, error)
}

// Follower holds at most one subscription and swaps it when the followed
// route changes.
type Follower struct {
	client Subscriber

	mu      sync.Mutex
	current *Subscription
}

// NewFollower creates a follower backed by client.
func NewFollower(client Subscriber) *Follower {
	return &Follower{client: client}
}

// Follow fully closes the previous subscription, then subscribes to routeID.
// On failure nothing is followed.
func (f *Follower) Follow(ctx context.Context, routeID string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current != nil {
		_ = f.current.Close()
		f.current = nil
	}

	sub, err := f.client.Subscribe(ctx, routeID, h)
	if err != nil {
		return err
	}
	f.current = sub
	return nil
}

// Current returns the active subscription, or nil.
func (f *Follower) Current() *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Live reports whether a subscription is open and its connection is still up.
func (f *Follower) Live() bool {
	sub := f.Current()
	if sub == nil {
		return false
	}
	select {
	case <-sub.Done():
		return false
	default:
		return true
	}
}

// Stop closes the active subscription, if any.
func (f *Follower) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		_ = f.current.Close()
		f.current = nil
	}
}

var _ Subscriber = (*Client)(nil)
