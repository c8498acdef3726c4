// Package view keeps the per-route page state (tab, filter, expanded rows,
// live history) and derives a fresh render model on every request.
package view

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/markus-barta/routedeck/internal/history"
	"github.com/markus-barta/routedeck/internal/lifecycle"
	"github.com/markus-barta/routedeck/internal/metrics"
	"github.com/markus-barta/routedeck/internal/protocol"
	"github.com/markus-barta/routedeck/internal/routes"
	"github.com/markus-barta/routedeck/internal/telemetry"
)

// Feed follows one route's live stats at a time. *telemetry.Follower
// implements it.
type Feed interface {
	Follow(ctx context.Context, routeID string, h telemetry.Handler) error
	Stop()
	// Live is false once the followed connection has ended.
	Live() bool
}

// RouteSource is the read side of the lifecycle controller.
type RouteSource interface {
	Load(ctx context.Context, id string) lifecycle.Result
	Route(id string) (routes.Route, error)
}

// BreadcrumbSink receives the navigation trail whenever it changes. A
// Navigator may implement it.
type BreadcrumbSink interface {
	SetBreadcrumbs(crumbs []Breadcrumb)
}

// Options configures a Session.
type Options struct {
	Routes    RouteSource
	Feed      Feed
	Notifier  lifecycle.Notifier
	Navigator lifecycle.Navigator
	Clock     history.Clock
	Capacity  int                  // history size (default 300)
	OnUpdate  func(routeID string) // called after every appended snapshot
}

// Session is the view state of the route page.
type Session struct {
	routes    RouteSource
	feed      Feed
	notifier  lifecycle.Notifier
	navigator lifecycle.Navigator
	clock     history.Clock
	capacity  int
	onUpdate  func(string)
	log       zerolog.Logger

	openMu sync.Mutex // serialises Open/Close

	mu         sync.RWMutex
	routeID    string
	tab        Tab
	filter     string
	expanded   map[string]bool
	buffer     *history.Buffer
	loading    bool
	subscribed bool
}

// NewSession creates an idle session on the Overview tab.
func NewSession(opts Options, log zerolog.Logger) *Session {
	if opts.Notifier == nil {
		opts.Notifier = lifecycle.NotifierFunc(func(lifecycle.Notification) {})
	}
	if opts.Navigator == nil {
		opts.Navigator = lifecycle.NavigatorFunc(func(string) {})
	}
	if opts.OnUpdate == nil {
		opts.OnUpdate = func(string) {}
	}
	return &Session{
		routes:    opts.Routes,
		feed:      opts.Feed,
		notifier:  opts.Notifier,
		navigator: opts.Navigator,
		clock:     opts.Clock,
		capacity:  opts.Capacity,
		onUpdate:  opts.OnUpdate,
		log:       log.With().Str("component", "view").Logger(),
		tab:       TabOverview,
		expanded:  make(map[string]bool),
	}
}

// Open switches the session to routeID: the previous feed is closed and its
// history discarded, the route is (re)loaded and a fresh feed is followed.
// Load and subscription failures are notified and returned joined.
func (s *Session) Open(ctx context.Context, routeID string) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.feed.Stop()

	buf := history.New(s.capacity, s.clock)
	s.mu.Lock()
	s.routeID = routeID
	s.buffer = buf
	s.expanded = make(map[string]bool)
	s.loading = true
	s.subscribed = false
	s.mu.Unlock()

	s.navigator.Navigate("/routes/" + routeID)
	s.publishBreadcrumbs(routeID, nil)

	var errs []error

	load := s.routes.Load(ctx, routeID)
	s.mu.Lock()
	s.loading = false
	s.mu.Unlock()
	if load.OK() {
		if r, err := s.routes.Route(routeID); err == nil {
			s.publishBreadcrumbs(routeID, &r)
		}
	} else {
		errs = append(errs, load.Err)
	}

	// The handler captures buf so a late snapshot from an old feed can
	// never land in the new route's history.
	err := s.feed.Follow(ctx, routeID, func(snap protocol.Snapshot) {
		buf.Append(snap)
		s.onUpdate(routeID)
	})
	if err != nil {
		s.notifier.Notify(lifecycle.NewNotification(lifecycle.LevelError, routeID, "Failed to connect to live updates"))
		s.log.Warn().Err(err).Str("route", routeID).Msg("live updates unavailable")
		errs = append(errs, err)
	} else {
		s.mu.Lock()
		s.subscribed = true
		s.mu.Unlock()
	}

	return errors.Join(errs...)
}

// Close stops the live feed. The history stays readable until the next Open.
func (s *Session) Close() {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.feed.Stop()
	s.mu.Lock()
	s.subscribed = false
	s.mu.Unlock()
}

// RouteID returns the open route, empty when idle.
func (s *Session) RouteID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routeID
}

// SetTab switches the active tab.
func (s *Session) SetTab(tab Tab) error {
	if _, err := ParseTab(string(tab)); err != nil {
		return err
	}
	s.mu.Lock()
	s.tab = tab
	s.mu.Unlock()
	return nil
}

// SetFilter replaces the destination filter text.
func (s *Session) SetFilter(text string) {
	s.mu.Lock()
	s.filter = text
	s.mu.Unlock()
}

// ToggleExpanded flips a destination row's expansion and returns the new
// state.
func (s *Session) ToggleExpanded(destID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expanded[destID] = !s.expanded[destID]
	return s.expanded[destID]
}

// Render derives the current model. Nothing is cached between calls.
func (s *Session) Render() Model {
	s.mu.RLock()
	routeID := s.routeID
	tab := s.tab
	filter := s.filter
	loading := s.loading
	subscribed := s.subscribed
	buf := s.buffer
	expanded := make(map[string]bool, len(s.expanded))
	for k, v := range s.expanded {
		expanded[k] = v
	}
	s.mu.RUnlock()

	if subscribed && !s.feed.Live() {
		subscribed = false
	}

	m := Model{
		RouteID:     routeID,
		Loading:     loading,
		Status:      routes.StatusUnknown,
		StatusLabel: routes.StatusUnknown.Label(),
		Subscribed:  subscribed,
		Tab:         tab,
		Filter:      filter,
		Rows:        []Row{},
	}

	var route *routes.Route
	if routeID != "" {
		if r, err := s.routes.Route(routeID); err == nil {
			route = &r
			m.Route = route
			m.Status = r.Status
			m.StatusLabel = r.Status.Label()
		}
	}
	m.Breadcrumbs = Breadcrumbs(routeID, route)

	var entries []history.Entry
	if buf != nil {
		entries = buf.Snapshots()
		m.BufferSize = len(entries)
	}

	var latest *protocol.Snapshot
	if n := len(entries); n > 0 {
		last := entries[n-1]
		m.Latest = &last
		latest = &last.Snapshot
		m.Callers = latest.Callers
	}

	m.KPIs = metrics.Overview(latest)
	m.SourceQoS = metrics.SourceQuality(latest)
	m.BytesIn = metrics.FormatBytesValue(bytesInTotal(latest))

	if route != nil {
		m.Rows = buildRows(route.Destinations, filter, expanded, latest)
		if tab == TabStatistics {
			m.History = buildHistory(entries, route.Destinations)
		}
	}
	return m
}

func (s *Session) publishBreadcrumbs(routeID string, route *routes.Route) {
	if sink, ok := s.navigator.(BreadcrumbSink); ok {
		sink.SetBreadcrumbs(Breadcrumbs(routeID, route))
	}
}

func bytesInTotal(s *protocol.Snapshot) metrics.Value {
	if s == nil {
		return metrics.Unavailable
	}
	return metrics.FromPtr(s.Source.BytesInTotal)
}
