// Package lifecycle owns the local route cache and reconciles start/stop/delete
// intents with what the backend reports.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/routedeck/internal/routes"
)

// ErrUnknownRoute is returned when a route has not been loaded.
var ErrUnknownRoute = errors.New("route not loaded")

// Action names a lifecycle operation.
type Action string

const (
	ActionLoad              Action = "load"
	ActionStart             Action = "start"
	ActionStop              Action = "stop"
	ActionRestart           Action = "restart"
	ActionDelete            Action = "delete"
	ActionDeleteDestination Action = "delete-destination"
)

// Outcome classifies how a remote call ended.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeAlreadyStarted Outcome = "already_started"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeInvalid        Outcome = "invalid"
	OutcomeFailed         Outcome = "failed"
)

// Result is the classified outcome of one lifecycle operation.
type Result struct {
	Action        Action        `json:"action"`
	RouteID       string        `json:"route_id"`
	DestinationID string        `json:"destination_id,omitempty"`
	Outcome       Outcome       `json:"outcome"`
	Status        routes.Status `json:"status"` // local status after the operation
	Notification  Notification  `json:"notification"`
	Err           error         `json:"-"`

	// Steps holds the stop and start results of a restart.
	Steps []Result `json:"steps,omitempty"`
}

// OK reports whether the remote call succeeded.
func (r Result) OK() bool { return r.Outcome == OutcomeOK }

// Reconciled reports whether a failure was resolved by correcting local state.
func (r Result) Reconciled() bool {
	return r.Outcome == OutcomeAlreadyStarted || r.Outcome == OutcomeNotFound
}

// Recorder persists action log entries. Errors are logged, never surfaced.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Controller is the single owner of the route cache. Status changes go
// through transition; views only ever receive copies.
type Controller struct {
	api       routes.API
	notifier  Notifier
	navigator Navigator
	recorder  Recorder
	log       zerolog.Logger

	mu     sync.RWMutex
	routes map[string]*routes.Route

	actions *ActionLog
}

// NewController creates a controller. notifier and navigator may be nil.
func NewController(log zerolog.Logger, api routes.API, notifier Notifier, navigator Navigator) *Controller {
	if notifier == nil {
		notifier = NotifierFunc(func(Notification) {})
	}
	if navigator == nil {
		navigator = NavigatorFunc(func(string) {})
	}
	return &Controller{
		api:       api,
		notifier:  notifier,
		navigator: navigator,
		log:       log.With().Str("component", "lifecycle").Logger(),
		routes:    make(map[string]*routes.Route),
		actions:   NewActionLog(),
	}
}

// SetRecorder attaches a durable recorder for action log entries.
func (c *Controller) SetRecorder(r Recorder) {
	c.recorder = r
}

// Actions returns the in-memory action log.
func (c *Controller) Actions() *ActionLog {
	return c.actions
}

// Route returns a copy of the cached route.
func (c *Controller) Route(id string) (routes.Route, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[id]
	if !ok {
		return routes.Route{}, fmt.Errorf("%w: %s", ErrUnknownRoute, id)
	}
	return r.Clone(), nil
}

// Status returns the cached status, unknown for routes not loaded.
func (c *Controller) Status(id string) routes.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.routes[id]; ok {
		return r.Status
	}
	return routes.StatusUnknown
}

// Load fetches a route and replaces the cached copy. On failure the cache is
// left untouched.
func (c *Controller) Load(ctx context.Context, id string) Result {
	route, err := c.api.GetRoute(ctx, id)
	if err != nil {
		return c.finish(ctx, Result{
			Action:       ActionLoad,
			RouteID:      id,
			Outcome:      OutcomeFailed,
			Status:       c.Status(id),
			Err:          err,
			Notification: NewNotification(LevelError, id, "Failed to fetch route data: "+errorMessage(err)),
		}, false)
	}

	cached := route.Clone()
	c.mu.Lock()
	c.routes[id] = &cached
	c.mu.Unlock()

	return c.finish(ctx, Result{
		Action:  ActionLoad,
		RouteID: id,
		Outcome: OutcomeOK,
		Status:  route.Status,
	}, false)
}

// Start issues the start intent.
func (c *Controller) Start(ctx context.Context, id string) Result {
	status, err := c.api.StartRoute(ctx, id)
	return c.settle(ctx, ActionStart, id, status, err)
}

// Stop issues the stop intent.
func (c *Controller) Stop(ctx context.Context, id string) Result {
	status, err := c.api.StopRoute(ctx, id)
	return c.settle(ctx, ActionStop, id, status, err)
}

// Toggle stops a started route and starts anything else.
func (c *Controller) Toggle(ctx context.Context, id string) Result {
	if c.Status(id) == routes.StatusStarted {
		return c.Stop(ctx, id)
	}
	return c.Start(ctx, id)
}

// Restart stops then starts a route. It is not atomic: a failed stop aborts
// the restart unless it reconciled the route to stopped.
func (c *Controller) Restart(ctx context.Context, id string) Result {
	stop := c.Stop(ctx, id)
	result := Result{Action: ActionRestart, RouteID: id, Steps: []Result{stop}}

	if !stop.OK() && stop.Outcome != OutcomeNotFound {
		result.Outcome = stop.Outcome
		result.Status = stop.Status
		result.Err = stop.Err
		result.Notification = stop.Notification
		return result
	}

	start := c.Start(ctx, id)
	result.Steps = append(result.Steps, start)
	result.Outcome = start.Outcome
	result.Status = start.Status
	result.Err = start.Err
	result.Notification = start.Notification
	return result
}

// Delete removes a route. On success the route leaves the working set and
// the navigator is sent to the route list.
func (c *Controller) Delete(ctx context.Context, id string) Result {
	if err := c.api.DeleteRoute(ctx, id); err != nil {
		return c.finish(ctx, Result{
			Action:       ActionDelete,
			RouteID:      id,
			Outcome:      OutcomeFailed,
			Status:       c.Status(id),
			Err:          err,
			Notification: NewNotification(LevelError, id, "Failed to delete route: "+errorMessage(err)),
		}, true)
	}

	c.mu.Lock()
	delete(c.routes, id)
	c.mu.Unlock()

	result := c.finish(ctx, Result{
		Action:       ActionDelete,
		RouteID:      id,
		Outcome:      OutcomeOK,
		Status:       routes.StatusUnknown,
		Notification: NewNotification(LevelSuccess, id, "Route deleted successfully"),
	}, true)
	c.navigator.Navigate("/routes")
	return result
}

// DeleteDestination removes one destination and refetches the whole route.
func (c *Controller) DeleteDestination(ctx context.Context, routeID, destID string) Result {
	if err := c.api.DeleteDestination(ctx, routeID, destID); err != nil {
		return c.finish(ctx, Result{
			Action:        ActionDeleteDestination,
			RouteID:       routeID,
			DestinationID: destID,
			Outcome:       OutcomeFailed,
			Status:        c.Status(routeID),
			Err:           err,
			Notification:  NewNotification(LevelError, routeID, "Failed to delete destination: "+errorMessage(err)),
		}, true)
	}

	result := c.finish(ctx, Result{
		Action:        ActionDeleteDestination,
		RouteID:       routeID,
		DestinationID: destID,
		Outcome:       OutcomeOK,
		Notification:  NewNotification(LevelSuccess, routeID, "Destination deleted successfully"),
	}, true)

	reload := c.Load(ctx, routeID)
	result.Status = reload.Status
	return result
}

// settle classifies a start/stop answer, applies the resulting status
// through transition and emits the notification.
func (c *Controller) settle(ctx context.Context, action Action, id string, status *routes.Status, err error) Result {
	result := Result{Action: action, RouteID: id}

	if err == nil {
		target := routes.StatusStarted
		msg := "Route started successfully"
		if action == ActionStop {
			target = routes.StatusStopped
			msg = "Route stopped successfully"
		}
		if status != nil {
			target = *status
		}
		result.Outcome = OutcomeOK
		result.Status = c.transition(id, target)
		result.Notification = NewNotification(LevelSuccess, id, msg)
		return c.finish(ctx, result, true)
	}

	result.Err = err
	result.Outcome = classify(err)

	switch result.Outcome {
	case OutcomeAlreadyStarted:
		result.Status = c.transition(id, routes.StatusStarted)
		result.Notification = NewNotification(LevelInfo, id, "Route is already started")
	case OutcomeNotFound:
		result.Status = c.transition(id, routes.StatusStopped)
		result.Notification = NewNotification(LevelInfo, id, "Route process not found. It may have already been stopped.")
	case OutcomeInvalid:
		result.Status = c.Status(id)
		result.Notification = NewNotification(LevelError, id, "Invalid request. The server could not process the request.")
	default:
		result.Status = c.Status(id)
		result.Notification = NewNotification(LevelError, id,
			fmt.Sprintf("Failed to %s route: %s", action, errorMessage(err)))
	}
	return c.finish(ctx, result, true)
}

// transition is the only place a cached route's status changes. Routes not
// in the cache are left alone; the target status is still returned.
func (c *Controller) transition(id string, to routes.Status) routes.Status {
	if to != routes.StatusStarted && to != routes.StatusStopped {
		to = routes.StatusUnknown
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.routes[id]; ok {
		if r.Status != to {
			c.log.Debug().Str("route", id).Str("from", string(r.Status)).Str("to", string(to)).Msg("status transition")
		}
		r.Status = to
	}
	return to
}

// finish notifies, logs, records and counts a result. Silent successful
// loads produce no notification.
func (c *Controller) finish(ctx context.Context, result Result, notifyOK bool) Result {
	if result.Notification.Message != "" && (notifyOK || !result.OK()) {
		c.notifier.Notify(result.Notification)
	}

	entry := Entry{
		At:            time.Now(),
		RouteID:       result.RouteID,
		DestinationID: result.DestinationID,
		Action:        result.Action,
		Outcome:       result.Outcome,
		Status:        result.Status,
		Level:         result.Notification.Level,
		Message:       result.Notification.Message,
	}
	if entry.Level == "" {
		entry.Level = LevelInfo
	}
	c.actions.Add(entry)

	event := c.log.Info()
	switch entry.Level {
	case LevelError:
		event = c.log.Error().Err(result.Err)
	case LevelWarning:
		event = c.log.Warn()
	}
	event.Str("route", result.RouteID).
		Str("action", string(result.Action)).
		Str("outcome", string(result.Outcome)).
		Str("status", string(result.Status)).
		Msg(entry.Message)

	actionsTotal.WithLabelValues(string(result.Action), string(result.Outcome)).Inc()

	if c.recorder != nil {
		if err := c.recorder.Record(ctx, entry); err != nil {
			c.log.Warn().Err(err).Str("route", result.RouteID).Msg("failed to record action")
		}
	}
	return result
}

// classify maps a failed remote call onto an outcome. Reason strings are
// matched by substring since backends embed them in longer messages.
func classify(err error) Outcome {
	text := err.Error()
	apiErr, isAPI := routes.AsAPIError(err)
	if isAPI {
		text = apiErr.Reason + " " + apiErr.Body
	}

	switch {
	case strings.Contains(text, "already_started"):
		return OutcomeAlreadyStarted
	case strings.Contains(text, "not_found"):
		return OutcomeNotFound
	case isAPI && apiErr.StatusCode == http.StatusUnprocessableEntity:
		return OutcomeInvalid
	default:
		return OutcomeFailed
	}
}

// errorMessage renders the human part of an error for notifications.
func errorMessage(err error) string {
	if apiErr, ok := routes.AsAPIError(err); ok {
		if apiErr.Reason != "" {
			return apiErr.Reason
		}
		if apiErr.Body != "" {
			return apiErr.Body
		}
		return http.StatusText(apiErr.StatusCode)
	}
	return err.Error()
}
