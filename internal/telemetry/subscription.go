package telemetry

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/markus-barta/routedeck/internal/history"
	"github.com/markus-barta/routedeck/internal/protocol"
)

// Subscription is one live stats feed for one route. Close must not be
// called from inside the handler.
type Subscription struct {
	routeID string
	topic   string
	conn    *websocket.Conn
	handler Handler
	clock   history.Clock
	log     zerolog.Logger

	heartbeat time.Duration
	readWait  time.Duration

	writeMu sync.Mutex
	ref     atomic.Uint64

	queue  chan protocol.Snapshot
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newSubscription(parent context.Context, conn *websocket.Conn, routeID, topic string, h Handler, cfg Config, log zerolog.Logger) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	s := &Subscription{
		routeID:   routeID,
		topic:     topic,
		conn:      conn,
		handler:   h,
		clock:     cfg.Clock,
		log:       log.With().Str("route", routeID).Logger(),
		heartbeat: cfg.HeartbeatInterval,
		readWait:  2 * cfg.HeartbeatInterval,
		queue:     make(chan protocol.Snapshot, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.ref.Store(1) // the join used ref 1

	_ = conn.SetReadDeadline(time.Now().Add(s.readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readWait))
	})

	activeSubscriptions.Inc()
	s.wg.Add(4)
	go s.readLoop()
	go s.dispatchLoop()
	go s.heartbeatLoop()
	go s.watchContext()
	return s
}

// RouteID returns the subscribed route.
func (s *Subscription) RouteID() string {
	return s.routeID
}

// Done is closed when the connection ends, for whatever reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops delivery, leaves the channel, closes the connection and waits
// for all goroutines. Calling it more than once is a no-op.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		select {
		case <-s.done:
		default:
			if err := s.send(protocol.EventLeave, s.topic); err != nil {
				s.log.Debug().Err(err).Msg("leave failed")
			}
			s.writeMu.Lock()
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave"),
				time.Now().Add(closeGracePeriod),
			)
			s.writeMu.Unlock()
		}

		s.cancel()
		s.wg.Wait()
		activeSubscriptions.Dec()
		s.log.Info().Msg("unsubscribed from live updates")
	})
	return nil
}

// readLoop decodes inbound frames and queues stats snapshots.
func (s *Subscription) readLoop() {
	defer s.wg.Done()
	defer close(s.done)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("live update connection lost")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readWait))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			malformedFrames.Inc()
			s.log.Debug().Err(err).Msg("failed to parse frame")
			continue
		}

		switch {
		case msg.Topic == s.topic && msg.Event == protocol.EventStats:
			s.enqueue(msg.Payload)
		case msg.Topic == s.topic && (msg.Event == protocol.EventClose || msg.Event == protocol.EventError):
			s.log.Warn().Str("event", msg.Event).Msg("channel closed by server")
			return
		default:
			s.log.Debug().Str("topic", msg.Topic).Str("event", msg.Event).Msg("ignored frame")
		}
	}
}

func (s *Subscription) enqueue(payload json.RawMessage) {
	var snap protocol.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		malformedFrames.Inc()
		s.log.Debug().Err(err).Msg("failed to parse snapshot")
		return
	}
	snap.ReceivedAt = s.clock.Now()

	select {
	case s.queue <- snap:
		snapshotsReceived.Inc()
	default:
		snapshotsDropped.Inc()
		s.log.Warn().Msg("snapshot queue full, dropping snapshot")
	}
}

// dispatchLoop hands snapshots to the handler one at a time. Cancellation is
// checked before every call so nothing is delivered after Close.
func (s *Subscription) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case snap := <-s.queue:
			if s.ctx.Err() != nil {
				return
			}
			s.handler(snap)
		}
	}
}

// heartbeatLoop keeps the Phoenix socket alive.
func (s *Subscription) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.send(protocol.EventHeartbeat, protocol.TopicPhoenix); err != nil {
				s.log.Debug().Err(err).Msg("heartbeat failed")
				return
			}
		}
	}
}

// watchContext is the only place the connection is closed: on cancellation
// (which unblocks the read loop) or after the read loop ended.
func (s *Subscription) watchContext() {
	defer s.wg.Done()
	select {
	case <-s.ctx.Done():
	case <-s.done:
	}
	_ = s.conn.Close()
}

func (s *Subscription) send(event, topic string) error {
	msg, err := protocol.NewMessage(topic, event, nil)
	if err != nil {
		return err
	}
	msg.Ref = strconv.FormatUint(s.ref.Add(1), 10)
	if topic == s.topic {
		msg.JoinRef = joinRef
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
