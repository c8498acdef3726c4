// Package telemetry subscribes to a route's live statistics over the
// backend's Phoenix channel socket.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/markus-barta/routedeck/internal/auth"
	"github.com/markus-barta/routedeck/internal/history"
	"github.com/markus-barta/routedeck/internal/protocol"
)

// ErrConnect wraps every subscription establishment failure.
var ErrConnect = errors.New("failed to connect to live updates")

// Handler receives snapshots, one at a time, in arrival order.
type Handler func(protocol.Snapshot)

// Connection parameters
const (
	defaultHeartbeat = 30 * time.Second
	defaultJoinWait  = 10 * time.Second
	defaultQueueSize = 100
	writeWait        = 10 * time.Second
	closeGracePeriod = 5 * time.Second
	serializerVsn    = "2.0.0"
	joinRef          = "1"
)

// Config holds the live-update socket settings.
type Config struct {
	SocketURL         string             // e.g. ws://127.0.0.1:4000/socket/websocket
	Tokens            auth.TokenProvider // credential for the handshake
	HeartbeatInterval time.Duration      // Phoenix heartbeat (default 30s)
	JoinTimeout       time.Duration      // wait for the join reply (default 10s)
	QueueSize         int                // pending snapshots before dropping (default 100)
	Clock             history.Clock      // stamps ReceivedAt (default real time)
}

// Client opens per-route subscriptions. It holds no connection itself.
type Client struct {
	cfg    Config
	log    zerolog.Logger
	dialer websocket.Dialer
}

// NewClient creates a telemetry client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinWait
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = history.RealClock{}
	}
	return &Client{
		cfg: cfg,
		log: log.With().Str("component", "telemetry").Logger(),
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Subscribe dials the socket, joins stats:<routeID> and starts delivering
// snapshots to h. ctx bounds both the handshake and the subscription's
// lifetime. Failures wrap ErrConnect and are never retried.
func (c *Client) Subscribe(ctx context.Context, routeID string, h Handler) (*Subscription, error) {
	sub, err := c.subscribe(ctx, routeID, h)
	if err != nil {
		subscribeFailures.Inc()
		c.log.Error().Err(err).Str("route", routeID).Msg("subscription failed")
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return sub, nil
}

func (c *Client) subscribe(ctx context.Context, routeID string, h Handler) (*Subscription, error) {
	if routeID == "" {
		return nil, errors.New("empty route id")
	}
	if h == nil {
		return nil, errors.New("nil handler")
	}

	token := ""
	if c.cfg.Tokens != nil {
		t, err := c.cfg.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain token: %w", err)
		}
		token = t
	}

	socketURL, err := buildSocketURL(c.cfg.SocketURL, token)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	c.log.Debug().Str("route", routeID).Msg("connecting")
	conn, resp, err := c.dialer.DialContext(ctx, socketURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.log.Error().Msg("authentication failed: 401 Unauthorized")
			if c.cfg.Tokens != nil {
				auth.Reject(c.cfg.Tokens)
			}
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	topic := protocol.StatsTopic(routeID)
	if err := c.join(ctx, conn, topic); err != nil {
		_ = conn.Close()
		return nil, err
	}

	sub := newSubscription(ctx, conn, routeID, topic, h, c.cfg, c.log)
	c.log.Info().Str("route", routeID).Msg("subscribed to live updates")
	return sub, nil
}

// join sends phx_join and waits for the matching reply.
func (c *Client) join(ctx context.Context, conn *websocket.Conn, topic string) error {
	msg, err := protocol.NewMessage(topic, protocol.EventJoin, nil)
	if err != nil {
		return err
	}
	msg.JoinRef = joinRef
	msg.Ref = joinRef

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	deadline := time.Now().Add(c.cfg.JoinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await join reply: %w", err)
		}

		var reply protocol.Message
		if err := json.Unmarshal(data, &reply); err != nil {
			malformedFrames.Inc()
			continue
		}
		if reply.Event != protocol.EventReply || reply.Topic != topic || reply.Ref != joinRef {
			continue
		}

		var payload protocol.ReplyPayload
		if err := reply.ParsePayload(&payload); err != nil {
			return fmt.Errorf("decode join reply: %w", err)
		}
		if !payload.OK() {
			reason := payload.Reason()
			if reason == "" {
				reason = payload.Status
			}
			return fmt.Errorf("join %s rejected: %s", topic, reason)
		}
		return nil
	}
}

// buildSocketURL appends the serializer version and token query parameters.
func buildSocketURL(raw, token string) (string, error) {
	if raw == "" {
		return "", errors.New("no socket url configured")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("vsn", serializerVsn)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
