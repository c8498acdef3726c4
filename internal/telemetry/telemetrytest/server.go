// Package telemetrytest provides a mock Phoenix stats socket for tests.
package telemetrytest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markus-barta/routedeck/internal/protocol"
)

// Server simulates the backend's live-update socket.
type Server struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[string]*conn // topic -> joined connection
	frames    []protocol.Message
	queries   []string
	authToken string

	// RejectJoin makes every phx_join fail with this reason.
	RejectJoin string
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// NewServer starts a mock socket expecting the given bearer token.
func NewServer(token string) *Server {
	s := &Server{
		authToken: token,
		conns:     make(map[string]*conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handleWS))
	return s
}

// URL returns the websocket URL of the mock socket.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/socket/websocket"
}

// Close shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.ws.Close()
	}
	s.mu.Unlock()
	s.server.Close()
}

// Frames returns every frame received from clients.
func (s *Server) Frames() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.frames...)
}

// FramesOf returns received frames with the given event.
func (s *Server) FramesOf(event string) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Message
	for _, f := range s.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// Queries returns the raw query strings of every handshake.
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// WaitForFrames waits until n frames with event have been received.
func (s *Server) WaitForFrames(ctx context.Context, event string, n int) ([]protocol.Message, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if msgs := s.FramesOf(event); len(msgs) >= n {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForJoin waits until a client has joined topic.
func (s *Server) WaitForJoin(ctx context.Context, topic string) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		_, ok := s.conns[topic]
		s.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PushStats sends a stats event to the client joined on stats:<routeID>.
// payload may be any JSON-encodable value or json.RawMessage.
func (s *Server) PushStats(routeID string, payload any) error {
	msg, err := protocol.NewMessage(protocol.StatsTopic(routeID), protocol.EventStats, payload)
	if err != nil {
		return err
	}
	return s.push(protocol.StatsTopic(routeID), msg)
}

// PushRaw sends raw bytes to the client joined on stats:<routeID>.
func (s *Server) PushRaw(routeID string, data []byte) error {
	s.mu.Lock()
	c, ok := s.conns[protocol.StatsTopic(routeID)]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Disconnect drops the connection joined on stats:<routeID>.
func (s *Server) Disconnect(routeID string) {
	s.mu.Lock()
	c, ok := s.conns[protocol.StatsTopic(routeID)]
	s.mu.Unlock()
	if ok {
		_ = c.ws.Close()
	}
}

func (s *Server) push(topic string, msg *protocol.Message) error {
	s.mu.Lock()
	c, ok := s.conns[topic]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return c.write(msg)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.authToken || r.URL.Query().Get("token") != s.authToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}

	s.mu.Lock()
	s.queries = append(s.queries, r.URL.RawQuery)
	s.mu.Unlock()

	var joined []string
	defer func() {
		_ = ws.Close()
		s.mu.Lock()
		for _, topic := range joined {
			if s.conns[topic] == c {
				delete(s.conns, topic)
			}
		}
		s.mu.Unlock()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		s.mu.Lock()
		s.frames = append(s.frames, msg)
		reject := s.RejectJoin
		s.mu.Unlock()

		switch msg.Event {
		case protocol.EventJoin:
			if reject != "" {
				_ = c.write(reply(msg, "error", map[string]string{"reason": reject}))
				continue
			}
			s.mu.Lock()
			s.conns[msg.Topic] = c
			s.mu.Unlock()
			joined = append(joined, msg.Topic)
			_ = c.write(reply(msg, "ok", map[string]any{}))
		case protocol.EventHeartbeat, protocol.EventLeave:
			_ = c.write(reply(msg, "ok", map[string]any{}))
		}
	}
}

func reply(to protocol.Message, status string, response any) *protocol.Message {
	msg, _ := protocol.NewMessage(to.Topic, protocol.EventReply, map[string]any{
		"status":   status,
		"response": response,
	})
	msg.JoinRef = to.JoinRef
	msg.Ref = to.Ref
	return msg
}
