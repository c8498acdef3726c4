// Package protocol defines the WebSocket frames exchanged with the route
// backend's live-update socket and the telemetry payloads carried on them.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is one Phoenix channel frame. On the wire (serializer vsn 2.0.0)
// it is the array [join_ref, ref, topic, event, payload].
type Message struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage creates a frame with the given topic, event and payload.
func NewMessage(topic, event string, payload any) (*Message, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Topic:   topic,
		Event:   event,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// MarshalJSON encodes the frame in array form.
func (m Message) MarshalJSON() ([]byte, error) {
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return json.Marshal([]any{
		nullable(m.JoinRef),
		nullable(m.Ref),
		m.Topic,
		m.Event,
		payload,
	})
}

// UnmarshalJSON decodes the array form. Refs may be null.
func (m *Message) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if len(parts) != 5 {
		return errors.New("decode frame: expected 5 elements")
	}

	var joinRef, ref *string
	if err := json.Unmarshal(parts[0], &joinRef); err != nil {
		return fmt.Errorf("decode join_ref: %w", err)
	}
	if err := json.Unmarshal(parts[1], &ref); err != nil {
		return fmt.Errorf("decode ref: %w", err)
	}

	var out Message
	if joinRef != nil {
		out.JoinRef = *joinRef
	}
	if ref != nil {
		out.Ref = *ref
	}
	if err := json.Unmarshal(parts[2], &out.Topic); err != nil {
		return fmt.Errorf("decode topic: %w", err)
	}
	if err := json.Unmarshal(parts[3], &out.Event); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	out.Payload = append(json.RawMessage(nil), parts[4]...)

	*m = out
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Phoenix control events
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"
)

// Telemetry events (server → console)
const (
	EventStats = "stats"
)

// TopicPhoenix is the socket-level topic used for heartbeats.
const TopicPhoenix = "phoenix"

// StatsTopic returns the channel topic carrying live stats for a route.
func StatsTopic(routeID string) string {
	return "stats:" + routeID
}

// ReplyPayload is the payload of a phx_reply frame.
type ReplyPayload struct {
	Status   string          `json:"status"` // "ok" or "error"
	Response json.RawMessage `json:"response"`
}

// OK reports whether the reply acknowledged the request.
func (r ReplyPayload) OK() bool {
	return r.Status == "ok"
}

// Reason extracts {"reason": "..."} from an error reply, if present.
func (r ReplyPayload) Reason() string {
	var body struct {
		Reason string `json:"reason"`
	}
	if len(r.Response) == 0 || json.Unmarshal(r.Response, &body) != nil {
		return ""
	}
	return body.Reason
}
