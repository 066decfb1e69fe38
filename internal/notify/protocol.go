package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/heliosarchitect/openclaw-sub001/internal/insights"
)

// MessageType tags one JSON line on the socket.
type MessageType string

// Server to client.
const (
	TypeInsight     MessageType = "insight"
	TypeDigest      MessageType = "digest"
	TypeQueryResult MessageType = "query_result"
	TypeHeartbeat   MessageType = "heartbeat"
	TypeAck         MessageType = "ack"
	TypeError       MessageType = "error"
)

// Client to server.
const (
	TypeReply        MessageType = "reply"
	TypeActivity     MessageType = "activity"
	TypeSessionStart MessageType = "session_start"
	TypeDelegated    MessageType = "delegated"
	TypeFlush        MessageType = "flush"
	TypeQuery        MessageType = "query"
)

// Envelope is the framing for every message. ID correlates a response with
// the request that caused it.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope. A nil payload is omitted.
func NewEnvelope(typ MessageType, id string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, ID: id, Timestamp: time.Now().UTC()}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ReplyPayload carries the text of an outgoing assistant reply.
type ReplyPayload struct {
	Text string `json:"text"`
}

// SessionStartPayload names a new work session.
type SessionStartPayload struct {
	SessionID string `json:"session_id"`
}

// DelegatedPayload toggles the delegated sub-context.
type DelegatedPayload struct {
	Active bool `json:"active"`
}

// HeartbeatPayload is broadcast periodically by the daemon.
type HeartbeatPayload struct {
	Status     insights.Status `json:"status"`
	Sources    []string        `json:"sources"`
	Stale      []string        `json:"stale"`
	Active     int             `json:"active"`
	FocusSince *time.Time      `json:"focus_since,omitempty"` // set while focused
}

// ErrorPayload reports a rejected request.
type ErrorPayload struct {
	Message string `json:"message"`
}
