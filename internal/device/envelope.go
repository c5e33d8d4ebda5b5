package device

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType tags an Envelope.
type MessageType string

const (
	TypeHeartbeat    MessageType = "heartbeat"
	TypeNotification MessageType = "notification"
	TypeAck          MessageType = "ack"
	TypeWelcome      MessageType = "welcome"
	TypeChat         MessageType = "chat"
	TypeResponse     MessageType = "response"
	TypeError        MessageType = "error"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
)

// Envelope is the unit carried on a device link in both directions.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload into a fresh envelope with a unique ID.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	env := Envelope{Type: t, ID: uuid.NewString(), Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// PushPayload is the body of a notification envelope sent to a device.
type PushPayload struct {
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Urgency   string   `json:"urgency,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
	AppSource string   `json:"app_source,omitempty"`
	Actions   []string `json:"actions,omitempty"`
}

// AckPayload acknowledges a delivered envelope.
type AckPayload struct {
	ID string `json:"id"`
}
