package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/amplifierd/internal/events"
)

// DevicePayload is the body of a notification envelope sent by a device
// that mirrors a notification it received locally.
type DevicePayload struct {
	AppID            string            `json:"app_id"`
	AppName          string            `json:"app_name,omitempty"`
	Channel          string            `json:"channel,omitempty"`
	Sender           string            `json:"sender,omitempty"`
	Title            string            `json:"title,omitempty"`
	Body             string            `json:"body,omitempty"`
	Timestamp        string            `json:"timestamp,omitempty"`
	ConversationHint string            `json:"conversation_hint,omitempty"`
	SessionID        string            `json:"session_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// timestampLayouts are tried in order; devices do not all send an offset.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// FromDevice converts a device notification payload into an ingestable
// event. The channel falls back to the app name or ID, the sender to the
// app, and the content to the title when there is no body.
func FromDevice(deviceID string, raw json.RawMessage) (events.Incoming, error) {
	var p DevicePayload
	if len(raw) == 0 {
		return events.Incoming{}, fmt.Errorf("%w: empty notification payload", ErrValidation)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return events.Incoming{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	in := events.Incoming{
		DeviceID:  deviceID,
		App:       p.AppID,
		Channel:   firstNonEmpty(p.Channel, p.AppName, p.AppID),
		Sender:    firstNonEmpty(p.Sender, p.AppName, p.AppID),
		Subject:   p.Title,
		Content:   firstNonEmpty(p.Body, p.Title),
		SessionID: p.SessionID,
		Metadata:  p.Metadata,
		Source:    "device",
	}
	if p.ConversationHint != "" {
		if in.Metadata == nil {
			in.Metadata = make(map[string]string, 1)
		}
		in.Metadata["conversation"] = p.ConversationHint
	}
	if p.Body == "" {
		in.Subject = ""
	}
	if p.Timestamp != "" {
		ts, err := parseTimestamp(p.Timestamp)
		if err != nil {
			return events.Incoming{}, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		in.Timestamp = ts
	}
	return in, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
