// Package events defines the notification and outbound event types shared
// by the rule engine, the notification pipeline and the hook registry.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrAlreadyClassified is returned when a notification is scored twice.
var ErrAlreadyClassified = errors.New("notification already classified")

// Action is the terminal disposition of a notification.
type Action string

const (
	ActionPush      Action = "push"
	ActionSummarize Action = "summarize"
	ActionSuppress  Action = "suppress"
)

// Valid reports whether a is one of the three terminal actions.
func (a Action) Valid() bool {
	switch a {
	case ActionPush, ActionSummarize, ActionSuppress:
		return true
	}
	return false
}

// Priority is an ordered tier. The zero value means "not set".
type Priority int

const (
	PriorityUnset Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityUnset:  "",
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Or returns p, or def when p is unset.
func (p Priority) Or(def Priority) Priority {
	if p == PriorityUnset {
		return def
	}
	return p
}

// Elevate returns the next tier, capped at urgent. Unset counts as normal.
func (p Priority) Elevate() Priority {
	p = p.Or(PriorityNormal)
	if p >= PriorityUrgent {
		return PriorityUrgent
	}
	return p + 1
}

// ParsePriority parses a tier name case-insensitively.
func ParsePriority(s string) (Priority, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == want {
			return p, nil
		}
	}
	return PriorityUnset, fmt.Errorf("unknown priority %q (want low, normal, high or urgent)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Incoming is a raw event from a device, an input hook or the API.
type Incoming struct {
	DeviceID  string            `json:"device_id,omitempty"`
	App       string            `json:"app,omitempty"`
	Channel   string            `json:"channel"`
	Sender    string            `json:"sender"`
	Subject   string            `json:"subject,omitempty"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Source names the producer, e.g. "device", "api" or "hook:<name>".
	Source string `json:"-"`
}

// Decision is the rule evaluator's verdict for one notification.
type Decision struct {
	Action        Action   `json:"action"`
	Priority      Priority `json:"priority"`
	Rule          string   `json:"rule"`
	Reasons       []string `json:"reasons,omitempty"`
	TargetSession string   `json:"target_session,omitempty"`
	TargetDevices []string `json:"target_devices,omitempty"`
}

// Notification is an ingested event. Its fields are fixed at ingest; the
// decision is attached once by Classify.
type Notification struct {
	ID          string            `json:"id"`
	Source      string            `json:"source,omitempty"`
	DeviceID    string            `json:"device_id,omitempty"`
	App         string            `json:"app,omitempty"`
	Channel     string            `json:"channel"`
	Sender      string            `json:"sender"`
	Subject     string            `json:"subject,omitempty"`
	Content     string            `json:"content"`
	SentAt      time.Time         `json:"sent_at,omitempty"`
	ArrivedAt   time.Time         `json:"arrived_at"`
	SessionHint string            `json:"session_hint,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	once     sync.Once
	decision *Decision
}

// Classify attaches d. A second call returns ErrAlreadyClassified.
func (n *Notification) Classify(d Decision) error {
	applied := false
	n.once.Do(func() {
		n.decision = &d
		applied = true
	})
	if !applied {
		return ErrAlreadyClassified
	}
	return nil
}

// Decision returns the attached decision, if any.
func (n *Notification) Decision() (Decision, bool) {
	if n.decision == nil {
		return Decision{}, false
	}
	return *n.decision, true
}

// Text is the subject and content joined for keyword matching.
func (n *Notification) Text() string {
	if n.Subject == "" {
		return n.Content
	}
	return n.Subject + "\n" + n.Content
}

// SourceApp returns the app identifier, falling back to the channel.
func (n *Notification) SourceApp() string {
	if n.App != "" {
		return n.App
	}
	return n.Channel
}

// MarshalJSON includes the decision when one is attached.
func (n *Notification) MarshalJSON() ([]byte, error) {
	type plain struct {
		ID          string            `json:"id"`
		Source      string            `json:"source,omitempty"`
		DeviceID    string            `json:"device_id,omitempty"`
		App         string            `json:"app,omitempty"`
		Channel     string            `json:"channel"`
		Sender      string            `json:"sender"`
		Subject     string            `json:"subject,omitempty"`
		Content     string            `json:"content"`
		SentAt      *time.Time        `json:"sent_at,omitempty"`
		ArrivedAt   time.Time         `json:"arrived_at"`
		SessionHint string            `json:"session_hint,omitempty"`
		Metadata    map[string]string `json:"metadata,omitempty"`
		Decision    *Decision         `json:"decision,omitempty"`
	}
	p := plain{
		ID: n.ID, Source: n.Source, DeviceID: n.DeviceID, App: n.App,
		Channel: n.Channel, Sender: n.Sender, Subject: n.Subject, Content: n.Content,
		ArrivedAt: n.ArrivedAt, SessionHint: n.SessionHint, Metadata: n.Metadata,
		Decision: n.decision,
	}
	if !n.SentAt.IsZero() {
		p.SentAt = &n.SentAt
	}
	return json.Marshal(p)
}

// Outbound event kinds offered to output hooks.
const (
	KindNotificationPush = "notification.push"
	KindDirectPush       = "notification.direct"
	KindSessionOutput    = "session.output"
)

// Outbound is any event leaving the server that output hooks may intercept.
type Outbound struct {
	Kind         string         `json:"kind"`
	Time         time.Time      `json:"time"`
	Notification *Notification  `json:"notification,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}
