package http

import (
	"github.com/fyrsmithlabs/amplifierd/internal/device"
	"github.com/fyrsmithlabs/amplifierd/internal/hooks"
	"github.com/fyrsmithlabs/amplifierd/internal/session"
	"github.com/fyrsmithlabs/amplifierd/internal/store"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	Sessions int    `json:"sessions"`
	Devices  int    `json:"devices"`
	Hooks    int    `json:"hooks"`
	Bus      bool   `json:"bus_connected"`
}

// CreateSessionRequest is the request body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	Bundle    string `json:"bundle"`
	SessionID string `json:"session_id"`
}

// SessionListResponse is the response body for GET /api/v1/sessions.
type SessionListResponse struct {
	Sessions []session.Info `json:"sessions"`
	Count    int            `json:"count"`
}

// ExecuteRequest is the request body for POST /api/v1/sessions/:id/execute.
type ExecuteRequest struct {
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// ExecuteResponse is the non-streaming execute result.
type ExecuteResponse struct {
	SessionID  string `json:"session_id"`
	Response   string `json:"response"`
	Seq        uint64 `json:"seq"`
	DurationMS int64  `json:"duration_ms"`
}

// InjectRequest is the request body for POST /api/v1/sessions/:id/inject.
type InjectRequest struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// HistoryResponse is the response body for GET /api/v1/sessions/:id/history.
type HistoryResponse struct {
	SessionID string            `json:"session_id"`
	Messages  []session.Message `json:"messages"`
}

// DeviceListResponse is the response body for GET /api/v1/devices.
type DeviceListResponse struct {
	Devices []device.Info `json:"devices"`
	Count   int           `json:"count"`
}

// PushResponse reports a direct push per device.
type PushResponse struct {
	Status       string            `json:"status"` // sent | queued | no_devices
	SentCount    int               `json:"sent_count"`
	TotalDevices int               `json:"total_devices"`
	Results      []device.Delivery `json:"results"`
}

// RecentResponse is the response body for GET /api/v1/notifications/recent.
type RecentResponse struct {
	Notifications []store.Record `json:"notifications"`
}

// FocusRequest is the request body for PUT /api/v1/focus. A null active
// returns control to the rule file.
type FocusRequest struct {
	Active *bool `json:"active"`
}

// FocusResponse reports the focus override.
type FocusResponse struct {
	Focus string `json:"focus"` // on | off | rules
}

// VIPRequest is the request body for POST /api/v1/rules/vips.
type VIPRequest struct {
	Sender string `json:"sender"`
}

// KeywordRequest is the request body for POST /api/v1/rules/keywords.
type KeywordRequest struct {
	Keyword string `json:"keyword"`
}

// RulesResponse summarizes the runtime-mutable parts of the rule set.
type RulesResponse struct {
	VIPSenders []string `json:"vip_senders"`
	Keywords   []string `json:"keywords"`
}

// HookListResponse is the response body for GET /api/v1/hooks.
type HookListResponse struct {
	Hooks []hooks.Info `json:"hooks"`
}

// CreateKeyRequest is the request body for POST /api/v1/admin/keys. A zero
// ExpiresDays never expires.
type CreateKeyRequest struct {
	Name        string `json:"name"`
	DeviceID    string `json:"device_id,omitempty"`
	ExpiresDays int    `json:"expires_days,omitempty"`
}

// CreateKeyResponse carries the issued key. Key is shown only once.
type CreateKeyResponse struct {
	store.APIKey
	Key string `json:"key"`
}

// KeyListResponse is the response body for GET /api/v1/admin/keys.
type KeyListResponse struct {
	Keys  []store.APIKey `json:"keys"`
	Count int            `json:"count"`
}
