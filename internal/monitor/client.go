package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	httpapi "github.com/fyrsmithlabs/amplifierd/internal/http"
	"github.com/fyrsmithlabs/amplifierd/internal/notify"
)

// StatusClient polls the amplifierd API for dashboard data.
type StatusClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Snapshot is one poll of the server.
type Snapshot struct {
	Health        httpapi.HealthResponse
	Sessions      httpapi.SessionListResponse
	Devices       httpapi.DeviceListResponse
	Notifications notify.Counts
	Recent        httpapi.RecentResponse
}

// NewStatusClient creates a client for the server at baseURL.
func NewStatusClient(baseURL, apiKey string) *StatusClient {
	return &StatusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// BaseURL returns the server address being polled.
func (c *StatusClient) BaseURL() string { return c.baseURL }

// get fetches path and decodes the JSON body into out.
func (c *StatusClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status code %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", path, err)
	}
	return nil
}

// Snapshot polls every endpoint the dashboard renders. Only the recent
// history is optional; servers without a store answer it with 503.
func (c *StatusClient) Snapshot(ctx context.Context, recent int) (Snapshot, error) {
	var snap Snapshot
	if err := c.get(ctx, "/health", &snap.Health); err != nil {
		return Snapshot{}, err
	}
	if err := c.get(ctx, "/api/v1/sessions", &snap.Sessions); err != nil {
		return Snapshot{}, err
	}
	if err := c.get(ctx, "/api/v1/devices", &snap.Devices); err != nil {
		return Snapshot{}, err
	}
	if err := c.get(ctx, "/api/v1/notifications/suppressed", &snap.Notifications); err != nil {
		return Snapshot{}, err
	}
	if recent > 0 {
		if err := c.get(ctx, fmt.Sprintf("/api/v1/notifications/recent?limit=%d", recent), &snap.Recent); err != nil {
			snap.Recent = httpapi.RecentResponse{}
		}
	}
	return snap, nil
}

// Routed sums every terminal action.
func (s Snapshot) Routed() int64 {
	var n int64
	for _, v := range s.Notifications.ByAction {
		n += v
	}
	return n
}

// ConnectedDevices counts devices in the connected state.
func (s Snapshot) ConnectedDevices() int {
	n := 0
	for _, d := range s.Devices.Devices {
		if d.State == "connected" {
			n++
		}
	}
	return n
}

// BusySessions counts sessions currently executing.
func (s Snapshot) BusySessions() int {
	n := 0
	for _, sess := range s.Sessions.Sessions {
		if sess.State == "running" {
			n++
		}
	}
	return n
}
