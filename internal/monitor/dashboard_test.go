package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/amplifierd/internal/device"
	"github.com/fyrsmithlabs/amplifierd/internal/events"
	httpapi "github.com/fyrsmithlabs/amplifierd/internal/http"
	"github.com/fyrsmithlabs/amplifierd/internal/notify"
	"github.com/fyrsmithlabs/amplifierd/internal/session"
	"github.com/fyrsmithlabs/amplifierd/internal/store"
)

func testSnapshot() Snapshot {
	now := time.Now()
	return Snapshot{
		Health: httpapi.HealthResponse{Status: "ok", Version: "1.2.3", Sessions: 2, Devices: 2, Bus: true},
		Sessions: httpapi.SessionListResponse{
			Count: 2,
			Sessions: []session.Info{
				{ID: "work", Bundle: "foundation", State: session.StateRunning, LastActivity: now, MessageCount: 4},
				{ID: "home", Bundle: "research", State: session.StateIdle, LastActivity: now.Add(-time.Hour)},
			},
		},
		Devices: httpapi.DeviceListResponse{
			Count: 2,
			Devices: []device.Info{
				{ID: "laptop", State: device.StateConnected},
				{ID: "phone", State: device.StateStale},
			},
		},
		Notifications: notify.Counts{
			Total:    3,
			ByAction: map[string]int64{"suppress": 3, "push": 5, "inject": 2},
		},
		Recent: httpapi.RecentResponse{
			Notifications: []store.Record{
				{ID: "n1", ArrivedAt: now, Channel: "slack", Sender: "alice", Action: events.ActionPush},
			},
		},
	}
}

// newFakeServer answers the dashboard endpoints from snap.
func newFakeServer(t *testing.T, snap Snapshot, apiKey string) *httptest.Server {
	t.Helper()
	routes := map[string]any{
		"/health":                          snap.Health,
		"/api/v1/sessions":                 snap.Sessions,
		"/api/v1/devices":                  snap.Devices,
		"/api/v1/notifications/suppressed": snap.Notifications,
		"/api/v1/notifications/recent":     snap.Recent,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey != "" && r.Header.Get("Authorization") != "Bearer "+apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusClient_Snapshot(t *testing.T) {
	want := testSnapshot()
	srv := newFakeServer(t, want, "secret")

	client := NewStatusClient(srv.URL+"/", "secret")
	assert.Equal(t, srv.URL, client.BaseURL())

	snap, err := client.Snapshot(context.Background(), recentLimit)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", snap.Health.Version)
	assert.Equal(t, 2, snap.Sessions.Count)
	assert.Equal(t, 1, snap.ConnectedDevices())
	assert.Equal(t, 1, snap.BusySessions())
	assert.Equal(t, int64(10), snap.Routed())
	require.Len(t, snap.Recent.Notifications, 1)
	assert.Equal(t, "alice", snap.Recent.Notifications[0].Sender)
}

func TestStatusClient_Unauthorized(t *testing.T) {
	srv := newFakeServer(t, testSnapshot(), "secret")

	_, err := NewStatusClient(srv.URL, "wrong").Snapshot(context.Background(), recentLimit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestStatusClient_RecentOptional(t *testing.T) {
	snap := testSnapshot()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body any
		switch r.URL.Path {
		case "/health":
			body = snap.Health
		case "/api/v1/sessions":
			body = snap.Sessions
		case "/api/v1/devices":
			body = snap.Devices
		case "/api/v1/notifications/suppressed":
			body = snap.Notifications
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	got, err := NewStatusClient(srv.URL, "").Snapshot(context.Background(), recentLimit)
	require.NoError(t, err)
	assert.Empty(t, got.Recent.Notifications)
	assert.Equal(t, 2, got.Devices.Count)
}

func TestNewModel(t *testing.T) {
	client := NewStatusClient("http://localhost:8420", "")
	model := NewModel(client, 5*time.Second)
	assert.Equal(t, client, model.client)
	assert.Equal(t, 5*time.Second, model.interval)
	assert.False(t, model.quitting)
	assert.NotNil(t, model.Init())
}

func TestModel_Update_Keys(t *testing.T) {
	model := NewModel(NewStatusClient("http://localhost:8420", ""), time.Second)

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)

	updated, cmd = model.Update(tickMsg(time.Now()))
	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)

	updated, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.True(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, updated.(Model).View())
}

func TestModel_Update_SnapshotHistory(t *testing.T) {
	model := NewModel(NewStatusClient("http://localhost:8420", ""), 30*time.Second)

	first := testSnapshot()
	updated, cmd := model.Update(snapshotMsg(first))
	assert.Nil(t, cmd)
	m := updated.(Model)
	assert.Empty(t, m.routeRate, "first poll has no baseline")
	assert.Equal(t, []float64{1}, m.deviceCounts)
	assert.Equal(t, int64(10), m.lastRouted)
	assert.False(t, m.lastUpdate.IsZero())

	second := testSnapshot()
	second.Notifications.ByAction["push"] = 10
	updated, _ = m.Update(snapshotMsg(second))
	m = updated.(Model)
	require.Len(t, m.routeRate, 1)
	assert.InDelta(t, 10.0, m.routeRate[0], 0.001, "5 routed in 30s is 10/min")

	// A restarted server resets counters; the rate floors at zero.
	restarted := testSnapshot()
	restarted.Notifications.ByAction = map[string]int64{"push": 1}
	updated, _ = m.Update(snapshotMsg(restarted))
	m = updated.(Model)
	assert.Equal(t, []float64{10, 0}, m.routeRate)
}

func TestAppendToHistory(t *testing.T) {
	var h []float64
	for i := 0; i < historySize+5; i++ {
		h = appendToHistory(h, float64(i))
	}
	assert.Len(t, h, historySize)
	assert.Equal(t, float64(5), h[0])
}

func TestModel_View_WithSnapshot(t *testing.T) {
	model := NewModel(NewStatusClient("http://localhost:8420", ""), 5*time.Second)
	updated, _ := model.Update(snapshotMsg(testSnapshot()))

	view := updated.(Model).View()
	assert.Contains(t, view, "amplifierd Monitor")
	assert.Contains(t, view, "Sessions")
	assert.Contains(t, view, "work")
	assert.Contains(t, view, "Devices")
	assert.Contains(t, view, "1 / 2")
	assert.Contains(t, view, "Notifications")
	assert.Contains(t, view, "alice")
	assert.Contains(t, view, "suppress=")
}

func TestModel_View_WithError(t *testing.T) {
	model := NewModel(NewStatusClient("http://localhost:8420", ""), 5*time.Second)
	updated, _ := model.Update(errMsg(errors.New("connection refused")))

	view := updated.(Model).View()
	assert.Contains(t, view, "Cannot reach amplifierd")
	assert.Contains(t, view, "http://localhost:8420")
	assert.Contains(t, view, "connection refused")
}

func TestModel_View_NoData(t *testing.T) {
	model := NewModel(NewStatusClient("http://localhost:8420", ""), 5*time.Second)
	view := model.View()
	assert.Contains(t, view, "amplifierd Monitor")
	assert.Contains(t, view, "no data")
}
