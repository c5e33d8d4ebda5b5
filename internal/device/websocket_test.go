package device

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServe_WebSocketRoundTrip(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	inbound := make(chan Envelope, 1)
	m.OnNotification(func(_ context.Context, _ string, e Envelope) { inbound <- e })

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = Serve(r.Context(), m, "desk", ws, Metadata{Platform: "linux"})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	var welcome Envelope
	require.NoError(t, client.ReadJSON(&welcome))
	assert.Equal(t, TypeWelcome, welcome.Type)

	info, err := m.Get("desk")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, info.State)
	assert.Equal(t, "linux", info.Metadata.Platform)

	push, err := NewEnvelope(TypeNotification, PushPayload{Title: "hi"})
	require.NoError(t, err)
	status, err := m.Send(context.Background(), "desk", push)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, status)

	var got Envelope
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, push.ID, got.ID)

	up, err := NewEnvelope(TypeNotification, map[string]string{"sender": "bob"})
	require.NoError(t, err)
	require.NoError(t, client.WriteJSON(up))
	select {
	case e := <-inbound:
		assert.Equal(t, up.ID, e.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("inbound notification not handled")
	}

	require.NoError(t, client.WriteJSON(Envelope{Type: "bogus"}))
	var errEnv Envelope
	require.NoError(t, client.ReadJSON(&errEnv))
	assert.Equal(t, TypeError, errEnv.Type)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		info, err := m.Get("desk")
		return err == nil && info.State == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
}

func serveTestManager(t *testing.T, m *Manager, id string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = Serve(r.Context(), m, id, ws, Metadata{})
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestServe_WelcomeBeforeQueued(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()
	ctx := context.Background()

	h := &fakeConn{}
	_, err := m.Register(ctx, "desk", h, Metadata{})
	require.NoError(t, err)
	m.Disconnect("desk", h)
	_, err = m.Send(ctx, "desk", env("queued"))
	require.NoError(t, err)

	client, _, err := websocket.DefaultDialer.Dial(serveTestManager(t, m, "desk"), nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first, second Envelope
	require.NoError(t, client.ReadJSON(&first))
	require.NoError(t, client.ReadJSON(&second))
	assert.Equal(t, TypeWelcome, first.Type)
	assert.Equal(t, "queued", second.ID)
}

func TestServe_ClosesSilentLink(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PingInterval = 50 * time.Millisecond
	m := NewManager(cfg, nil)
	defer m.Close()

	client, _, err := websocket.DefaultDialer.Dial(serveTestManager(t, m, "quiet"), nil)
	require.NoError(t, err)
	defer client.Close()

	// Pings are never answered: the client does not read.
	require.Eventually(t, func() bool {
		info, err := m.Get("quiet")
		return err == nil && info.State == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServe_PongsKeepLinkOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PingInterval = 50 * time.Millisecond
	m := NewManager(cfg, nil)
	defer m.Close()

	client, _, err := websocket.DefaultDialer.Dial(serveTestManager(t, m, "chatty"), nil)
	require.NoError(t, err)

	pings := make(chan struct{}, 16)
	client.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return client.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for range 4 {
		select {
		case <-pings:
		case <-time.After(5 * time.Second):
			t.Fatal("no ping from server")
		}
	}
	info, err := m.Get("chatty")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, info.State, "answered pings keep the link past the read deadline")

	require.NoError(t, client.Close())
	<-readDone
}
