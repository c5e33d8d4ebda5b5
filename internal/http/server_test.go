package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/config"
	"github.com/fyrsmithlabs/amplifierd/internal/device"
	"github.com/fyrsmithlabs/amplifierd/internal/events"
	"github.com/fyrsmithlabs/amplifierd/internal/notify"
	"github.com/fyrsmithlabs/amplifierd/internal/rules"
	"github.com/fyrsmithlabs/amplifierd/internal/services"
	"github.com/fyrsmithlabs/amplifierd/internal/session"
	"github.com/fyrsmithlabs/amplifierd/internal/store"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Hooks.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.Sessions.StopGracePeriod = config.Duration(100 * time.Millisecond)
	return cfg
}

func setupTestServer(t *testing.T, mutate ...func(*config.Config, *Config)) (*Server, services.Registry) {
	t.Helper()
	cfg := testConfig()
	srvCfg := &Config{Host: "127.0.0.1", Port: 0, EventHeartbeat: 50 * time.Millisecond}
	for _, fn := range mutate {
		fn(cfg, srvCfg)
	}

	reg, err := services.Build(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Start(context.Background()))
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	server, err := NewServer(reg, zap.NewNop(), srvCfg)
	require.NoError(t, err)
	return server, reg
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	reg, err := services.Build(testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(reg, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8420, server.config.Port)
		assert.Equal(t, 15*time.Second, server.config.EventHeartbeat)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(reg, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when registry is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "registry cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t, func(c *config.Config, _ *Config) {
		c.Sessions.StartupBundles = []string{"foundation"}
	})

	rec := doJSON(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Sessions)
	assert.False(t, resp.Bus)
}

func TestSessionLifecycle(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{Bundle: "research", SessionID: "s1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	info := decode[session.Info](t, rec)
	assert.Equal(t, "s1", info.ID)
	assert.Equal(t, "research", info.Bundle)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{SessionID: "s1"})
	assert.Equal(t, http.StatusConflict, rec.Code, "live ids cannot be reused")

	rec = doJSON(t, server, http.MethodPost, "/api/v1/sessions/s1/execute", ExecuteRequest{Prompt: "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	exec := decode[ExecuteResponse](t, rec)
	assert.Equal(t, "[echo:research] Received: hello", exec.Response)
	assert.Equal(t, "s1", exec.SessionID)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/sessions/s1/execute", ExecuteRequest{Prompt: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/sessions/s1/inject", InjectRequest{Content: "context note", Role: "system"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/sessions/s1/inject", InjectRequest{Content: "x", Role: "narrator"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/sessions/s1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decode[HistoryResponse](t, rec)
	require.Len(t, hist.Messages, 3)
	assert.Equal(t, session.RoleUser, hist.Messages[0].Role)
	assert.Equal(t, session.RoleAssistant, hist.Messages[1].Role)
	assert.Equal(t, session.RoleSystem, hist.Messages[2].Role)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[SessionListResponse](t, rec).Count)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/sessions/s1/clear", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, server, http.MethodGet, "/api/v1/sessions/s1/history", nil)
	assert.Empty(t, decode[HistoryResponse](t, rec).Messages)

	rec = doJSON(t, server, http.MethodPatch, "/api/v1/sessions/s1/metadata", map[string]string{"owner": "ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ops", decode[session.Info](t, rec).Metadata["owner"])
	rec = doJSON(t, server, http.MethodPatch, "/api/v1/sessions/s1/metadata", map[string]string{"": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, server, http.MethodPatch, "/api/v1/sessions/s1/metadata", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, server, http.MethodPatch, "/api/v1/sessions/nope/metadata", map[string]string{"a": "b"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, server, http.MethodDelete, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.StateStopped, decode[session.Info](t, rec).State)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/sessions/s1/execute", ExecuteRequest{Prompt: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code, "stopped sessions refuse work")

	rec = doJSON(t, server, http.MethodGet, "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteStream(t *testing.T) {
	server, _ := setupTestServer(t)
	require.Equal(t, http.StatusCreated, doJSON(t, server, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{SessionID: "st"}).Code)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/sessions/st/execute", ExecuteRequest{Prompt: "stream me", Stream: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	chunkAt := strings.Index(body, "event: chunk\n")
	doneAt := strings.Index(body, "event: done\n")
	require.GreaterOrEqual(t, chunkAt, 0, body)
	require.Greater(t, doneAt, chunkAt, "done follows every chunk")
	assert.Contains(t, body, "Received: stream me")

	rec = doJSON(t, server, http.MethodPost, "/api/v1/sessions/missing/execute", ExecuteRequest{Prompt: "x", Stream: true})
	assert.Equal(t, http.StatusNotFound, rec.Code, "errors before the first chunk are plain responses")
}

// blockingRuntime holds every execution until release is closed.
type blockingRuntime struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRuntime) Execute(ctx context.Context, _ session.Request) (string, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (b *blockingRuntime) Close(context.Context) error { return nil }

func TestExecuteBusyReturns429(t *testing.T) {
	rt := &blockingRuntime{started: make(chan struct{}, 1), release: make(chan struct{})}
	sessions := session.NewManager(nil, func(context.Context, string, string) (session.Runtime, error) {
		return rt, nil
	}, nil)
	devices := device.NewManager(nil, nil)
	pipeline, err := notify.NewPipeline(nil, staticEvaluator{}, notify.Deps{Devices: devices}, nil)
	require.NoError(t, err)
	reg, err := services.NewRegistry(services.Options{Sessions: sessions, Devices: devices, Notifications: pipeline})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	server, err := NewServer(reg, zap.NewNop(), &Config{})
	require.NoError(t, err)

	_, err = sessions.Create(context.Background(), "", "busy")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		doJSON(t, server, http.MethodPost, "/api/v1/sessions/busy/execute", ExecuteRequest{Prompt: "long"})
	}()
	<-rt.started

	rec := doJSON(t, server, http.MethodPost, "/api/v1/sessions/busy/execute", ExecuteRequest{Prompt: "second"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	close(rt.release)
	wg.Wait()
}

func TestNotificationRoutes(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/notifications/ingest", map[string]string{
		"channel": "sms", "sender": "Mom", "content": "call me",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[notify.Result](t, rec)
	assert.Equal(t, "push", string(res.Action))
	assert.NotEmpty(t, res.ID)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/notifications/ingest", map[string]string{
		"channel": "promotions", "sender": "shop", "content": "50% off",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "suppress", string(decode[notify.Result](t, rec).Action))

	rec = doJSON(t, server, http.MethodPost, "/api/v1/notifications/ingest", map[string]string{"channel": "sms"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/notifications/suppressed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	counts := decode[notify.Counts](t, rec)
	assert.EqualValues(t, 1, counts.ByChannel["promotions"])
	assert.EqualValues(t, 1, counts.ByAction["push"])

	rec = doJSON(t, server, http.MethodGet, "/api/v1/notifications/recent?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recent := decode[RecentResponse](t, rec)
	require.Len(t, recent.Notifications, 2)
	assert.Equal(t, "promotions", recent.Notifications[0].Channel, "newest first")
	assert.Empty(t, recent.Notifications[0].Content, "suppressed content is not stored")
	assert.IsType(t, store.Record{}, recent.Notifications[1])

	rec = doJSON(t, server, http.MethodGet, "/api/v1/notifications/recent?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummaryRoute(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/notifications/ingest", map[string]string{
		"channel": "slack", "sender": "bob", "content": "standup moved", "session_id": "work",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "summarize", string(decode[notify.Result](t, rec).Action))

	rec = doJSON(t, server, http.MethodGet, "/api/v1/sessions/work/summary?drain=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[notify.Summary](t, rec)
	require.Len(t, sum.Entries, 1)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/sessions/work/summary", nil)
	assert.Empty(t, decode[notify.Summary](t, rec).Entries, "drained")
}

func TestPushRoute(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/notifications/push", notify.PushRequest{Title: "hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[PushResponse](t, rec)
	assert.Equal(t, "no_devices", resp.Status)
	assert.Equal(t, 0, resp.TotalDevices)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/notifications/push", notify.PushRequest{Title: "hi", DeviceIDs: []string{"ghost"}})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[PushResponse](t, rec)
	assert.Equal(t, "no_devices", resp.Status)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, device.StatusNotFound, resp.Results[0].Status)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/notifications/push", notify.PushRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFocusRoutes(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/api/v1/focus", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rules", decode[FocusResponse](t, rec).Focus)

	on := true
	rec = doJSON(t, server, http.MethodPut, "/api/v1/focus", FocusRequest{Active: &on})
	assert.Equal(t, "on", decode[FocusResponse](t, rec).Focus)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/notifications/ingest", map[string]string{
		"channel": "sms", "sender": "Mom", "content": "dinner?",
	})
	assert.Equal(t, "summarize", string(decode[notify.Result](t, rec).Action), "focus holds back non-VIP texts")

	rec = doJSON(t, server, http.MethodPut, "/api/v1/focus", FocusRequest{})
	assert.Equal(t, "rules", decode[FocusResponse](t, rec).Focus)
}

func TestRuleRoutes(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/rules/vips", VIPRequest{Sender: "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, decode[RulesResponse](t, rec).VIPSenders, "alice")

	rec = doJSON(t, server, http.MethodPost, "/api/v1/rules/vips", VIPRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/rules/keywords", KeywordRequest{Keyword: "outage"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode[RulesResponse](t, rec).Keywords, "outage")

	rec = doJSON(t, server, http.MethodDelete, "/api/v1/rules/vips/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decode[RulesResponse](t, rec).VIPSenders, "alice")
}

func TestHookAndDeviceLists(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/api/v1/hooks", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[DeviceListResponse](t, rec).Count)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/devices/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsWithoutBus(t *testing.T) {
	server, _ := setupTestServer(t)
	rec := doJSON(t, server, http.MethodGet, "/api/v1/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	server, _ := setupTestServer(t, func(_ *config.Config, c *Config) { c.APIKey = "s3cret" })

	get := func(path, bearer string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/health", ""), "health is public")
	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/sessions", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/sessions", "wrong"))
	assert.Equal(t, http.StatusOK, get("/api/v1/sessions", "s3cret"))
	assert.Equal(t, http.StatusOK, get("/api/v1/sessions?api_key=s3cret", ""))
}

func authedJSON(t *testing.T, s *Server, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestIssuedKeys(t *testing.T) {
	server, _ := setupTestServer(t, func(_ *config.Config, c *Config) { c.APIKey = "s3cret" })

	rec := authedJSON(t, server, http.MethodPost, "/api/v1/admin/keys", "s3cret", CreateKeyRequest{Name: "phone", ExpiresDays: 30})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[CreateKeyResponse](t, rec)
	require.NotEmpty(t, created.Key)
	assert.Equal(t, created.Key[:len(created.Prefix)], created.Prefix)
	assert.False(t, created.ExpiresAt.IsZero())

	t.Run("issued key reaches the api", func(t *testing.T) {
		rec := authedJSON(t, server, http.MethodGet, "/api/v1/sessions", created.Key, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("issued key cannot administer", func(t *testing.T) {
		rec := authedJSON(t, server, http.MethodGet, "/api/v1/admin/keys", created.Key, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		rec = authedJSON(t, server, http.MethodPost, "/api/v1/admin/keys", created.Key, CreateKeyRequest{Name: "x"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("list hides secrets", func(t *testing.T) {
		rec := authedJSON(t, server, http.MethodGet, "/api/v1/admin/keys", "s3cret", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), created.Key)
		list := decode[KeyListResponse](t, rec)
		require.Equal(t, 1, list.Count)
		assert.Equal(t, created.ID, list.Keys[0].ID)
		assert.False(t, list.Keys[0].LastUsed.IsZero())
	})

	t.Run("validation", func(t *testing.T) {
		rec := authedJSON(t, server, http.MethodPost, "/api/v1/admin/keys", "s3cret", CreateKeyRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		rec = authedJSON(t, server, http.MethodPost, "/api/v1/admin/keys", "s3cret", CreateKeyRequest{Name: "x", ExpiresDays: -1})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		rec = authedJSON(t, server, http.MethodDelete, "/api/v1/admin/keys/missing", "s3cret", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("revoked key is rejected", func(t *testing.T) {
		rec := authedJSON(t, server, http.MethodDelete, "/api/v1/admin/keys/"+created.ID, "s3cret", nil)
		require.Equal(t, http.StatusNoContent, rec.Code)
		rec = authedJSON(t, server, http.MethodGet, "/api/v1/sessions", created.Key, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestDeviceBoundKey(t *testing.T) {
	server, _ := setupTestServer(t, func(_ *config.Config, c *Config) { c.APIKey = "s3cret" })
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	rec := authedJSON(t, server, http.MethodPost, "/api/v1/admin/keys", "s3cret", CreateKeyRequest{Name: "tablet", DeviceID: "tablet"})
	require.Equal(t, http.StatusCreated, rec.Code)
	key := decode[CreateKeyResponse](t, rec).Key

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/device/phone?api_key="+key), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/device/tablet?api_key="+key), nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, device.TypeWelcome, readEnvelope(t, ws).Type)
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readEnvelope(t *testing.T, ws *websocket.Conn) device.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env device.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func TestDeviceSocket(t *testing.T) {
	server, _ := setupTestServer(t)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/device/phone?platform=ios&tags=work,personal&device_name=Pixel"), nil)
	require.NoError(t, err)
	defer ws.Close()

	welcome := readEnvelope(t, ws)
	assert.Equal(t, device.TypeWelcome, welcome.Type)

	rec := doJSON(t, server, http.MethodGet, "/api/v1/devices?tag=work&platform=ios", nil)
	list := decode[DeviceListResponse](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "Pixel", list.Devices[0].Metadata.Name)
	assert.Equal(t, []string{"notifications"}, list.Devices[0].Metadata.Capabilities)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/devices?tag=gaming", nil)
	assert.Equal(t, 0, decode[DeviceListResponse](t, rec).Count)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/notifications/push", notify.PushRequest{Title: "Build", Body: "green", DeviceIDs: []string{"phone"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sent", decode[PushResponse](t, rec).Status)

	env := readEnvelope(t, ws)
	require.Equal(t, device.TypeNotification, env.Type)
	var payload device.PushPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "Build", payload.Title)
	assert.Equal(t, "green", payload.Body)
}

func TestChatSocket(t *testing.T) {
	server, _ := setupTestServer(t)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/chat/missing"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	require.Equal(t, http.StatusCreated, doJSON(t, server, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{SessionID: "chat"}).Code)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/chat/chat"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "chat", "payload": map[string]string{"prompt": "hi"}}))
	assert.Equal(t, device.TypeAck, readEnvelope(t, ws).Type)
	reply := readEnvelope(t, ws)
	require.Equal(t, device.TypeResponse, reply.Type)
	var body struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(reply.Payload, &body))
	assert.Equal(t, "[echo:foundation] Received: hi", body.Content)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "chat", "payload": map[string]string{}}))
	assert.Equal(t, device.TypeError, readEnvelope(t, ws).Type, "empty prompt")

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, device.TypePong, readEnvelope(t, ws).Type)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "dance"}))
	assert.Equal(t, device.TypeError, readEnvelope(t, ws).Type)
}

func TestEventStreamOverEmbeddedBus(t *testing.T) {
	server, _ := setupTestServer(t, func(c *config.Config, _ *Config) {
		c.NATS.Embedded = true
		c.NATS.EmbeddedPort = -1
		c.Hooks.NATS.Publish = true
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?kind=notification.push", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/notifications/ingest", map[string]string{
		"channel": "sms", "sender": "Mom", "content": "landed",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
			break
		}
	}
	require.Equal(t, "notification.push", event)
	assert.Contains(t, data, "landed")
}

type staticEvaluator struct{}

func (staticEvaluator) Evaluate(*events.Notification, rules.EvalContext) events.Decision {
	return events.Decision{Action: events.ActionSummarize, Rule: "static"}
}
