package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/amplifierd/internal/config"
	"github.com/fyrsmithlabs/amplifierd/internal/events"
	"github.com/fyrsmithlabs/amplifierd/internal/hooks"
)

func pushEvent() events.Outbound {
	return events.Outbound{
		Kind: events.KindNotificationPush,
		Time: time.Now(),
		Notification: &events.Notification{
			ID: "n1", Channel: "slack", Sender: "boss", Content: "ship it",
		},
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(config.WebhookConfig{URL: "http://x"}, nil)
	assert.ErrorIs(t, err, hooks.ErrInvalidHook)

	_, err = New(config.WebhookConfig{Name: "a"}, nil)
	assert.ErrorIs(t, err, hooks.ErrInvalidHook)
}

func TestSendPostsJSON(t *testing.T) {
	var got events.Outbound
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h, err := New(config.WebhookConfig{
		Name:    "ops",
		URL:     srv.URL,
		Headers: map[string]string{"X-Team": "infra"},
	}, nil)
	require.NoError(t, err)
	defer h.Stop(context.Background())

	ok, err := h.Send(context.Background(), pushEvent())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, events.KindNotificationPush, got.Kind)
	require.NotNil(t, got.Notification)
	assert.Equal(t, "ship it", got.Notification.Content)
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, "infra", header.Get("X-Team"))
	assert.Equal(t, events.KindNotificationPush, header.Get("X-Amplifier-Event"))
}

func TestSendNon2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	h, err := New(config.WebhookConfig{Name: "ops", URL: srv.URL}, nil)
	require.NoError(t, err)
	defer h.Stop(context.Background())

	ok, err := h.Send(context.Background(), pushEvent())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "502")
}

func TestShouldHandleFiltersKinds(t *testing.T) {
	all, err := New(config.WebhookConfig{Name: "all", URL: "http://127.0.0.1:1"}, nil)
	require.NoError(t, err)
	assert.True(t, all.ShouldHandle(events.Outbound{Kind: events.KindSessionOutput}))

	some, err := New(config.WebhookConfig{
		Name:   "some",
		URL:    "http://127.0.0.1:1",
		Events: []string{events.KindNotificationPush},
	}, nil)
	require.NoError(t, err)
	assert.True(t, some.ShouldHandle(events.Outbound{Kind: events.KindNotificationPush}))
	assert.False(t, some.ShouldHandle(events.Outbound{Kind: events.KindDirectPush}))
}

func TestRateLimitWaitsWithinDeadline(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	h, err := New(config.WebhookConfig{
		Name:      "slow",
		URL:       srv.URL,
		RateLimit: 0.1, // one token every ten seconds
		Burst:     1,
	}, nil)
	require.NoError(t, err)
	defer h.Stop(context.Background())

	ok, err := h.Send(context.Background(), pushEvent())
	require.NoError(t, err)
	assert.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ok, err = h.Send(ctx, pushEvent())
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, int32(1), hits.Load())
}

func TestOAuth2ClientCredentials(t *testing.T) {
	var tokenCalls atomic.Int32
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokens.Close()

	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	h, err := New(config.WebhookConfig{
		Name: "secure",
		URL:  srv.URL,
		OAuth2: &config.OAuth2Config{
			TokenURL:     tokens.URL,
			ClientID:     "amplifierd",
			ClientSecret: config.Secret("s3cret"),
		},
	}, nil)
	require.NoError(t, err)
	defer h.Stop(context.Background())

	for range 2 {
		ok, err := h.Send(context.Background(), pushEvent())
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, "Bearer tok-123", auth.Load())
	assert.Equal(t, int32(1), tokenCalls.Load(), "token is cached between sends")
}
