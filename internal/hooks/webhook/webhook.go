// Package webhook provides an output hook that POSTs outbound events as JSON.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/amplifierd/internal/config"
	"github.com/fyrsmithlabs/amplifierd/internal/events"
	"github.com/fyrsmithlabs/amplifierd/internal/hooks"
)

const (
	userAgent = "amplifierd-webhook/1"

	// maxDrain bounds how much of a response body is read before closing.
	maxDrain = 64 * 1024
)

// ErrRejected is returned when the receiver answers with a non-2xx status.
var ErrRejected = errors.New("webhook rejected event")

// Hook delivers outbound events to one HTTP endpoint.
type Hook struct {
	name    string
	url     string
	kinds   map[string]bool
	headers map[string]string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ hooks.OutputHook = (*Hook)(nil)

// New builds a webhook hook from its configuration.
//
// An empty event list selects every kind. A positive rate limit caps
// deliveries per second; Send waits for a token within its own deadline.
func New(cfg config.WebhookConfig, logger *zap.Logger) (*Hook, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: webhook name is required", hooks.ErrInvalidHook)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: webhook %s has no url", hooks.ErrInvalidHook, cfg.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	base := &http.Client{
		Timeout:   timeout,
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}

	client := base
	if cfg.OAuth2 != nil {
		cc := &clientcredentials.Config{
			ClientID:     cfg.OAuth2.ClientID,
			ClientSecret: cfg.OAuth2.ClientSecret.Value(),
			TokenURL:     cfg.OAuth2.TokenURL,
			Scopes:       cfg.OAuth2.Scopes,
		}
		// Token fetches outlive any single Send, so they run on a
		// background context carrying the bounded base client.
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = cc.Client(tokenCtx)
		client.Timeout = timeout
	}

	h := &Hook{
		name:    cfg.Name,
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  client,
		logger:  logger.With(zap.String("hook", cfg.Name)),
	}
	if len(cfg.Events) > 0 {
		h.kinds = make(map[string]bool, len(cfg.Events))
		for _, k := range cfg.Events {
			h.kinds[k] = true
		}
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return h, nil
}

// Name implements hooks.Hook.
func (h *Hook) Name() string { return h.name }

// Start implements hooks.Hook.
func (h *Hook) Start(context.Context, hooks.Host) error {
	h.logger.Info("webhook hook started", zap.String("url", h.url))
	return nil
}

// Stop implements hooks.Hook.
func (h *Hook) Stop(context.Context) error {
	h.client.CloseIdleConnections()
	return nil
}

// ShouldHandle reports whether out's kind is selected.
func (h *Hook) ShouldHandle(out events.Outbound) bool {
	return h.kinds == nil || h.kinds[out.Kind]
}

// Send POSTs out as JSON. Only a 2xx answer counts as delivered.
func (h *Hook) Send(ctx context.Context, out events.Outbound) (bool, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return false, fmt.Errorf("rate limit: %w", err)
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return false, fmt.Errorf("failed to encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Amplifier-Event", out.Kind)
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("post %s: %w", h.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("%w: %s answered %d", ErrRejected, h.name, resp.StatusCode)
	}
	h.logger.Debug("webhook delivered", zap.String("kind", out.Kind), zap.Int("status", resp.StatusCode))
	return true, nil
}
