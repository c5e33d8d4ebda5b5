package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the config path inside it.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "amplifierd")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return filepath.Join(dir, "config.yaml")
}

func writeConfig(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
}

func TestLoad_Defaults(t *testing.T) {
	path := setupTestHome(t)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, "foundation", cfg.Sessions.DefaultBundle)
	assert.Equal(t, "echo", cfg.Sessions.Runtime)
	assert.Equal(t, 45*time.Second, cfg.Devices.StaleAfter.Duration())
	assert.Equal(t, 2*time.Minute, cfg.Devices.DisconnectAfter.Duration())
	assert.Equal(t, 100, cfg.Devices.MailboxSize)
	assert.Equal(t, 30*time.Second, cfg.Devices.PingInterval.Duration())
	assert.Equal(t, 200, cfg.Notifications.SummaryBufferSize)
	assert.Equal(t, "amplifier", cfg.NATS.SubjectPrefix)
	assert.Equal(t, "0.0.0.0:8420", cfg.Server.Addr())
}

func TestLoad_YAMLFile(t *testing.T) {
	path := setupTestHome(t)
	writeConfig(t, path, `
server:
  host: 127.0.0.1
  http_port: 9000
  api_key: s3cret
sessions:
  default_bundle: dev
  startup_bundles: [dev, ops]
  stop_grace_period: 2s
devices:
  stale_after: 10s
  disconnect_after: 30s
  mailbox_size: 3
hooks:
  output_timeout: 250ms
  webhooks:
    - name: slack
      url: https://hooks.example.com/x
      events: [notification.push]
      rate_limit: 2
notifications:
  rules_path: /tmp/rules.yaml
  forward_to_session: true
  redaction:
    enabled: true
    allow_list: ["^0000$"]
`, 0600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.APIKey.Value())
	assert.Equal(t, "[REDACTED]", cfg.Server.APIKey.String())
	assert.Equal(t, []string{"dev", "ops"}, cfg.Sessions.StartupBundles)
	assert.Equal(t, 2*time.Second, cfg.Sessions.StopGracePeriod.Duration())
	assert.Equal(t, 3, cfg.Devices.MailboxSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Hooks.OutputTimeout.Duration())
	require.Len(t, cfg.Hooks.Webhooks, 1)
	assert.Equal(t, "slack", cfg.Hooks.Webhooks[0].Name)
	assert.Equal(t, 1, cfg.Hooks.Webhooks[0].Burst)
	assert.Equal(t, 5*time.Second, cfg.Hooks.Webhooks[0].Timeout.Duration())
	assert.True(t, cfg.Notifications.ForwardToSession)
	assert.True(t, cfg.Notifications.Redaction.Enabled)
	assert.Equal(t, []string{"^0000$"}, cfg.Notifications.Redaction.AllowList)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := setupTestHome(t)
	writeConfig(t, path, "server:\n  http_port: 9000\n", 0600)

	t.Setenv("AMPLIFIER_SERVER_HTTP_PORT", "9100")
	t.Setenv("AMPLIFIER_SESSIONS_DEFAULT_BUNDLE", "from-env")
	t.Setenv("AMPLIFIER_DEVICES_STALE_AFTER", "20s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Sessions.DefaultBundle)
	assert.Equal(t, 20*time.Second, cfg.Devices.StaleAfter.Duration())
}

func TestLoad_Rejections(t *testing.T) {
	t.Run("insecure permissions", func(t *testing.T) {
		path := setupTestHome(t)
		writeConfig(t, path, "server:\n  http_port: 9000\n", 0644)

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure config file permissions")
	})

	t.Run("outside allowed directories", func(t *testing.T) {
		setupTestHome(t)
		path := filepath.Join(t.TempDir(), "config.yaml")

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config path validation failed")
	})

	t.Run("invalid values", func(t *testing.T) {
		path := setupTestHome(t)
		writeConfig(t, path, `
sessions:
  runtime: command
devices:
  stale_after: 1m
  disconnect_after: 30s
`, 0600)

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sessions.command is required")
		assert.Contains(t, err.Error(), "devices.disconnect_after")
	})
}

func TestValidate_Webhooks(t *testing.T) {
	tests := []struct {
		name    string
		hook    WebhookConfig
		wantErr string
	}{
		{"valid", WebhookConfig{Name: "a", URL: "https://example.com/hook"}, ""},
		{"missing name", WebhookConfig{URL: "https://example.com/hook"}, "name is required"},
		{"relative url", WebhookConfig{Name: "a", URL: "/hook"}, "absolute http(s) URL"},
		{"oauth2 incomplete", WebhookConfig{Name: "a", URL: "https://example.com", OAuth2: &OAuth2Config{ClientID: "x"}}, "oauth2 requires"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Hooks.Webhooks = []WebhookConfig{tt.hook}
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "Secret([REDACTED])", s.GoString())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(b))
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
