// Package config provides configuration loading for amplifierd.
//
// Configuration is read from a YAML file, overridden by AMPLIFIER_*
// environment variables, completed with defaults and validated.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds the complete amplifierd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Sessions      SessionsConfig      `koanf:"sessions"`
	Devices       DevicesConfig       `koanf:"devices"`
	Hooks         HooksConfig         `koanf:"hooks"`
	Notifications NotificationsConfig `koanf:"notifications"`
	NATS          NATSConfig          `koanf:"nats"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	APIKey          Secret   `koanf:"api_key"`
}

// SessionsConfig controls the session manager and its agent runtime.
type SessionsConfig struct {
	DefaultBundle   string   `koanf:"default_bundle"`
	StartupBundles  []string `koanf:"startup_bundles"`
	Runtime         string   `koanf:"runtime"` // echo | command
	Command         []string `koanf:"command"`
	StopGracePeriod Duration `koanf:"stop_grace_period"`
}

// DevicesConfig controls device liveness and offline queueing.
type DevicesConfig struct {
	StaleAfter      Duration `koanf:"stale_after"`
	DisconnectAfter Duration `koanf:"disconnect_after"`
	SweepInterval   Duration `koanf:"sweep_interval"`
	MailboxSize     int      `koanf:"mailbox_size"`
	SendTimeout     Duration `koanf:"send_timeout"`
	PingInterval    Duration `koanf:"ping_interval"`
}

// HooksConfig controls hook scheduling and the built-in hooks.
type HooksConfig struct {
	PollInterval  Duration        `koanf:"poll_interval"`
	OutputTimeout Duration        `koanf:"output_timeout"`
	StartTimeout  Duration        `koanf:"start_timeout"`
	Webhooks      []WebhookConfig `koanf:"webhooks"`
	NATS          NATSHookConfig  `koanf:"nats"`
}

// WebhookConfig configures one webhook output hook.
type WebhookConfig struct {
	Name      string            `koanf:"name"`
	URL       string            `koanf:"url"`
	Events    []string          `koanf:"events"`
	Timeout   Duration          `koanf:"timeout"`
	RateLimit float64           `koanf:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int               `koanf:"burst"`
	Headers   map[string]string `koanf:"headers"`
	OAuth2    *OAuth2Config     `koanf:"oauth2"`
}

// OAuth2Config enables client-credentials auth for a webhook.
type OAuth2Config struct {
	TokenURL     string   `koanf:"token_url"`
	ClientID     string   `koanf:"client_id"`
	ClientSecret Secret   `koanf:"client_secret"`
	Scopes       []string `koanf:"scopes"`
}

// NATSHookConfig toggles the NATS input and output hooks.
type NATSHookConfig struct {
	Publish    bool `koanf:"publish"`
	Subscribe  bool `koanf:"subscribe"`
	BufferSize int  `koanf:"buffer_size"`
}

// NotificationsConfig controls the notification pipeline.
type NotificationsConfig struct {
	RulesPath         string   `koanf:"rules_path"`
	WatchRules        bool     `koanf:"watch_rules"`
	SummaryBufferSize int      `koanf:"summary_buffer_size"`
	DefaultSession    string   `koanf:"default_session"`
	ForwardToSession  bool     `koanf:"forward_to_session"`
	PushDevices       []string `koanf:"push_devices"`
	HistoryPath       string   `koanf:"history_path"`

	// Redaction masks codes and credentials in text forwarded to sessions.
	Redaction RedactionConfig `koanf:"redaction"`
}

// RedactionConfig controls secret masking for session-bound notifications.
type RedactionConfig struct {
	Enabled     bool     `koanf:"enabled"`
	Replacement string   `koanf:"replacement"`
	AllowList   []string `koanf:"allow_list"`
}

// NATSConfig holds the broker connection. Embedded starts an in-process server.
type NATSConfig struct {
	URL           string `koanf:"url"`
	Embedded      bool   `koanf:"embedded"`
	EmbeddedPort  int    `koanf:"embedded_port"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"` // grpc | http/protobuf
	Insecure        bool   `koanf:"insecure"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Sessions.DefaultBundle == "" {
		cfg.Sessions.DefaultBundle = "foundation"
	}
	if cfg.Sessions.Runtime == "" {
		cfg.Sessions.Runtime = "echo"
	}
	if cfg.Sessions.StopGracePeriod == 0 {
		cfg.Sessions.StopGracePeriod = Duration(5 * time.Second)
	}

	if cfg.Devices.StaleAfter == 0 {
		cfg.Devices.StaleAfter = Duration(45 * time.Second)
	}
	if cfg.Devices.DisconnectAfter == 0 {
		cfg.Devices.DisconnectAfter = Duration(2 * time.Minute)
	}
	if cfg.Devices.SweepInterval == 0 {
		cfg.Devices.SweepInterval = Duration(5 * time.Second)
	}
	if cfg.Devices.MailboxSize == 0 {
		cfg.Devices.MailboxSize = 100
	}
	if cfg.Devices.SendTimeout == 0 {
		cfg.Devices.SendTimeout = Duration(5 * time.Second)
	}
	if cfg.Devices.PingInterval == 0 {
		cfg.Devices.PingInterval = Duration(30 * time.Second)
	}

	if cfg.Hooks.PollInterval == 0 {
		cfg.Hooks.PollInterval = Duration(2 * time.Second)
	}
	if cfg.Hooks.OutputTimeout == 0 {
		cfg.Hooks.OutputTimeout = Duration(5 * time.Second)
	}
	if cfg.Hooks.StartTimeout == 0 {
		cfg.Hooks.StartTimeout = Duration(10 * time.Second)
	}
	if cfg.Hooks.NATS.BufferSize == 0 {
		cfg.Hooks.NATS.BufferSize = 256
	}
	for i := range cfg.Hooks.Webhooks {
		if cfg.Hooks.Webhooks[i].Timeout == 0 {
			cfg.Hooks.Webhooks[i].Timeout = Duration(5 * time.Second)
		}
		if cfg.Hooks.Webhooks[i].RateLimit > 0 && cfg.Hooks.Webhooks[i].Burst == 0 {
			cfg.Hooks.Webhooks[i].Burst = 1
		}
	}

	if cfg.Notifications.SummaryBufferSize == 0 {
		cfg.Notifications.SummaryBufferSize = 200
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "amplifier"
	}
	if cfg.NATS.Embedded && cfg.NATS.EmbeddedPort == 0 {
		cfg.NATS.EmbeddedPort = 4222
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "amplifierd"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port))
	}

	switch c.Sessions.Runtime {
	case "echo":
	case "command":
		if len(c.Sessions.Command) == 0 {
			errs = append(errs, errors.New("sessions.command is required when sessions.runtime is \"command\""))
		}
	default:
		errs = append(errs, fmt.Errorf("sessions.runtime must be \"echo\" or \"command\", got %q", c.Sessions.Runtime))
	}

	if c.Devices.DisconnectAfter.Duration() <= c.Devices.StaleAfter.Duration() {
		errs = append(errs, fmt.Errorf("devices.disconnect_after (%s) must be greater than devices.stale_after (%s)",
			c.Devices.DisconnectAfter.Duration(), c.Devices.StaleAfter.Duration()))
	}
	if c.Devices.MailboxSize < 0 {
		errs = append(errs, fmt.Errorf("devices.mailbox_size must be >= 0, got %d", c.Devices.MailboxSize))
	}

	seen := make(map[string]bool, len(c.Hooks.Webhooks))
	for i, wh := range c.Hooks.Webhooks {
		if wh.Name == "" {
			errs = append(errs, fmt.Errorf("hooks.webhooks[%d].name is required", i))
		} else if seen[wh.Name] {
			errs = append(errs, fmt.Errorf("hooks.webhooks[%d].name %q is duplicated", i, wh.Name))
		}
		seen[wh.Name] = true
		if u, err := url.Parse(wh.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("hooks.webhooks[%d].url must be an absolute http(s) URL", i))
		}
		if wh.OAuth2 != nil && (wh.OAuth2.TokenURL == "" || wh.OAuth2.ClientID == "") {
			errs = append(errs, fmt.Errorf("hooks.webhooks[%d].oauth2 requires token_url and client_id", i))
		}
	}

	if (c.Hooks.NATS.Publish || c.Hooks.NATS.Subscribe) && c.NATS.URL == "" && !c.NATS.Embedded {
		errs = append(errs, errors.New("hooks.nats requires nats.url or nats.embedded"))
	}

	if c.Notifications.SummaryBufferSize < 1 {
		errs = append(errs, fmt.Errorf("notifications.summary_buffer_size must be >= 1, got %d", c.Notifications.SummaryBufferSize))
	}

	if c.Observability.Protocol != "grpc" && c.Observability.Protocol != "http/protobuf" {
		errs = append(errs, fmt.Errorf("observability.protocol must be \"grpc\" or \"http/protobuf\", got %q", c.Observability.Protocol))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be \"json\" or \"console\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
