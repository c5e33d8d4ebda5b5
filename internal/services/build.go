package services

import (
	"fmt"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/config"
	"github.com/fyrsmithlabs/amplifierd/internal/device"
	"github.com/fyrsmithlabs/amplifierd/internal/hooks"
	"github.com/fyrsmithlabs/amplifierd/internal/hooks/natsbus"
	"github.com/fyrsmithlabs/amplifierd/internal/notify"
	"github.com/fyrsmithlabs/amplifierd/internal/rules"
	"github.com/fyrsmithlabs/amplifierd/internal/secrets"
	"github.com/fyrsmithlabs/amplifierd/internal/session"
	"github.com/fyrsmithlabs/amplifierd/internal/store"
)

// host is the capability surface handed to hooks.
type host struct {
	sessions *session.Manager
	devices  *device.Manager
}

func (h host) Sessions() *session.Manager { return h.sessions }
func (h host) Devices() *device.Manager   { return h.devices }

// Build creates every service from cfg. Nothing runs until Start.
// On error, whatever was already opened is closed.
func Build(cfg *config.Config, logger *zap.Logger) (reg Registry, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	factory, err := session.NewRuntimeFactory(cfg.Sessions.Runtime, cfg.Sessions.Command)
	if err != nil {
		return nil, fmt.Errorf("session runtime: %w", err)
	}
	sessions := session.NewManager(&session.Config{
		DefaultBundle:   cfg.Sessions.DefaultBundle,
		StopGracePeriod: cfg.Sessions.StopGracePeriod.Duration(),
	}, factory, logger.Named("session"))

	devices := device.NewManager(&device.Config{
		StaleAfter:      cfg.Devices.StaleAfter.Duration(),
		DisconnectAfter: cfg.Devices.DisconnectAfter.Duration(),
		SweepInterval:   cfg.Devices.SweepInterval.Duration(),
		MailboxSize:     cfg.Devices.MailboxSize,
		SendTimeout:     cfg.Devices.SendTimeout.Duration(),
		PingInterval:    cfg.Devices.PingInterval.Duration(),
	}, logger.Named("device"))
	cleanup = append(cleanup, func() { _ = devices.Close() })

	hookCfg := hookConfig(cfg)
	if err := hookCfg.Validate(); err != nil {
		return nil, fmt.Errorf("hooks: %w", err)
	}
	hookReg := hooks.NewRegistry(hookCfg, host{sessions: sessions, devices: devices}, logger.Named("hooks"))

	engine, err := rules.NewEngine(cfg.Notifications.RulesPath, logger.Named("rules"))
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}

	history, err := store.Open(cfg.Notifications.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	cleanup = append(cleanup, func() { _ = history.Close() })

	deps := notify.Deps{
		Devices:  devices,
		Hooks:    hookReg,
		Sessions: sessions,
		History:  history,
	}
	if r := cfg.Notifications.Redaction; r.Enabled {
		scrubber, err := secrets.New(&secrets.Config{
			Enabled:     true,
			Replacement: r.Replacement,
			AllowList:   r.AllowList,
		})
		if err != nil {
			return nil, fmt.Errorf("redaction: %w", err)
		}
		deps.Redactor = scrubber
	}

	pipeline, err := notify.NewPipeline(&notify.Config{
		SummaryBufferSize: cfg.Notifications.SummaryBufferSize,
		DefaultSession:    cfg.Notifications.DefaultSession,
		ForwardToSession:  cfg.Notifications.ForwardToSession,
		PushDevices:       cfg.Notifications.PushDevices,
	}, engine, deps, logger.Named("notify"))
	if err != nil {
		return nil, fmt.Errorf("notifications: %w", err)
	}

	embedded, bus, err := connectBus(cfg.NATS, logger)
	if err != nil {
		return nil, err
	}
	if bus != nil {
		cleanup = append(cleanup, bus.Close)
	}
	if embedded != nil {
		cleanup = append(cleanup, embedded.Shutdown)
	}

	return NewRegistry(Options{
		Config:        cfg,
		Sessions:      sessions,
		Devices:       devices,
		Hooks:         hookReg,
		Notifications: pipeline,
		Rules:         engine,
		History:       history,
		Bus:           bus,
		Logger:        logger,
		embedded:      embedded,
	})
}

// connectBus starts the embedded broker when asked, then dials it or the
// configured URL. No URL and no embedded broker means no bus.
func connectBus(cfg config.NATSConfig, logger *zap.Logger) (*natsserver.Server, *nats.Conn, error) {
	url := cfg.URL
	var embedded *natsserver.Server
	if cfg.Embedded {
		srv, err := natsbus.StartEmbedded("127.0.0.1", cfg.EmbeddedPort)
		if err != nil {
			return nil, nil, err
		}
		embedded = srv
		url = srv.ClientURL()
		logger.Info("embedded NATS server started", zap.String("url", url))
	}
	if url == "" {
		return nil, nil, nil
	}
	nc, err := natsbus.Connect(url, logger.Named("nats"))
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, err
	}
	logger.Info("connected to NATS", zap.String("url", url))
	return embedded, nc, nil
}
