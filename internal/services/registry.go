package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/config"
	"github.com/fyrsmithlabs/amplifierd/internal/device"
	"github.com/fyrsmithlabs/amplifierd/internal/events"
	"github.com/fyrsmithlabs/amplifierd/internal/hooks"
	"github.com/fyrsmithlabs/amplifierd/internal/hooks/natsbus"
	"github.com/fyrsmithlabs/amplifierd/internal/hooks/webhook"
	"github.com/fyrsmithlabs/amplifierd/internal/notify"
	"github.com/fyrsmithlabs/amplifierd/internal/rules"
	"github.com/fyrsmithlabs/amplifierd/internal/session"
	"github.com/fyrsmithlabs/amplifierd/internal/store"
)

// Registry provides access to all amplifierd services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Sessions() *session.Manager
	Devices() *device.Manager
	Hooks() *hooks.Registry
	Notifications() *notify.Pipeline
	Rules() *rules.Engine
	History() *store.Store
	Bus() *nats.Conn
	SubjectPrefix() string

	// Execute runs a prompt in a session and offers the response to the
	// output hooks as a session.output event.
	Execute(ctx context.Context, id, prompt string, opts ...session.ExecuteOption) (*session.Result, error)

	// Start launches background work: device liveness sweeps, rule file
	// watching, built-in hooks, input hook polling and startup bundles.
	Start(ctx context.Context) error

	// Shutdown stops hooks, sessions and devices, then closes storage
	// and the broker connection.
	Shutdown(ctx context.Context) error
}

// Options configures the registry with service instances. Sessions,
// Devices and Notifications are required; a nil Hooks gets a default hook
// registry hosted by this registry.
type Options struct {
	Config        *config.Config
	Sessions      *session.Manager
	Devices       *device.Manager
	Hooks         *hooks.Registry
	Notifications *notify.Pipeline
	Rules         *rules.Engine
	History       *store.Store
	Bus           *nats.Conn
	Logger        *zap.Logger

	// embedded is the in-process broker started by Build.
	embedded *natsserver.Server
}

// registry is the concrete implementation of Registry.
type registry struct {
	cfg           *config.Config
	sessions      *session.Manager
	devices       *device.Manager
	hooks         *hooks.Registry
	notifications *notify.Pipeline
	rules         *rules.Engine
	history       *store.Store
	bus           *nats.Conn
	embedded      *natsserver.Server
	logger        *zap.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	watchers sync.WaitGroup
}

var _ hooks.Host = (*registry)(nil)

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) (Registry, error) {
	if opts.Sessions == nil || opts.Devices == nil || opts.Notifications == nil {
		return nil, errors.New("sessions, devices and notifications are required")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &registry{
		cfg:           opts.Config,
		sessions:      opts.Sessions,
		devices:       opts.Devices,
		hooks:         opts.Hooks,
		notifications: opts.Notifications,
		rules:         opts.Rules,
		history:       opts.History,
		bus:           opts.Bus,
		embedded:      opts.embedded,
		logger:        opts.Logger,
	}
	if r.hooks == nil {
		r.hooks = hooks.NewRegistry(hookConfig(opts.Config), r, opts.Logger.Named("hooks"))
	}
	r.devices.OnNotification(r.handleDeviceNotification)
	return r, nil
}

func (r *registry) Sessions() *session.Manager      { return r.sessions }
func (r *registry) Devices() *device.Manager        { return r.devices }
func (r *registry) Hooks() *hooks.Registry          { return r.hooks }
func (r *registry) Notifications() *notify.Pipeline { return r.notifications }
func (r *registry) Rules() *rules.Engine            { return r.rules }
func (r *registry) History() *store.Store           { return r.history }
func (r *registry) Bus() *nats.Conn                 { return r.bus }
func (r *registry) SubjectPrefix() string           { return r.cfg.NATS.SubjectPrefix }

func (r *registry) Execute(ctx context.Context, id, prompt string, opts ...session.ExecuteOption) (*session.Result, error) {
	res, err := r.sessions.Execute(ctx, id, prompt, opts...)
	if err != nil {
		return nil, err
	}
	r.hooks.Dispatch(ctx, events.Outbound{
		Kind: events.KindSessionOutput,
		Time: time.Now(),
		Data: map[string]any{
			"session_id":  res.SessionID,
			"seq":         res.Seq,
			"response":    res.Response,
			"duration_ms": res.Duration.Milliseconds(),
		},
	})
	return res, nil
}

// Start is idempotent; only the first call launches anything.
func (r *registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.mu.Unlock()

	r.devices.Start()

	if r.rules != nil && r.cfg.Notifications.WatchRules {
		r.watchers.Add(1)
		go func() {
			defer r.watchers.Done()
			if err := r.rules.Watch(runCtx); err != nil {
				r.logger.Warn("rule file watch stopped", zap.Error(err))
			}
		}()
	}

	var errs []error
	if err := r.registerBuiltinHooks(ctx); err != nil {
		errs = append(errs, err)
	}
	r.hooks.StartPolling(runCtx, r.notifications.IngestFunc())

	if bundles := r.cfg.Sessions.StartupBundles; len(bundles) > 0 {
		infos, err := r.sessions.StartBundles(ctx, bundles)
		if err != nil {
			errs = append(errs, fmt.Errorf("startup bundles: %w", err))
		}
		for _, info := range infos {
			r.logger.Info("startup session created", zap.String("session_id", info.ID), zap.String("bundle", info.Bundle))
		}
	}
	return errors.Join(errs...)
}

func (r *registry) registerBuiltinHooks(ctx context.Context) error {
	var errs []error
	for _, wc := range r.cfg.Hooks.Webhooks {
		h, err := webhook.New(wc, r.logger.Named("webhook"))
		if err == nil {
			err = r.hooks.RegisterOutput(ctx, h)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", wc.Name, err))
		}
	}

	if r.bus == nil {
		return errors.Join(errs...)
	}
	prefix := r.cfg.NATS.SubjectPrefix
	if r.cfg.Hooks.NATS.Publish {
		if err := r.hooks.RegisterOutput(ctx, natsbus.NewPublisher(r.bus, prefix, r.logger)); err != nil {
			errs = append(errs, err)
		}
	}
	if r.cfg.Hooks.NATS.Subscribe {
		g := natsbus.NewIngest(r.bus, prefix, r.cfg.Hooks.NATS.BufferSize, r.logger)
		if err := r.hooks.RegisterInput(ctx, g); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleDeviceNotification feeds device-originated notifications into the
// pipeline and acknowledges them.
func (r *registry) handleDeviceNotification(ctx context.Context, deviceID string, env device.Envelope) {
	in, err := notify.FromDevice(deviceID, env.Payload)
	if err == nil {
		_, err = r.notifications.Ingest(ctx, in)
	}
	if err != nil {
		r.logger.Warn("device notification rejected", zap.String("device.id", deviceID), zap.Error(err))
		if errEnv, encErr := device.NewEnvelope(device.TypeError, map[string]string{"id": env.ID, "error": err.Error()}); encErr == nil {
			_, _ = r.devices.Send(ctx, deviceID, errEnv)
		}
		return
	}
	if ack, encErr := device.NewEnvelope(device.TypeAck, device.AckPayload{ID: env.ID}); encErr == nil {
		_, _ = r.devices.Send(ctx, deviceID, ack)
	}
}

// Shutdown is safe to call more than once.
func (r *registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()

	var errs []error
	if err := r.hooks.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hooks: %w", err))
	}
	if cancel != nil {
		cancel()
	}
	r.watchers.Wait()

	if err := r.sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	if err := r.devices.Close(); err != nil {
		errs = append(errs, fmt.Errorf("devices: %w", err))
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
		r.embedded.WaitForShutdown()
	}
	return errors.Join(errs...)
}

func hookConfig(cfg *config.Config) *hooks.Config {
	return &hooks.Config{
		PollInterval:  cfg.Hooks.PollInterval.Duration(),
		OutputTimeout: cfg.Hooks.OutputTimeout.Duration(),
		StartTimeout:  cfg.Hooks.StartTimeout.Duration(),
	}
}
