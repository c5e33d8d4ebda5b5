package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/logging"
)

var (
	// ErrNotFound is returned for device IDs that never registered.
	ErrNotFound = errors.New("device not found")

	// ErrValidation is returned for malformed registrations or envelopes.
	ErrValidation = errors.New("invalid device request")

	// ErrClosed is returned after the manager has been closed, or for a
	// heartbeat from a device whose link is gone.
	ErrClosed = errors.New("device manager closed")
)

// DeliveryError reports a failed write to one device.
type DeliveryError struct {
	DeviceID string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to device %s: %v", e.DeviceID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

var (
	devicesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "amplifierd",
		Name:      "devices",
		Help:      "Known devices by liveness state",
	}, []string{"state"})
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amplifierd",
		Subsystem: "device",
		Name:      "deliveries_total",
		Help:      "Device sends by status",
	}, []string{"status"})
)

// State is a device's liveness.
type State string

const (
	StateConnected    State = "connected"
	StateStale        State = "stale"
	StateDisconnected State = "disconnected"
)

// Status is the outcome of a single send.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusQueued    Status = "queued"
	StatusFailed    Status = "failed"
	StatusNotFound  Status = "not_found"
)

// Conn is a device's live link. The manager is its only writer and never
// calls Send concurrently for the same device.
type Conn interface {
	Send(ctx context.Context, env Envelope) error
	Close() error
}

// Metadata describes a device at handshake.
type Metadata struct {
	Name         string   `json:"device_name,omitempty"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Info is a point-in-time view of a device.
type Info struct {
	ID            string    `json:"device_id"`
	Metadata      Metadata  `json:"metadata"`
	State         State     `json:"state"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Pending       int       `json:"pending"`
	LastAck       string    `json:"last_ack,omitempty"`
}

// Delivery is the per-device result of a send or broadcast.
type Delivery struct {
	DeviceID string `json:"device_id"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
}

// NotificationHandler receives notification envelopes sent by devices.
type NotificationHandler func(ctx context.Context, deviceID string, env Envelope)

// Config controls liveness decay and offline queueing.
type Config struct {
	StaleAfter      time.Duration
	DisconnectAfter time.Duration
	SweepInterval   time.Duration
	MailboxSize     int
	SendTimeout     time.Duration

	// PingInterval is how often websocket links are pinged. A link with no
	// frame or pong for two intervals is closed. Zero disables pings.
	PingInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StaleAfter:      45 * time.Second,
		DisconnectAfter: 2 * time.Minute,
		SweepInterval:   5 * time.Second,
		MailboxSize:     100,
		SendTimeout:     5 * time.Second,
		PingInterval:    30 * time.Second,
	}
}

type device struct {
	id   string
	meta Metadata

	// Guarded by Manager.mu.
	state         State
	conn          Conn
	connectedAt   time.Time
	lastHeartbeat time.Time
	mailbox       []Envelope
	lastAck       string

	// sendMu serializes writes so mailbox flushes and new sends keep
	// arrival order. Taken before Manager.mu, never after.
	sendMu sync.Mutex
}

// Manager tracks devices and delivers envelopes to them.
type Manager struct {
	cfg    *Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	devices map[string]*device
	order   []string
	handler NotificationHandler
	closed  bool

	sweepOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewManager creates an empty device manager. Call Start to run the
// liveness sweeper.
func NewManager(cfg *Config, logger *zap.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultConfig().MailboxSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		devices: make(map[string]*device),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// OnNotification installs the handler for device-originated notifications.
func (m *Manager) OnNotification(h NotificationHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// RegisterOption adjusts Register.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	welcome bool
}

// WithWelcome makes Register send a welcome envelope carrying the device
// info on the new handle ahead of any queued envelope.
func WithWelcome() RegisterOption {
	return func(o *registerOptions) { o.welcome = true }
}

// Register binds conn to id. An existing handle is closed and replaced, and
// any queued envelopes are flushed to the new handle in arrival order.
func (m *Manager) Register(ctx context.Context, id string, conn Conn, meta Metadata, opts ...RegisterOption) (*Info, error) {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := logging.ValidateID(id, "device_id"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: nil connection", ErrValidation)
	}
	if meta.Platform == "" {
		meta.Platform = "unknown"
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	d, ok := m.devices[id]
	if !ok {
		d = &device{id: id, state: StateDisconnected}
		m.devices[id] = d
		m.order = append(m.order, id)
	}
	m.mu.Unlock()

	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	now := m.now()
	m.mu.Lock()
	old := d.conn
	d.conn = conn
	d.meta = meta
	d.state = StateConnected
	d.connectedAt = now
	d.lastHeartbeat = now
	m.updateGaugesLocked()
	m.mu.Unlock()

	if old != nil {
		m.logger.Info("device handle superseded", zap.String("device.id", id))
		if err := old.Close(); err != nil {
			m.logger.Debug("closing superseded handle", zap.String("device.id", id), zap.Error(err))
		}
	}

	if o.welcome {
		if err := m.sendWelcome(ctx, d, conn); err != nil {
			m.fail(d, conn, nil, err)
			return nil, fmt.Errorf("failed to send welcome to %s: %w", id, err)
		}
	}

	flushed := m.flushLocked(ctx, d, conn)
	m.logger.Info("device registered",
		zap.String("device.id", id),
		zap.String("platform", meta.Platform),
		zap.Int("flushed", flushed))

	return m.Get(id)
}

// sendWelcome writes the welcome envelope to conn. Caller holds d.sendMu.
func (m *Manager) sendWelcome(ctx context.Context, d *device, conn Conn) error {
	info, err := m.Get(d.id)
	if err != nil {
		return err
	}
	env, err := NewEnvelope(TypeWelcome, info)
	if err != nil {
		return err
	}
	return m.write(ctx, conn, env)
}

// flushLocked drains the mailbox to conn. Caller holds d.sendMu.
func (m *Manager) flushLocked(ctx context.Context, d *device, conn Conn) int {
	sent := 0
	for {
		m.mu.Lock()
		if d.conn != conn || len(d.mailbox) == 0 {
			m.mu.Unlock()
			return sent
		}
		pending := d.mailbox
		d.mailbox = nil
		m.mu.Unlock()

		for i, env := range pending {
			if err := m.write(ctx, conn, env); err != nil {
				m.fail(d, conn, pending[i:], err)
				return sent
			}
			sent++
		}
	}
}

// Heartbeat resets the staleness timer for id.
func (m *Manager) Heartbeat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.state == StateDisconnected {
		return fmt.Errorf("%w: device %s is disconnected", ErrClosed, id)
	}
	d.lastHeartbeat = m.now()
	if d.state == StateStale {
		d.state = StateConnected
		m.updateGaugesLocked()
	}
	return nil
}

// Send delivers env to id. Envelopes for a disconnected device are queued
// without blocking; the oldest is dropped when the mailbox is full.
func (m *Manager) Send(ctx context.Context, id string, env Envelope) (Status, error) {
	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		deliveriesTotal.WithLabelValues(string(StatusNotFound)).Inc()
		return StatusNotFound, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.state == StateDisconnected {
		m.enqueueLocked(d, env)
		m.mu.Unlock()
		deliveriesTotal.WithLabelValues(string(StatusQueued)).Inc()
		return StatusQueued, nil
	}
	m.mu.Unlock()

	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	m.mu.Lock()
	if d.state == StateDisconnected {
		m.enqueueLocked(d, env)
		m.mu.Unlock()
		deliveriesTotal.WithLabelValues(string(StatusQueued)).Inc()
		return StatusQueued, nil
	}
	conn := d.conn
	m.mu.Unlock()

	if err := m.write(ctx, conn, env); err != nil {
		m.fail(d, conn, []Envelope{env}, err)
		deliveriesTotal.WithLabelValues(string(StatusFailed)).Inc()
		return StatusFailed, &DeliveryError{DeviceID: id, Err: err}
	}
	deliveriesTotal.WithLabelValues(string(StatusDelivered)).Inc()
	return StatusDelivered, nil
}

// Broadcast sends env to every device accepted by filter. Results are
// reported per device in registration order.
func (m *Manager) Broadcast(ctx context.Context, env Envelope, filter Filter) []Delivery {
	if filter == nil {
		filter = All
	}
	var targets []string
	for _, info := range m.List() {
		if filter(info) {
			targets = append(targets, info.ID)
		}
	}
	return m.SendMany(ctx, targets, env)
}

// SendMany sends env to each of ids concurrently.
func (m *Manager) SendMany(ctx context.Context, ids []string, env Envelope) []Delivery {
	out := make([]Delivery, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := m.Send(ctx, id, env)
			out[i] = Delivery{DeviceID: id, Status: status}
			if err != nil {
				out[i].Error = err.Error()
			}
		}()
	}
	wg.Wait()
	return out
}

// Get returns a view of id.
func (m *Manager) Get(id string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	info := d.infoLocked()
	return &info, nil
}

// List returns every known device in first-registration order.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.devices[id].infoLocked())
	}
	return out
}

// Disconnect records that conn's link closed. It is a no-op when conn has
// already been superseded.
func (m *Manager) Disconnect(id string, conn Conn) {
	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok || d.conn != conn {
		m.mu.Unlock()
		return
	}
	d.conn = nil
	d.state = StateDisconnected
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Info("device disconnected", zap.String("device.id", id))
}

// HandleMessage processes an envelope received from id. Any inbound
// message counts as a sign of life.
func (m *Manager) HandleMessage(ctx context.Context, id string, env Envelope) error {
	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.state != StateDisconnected {
		d.lastHeartbeat = m.now()
		if d.state == StateStale {
			d.state = StateConnected
			m.updateGaugesLocked()
		}
	}
	handler := m.handler
	m.mu.Unlock()

	switch env.Type {
	case TypeHeartbeat, TypePing:
		return nil
	case TypeAck:
		ackID := env.ID
		if len(env.Payload) > 0 {
			var ack AckPayload
			if err := json.Unmarshal(env.Payload, &ack); err == nil && ack.ID != "" {
				ackID = ack.ID
			}
		}
		m.mu.Lock()
		d.lastAck = ackID
		m.mu.Unlock()
		return nil
	case TypeNotification:
		if handler == nil {
			m.logger.Warn("notification from device dropped, no handler", zap.String("device.id", id))
			return nil
		}
		handler(ctx, id, env)
		return nil
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrValidation, env.Type)
	}
}

// Sweep applies liveness decay as of now.
func (m *Manager) Sweep() {
	now := m.now()
	var toClose []Conn

	m.mu.Lock()
	changed := false
	for _, id := range m.order {
		d := m.devices[id]
		if d.state == StateDisconnected {
			continue
		}
		silent := now.Sub(d.lastHeartbeat)
		switch {
		case silent >= m.cfg.DisconnectAfter:
			if d.conn != nil {
				toClose = append(toClose, d.conn)
			}
			d.conn = nil
			d.state = StateDisconnected
			changed = true
			m.logger.Info("device heartbeat timeout", zap.String("device.id", id), zap.Duration("silent", silent))
		case silent >= m.cfg.StaleAfter && d.state == StateConnected:
			d.state = StateStale
			changed = true
			m.logger.Debug("device stale", zap.String("device.id", id), zap.Duration("silent", silent))
		}
	}
	if changed {
		m.updateGaugesLocked()
	}
	m.mu.Unlock()

	for _, c := range toClose {
		_ = c.Close()
	}
}

// Start runs the liveness sweeper until Close.
func (m *Manager) Start() {
	m.sweepOnce.Do(func() {
		go func() {
			defer close(m.done)
			t := time.NewTicker(m.cfg.SweepInterval)
			defer t.Stop()
			for {
				select {
				case <-m.stop:
					return
				case <-t.C:
					m.Sweep()
				}
			}
		}()
	})
}

// Close stops the sweeper and closes every handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var conns []Conn
	for _, d := range m.devices {
		if d.conn != nil {
			conns = append(conns, d.conn)
			d.conn = nil
		}
		d.state = StateDisconnected
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	close(m.stop)
	started := true
	m.sweepOnce.Do(func() { started = false })
	if started {
		<-m.done
	}

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of devices that are not disconnected.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.devices {
		if d.state != StateDisconnected {
			n++
		}
	}
	return n
}

func (m *Manager) write(ctx context.Context, conn Conn, env Envelope) error {
	if conn == nil {
		return errors.New("no connection")
	}
	if m.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.SendTimeout)
		defer cancel()
	}
	return conn.Send(ctx, env)
}

// fail marks d disconnected after a write error on conn and puts unsent
// envelopes back at the head of the mailbox.
func (m *Manager) fail(d *device, conn Conn, unsent []Envelope, err error) {
	m.mu.Lock()
	current := d.conn == conn
	if current {
		d.conn = nil
		d.state = StateDisconnected
	}
	rest := d.mailbox
	d.mailbox = nil
	for _, env := range unsent {
		m.enqueueLocked(d, env)
	}
	for _, env := range rest {
		m.enqueueLocked(d, env)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Warn("device write failed, queued for reconnect",
		zap.String("device.id", d.id), zap.Int("requeued", len(unsent)), zap.Error(err))
	if current {
		_ = conn.Close()
	}
}

func (m *Manager) enqueueLocked(d *device, env Envelope) {
	if len(d.mailbox) >= m.cfg.MailboxSize {
		dropped := d.mailbox[0]
		d.mailbox = d.mailbox[1:]
		m.logger.Warn("device mailbox full, dropping oldest",
			zap.String("device.id", d.id), zap.String("envelope.id", dropped.ID))
	}
	d.mailbox = append(d.mailbox, env)
}

func (m *Manager) updateGaugesLocked() {
	counts := map[State]int{StateConnected: 0, StateStale: 0, StateDisconnected: 0}
	for _, d := range m.devices {
		counts[d.state]++
	}
	for s, n := range counts {
		devicesByState.WithLabelValues(string(s)).Set(float64(n))
	}
}

func (d *device) infoLocked() Info {
	meta := d.meta
	meta.Capabilities = slices.Clone(d.meta.Capabilities)
	meta.Tags = slices.Clone(d.meta.Tags)
	return Info{
		ID:            d.id,
		Metadata:      meta,
		State:         d.state,
		ConnectedAt:   d.connectedAt,
		LastHeartbeat: d.lastHeartbeat,
		Pending:       len(d.mailbox),
		LastAck:       d.lastAck,
	}
}

// Filter selects broadcast targets.
type Filter func(Info) bool

// All accepts every device.
func All(Info) bool { return true }

// Connected accepts devices that are not disconnected.
func Connected(i Info) bool { return i.State != StateDisconnected }

// HasTag accepts devices carrying tag.
func HasTag(tag string) Filter {
	return func(i Info) bool { return containsFold(i.Metadata.Tags, tag) }
}

// HasCapability accepts devices advertising capability.
func HasCapability(capability string) Filter {
	return func(i Info) bool { return containsFold(i.Metadata.Capabilities, capability) }
}

// OnPlatform accepts devices on platform.
func OnPlatform(platform string) Filter {
	return func(i Info) bool { return strings.EqualFold(i.Metadata.Platform, platform) }
}

// And accepts devices accepted by every filter.
func And(filters ...Filter) Filter {
	return func(i Info) bool {
		for _, f := range filters {
			if !f(i) {
				return false
			}
		}
		return true
	}
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}
