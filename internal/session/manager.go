package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/amplifierd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/amplifierd/internal/session"

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "amplifierd",
		Name:      "sessions_active",
		Help:      "Sessions that are not stopped",
	})
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amplifierd",
		Subsystem: "session",
		Name:      "executions_total",
		Help:      "Execute calls by result",
	}, []string{"result"})
)

// Config configures the session manager.
type Config struct {
	// DefaultBundle is used when Create is called without a bundle.
	DefaultBundle string

	// StopGracePeriod bounds how long Stop waits for a canceled execution.
	StopGracePeriod time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultBundle:   "foundation",
		StopGracePeriod: 5 * time.Second,
	}
}

// Manager owns every session in the process.
//
// The registry lock guards only the session table. Each session carries a
// busy gate that admits one Execute at a time and a separate log lock that
// orders context-log appends from Execute and Inject.
type Manager struct {
	cfg     *Config
	factory RuntimeFactory
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	order    []string
}

type session struct {
	id        string
	bundle    string
	createdAt time.Time
	metadata  map[string]string
	runtime   Runtime

	gate chan struct{}

	stateMu  sync.Mutex
	state    State
	cancel   context.CancelFunc
	execDone chan struct{}
	killed   chan struct{}
	stopOnce sync.Once

	logMu        sync.Mutex
	log          []Message
	seq          uint64
	lastActivity time.Time
	lastError    string
}

// NewManager creates an empty session manager. A nil factory uses the echo
// runtime.
func NewManager(cfg *Config, factory RuntimeFactory, logger *zap.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if factory == nil {
		factory, _ = NewRuntimeFactory("echo", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Create starts a session bound to bundle. An empty id allocates one.
// The ID of a stopped session may be reused.
func (m *Manager) Create(ctx context.Context, bundle, id string) (*Info, error) {
	if bundle = strings.TrimSpace(bundle); bundle == "" {
		bundle = m.cfg.DefaultBundle
	}
	if id == "" {
		id = uuid.NewString()
	} else if err := logging.ValidateID(id, "session_id"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if m.live(id) {
		return nil, fmt.Errorf("%w: %s", ErrConflict, id)
	}

	rt, err := m.factory(ctx, id, bundle)
	if err != nil {
		return nil, fmt.Errorf("%w: create runtime for bundle %s: %v", ErrInternal, bundle, err)
	}

	now := m.now()
	s := &session{
		id:           id,
		bundle:       bundle,
		createdAt:    now,
		metadata:     map[string]string{},
		runtime:      rt,
		gate:         make(chan struct{}, 1),
		state:        StateIdle,
		killed:       make(chan struct{}),
		lastActivity: now,
	}

	m.mu.Lock()
	if old, ok := m.sessions[id]; ok {
		if old.currentState() != StateStopped {
			m.mu.Unlock()
			m.closeRuntime(ctx, id, rt)
			return nil, fmt.Errorf("%w: %s", ErrConflict, id)
		}
		m.removeOrderLocked(id)
	}
	m.sessions[id] = s
	m.order = append(m.order, id)
	m.mu.Unlock()

	sessionsActive.Inc()
	m.logger.Info("session created", zap.String("session.id", id), zap.String("bundle", bundle))
	return s.info(), nil
}

// StartBundles creates one session per bundle. Failures are logged and the
// remaining bundles still start; the joined error is returned.
func (m *Manager) StartBundles(ctx context.Context, bundles []string) ([]Info, error) {
	var (
		created []Info
		errs    []error
	)
	for _, b := range bundles {
		info, err := m.Create(ctx, b, "")
		if err != nil {
			m.logger.Error("startup session failed", zap.String("bundle", b), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		created = append(created, *info)
	}
	return created, errors.Join(errs...)
}

// Get returns a summary of session id.
func (m *Manager) Get(id string) (*Info, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.info(), nil
}

// List returns every session in creation order.
func (m *Manager) List() []Info {
	m.mu.Lock()
	ss := make([]*session, 0, len(m.order))
	for _, id := range m.order {
		ss = append(ss, m.sessions[id])
	}
	m.mu.Unlock()

	out := make([]Info, len(ss))
	for i, s := range ss {
		out[i] = *s.info()
	}
	return out
}

// Execute runs prompt through the session's runtime. It fails fast with
// ErrBusy while another execution is in flight. On success the prompt and
// response are appended to the context log together; on failure nothing is.
func (m *Manager) Execute(ctx context.Context, id, prompt string, opts ...ExecuteOption) (*Result, error) {
	ctx, span := m.tracer.Start(ctx, "session.execute")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))

	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrValidation)
	}

	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	select {
	case s.gate <- struct{}{}:
	default:
		executionsTotal.WithLabelValues("busy").Inc()
		return nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer func() { <-s.gate }()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done, err := s.begin(cancel)
	if err != nil {
		return nil, err
	}

	req := Request{SessionID: s.id, Bundle: s.bundle, Prompt: prompt, History: s.history()}
	for _, opt := range opts {
		opt(&req)
	}

	type outcome struct {
		out string
		err error
	}
	resCh := make(chan outcome, 1)
	start := m.now()
	go func() {
		out, err := s.runtime.Execute(execCtx, req)
		resCh <- outcome{out, err}
	}()

	var res outcome
	select {
	case res = <-resCh:
	case <-s.killed:
		// Stop gave up waiting; the runtime's eventual result is discarded.
		s.end(done)
		executionsTotal.WithLabelValues("stopped").Inc()
		return nil, fmt.Errorf("%w: %s", ErrStopped, id)
	}
	stopping := s.end(done)

	if res.err != nil {
		if stopping {
			executionsTotal.WithLabelValues("stopped").Inc()
			return nil, fmt.Errorf("%w: %s", ErrStopped, id)
		}
		s.setError(res.err)
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		executionsTotal.WithLabelValues("error").Inc()
		m.logger.Warn("session execute failed",
			zap.String("session.id", id), zap.String("bundle", s.bundle), zap.Error(res.err))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, res.err)
	}
	if stopping {
		executionsTotal.WithLabelValues("stopped").Inc()
		return nil, fmt.Errorf("%w: %s", ErrStopped, id)
	}

	now := m.now()
	seq := s.appendPair(prompt, res.out, now)
	executionsTotal.WithLabelValues("ok").Inc()

	return &Result{
		SessionID: id,
		Response:  res.out,
		Seq:       seq,
		Duration:  now.Sub(start),
	}, nil
}

// Inject appends content to the context log without running the agent.
// It does not take the busy gate and may run while an Execute is pending.
func (m *Manager) Inject(ctx context.Context, id, content string, role Role) error {
	if role == "" {
		role = RoleUser
	}
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if content == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}

	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if st := s.currentState(); st == StateStopping || st == StateStopped {
		return fmt.Errorf("%w: %s", ErrStopped, id)
	}

	s.logMu.Lock()
	s.appendLocked(role, content, m.now())
	s.logMu.Unlock()

	m.logger.Debug("content injected",
		zap.String("session.id", id), zap.String("role", string(role)), logging.ContentField("content", content))
	return nil
}

// SetMetadata attaches a string label shown in the session summary.
func (m *Manager) SetMetadata(id, key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: metadata key is required", ErrValidation)
	}
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.logMu.Lock()
	s.metadata[key] = value
	s.logMu.Unlock()
	return nil
}

// History returns a copy of the context log.
func (m *Manager) History(id string) ([]Message, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.history(), nil
}

// Clear empties the context log. Sequence numbers keep increasing.
func (m *Manager) Clear(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.logMu.Lock()
	s.log = nil
	s.lastActivity = m.now()
	s.logMu.Unlock()
	return nil
}

// Stop cancels any in-flight execution, waits up to the grace period for
// it to return, then marks the session stopped. Concurrent and repeated
// calls all return once the session is stopped.
func (m *Manager) Stop(ctx context.Context, id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.stopOnce.Do(func() { m.stop(ctx, s) })
	return nil
}

func (m *Manager) stop(ctx context.Context, s *session) {
	s.stateMu.Lock()
	s.state = StateStopping
	cancel, done := s.cancel, s.execDone
	s.stateMu.Unlock()

	if cancel != nil {
		cancel()
		timer := time.NewTimer(m.cfg.StopGracePeriod)
		select {
		case <-done:
		case <-timer.C:
			m.logger.Warn("session did not stop within grace period, forcing",
				zap.String("session.id", s.id), zap.Duration("grace", m.cfg.StopGracePeriod))
			close(s.killed)
		case <-ctx.Done():
			close(s.killed)
		}
		timer.Stop()
	}

	m.closeRuntime(ctx, s.id, s.runtime)

	s.stateMu.Lock()
	s.state = StateStopped
	s.stateMu.Unlock()
	s.touch(m.now())

	sessionsActive.Dec()
	m.logger.Info("session stopped", zap.String("session.id", s.id))
}

// Shutdown stops every live session concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Stop(gctx, id); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("stop %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Count returns the number of sessions that are not stopped.
func (m *Manager) Count() int {
	n := 0
	for _, info := range m.List() {
		if info.State != StateStopped {
			n++
		}
	}
	return n
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func (m *Manager) live(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	return ok && s.currentState() != StateStopped
}

func (m *Manager) removeOrderLocked(id string) {
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *Manager) closeRuntime(ctx context.Context, id string, rt Runtime) {
	if err := rt.Close(ctx); err != nil {
		m.logger.Warn("runtime close failed", zap.String("session.id", id), zap.Error(err))
	}
}

// begin marks the session running. It fails once stop has started.
func (s *session) begin(cancel context.CancelFunc) (chan struct{}, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == StateStopping || s.state == StateStopped {
		return nil, fmt.Errorf("%w: %s", ErrStopped, s.id)
	}
	s.state = StateRunning
	s.cancel = cancel
	s.execDone = make(chan struct{})
	return s.execDone, nil
}

// end releases the running state and reports whether stop began meanwhile.
func (s *session) end(done chan struct{}) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	stopping := s.state != StateRunning
	if !stopping {
		s.state = StateIdle
	}
	s.cancel = nil
	close(done)
	return stopping
}

func (s *session) currentState() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *session) appendPair(prompt, response string, now time.Time) uint64 {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	s.appendLocked(RoleUser, prompt, now)
	return s.appendLocked(RoleAssistant, response, now)
}

func (s *session) appendLocked(role Role, content string, now time.Time) uint64 {
	s.seq++
	s.log = append(s.log, Message{Seq: s.seq, Role: role, Content: content, Time: now})
	s.lastActivity = now
	return s.seq
}

func (s *session) history() []Message {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return append([]Message(nil), s.log...)
}

func (s *session) setError(err error) {
	s.logMu.Lock()
	s.lastError = err.Error()
	s.logMu.Unlock()
}

func (s *session) touch(now time.Time) {
	s.logMu.Lock()
	s.lastActivity = now
	s.logMu.Unlock()
}

func (s *session) info() *Info {
	state := s.currentState()
	s.logMu.Lock()
	defer s.logMu.Unlock()
	md := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		md[k] = v
	}
	return &Info{
		ID:           s.id,
		Bundle:       s.bundle,
		State:        state,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		MessageCount: len(s.log),
		LastError:    s.lastError,
		Metadata:     md,
	}
}
