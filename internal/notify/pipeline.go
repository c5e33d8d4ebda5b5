package notify

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/device"
	"github.com/fyrsmithlabs/amplifierd/internal/events"
	"github.com/fyrsmithlabs/amplifierd/internal/logging"
	"github.com/fyrsmithlabs/amplifierd/internal/rules"
	"github.com/fyrsmithlabs/amplifierd/internal/session"
	"github.com/fyrsmithlabs/amplifierd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/amplifierd/internal/notify"

// DefaultSummaryKey buffers summarized events that resolve to no session.
const DefaultSummaryKey = "default"

// ErrValidation is returned for malformed events and push requests.
var ErrValidation = errors.New("invalid notification")

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "amplifierd",
	Name:      "notifications_total",
	Help:      "Ingested notifications by terminal action",
}, []string{"action"})

// Evaluator scores a notification. rules.Engine implements it.
type Evaluator interface {
	Evaluate(n *events.Notification, ec rules.EvalContext) events.Decision
}

// DeviceSender is the slice of device.Manager the pipeline pushes through.
type DeviceSender interface {
	SendMany(ctx context.Context, ids []string, env device.Envelope) []device.Delivery
	Broadcast(ctx context.Context, env device.Envelope, filter device.Filter) []device.Delivery
}

// Dispatcher offers outbound events to output hooks without blocking.
type Dispatcher interface {
	Dispatch(ctx context.Context, out events.Outbound)
}

// Injector forwards formatted notifications into a session.
type Injector interface {
	Inject(ctx context.Context, id, content string, role session.Role) error
}

// History records classified notifications. store.Store implements it.
type History interface {
	Record(ctx context.Context, n *events.Notification) error
	Recent(ctx context.Context, limit int) ([]store.Record, error)
}

// Config configures routing defaults.
type Config struct {
	// SummaryBufferSize bounds each session's summary buffer.
	SummaryBufferSize int

	// DefaultSession receives events whose decision names no session.
	DefaultSession string

	// ForwardToSession injects pushed and summarized events into the
	// target session's context.
	ForwardToSession bool

	// PushDevices are used when a push decision names no devices. Empty
	// means every registered device.
	PushDevices []string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{SummaryBufferSize: 200}
}

// Redactor masks sensitive text bound for agent sessions.
type Redactor interface {
	Redact(content string) string
}

// Deps are the pipeline's collaborators. Any of them may be nil.
type Deps struct {
	Devices  DeviceSender
	Hooks    Dispatcher
	Sessions Injector
	History  History
	Redactor Redactor
}

// Result reports what happened to one ingested event.
type Result struct {
	ID         string            `json:"id"`
	Action     events.Action     `json:"action"`
	Priority   events.Priority   `json:"priority"`
	Rule       string            `json:"rule"`
	Reasons    []string          `json:"reasons,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Deliveries []device.Delivery `json:"deliveries,omitempty"`
	Injected   bool              `json:"injected,omitempty"`
}

// PushRequest is a direct push from a session or agent.
type PushRequest struct {
	DeviceIDs []string `json:"device_ids,omitempty"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Urgency   string   `json:"urgency,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
	AppSource string   `json:"app_source,omitempty"`
	Actions   []string `json:"actions,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

// Counts is the count-only audit of suppressed events.
type Counts struct {
	Total     int64            `json:"total"`
	ByChannel map[string]int64 `json:"by_channel"`
	LastAt    time.Time        `json:"last_at,omitempty"`
	// ByAction counts every terminal action, not only suppress.
	ByAction map[string]int64 `json:"by_action"`
}

// Pipeline routes notifications to their terminal action.
type Pipeline struct {
	cfg      *Config
	eval     Evaluator
	devices  DeviceSender
	hooks    Dispatcher
	sessions Injector
	history  History
	redactor Redactor
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	focus atomic.Int32

	mu         sync.Mutex
	summaries  map[string]*ring
	suppressed map[string]int64
	total      int64
	lastSupp   time.Time
	byAction   map[events.Action]int64
}

// NewPipeline creates a pipeline scoring with eval.
func NewPipeline(cfg *Config, eval Evaluator, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if eval == nil {
		return nil, errors.New("evaluator is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SummaryBufferSize < 1 {
		return nil, fmt.Errorf("summary buffer size must be positive, got %d", cfg.SummaryBufferSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:        cfg,
		eval:       eval,
		devices:    deps.Devices,
		hooks:      deps.Hooks,
		sessions:   deps.Sessions,
		history:    deps.History,
		redactor:   deps.Redactor,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		now:        time.Now,
		summaries:  make(map[string]*ring),
		suppressed: make(map[string]int64),
		byAction:   make(map[events.Action]int64),
	}, nil
}

// Ingest validates, scores and dispatches one event.
func (p *Pipeline) Ingest(ctx context.Context, in events.Incoming) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "notify.ingest")
	defer span.End()

	if err := validate(in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	now := p.now()
	n := &events.Notification{
		ID:          uuid.NewString(),
		Source:      in.Source,
		DeviceID:    in.DeviceID,
		App:         strings.TrimSpace(in.App),
		Channel:     strings.TrimSpace(in.Channel),
		Sender:      strings.TrimSpace(in.Sender),
		Subject:     in.Subject,
		Content:     in.Content,
		SentAt:      in.Timestamp,
		ArrivedAt:   now,
		SessionHint: in.SessionID,
		Metadata:    maps.Clone(in.Metadata),
	}
	if n.Source == "" {
		n.Source = "api"
	}

	d := p.eval.Evaluate(n, rules.EvalContext{Now: now, Focus: p.Focus()})
	if !d.Action.Valid() {
		p.logger.Warn("evaluator returned no action, summarizing",
			zap.String("notification_id", n.ID), zap.String("rule", d.Rule))
		d.Action = events.ActionSummarize
	}
	if d.TargetSession == "" {
		d.TargetSession = p.cfg.DefaultSession
	}
	if err := n.Classify(d); err != nil {
		return nil, fmt.Errorf("classify %s: %w", n.ID, err)
	}

	span.SetAttributes(
		attribute.String("notification.id", n.ID),
		attribute.String("notification.channel", n.Channel),
		attribute.String("notification.action", string(d.Action)),
		attribute.String("notification.rule", d.Rule),
	)

	res := &Result{
		ID:        n.ID,
		Action:    d.Action,
		Priority:  d.Priority,
		Rule:      d.Rule,
		Reasons:   d.Reasons,
		SessionID: d.TargetSession,
	}

	switch d.Action {
	case events.ActionPush:
		if p.hooks != nil {
			p.hooks.Dispatch(ctx, events.Outbound{Kind: events.KindNotificationPush, Time: now, Notification: n})
		}
		res.Deliveries = p.deliver(ctx, n, d)
	case events.ActionSummarize:
		p.summarize(n, d)
	case events.ActionSuppress:
		p.suppress(n, now)
	}

	if p.cfg.ForwardToSession && d.Action != events.ActionSuppress && d.TargetSession != "" && p.sessions != nil {
		if err := p.sessions.Inject(ctx, d.TargetSession, p.redact(FormatForSession(n)), session.RoleUser); err != nil {
			p.logger.Warn("failed to forward notification to session",
				zap.String("notification_id", n.ID),
				zap.String("session_id", d.TargetSession),
				zap.Error(err))
		} else {
			res.Injected = true
		}
	}

	if p.history != nil {
		if err := p.history.Record(ctx, n); err != nil {
			p.logger.Warn("failed to record notification", zap.String("notification_id", n.ID), zap.Error(err))
		}
	}

	p.mu.Lock()
	p.byAction[d.Action]++
	p.mu.Unlock()
	notificationsTotal.WithLabelValues(string(d.Action)).Inc()

	p.logger.Info("notification routed",
		zap.String("notification_id", n.ID),
		zap.String("source", n.Source),
		zap.String("channel", n.Channel),
		zap.String("action", string(d.Action)),
		zap.Stringer("priority", d.Priority),
		zap.String("rule", d.Rule),
		logging.ContentField("content", n.Content))

	return res, nil
}

// IngestFunc adapts Ingest to callbacks that only report errors, such as
// the hook registry's poll sink.
func (p *Pipeline) IngestFunc() func(context.Context, events.Incoming) error {
	return func(ctx context.Context, in events.Incoming) error {
		_, err := p.Ingest(ctx, in)
		return err
	}
}

// Push sends a direct notification to devices and offers it to the output
// hooks. An empty device list broadcasts.
func (p *Pipeline) Push(ctx context.Context, req PushRequest) ([]device.Delivery, error) {
	ctx, span := p.tracer.Start(ctx, "notify.push")
	defer span.End()

	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Body) == "" {
		err := fmt.Errorf("%w: title or body is required", ErrValidation)
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}
	urgency := events.PriorityNormal
	if req.Urgency != "" {
		u, err := events.ParsePriority(req.Urgency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		urgency = u
	}

	if p.hooks != nil {
		p.hooks.Dispatch(ctx, events.Outbound{
			Kind: events.KindDirectPush,
			Time: p.now(),
			Data: map[string]any{
				"title":      req.Title,
				"body":       req.Body,
				"urgency":    urgency.String(),
				"session_id": req.SessionID,
				"device_ids": req.DeviceIDs,
			},
		})
	}

	deliveries := p.send(ctx, req.DeviceIDs, device.PushPayload{
		Title:     req.Title,
		Body:      req.Body,
		Urgency:   urgency.String(),
		Rationale: req.Rationale,
		AppSource: req.AppSource,
		Actions:   req.Actions,
	})
	span.SetAttributes(attribute.Int("push.targets", len(deliveries)))
	return deliveries, nil
}

// Summary returns the summarized events for sessionID, oldest first.
// drain empties the buffer.
func (p *Pipeline) Summary(sessionID string, drain bool) Summary {
	if sessionID == "" {
		sessionID = DefaultSummaryKey
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Summary{SessionID: sessionID, Entries: []Entry{}}
	r, ok := p.summaries[sessionID]
	if !ok {
		return s
	}
	s.Entries = r.entries()
	s.Evicted = r.evicted
	if drain {
		delete(p.summaries, sessionID)
	}
	return s
}

// Suppressed returns the count-only audit.
func (p *Pipeline) Suppressed() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := Counts{
		Total:     p.total,
		ByChannel: maps.Clone(p.suppressed),
		LastAt:    p.lastSupp,
		ByAction:  make(map[string]int64, len(p.byAction)),
	}
	for a, n := range p.byAction {
		c.ByAction[string(a)] = n
	}
	return c
}

// Recent returns the newest history records. Without a store it returns
// nothing.
func (p *Pipeline) Recent(ctx context.Context, limit int) ([]store.Record, error) {
	if p.history == nil {
		return []store.Record{}, nil
	}
	return p.history.Recent(ctx, limit)
}

// SetFocus overrides the rule set's focus default.
func (p *Pipeline) SetFocus(active bool) {
	mode := rules.FocusOff
	if active {
		mode = rules.FocusOn
	}
	p.focus.Store(int32(mode))
	p.logger.Info("focus mode changed", zap.Bool("active", active))
}

// ClearFocus returns focus control to the rule set.
func (p *Pipeline) ClearFocus() {
	p.focus.Store(int32(rules.FocusDefault))
}

// Focus returns the runtime focus override.
func (p *Pipeline) Focus() rules.FocusMode {
	return rules.FocusMode(p.focus.Load())
}

func (p *Pipeline) deliver(ctx context.Context, n *events.Notification, d events.Decision) []device.Delivery {
	targets := d.TargetDevices
	if len(targets) == 0 {
		targets = p.cfg.PushDevices
	}
	deliveries := p.send(ctx, targets, device.PushPayload{
		Title:     pushTitle(n),
		Body:      n.Content,
		Urgency:   d.Priority.String(),
		Rationale: strings.Join(d.Reasons, "; "),
		AppSource: n.SourceApp(),
	})
	for _, del := range deliveries {
		if del.Status == device.StatusFailed || del.Status == device.StatusNotFound {
			p.logger.Warn("push delivery failed",
				zap.String("notification_id", n.ID),
				zap.String("device_id", del.DeviceID),
				zap.String("status", string(del.Status)),
				zap.String("error", del.Error))
		}
	}
	return deliveries
}

func (p *Pipeline) send(ctx context.Context, targets []string, payload device.PushPayload) []device.Delivery {
	if p.devices == nil {
		return nil
	}
	env, err := device.NewEnvelope(device.TypeNotification, payload)
	if err != nil {
		p.logger.Error("failed to build push envelope", zap.Error(err))
		return nil
	}
	if len(targets) == 0 {
		return p.devices.Broadcast(ctx, env, device.All)
	}
	return p.devices.SendMany(ctx, targets, env)
}

func (p *Pipeline) summarize(n *events.Notification, d events.Decision) {
	key := d.TargetSession
	if key == "" {
		key = DefaultSummaryKey
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.summaries[key]
	if !ok {
		r = newRing(p.cfg.SummaryBufferSize)
		p.summaries[key] = r
	}
	r.push(Entry{
		ID:        n.ID,
		ArrivedAt: n.ArrivedAt,
		App:       n.SourceApp(),
		Channel:   n.Channel,
		Sender:    n.Sender,
		Subject:   p.redact(n.Subject),
		Content:   p.redact(n.Content),
		Priority:  d.Priority,
		Rule:      d.Rule,
	})
}

func (p *Pipeline) redact(s string) string {
	if p.redactor == nil || s == "" {
		return s
	}
	return p.redactor.Redact(s)
}

func (p *Pipeline) suppress(n *events.Notification, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suppressed[n.Channel]++
	p.total++
	p.lastSupp = now
}

func validate(in events.Incoming) error {
	var missing []string
	if strings.TrimSpace(in.Sender) == "" {
		missing = append(missing, "sender")
	}
	if strings.TrimSpace(in.Channel) == "" {
		missing = append(missing, "channel")
	}
	if strings.TrimSpace(in.Content) == "" {
		missing = append(missing, "content")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if in.SessionID != "" {
		if err := logging.ValidateID(in.SessionID, "session_id"); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

// FocusName renders m for API responses.
func FocusName(m rules.FocusMode) string {
	switch m {
	case rules.FocusOn:
		return "on"
	case rules.FocusOff:
		return "off"
	default:
		return "rules"
	}
}
