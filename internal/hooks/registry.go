package hooks

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/amplifierd/internal/events"
)

const instrumentationName = "github.com/fyrsmithlabs/amplifierd/internal/hooks"

var (
	hookFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amplifierd",
		Name:      "hook_failures_total",
		Help:      "Isolated hook failures by hook and operation",
	}, []string{"hook", "op"})
	hookInputs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amplifierd",
		Subsystem: "hooks",
		Name:      "input_events_total",
		Help:      "Events produced by input hooks",
	}, []string{"hook"})
)

type entry struct {
	name     string
	category Category
	hook     Hook
	input    InputHook
	output   OutputHook
	order    int

	// Guarded by Registry.mu.
	state       State
	failures    int64
	lastError   string
	lastFailure time.Time
}

// Registry holds input and output hooks and drives their lifecycle.
//
// The registry lock covers membership and state only; it is never held
// while a hook method runs.
type Registry struct {
	cfg    *Config
	host   Host
	logger *zap.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	inputs  []*entry
	outputs []*entry
	next    int
	closed  bool

	dispatches sync.WaitGroup

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewRegistry creates an empty registry. host is passed to every Start.
func NewRegistry(cfg *Config, host Host, logger *zap.Logger) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:    cfg,
		host:   host,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
}

// RegisterInput starts h and adds it to the poll set.
func (r *Registry) RegisterInput(ctx context.Context, h InputHook) error {
	if h == nil {
		return fmt.Errorf("%w: nil input hook", ErrInvalidHook)
	}
	return r.register(ctx, &entry{category: CategoryInput, hook: h, input: h})
}

// RegisterOutput starts h and appends it to the dispatch order.
func (r *Registry) RegisterOutput(ctx context.Context, h OutputHook) error {
	if h == nil {
		return fmt.Errorf("%w: nil output hook", ErrInvalidHook)
	}
	return r.register(ctx, &entry{category: CategoryOutput, hook: h, output: h})
}

func (r *Registry) register(ctx context.Context, e *entry) error {
	e.name = strings.TrimSpace(e.hook.Name())
	if e.name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidHook)
	}

	// Reserve the name in the starting state so a concurrent duplicate
	// fails; dispatch and polling skip hooks that are not running.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	list := r.listLocked(e.category)
	if slices.ContainsFunc(*list, func(x *entry) bool { return x.name == e.name }) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrDuplicateName, e.category, e.name)
	}
	e.state = StateStarting
	e.order = r.next
	r.next++
	*list = append(*list, e)
	r.mu.Unlock()

	err := r.call(ctx, r.cfg.StartTimeout, func(ctx context.Context) error { return e.hook.Start(ctx, r.host) })

	r.mu.Lock()
	if err != nil {
		r.removeLocked(e)
		r.mu.Unlock()
		hookFailures.WithLabelValues(e.name, "start").Inc()
		r.logger.Error("hook start failed, not registered",
			zap.String("hook", e.name), zap.String("category", string(e.category)), zap.Error(err))
		return &HookFailure{Hook: e.name, Op: "start", Err: err}
	}
	if !slices.Contains(*r.listLocked(e.category), e) {
		// Close ran while Start was in flight; the entry is no longer owned.
		e.state = StateStopping
		r.mu.Unlock()
		r.stop(ctx, e)
		return ErrClosed
	}
	e.state = StateRunning
	r.mu.Unlock()

	r.logger.Info("hook registered", zap.String("hook", e.name), zap.String("category", string(e.category)))
	return nil
}

// Unregister removes the named running hook and stops it. Stop errors are
// logged, not returned. A hook that is still starting is left alone and
// ErrNotRunning is returned.
func (r *Registry) Unregister(ctx context.Context, category Category, name string) error {
	if category != CategoryInput && category != CategoryOutput {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidHook, category)
	}
	r.mu.Lock()
	var found *entry
	for _, e := range *r.listLocked(category) {
		if e.name == name {
			found = e
			break
		}
	}
	if found == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrNotFound, category, name)
	}
	if found.state != StateRunning {
		state := found.state
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %s is %s", ErrNotRunning, category, name, state)
	}
	found.state = StateStopping
	r.removeLocked(found)
	r.mu.Unlock()

	r.stop(ctx, found)
	return nil
}

func (r *Registry) stop(ctx context.Context, e *entry) {
	if err := r.call(ctx, r.cfg.StartTimeout, e.hook.Stop); err != nil {
		hookFailures.WithLabelValues(e.name, "stop").Inc()
		r.logger.Warn("hook stop failed", zap.String("hook", e.name), zap.Error(err))
	}
	r.mu.Lock()
	e.state = StateStopped
	r.mu.Unlock()
	r.logger.Info("hook unregistered", zap.String("hook", e.name), zap.String("category", string(e.category)))
}

// Dispatch offers out to the output hooks in the background and returns
// immediately.
func (r *Registry) Dispatch(ctx context.Context, out events.Outbound) {
	r.mu.Lock()
	if r.closed || len(r.outputs) == 0 {
		r.mu.Unlock()
		return
	}
	r.dispatches.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.dispatches.Done()
		r.DispatchSync(context.WithoutCancel(ctx), out)
	}()
}

// DispatchSync offers out to every running output hook in registration
// order and waits for each, bounded by the output timeout.
func (r *Registry) DispatchSync(ctx context.Context, out events.Outbound) []Result {
	ctx, span := r.tracer.Start(ctx, "hooks.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("event.kind", out.Kind))

	r.mu.Lock()
	targets := make([]*entry, 0, len(r.outputs))
	for _, e := range r.outputs {
		if e.state == StateRunning {
			targets = append(targets, e)
		}
	}
	r.mu.Unlock()

	results := make([]Result, 0, len(targets))
	for _, e := range targets {
		res := Result{Hook: e.name}

		wants, err := r.shouldHandle(e, out)
		if err != nil {
			res.Err = r.fail(e, "should_handle", err)
			results = append(results, res)
			continue
		}
		if !wants {
			results = append(results, res)
			continue
		}

		res.Handled = true
		var ok bool
		err = r.call(ctx, r.cfg.OutputTimeout, func(ctx context.Context) error {
			var sendErr error
			ok, sendErr = e.output.Send(ctx, out)
			return sendErr
		})
		switch {
		case err != nil:
			res.Err = r.fail(e, "send", err)
		case !ok:
			res.Err = r.fail(e, "send", errors.New("hook reported delivery failure"))
		}
		results = append(results, res)
	}
	span.SetAttributes(attribute.Int("hooks.offered", len(targets)))
	return results
}

func (r *Registry) shouldHandle(e *entry, out events.Outbound) (wants bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return e.output.ShouldHandle(out), nil
}

// PollOnce polls every running input hook once and feeds each event to
// sink. A hook whose poll fails is skipped for this cycle only.
func (r *Registry) PollOnce(ctx context.Context, sink Sink) int {
	r.mu.Lock()
	targets := make([]*entry, 0, len(r.inputs))
	for _, e := range r.inputs {
		if e.state == StateRunning {
			targets = append(targets, e)
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, e := range targets {
		var seq iter.Seq[events.Incoming]
		err := r.call(ctx, r.cfg.PollInterval, func(ctx context.Context) error {
			var pollErr error
			seq, pollErr = e.input.Poll(ctx)
			return pollErr
		})
		if err != nil {
			r.fail(e, "poll", err)
			continue
		}
		if seq == nil {
			continue
		}

		err = r.guard(ctx, func(ctx context.Context) error {
			for in := range seq {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if in.Source == "" {
					in.Source = "hook:" + e.name
				}
				hookInputs.WithLabelValues(e.name).Inc()
				if err := sink(ctx, in); err != nil {
					r.logger.Warn("input hook event rejected", zap.String("hook", e.name), zap.Error(err))
					continue
				}
				delivered++
			}
			return nil
		})
		if err != nil {
			r.fail(e, "poll", err)
		}
	}
	return delivered
}

// StartPolling runs PollOnce every poll interval until ctx is done or the
// registry is closed.
func (r *Registry) StartPolling(ctx context.Context, sink Sink) {
	r.pollMu.Lock()
	defer r.pollMu.Unlock()
	if r.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.pollCancel, r.pollDone = cancel, done

	go func() {
		defer close(done)
		t := time.NewTicker(r.cfg.PollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.PollOnce(ctx, sink)
			}
		}
	}()
}

// List returns every registered hook in registration order.
func (r *Registry) List() []Info {
	r.mu.Lock()
	all := append(append([]*entry(nil), r.inputs...), r.outputs...)
	out := make([]Info, len(all))
	for i, e := range all {
		out[i] = Info{
			Name:        e.name,
			Category:    e.category,
			State:       e.state,
			Order:       e.order,
			Failures:    e.failures,
			LastError:   e.lastError,
			LastFailure: e.lastFailure,
		}
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Info) int { return a.Order - b.Order })
	return out
}

// Close stops polling, waits for in-flight dispatches and unregisters every
// hook in reverse registration order.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.pollMu.Lock()
	if r.pollCancel != nil {
		r.pollCancel()
		<-r.pollDone
	}
	r.pollMu.Unlock()

	r.dispatches.Wait()

	r.mu.Lock()
	// Hooks still starting are stopped by their own register call.
	var all []*entry
	for _, e := range append(append([]*entry(nil), r.inputs...), r.outputs...) {
		if e.state == StateRunning {
			e.state = StateStopping
			all = append(all, e)
		}
	}
	r.inputs, r.outputs = nil, nil
	r.mu.Unlock()

	slices.SortFunc(all, func(a, b *entry) int { return b.order - a.order })
	for _, e := range all {
		r.stop(ctx, e)
	}
	return nil
}

// call runs fn on its own goroutine bounded by timeout. Panics and
// timeouts come back as errors; a call that ignores its context is left to
// finish on its own.
func (r *Registry) call(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
			ch <- err
		}()
		err = fn(ctx)
	}()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timed out after %s: %w", timeout, ctx.Err())
	}
}

// guard runs fn and converts a panic into an error.
func (r *Registry) guard(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// fail records a failure against e and returns it as a HookFailure.
func (r *Registry) fail(e *entry, op string, err error) error {
	hf := &HookFailure{Hook: e.name, Op: op, Err: err}

	r.mu.Lock()
	e.failures++
	e.lastError = hf.Error()
	e.lastFailure = time.Now()
	r.mu.Unlock()

	hookFailures.WithLabelValues(e.name, op).Inc()
	r.logger.Warn("hook failure isolated", zap.String("hook", e.name), zap.String("op", op), zap.Error(err))
	return hf
}

func (r *Registry) listLocked(c Category) *[]*entry {
	if c == CategoryInput {
		return &r.inputs
	}
	return &r.outputs
}

func (r *Registry) removeLocked(e *entry) {
	list := r.listLocked(e.category)
	*list = slices.DeleteFunc(*list, func(x *entry) bool { return x == e })
}
