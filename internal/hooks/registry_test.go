package hooks

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fyrsmithlabs/amplifierd/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects hook activity across hooks in call order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

type fakeOutput struct {
	name     string
	rec      *recorder
	startErr error
	stopErr  error
	handle   func(events.Outbound) bool
	send     func(ctx context.Context, out events.Outbound) (bool, error)
	host     Host
}

func (h *fakeOutput) Name() string { return h.name }

func (h *fakeOutput) Start(_ context.Context, host Host) error {
	h.host = host
	if h.rec != nil {
		h.rec.add("start:" + h.name)
	}
	return h.startErr
}

func (h *fakeOutput) Stop(context.Context) error {
	if h.rec != nil {
		h.rec.add("stop:" + h.name)
	}
	return h.stopErr
}

func (h *fakeOutput) ShouldHandle(out events.Outbound) bool {
	if h.handle != nil {
		return h.handle(out)
	}
	return true
}

func (h *fakeOutput) Send(ctx context.Context, out events.Outbound) (bool, error) {
	if h.rec != nil {
		h.rec.add("send:" + h.name)
	}
	if h.send != nil {
		return h.send(ctx, out)
	}
	return true, nil
}

type fakeInput struct {
	name  string
	items []events.Incoming
	err   error
	panic bool
	polls atomic.Int32
}

func (h *fakeInput) Name() string                     { return h.name }
func (h *fakeInput) Start(context.Context, Host) error { return nil }
func (h *fakeInput) Stop(context.Context) error        { return nil }

func (h *fakeInput) Poll(context.Context) (iter.Seq[events.Incoming], error) {
	h.polls.Add(1)
	if h.panic {
		panic("poll exploded")
	}
	if h.err != nil {
		return nil, h.err
	}
	return slices.Values(h.items), nil
}

func testConfig() *Config {
	return &Config{PollInterval: 20 * time.Millisecond, OutputTimeout: 50 * time.Millisecond, StartTimeout: 100 * time.Millisecond}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(testConfig(), nil, nil)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func outbound() events.Outbound {
	return events.Outbound{Kind: events.KindNotificationPush, Time: time.Now()}
}

func TestRegistry_UniqueNamesPerCategory(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterOutput(ctx, &fakeOutput{name: "webhook"}))
	err := r.RegisterOutput(ctx, &fakeOutput{name: "webhook"})
	assert.ErrorIs(t, err, ErrDuplicateName)

	require.NoError(t, r.RegisterInput(ctx, &fakeInput{name: "webhook"}))

	assert.ErrorIs(t, r.RegisterOutput(ctx, &fakeOutput{name: "  "}), ErrInvalidHook)
	assert.ErrorIs(t, r.RegisterOutput(ctx, nil), ErrInvalidHook)
	assert.ErrorIs(t, r.RegisterInput(ctx, nil), ErrInvalidHook)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, CategoryOutput, list[0].Category)
	assert.Equal(t, StateRunning, list[0].State)
	assert.Equal(t, CategoryInput, list[1].Category)
}

func TestRegistry_StartFailureIsFailClosed(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	err := r.RegisterOutput(ctx, &fakeOutput{name: "mailer", startErr: errors.New("smtp refused")})
	var hf *HookFailure
	require.ErrorAs(t, err, &hf)
	assert.Equal(t, "mailer", hf.Hook)
	assert.Equal(t, "start", hf.Op)
	assert.Empty(t, r.List())

	// The name is free again.
	require.NoError(t, r.RegisterOutput(ctx, &fakeOutput{name: "mailer"}))
}

type hangingStart struct{ fakeOutput }

func (h *hangingStart) Start(ctx context.Context, _ Host) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRegistry_StartTimeout(t *testing.T) {
	r := newTestRegistry(t)
	err := r.RegisterOutput(context.Background(), &hangingStart{fakeOutput{name: "slowpoke"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, r.List())
}

func TestRegistry_HostPassedToStart(t *testing.T) {
	host := struct{ Host }{}
	r := NewRegistry(testConfig(), host, nil)
	defer r.Close(context.Background())

	h := &fakeOutput{name: "h"}
	require.NoError(t, r.RegisterOutput(context.Background(), h))
	assert.Equal(t, Host(host), h.host)
}

func TestRegistry_DispatchInRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	rec := &recorder{}

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, r.RegisterOutput(ctx, &fakeOutput{name: name, rec: rec}))
	}
	require.NoError(t, r.RegisterOutput(ctx, &fakeOutput{
		name:   "picky",
		rec:    rec,
		handle: func(out events.Outbound) bool { return out.Kind == events.KindDirectPush },
	}))

	results := r.DispatchSync(ctx, outbound())
	require.Len(t, results, 4)
	assert.False(t, results[3].Handled)
	for _, res := range results {
		assert.NoError(t, res.Err)
	}
	assert.Equal(t, []string{
		"start:a", "start:b", "start:c", "start:picky",
		"send:a", "send:b", "send:c",
	}, rec.list())
}

func TestRegistry_SlowHookIsolated(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	rec := &recorder{}

	slow := &fakeOutput{name: "slow", rec: rec, send: func(ctx context.Context, _ events.Outbound) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}}
	require.NoError(t, r.RegisterOutput(ctx, slow))
	require.NoError(t, r.RegisterOutput(ctx, &fakeOutput{name: "fast", rec: rec}))

	results := r.DispatchSync(ctx, outbound())
	require.Len(t, results, 2)

	var hf *HookFailure
	require.ErrorAs(t, results[0].Err, &hf)
	assert.Equal(t, "slow", hf.Hook)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
	assert.NoError(t, results[1].Err)
	assert.Contains(t, rec.list(), "send:fast")

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, int64(1), infos[0].Failures)
	assert.Contains(t, infos[0].LastError, "deadline exceeded")
	assert.Equal(t, int64(0), infos[1].Failures)
}

func TestRegistry_PanicsAndFalseAreIsolated(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterOutput(ctx, &fakeOutput{name: "panics-send", send: func(context.Context, events.Outbound) (bool, error) {
		panic("boom")
	}}))
	require.NoError(t, r.RegisterOutput(ctx, &fakeOutput{name: "panics-filter", handle: func(events.Outbound) bool {
		panic("bad filter")
	}}))
	require.NoError(t, r.RegisterOutput(ctx, &fakeOutput{name: "refuses", send: func(context.Context, events.Outbound) (bool, error) {
		return false, nil
	}}))
	require.NoError(t, r.RegisterOutput(ctx, &fakeOutput{name: "fine"}))

	results := r.DispatchSync(ctx, outbound())
	require.Len(t, results, 4)
	assert.ErrorContains(t, results[0].Err, "panic: boom")
	assert.ErrorContains(t, results[1].Err, "panic: bad filter")
	assert.ErrorContains(t, results[2].Err, "delivery failure")
	assert.NoError(t, results[3].Err)

	for _, info := range r.List()[:3] {
		assert.Equal(t, int64(1), info.Failures, info.Name)
	}
}

func TestRegistry_DispatchIsAsync(t *testing.T) {
	r := NewRegistry(&Config{PollInterval: time.Second, OutputTimeout: 5 * time.Second, StartTimeout: time.Second}, nil, nil)
	ctx := context.Background()

	release := make(chan struct{})
	delivered := make(chan struct{})
	require.NoError(t, r.RegisterOutput(ctx, &fakeOutput{name: "blocking", send: func(context.Context, events.Outbound) (bool, error) {
		<-release
		close(delivered)
		return true, nil
	}}))

	start := time.Now()
	r.Dispatch(ctx, outbound())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(release)
	require.NoError(t, r.Close(ctx))
	select {
	case <-delivered:
	default:
		t.Fatal("Close returned before the in-flight dispatch finished")
	}

	// Dispatch after Close is dropped.
	r.Dispatch(ctx, outbound())
}

func TestRegistry_Unregister(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	rec := &recorder{}

	require.NoError(t, r.RegisterOutput(ctx, &fakeOutput{name: "x", rec: rec, stopErr: errors.New("already gone")}))
	require.NoError(t, r.Unregister(ctx, CategoryOutput, "x"))
	assert.Contains(t, rec.list(), "stop:x")
	assert.Empty(t, r.List())

	assert.ErrorIs(t, r.Unregister(ctx, CategoryOutput, "x"), ErrNotFound)
	assert.ErrorIs(t, r.Unregister(ctx, "sideways", "x"), ErrInvalidHook)
}

// gatedOutput blocks in Start until release is closed.
type gatedOutput struct {
	fakeOutput
	started chan struct{}
	release chan struct{}
}

func newGatedOutput(name string, rec *recorder) *gatedOutput {
	return &gatedOutput{
		fakeOutput: fakeOutput{name: name, rec: rec},
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (h *gatedOutput) Start(ctx context.Context, host Host) error {
	close(h.started)
	<-h.release
	return h.fakeOutput.Start(ctx, host)
}

func TestRegistry_UnregisterWhileStarting(t *testing.T) {
	cfg := testConfig()
	cfg.StartTimeout = 2 * time.Second
	r := NewRegistry(cfg, nil, nil)
	defer r.Close(context.Background())
	ctx := context.Background()
	rec := &recorder{}

	h := newGatedOutput("w", rec)
	errc := make(chan error, 1)
	go func() { errc <- r.RegisterOutput(ctx, h) }()
	<-h.started

	assert.ErrorIs(t, r.Unregister(ctx, CategoryOutput, "w"), ErrNotRunning)
	close(h.release)
	require.NoError(t, <-errc)

	infos := r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, StateRunning, infos[0].State)
	assert.Equal(t, []string{"start:w"}, rec.list())

	require.NoError(t, r.Unregister(ctx, CategoryOutput, "w"))
	assert.Equal(t, []string{"start:w", "stop:w"}, rec.list())
}

func TestRegistry_CloseWhileStarting(t *testing.T) {
	cfg := testConfig()
	cfg.StartTimeout = 2 * time.Second
	r := NewRegistry(cfg, nil, nil)
	ctx := context.Background()
	rec := &recorder{}

	h := newGatedOutput("w", rec)
	errc := make(chan error, 1)
	go func() { errc <- r.RegisterOutput(ctx, h) }()
	<-h.started

	require.NoError(t, r.Close(ctx))
	close(h.release)
	assert.ErrorIs(t, <-errc, ErrClosed)
	assert.Equal(t, []string{"start:w", "stop:w"}, rec.list(), "a hook started after Close is stopped")
	assert.Empty(t, r.List())
}

func TestRegistry_PollOnce(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	good := &fakeInput{name: "calendar", items: []events.Incoming{
		{Channel: "calendar", Sender: "cal", Content: "standup in 5"},
		{Channel: "calendar", Sender: "cal", Content: "1:1 moved", Source: "custom"},
	}}
	failing := &fakeInput{name: "mailbox", err: errors.New("imap down")}
	panicking := &fakeInput{name: "flaky", panic: true}
	for _, h := range []InputHook{failing, panicking, good} {
		require.NoError(t, r.RegisterInput(ctx, h))
	}

	var (
		mu  sync.Mutex
		got []events.Incoming
	)
	sink := func(_ context.Context, in events.Incoming) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, in)
		return nil
	}

	assert.Equal(t, 2, r.PollOnce(ctx, sink))
	require.Len(t, got, 2)
	assert.Equal(t, "standup in 5", got[0].Content)
	assert.Equal(t, "hook:calendar", got[0].Source)
	assert.Equal(t, "custom", got[1].Source)

	// Each poll is independent; failing hooks stay registered.
	assert.Equal(t, 2, r.PollOnce(ctx, sink))
	assert.Equal(t, int32(2), failing.polls.Load())
	assert.Equal(t, int32(2), panicking.polls.Load())

	for _, info := range r.List() {
		switch info.Name {
		case "mailbox", "flaky":
			assert.Equal(t, int64(2), info.Failures)
			assert.Equal(t, StateRunning, info.State)
		default:
			assert.Equal(t, int64(0), info.Failures)
		}
	}
}

func TestRegistry_StartPollingAndClose(t *testing.T) {
	r := NewRegistry(testConfig(), nil, nil)
	ctx := context.Background()
	rec := &recorder{}

	in := &fakeInput{name: "ticker", items: []events.Incoming{{Channel: "sys", Sender: "cron", Content: "tick"}}}
	require.NoError(t, r.RegisterInput(ctx, in))
	require.NoError(t, r.RegisterOutput(ctx, &fakeOutput{name: "first", rec: rec}))
	require.NoError(t, r.RegisterOutput(ctx, &fakeOutput{name: "second", rec: rec}))

	var n atomic.Int32
	r.StartPolling(ctx, func(context.Context, events.Incoming) error {
		n.Add(1)
		return nil
	})
	r.StartPolling(ctx, func(context.Context, events.Incoming) error { return nil })

	require.Eventually(t, func() bool { return n.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Close(ctx))
	require.NoError(t, r.Close(ctx))
	after := n.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, n.Load(), "polling stopped")

	calls := rec.list()
	assert.Equal(t, []string{"stop:second", "stop:first"}, calls[len(calls)-2:])
	assert.ErrorIs(t, r.RegisterOutput(ctx, &fakeOutput{name: "late"}), ErrClosed)
}
