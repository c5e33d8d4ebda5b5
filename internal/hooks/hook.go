package hooks

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/fyrsmithlabs/amplifierd/internal/device"
	"github.com/fyrsmithlabs/amplifierd/internal/events"
	"github.com/fyrsmithlabs/amplifierd/internal/session"
)

var (
	// ErrDuplicateName is returned when a hook name is taken in its category.
	ErrDuplicateName = errors.New("hook name already registered")

	// ErrNotFound is returned by Unregister for unknown names.
	ErrNotFound = errors.New("hook not found")

	// ErrInvalidHook is returned for nil hooks or empty names.
	ErrInvalidHook = errors.New("invalid hook")

	// ErrNotRunning is returned by Unregister for a hook that is still
	// starting or already stopping.
	ErrNotRunning = errors.New("hook not running")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("hook registry closed")
)

// HookFailure records a failure isolated to one hook.
type HookFailure struct {
	Hook string
	Op   string
	Err  error
}

func (f *HookFailure) Error() string {
	return fmt.Sprintf("hook %s %s: %v", f.Hook, f.Op, f.Err)
}

func (f *HookFailure) Unwrap() error { return f.Err }

// Host is the server capability surface handed to hooks on Start.
type Host interface {
	Sessions() *session.Manager
	Devices() *device.Manager
}

// Hook is the lifecycle every hook shares.
type Hook interface {
	Name() string
	Start(ctx context.Context, host Host) error
	Stop(ctx context.Context) error
}

// InputHook produces synthetic events. Each Poll is independent and
// returns a finite sequence of the events pending right now.
type InputHook interface {
	Hook
	Poll(ctx context.Context) (iter.Seq[events.Incoming], error)
}

// OutputHook delivers outbound events to a side channel.
//
// ShouldHandle must be cheap and must not block. Send reports whether the
// event was delivered; false or an error counts as a failure.
type OutputHook interface {
	Hook
	ShouldHandle(out events.Outbound) bool
	Send(ctx context.Context, out events.Outbound) (bool, error)
}

// Category distinguishes input from output hooks.
type Category string

const (
	CategoryInput  Category = "input"
	CategoryOutput Category = "output"
)

// State is a hook's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Info describes a registered hook.
type Info struct {
	Name        string    `json:"name"`
	Category    Category  `json:"category"`
	State       State     `json:"state"`
	Order       int       `json:"order"`
	Failures    int64     `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Sink receives events produced by input hooks.
type Sink func(ctx context.Context, in events.Incoming) error

// Result is the outcome of offering one event to one output hook.
type Result struct {
	Hook    string
	Handled bool
	Err     error
}
