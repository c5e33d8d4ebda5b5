package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for unknown session IDs.
	ErrNotFound = errors.New("session not found")

	// ErrConflict is returned when creating a session whose ID is live.
	ErrConflict = errors.New("session already exists")

	// ErrBusy is returned when an execution is already in flight.
	// Callers retry; executions are never queued.
	ErrBusy = errors.New("session busy")

	// ErrStopped is returned for operations on a stopping or stopped session.
	ErrStopped = errors.New("session stopped")

	// ErrValidation is returned for malformed requests.
	ErrValidation = errors.New("invalid session request")

	// ErrInternal wraps agent runtime failures.
	ErrInternal = errors.New("session runtime failure")
)

// State is a session's execution state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Role identifies the author of a context log entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole validates r. Empty means user.
func ParseRole(r string) (Role, error) {
	switch Role(r) {
	case "":
		return RoleUser, nil
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(r), nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, r)
	}
}

// Message is one entry in a session's context log.
type Message struct {
	Seq     uint64    `json:"seq"`
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// Info is a point-in-time summary of a session.
type Info struct {
	ID           string            `json:"session_id"`
	Bundle       string            `json:"bundle"`
	State        State             `json:"state"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	MessageCount int               `json:"message_count"`
	LastError    string            `json:"last_error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Result is the outcome of a successful Execute.
type Result struct {
	SessionID string        `json:"session_id"`
	Response  string        `json:"response"`
	Seq       uint64        `json:"seq"`
	Duration  time.Duration `json:"duration_ns"`
}

// ExecuteOption customizes a single Execute call.
type ExecuteOption func(*Request)

// WithChunks streams partial output to fn while the runtime runs.
// fn is called from the runtime's goroutine.
func WithChunks(fn func(chunk string)) ExecuteOption {
	return func(r *Request) { r.OnChunk = fn }
}
