package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Request is a single agent runtime invocation.
type Request struct {
	SessionID string
	Bundle    string
	Prompt    string
	// History is a snapshot of the context log before this prompt.
	History []Message
	// OnChunk, if set, receives partial output as it is produced.
	OnChunk func(chunk string)
}

// Runtime is the agent that runs inside a session.
//
// Execute must return promptly once ctx is canceled. A runtime that ignores
// cancellation is abandoned after the stop grace period.
type Runtime interface {
	Execute(ctx context.Context, req Request) (string, error)
	Close(ctx context.Context) error
}

// RuntimeFactory builds a runtime for a newly created session.
type RuntimeFactory func(ctx context.Context, sessionID, bundle string) (Runtime, error)

// NewRuntimeFactory returns the built-in factory named by kind.
func NewRuntimeFactory(kind string, command []string) (RuntimeFactory, error) {
	switch kind {
	case "", "echo":
		return func(context.Context, string, string) (Runtime, error) {
			return EchoRuntime{}, nil
		}, nil
	case "command":
		if len(command) == 0 {
			return nil, errors.New("command runtime requires a command")
		}
		argv := append([]string(nil), command...)
		return func(_ context.Context, _, _ string) (Runtime, error) {
			return &CommandRuntime{Argv: argv}, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown runtime %q", kind)
	}
}

// EchoRuntime answers every prompt by repeating it. It stands in for an
// agent backend during development and in tests.
type EchoRuntime struct{}

func (EchoRuntime) Execute(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out := fmt.Sprintf("[echo:%s] Received: %s", req.Bundle, req.Prompt)
	if req.OnChunk != nil {
		req.OnChunk(out)
	}
	return out, nil
}

func (EchoRuntime) Close(context.Context) error { return nil }

// CommandRuntime runs an external program per prompt. The prompt is written
// to stdin and every stdout line is streamed as a chunk. Canceling the
// context kills the process.
type CommandRuntime struct {
	Argv []string
	// WaitDelay bounds how long Execute waits for pipes after a kill.
	WaitDelay time.Duration
}

func (r *CommandRuntime) Execute(ctx context.Context, req Request) (string, error) {
	cmd := exec.CommandContext(ctx, r.Argv[0], r.Argv[1:]...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(),
		"AMPLIFIER_SESSION_ID="+req.SessionID,
		"AMPLIFIER_BUNDLE="+req.Bundle,
	)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", r.Argv[0], err)
	}

	// Lines are unbounded; stdout is read until EOF so the child never
	// blocks on a full pipe.
	var out strings.Builder
	var readErr error
	rd := bufio.NewReader(stdout)
	for {
		line, err := rd.ReadString('\n')
		if line != "" {
			if !strings.HasSuffix(line, "\n") {
				line += "\n"
			}
			out.WriteString(line)
			if req.OnChunk != nil {
				req.OnChunk(line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
				_, _ = io.Copy(io.Discard, stdout)
			}
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%s: %w: %s", r.Argv[0], err, strings.TrimSpace(stderr.String()))
	}
	if readErr != nil {
		return "", fmt.Errorf("read %s output: %w", r.Argv[0], readErr)
	}
	return strings.TrimRight(out.String(), "\n"), nil
}

func (r *CommandRuntime) Close(context.Context) error { return nil }
