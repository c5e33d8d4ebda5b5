package session

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRuntimeFactory(t *testing.T) {
	f, err := NewRuntimeFactory("echo", nil)
	require.NoError(t, err)
	rt, err := f(context.Background(), "s1", "dev")
	require.NoError(t, err)
	assert.IsType(t, EchoRuntime{}, rt)

	_, err = NewRuntimeFactory("command", nil)
	assert.Error(t, err)

	_, err = NewRuntimeFactory("llm", nil)
	assert.Error(t, err)
}

func TestEchoRuntime_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := EchoRuntime{}.Execute(ctx, Request{Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommandRuntime_StreamsLines(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	rt := &CommandRuntime{Argv: []string{"cat"}}

	var chunks []string
	out, err := rt.Execute(context.Background(), Request{
		Prompt:  "line one\nline two\n",
		OnChunk: func(c string) { chunks = append(chunks, c) },
	})
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", out)
	assert.Equal(t, []string{"line one\n", "line two\n"}, chunks)
}

func TestCommandRuntime_LongLine(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	rt := &CommandRuntime{Argv: []string{"sh", "-c", "head -c 3000000 /dev/zero | tr '\\0' a; echo; echo tail"}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var chunks int
	out, err := rt.Execute(ctx, Request{Prompt: "x", OnChunk: func(string) { chunks++ }})
	require.NoError(t, err)
	assert.Equal(t, 2, chunks)
	assert.Len(t, out, 3000000+len("\ntail"))
	assert.True(t, strings.HasSuffix(out, "a\ntail"))
}

func TestCommandRuntime_CancelKillsProcess(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	rt := &CommandRuntime{Argv: []string{"sleep", "10"}, WaitDelay: 100 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := rt.Execute(ctx, Request{Prompt: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCommandRuntime_Failure(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	rt := &CommandRuntime{Argv: []string{"false"}}
	_, err := rt.Execute(context.Background(), Request{Prompt: "x"})
	assert.Error(t, err)
}
