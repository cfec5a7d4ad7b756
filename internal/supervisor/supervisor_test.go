//go:build !windows

package supervisor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeops/warden/internal/tool"
	"github.com/probeops/warden/pkg/api"
)

// shellRegistry maps every kind to /bin/sh so tests can script arbitrary
// process behavior through task args.
func shellRegistry() *tool.Registry {
	r := tool.NewRegistry()
	r.Register(&tool.Scanner{Bin: "sh"})
	r.Register(&tool.Fuzzer{Bin: "sh"})
	r.Register(&tool.Capture{Bin: "sh"})
	return r
}

func newSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return &Supervisor{
		Registry:  shellRegistry(),
		WorkDir:   t.TempDir(),
		OutputCap: 64 * 1024,
	}
}

func shellTask(id, script string, timeoutSec int) api.TaskSpec {
	return api.TaskSpec{ID: id, Tool: api.KindScan, Args: []string{"-c", script}, Timeout: timeoutSec}
}

func TestRunSuccess(t *testing.T) {
	s := newSupervisor(t)
	out := s.Run(context.Background(), shellTask("ok", "echo hello; echo oops >&2", 5))

	assert.Equal(t, api.OutcomeSuccess, out.Class)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, "oops\n", out.Stderr)
	assert.False(t, out.StdoutTruncated)
	assert.Less(t, out.Duration, 5*time.Second)
}

func TestRunToolErrorPreservesExitCode(t *testing.T) {
	s := newSupervisor(t)
	out := s.Run(context.Background(), shellTask("fail", "echo partial; exit 42", 5))

	assert.Equal(t, api.OutcomeToolError, out.Class)
	assert.Equal(t, 42, out.ExitCode)
	assert.Equal(t, "partial\n", out.Stdout)
}

func TestRunLaunchFailure(t *testing.T) {
	r := tool.NewRegistry()
	r.Register(&tool.Scanner{Bin: "definitely-not-a-binary-on-path"})
	s := &Supervisor{Registry: r, WorkDir: t.TempDir(), OutputCap: 1024}

	out := s.Run(context.Background(), api.TaskSpec{ID: "nope", Tool: api.KindScan, Timeout: 5})
	assert.Equal(t, api.OutcomeLaunchFailure, out.Class)
	assert.Equal(t, -1, out.ExitCode)
	assert.NotEmpty(t, out.Stderr)
}

func TestRunUnknownKindIsLaunchFailure(t *testing.T) {
	s := &Supervisor{Registry: tool.NewRegistry(), WorkDir: t.TempDir(), OutputCap: 1024}
	out := s.Run(context.Background(), api.TaskSpec{ID: "x", Tool: api.Kind("weird"), Timeout: 5})
	assert.Equal(t, api.OutcomeLaunchFailure, out.Class)
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	s := newSupervisor(t)
	start := time.Now()
	out := s.Run(context.Background(), shellTask("slow", "sleep 10", 1))
	elapsed := time.Since(start)

	assert.Equal(t, api.OutcomeTimeout, out.Class)
	// Bounded overshoot: deadline plus termination, well under the sleep.
	assert.Less(t, elapsed, 5*time.Second)
	assert.GreaterOrEqual(t, out.Duration, 900*time.Millisecond)
}

func TestRunTimeoutKillsDescendants(t *testing.T) {
	s := newSupervisor(t)
	// The child forks a grandchild; the group kill must reach it too, or
	// Wait would block on the shared output pipe until the sleep ends.
	start := time.Now()
	out := s.Run(context.Background(), shellTask("forky", "sleep 10 & wait", 1))
	assert.Equal(t, api.OutcomeTimeout, out.Class)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCancellationReportsTimeout(t *testing.T) {
	s := newSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	out := s.Run(ctx, shellTask("cancelled", "sleep 10", 30))
	assert.Equal(t, api.OutcomeTimeout, out.Class)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunOutputTruncationIsDeterministic(t *testing.T) {
	s := newSupervisor(t)
	s.OutputCap = 100
	script := "i=0; while [ $i -lt 100 ]; do echo 0123456789012345678901234567890123456789; i=$((i+1)); done"

	first := s.Run(context.Background(), shellTask("big1", script, 10))
	second := s.Run(context.Background(), shellTask("big2", script, 10))

	require.Equal(t, api.OutcomeSuccess, first.Class)
	assert.True(t, first.StdoutTruncated)
	assert.Len(t, first.Stdout, 100)
	assert.Equal(t, first.Stdout, second.Stdout)
	assert.Equal(t, second.StdoutTruncated, first.StdoutTruncated)
}

func TestRunParsesFindings(t *testing.T) {
	s := newSupervisor(t)
	out := s.Run(context.Background(), shellTask("scan", `printf '22/tcp open ssh\n80/tcp open http\n'`, 5))

	require.Equal(t, api.OutcomeSuccess, out.Class)
	require.Len(t, out.Findings, 2)
	assert.Equal(t, "22/tcp", out.Findings[0].Value)
	assert.Equal(t, "http", out.Findings[1].Extra)
}

func TestCapBuffer(t *testing.T) {
	b := newCapBuffer(5)
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = b.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n, "writes past the cap still report full length")
	assert.Equal(t, "abcde", b.String())
	assert.True(t, b.Truncated())

	empty := newCapBuffer(5)
	assert.False(t, empty.Truncated())
	if !strings.HasPrefix(b.String(), "abc") {
		t.Fatalf("unexpected buffer contents %q", b.String())
	}
}
