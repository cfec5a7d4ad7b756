package supervisor

import (
	"context"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/probeops/warden/internal/telemetry"
	"github.com/probeops/warden/internal/tool"
	"github.com/probeops/warden/pkg/api"
)

// Outcome is the terminal record of one supervised run. It is immutable
// once returned; tool failures are data here, never errors.
type Outcome struct {
	Class           api.Outcome
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	Duration        time.Duration
	Findings        []api.Finding
	ArtifactPath    string
}

// Supervisor runs tasks as managed external processes. It owns exactly one
// child per invocation and guarantees the child's process group is gone on
// every exit path, including timeout and cancellation.
type Supervisor struct {
	Registry  *tool.Registry
	WorkDir   string
	OutputCap int
	// KillGrace is how long a process gets between the deadline firing and
	// the group kill. Zero means kill immediately.
	KillGrace time.Duration
}

// Run launches the tool selected by the task's kind and enforces the
// task's deadline. The parent context cancels in-flight runs on shutdown;
// force-terminated runs are classified as timeouts.
func (s *Supervisor) Run(ctx context.Context, t api.TaskSpec) Outcome {
	adapter, err := s.Registry.Get(t.Tool)
	if err != nil {
		log.Error().Str("task", t.ID).Str("tool", string(t.Tool)).Msg("no adapter for tool kind")
		return Outcome{Class: api.OutcomeLaunchFailure, ExitCode: -1, Stderr: err.Error()}
	}
	inv := adapter.Command(t, s.WorkDir)

	deadline := time.Duration(t.Timeout) * time.Second
	if deadline <= 0 {
		deadline = time.Hour
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	stdout := newCapBuffer(s.OutputCap)
	stderr := newCapBuffer(s.OutputCap)

	cmd := exec.Command(inv.Binary, inv.Args...)
	cmd.Dir = s.WorkDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		log.Warn().Err(err).Str("task", t.ID).Str("binary", inv.Binary).Msg("tool launch failed")
		telemetry.Counter("warden_launch_failures", 1, map[string]string{"tool": string(t.Tool)})
		return Outcome{
			Class:    api.OutcomeLaunchFailure,
			ExitCode: -1,
			Stderr:   err.Error(),
			Duration: time.Since(start),
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		timedOut = true
		killGroup(cmd, s.KillGrace)
		waitErr = <-done
	}
	dur := time.Since(start)

	out := Outcome{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		Duration:        dur,
	}

	switch {
	case timedOut:
		out.Class = api.OutcomeTimeout
		out.ExitCode = -1
		telemetry.Counter("warden_task_timeouts", 1, map[string]string{"tool": string(t.Tool)})
	case waitErr == nil:
		out.Class = api.OutcomeSuccess
		out.Findings = adapter.Parse(out.Stdout, out.Stderr)
		out.ArtifactPath = inv.ArtifactPath
	default:
		out.Class = api.OutcomeToolError
		out.ExitCode = 1
		if exit, ok := waitErr.(*exec.ExitError); ok {
			out.ExitCode = exit.ExitCode()
		}
	}

	telemetry.Timer("warden_task_duration", dur, map[string]string{
		"tool":    string(t.Tool),
		"outcome": string(out.Class),
	})
	log.Debug().
		Str("task", t.ID).
		Str("tool", string(t.Tool)).
		Str("outcome", string(out.Class)).
		Int("exit_code", out.ExitCode).
		Dur("duration", dur).
		Msg("task finished")
	return out
}
