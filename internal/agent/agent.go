// Package agent drives the task lifecycle: poll the controller, admit
// tasks through the scheduler, supervise their execution, and report
// results. Polling, dispatching and submission run as independent workers
// over shared channels so a slow controller never stalls an execution and
// vice versa.
package agent

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/probeops/warden/internal/artifact"
	"github.com/probeops/warden/internal/config"
	"github.com/probeops/warden/internal/controller"
	"github.com/probeops/warden/internal/scheduler"
	"github.com/probeops/warden/internal/spool"
	"github.com/probeops/warden/internal/supervisor"
	"github.com/probeops/warden/internal/telemetry"
	"github.com/probeops/warden/internal/tool"
	"github.com/probeops/warden/pkg/api"
)

// Agent is the process-wide session: controller client, scheduler state,
// and the workers of the poll/execute/submit cycle.
type Agent struct {
	cfg      config.Config
	client   *controller.Client
	sched    *scheduler.Scheduler
	sup      *supervisor.Supervisor
	uploader *artifact.Uploader
	pending  *spool.Spool // nil when spooling is disabled
	version  string
	id       string

	results chan api.Result
}

// New wires an agent from configuration. The spool is opened here so a
// misconfigured path fails at startup, not at the first completion.
func New(cfg config.Config, version string) (*Agent, error) {
	id := cfg.Agent.ID
	if id == "" {
		id = uuid.NewString()
	}
	client, err := controller.New(cfg, id)
	if err != nil {
		return nil, err
	}
	workDir := cfg.Agent.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	a := &Agent{
		cfg:    cfg,
		client: client,
		sched:  scheduler.New(cfg.Agent.Concurrency),
		sup: &supervisor.Supervisor{
			Registry:  tool.FromConfig(cfg.Tools),
			WorkDir:   workDir,
			OutputCap: cfg.Agent.OutputCapBytes,
			KillGrace: 2 * time.Second,
		},
		uploader: artifact.NewUploader(cfg.Artifact),
		version:  version,
		id:       id,
		results:  make(chan api.Result, 64),
	}
	if !cfg.Spool.Disabled {
		sp, err := spool.Open(cfg.SpoolPath())
		if err != nil {
			return nil, err
		}
		a.pending = sp
	}
	return a, nil
}

// ID returns the effective agent identity after registration.
func (a *Agent) ID() string { return a.id }

// Run executes the agent until ctx is canceled. Registration failure is
// fatal; everything after that is absorbed and retried.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	a.announceCapabilities(ctx)

	// Executions and submissions outlive ctx: cancellation is advisory to
	// in-flight work, which gets the grace period before a forced stop.
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()
	submitCtx, submitCancel := context.WithCancel(context.Background())
	defer submitCancel()

	var inflight sync.WaitGroup
	submitDone := make(chan struct{})
	go func() {
		defer close(submitDone)
		for res := range a.results {
			a.submitOne(submitCtx, res)
		}
	}()
	a.replaySpool(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pollLoop(gctx) })
	g.Go(func() error { return a.dispatchLoop(gctx, execCtx, &inflight) })
	g.Go(func() error { return a.heartbeatLoop(gctx) })
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("agent loop failed")
	}

	a.shutdown(execCancel, submitCancel, &inflight, submitDone)
	if a.pending != nil {
		_ = a.pending.Close()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	id, err := a.client.Register(ctx, api.RegisterRequest{
		AgentID:  a.id,
		Hostname: hostname,
		Platform: runtime.GOOS,
		Version:  a.version,
	})
	if err != nil {
		return err
	}
	a.id = id
	log.Info().Str("agent_id", a.id).Str("hostname", hostname).Msg("registered with controller")
	return nil
}

// announceCapabilities probes the configured tool binaries and reports
// them. A failed submission is logged, not fatal: the controller will
// learn availability from launch failures either way.
func (a *Agent) announceCapabilities(ctx context.Context) {
	caps := tool.Probe(ctx, a.sup.Registry)
	for _, c := range caps {
		log.Info().
			Str("tool", string(c.Tool)).
			Str("binary", c.Binary).
			Bool("available", c.Available).
			Str("version", c.Version).
			Msg("tool capability")
	}
	report := api.CapabilityReport{AgentID: a.id, Capabilities: caps}
	if err := a.client.SubmitCapabilities(ctx, report); err != nil {
		log.Warn().Err(err).Msg("could not submit capabilities")
	}
}

// replaySpool re-queues results left over from a previous run.
func (a *Agent) replaySpool(ctx context.Context) {
	if a.pending == nil {
		return
	}
	leftover, err := a.pending.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not read result spool")
		return
	}
	for _, res := range leftover {
		a.sched.MarkReported(res.TaskID) // the task itself must not rerun
		a.results <- res
	}
	if len(leftover) > 0 {
		log.Info().Int("count", len(leftover)).Msg("replaying spooled results")
	}
}

// pollLoop fetches tasks on the configured interval, backing off with
// jitter on transient failures and resetting the curve on success.
func (a *Agent) pollLoop(ctx context.Context) error {
	backoff := controller.NewBackoff(controller.PolicyFromConfig(a.cfg.Retry))
	wait := time.Duration(0) // poll immediately at startup
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		tasks, err := a.client.Poll(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, controller.ErrTransient):
			wait = backoff.Next()
			log.Warn().Err(err).Dur("retry_in", wait).Msg("poll failed")
			continue
		case err != nil:
			// Non-transient poll failures (bad auth, protocol drift) are
			// not fixable by retrying faster, but not worth dying over.
			wait = backoff.Next()
			log.Error().Err(err).Dur("retry_in", wait).Msg("poll rejected by controller")
			continue
		}
		backoff.Reset()
		wait = a.cfg.PollInterval()

		for _, t := range tasks {
			if a.sched.Admit(t) == scheduler.Duplicate {
				log.Debug().Str("task", t.ID).Msg("duplicate task dropped")
				continue
			}
			telemetry.Counter("warden_tasks_admitted", 1, map[string]string{"tool": string(t.Tool)})
			log.Info().Str("task", t.ID).Str("tool", string(t.Tool)).Msg("task admitted")
		}
	}
}

// dispatchLoop starts supervised runs whenever the scheduler has a
// dispatchable task. Each run occupies one concurrency slot until its
// completion is recorded.
func (a *Agent) dispatchLoop(ctx, execCtx context.Context, inflight *sync.WaitGroup) error {
	for {
		for {
			t, ok := a.sched.Next()
			if !ok {
				break
			}
			inflight.Add(1)
			go func(t api.TaskSpec) {
				defer inflight.Done()
				a.runTask(execCtx, t)
			}(t)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.sched.Wake():
		}
	}
}

// runTask supervises one execution and forwards its result toward
// submission. The concurrency slot frees as soon as the process is done;
// artifact delivery happens outside the slot.
func (a *Agent) runTask(execCtx context.Context, t api.TaskSpec) {
	out := a.sup.Run(execCtx, t)
	a.sched.OnCompletion(t.ID)

	res := api.Result{
		ReportID:        uuid.NewString(),
		TaskID:          t.ID,
		Outcome:         out.Class,
		ExitCode:        out.ExitCode,
		Stdout:          out.Stdout,
		Stderr:          out.Stderr,
		StdoutTruncated: out.StdoutTruncated,
		StderrTruncated: out.StderrTruncated,
		Duration:        out.Duration.Milliseconds(),
		Findings:        out.Findings,
	}
	if out.ArtifactPath != "" && a.uploader.Enabled() {
		ref, err := a.uploader.Push(execCtx, out.ArtifactPath, t.ID)
		if err != nil {
			log.Warn().Err(err).Str("task", t.ID).Msg("artifact delivery failed")
			telemetry.Counter("warden_artifact_failures", 1, nil)
		} else {
			res.Artifact = ref
		}
	}
	a.results <- res
}

// submitOne spools then submits a result. Exhausted retries keep the
// result in the spool for the next run; without a spool it is dropped,
// which the controller sees as a task to re-issue.
func (a *Agent) submitOne(ctx context.Context, res api.Result) {
	if a.pending != nil {
		if err := a.pending.Put(ctx, res); err != nil {
			log.Warn().Err(err).Str("task", res.TaskID).Msg("could not spool result")
		}
	}
	err := a.client.Submit(ctx, res)
	if err != nil {
		log.Error().Err(err).Str("task", res.TaskID).Msg("result submission abandoned")
		a.sched.MarkReported(res.TaskID)
		return
	}
	if a.pending != nil {
		_ = a.pending.Delete(ctx, res.TaskID)
	}
	a.sched.MarkReported(res.TaskID)
	log.Info().Str("task", res.TaskID).Str("outcome", string(res.Outcome)).Msg("result acknowledged")
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	interval := a.cfg.HeartbeatInterval()
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			running, queued := a.sched.Counts()
			hb := api.HeartbeatRequest{AgentID: a.id, Running: running, Queued: queued, Time: time.Now()}
			if err := a.client.Heartbeat(ctx, hb); err != nil {
				log.Debug().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// shutdown drains the agent: queued tasks are discarded, running tasks get
// the grace period before a forced stop, and every produced result gets a
// bounded window to reach the controller.
func (a *Agent) shutdown(execCancel, submitCancel context.CancelFunc, inflight *sync.WaitGroup, submitDone <-chan struct{}) {
	dropped := a.sched.DiscardQueued()
	if len(dropped) > 0 {
		log.Info().Int("count", len(dropped)).Msg("discarded queued tasks on shutdown")
	}

	grace := a.cfg.GracePeriod()
	done := make(chan struct{})
	go func() {
		inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("grace period expired, terminating running tasks")
		execCancel()
		<-done
	}

	close(a.results)
	select {
	case <-submitDone:
	case <-time.After(grace):
		log.Warn().Msg("submission drain timed out")
		submitCancel()
		<-submitDone
	}
	log.Info().Msg("agent stopped")
}
