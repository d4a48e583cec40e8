package core_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/fleetcron/core"
	"github.com/netresearch/fleetcron/store"
)

// scriptedExecutor returns canned results per command string and records
// every invocation.
type scriptedExecutor struct {
	mu      sync.Mutex
	results map[string]scriptedResult
	calls   []string
}

type scriptedResult struct {
	res *core.ExecResult
	err error
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{results: map[string]scriptedResult{}}
}

func (e *scriptedExecutor) on(command string, res *core.ExecResult, err error) {
	e.results[command] = scriptedResult{res: res, err: err}
}

func (e *scriptedExecutor) Execute(_ context.Context, _ *core.Server, argv []string, _ time.Duration) (*core.ExecResult, error) {
	command := argv[len(argv)-1]
	e.mu.Lock()
	e.calls = append(e.calls, command)
	e.mu.Unlock()

	if scripted, ok := e.results[command]; ok {
		return scripted.res, scripted.err
	}
	return &core.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fixture struct {
	store  *store.Memory
	local  *scriptedExecutor
	engine *core.Engine

	jobType *core.JobType
	command *core.CommandTemplate
	tmpl    *core.JobTemplate
	server  *core.Server
}

func newFixture(t *testing.T, cfg core.EngineConfig) *fixture {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	f := &fixture{store: mem, local: newScriptedExecutor()}

	f.jobType = &core.JobType{Name: "os"}
	require.NoError(t, mem.UpsertJobType(ctx, f.jobType))

	f.command = &core.CommandTemplate{
		JobTypeID: f.jobType.ID,
		Name:      "echo",
		Command:   "echo {{msg}}",
	}
	require.NoError(t, mem.UpsertCommandTemplate(ctx, f.command))

	f.tmpl = &core.JobTemplate{
		Name:              "echo-job",
		JobTypeID:         f.jobType.ID,
		CommandTemplateID: f.command.ID,
		Variables:         map[string]string{"msg": "hi"},
	}
	require.NoError(t, mem.UpsertJobTemplate(ctx, f.tmpl))

	f.server = &core.Server{Name: "local", IsLocal: true, DockerAvailable: true, Enabled: true}
	require.NoError(t, mem.UpsertServer(ctx, f.server))

	logger := slog.New(slog.DiscardHandler)
	f.engine = core.NewEngine(mem, f.local, newScriptedExecutor(), cfg, logger)
	return f
}

func (f *fixture) insertRun(t *testing.T) *core.JobRun {
	t.Helper()
	run := &core.JobRun{
		JobTemplateID: f.tmpl.ID,
		ServerID:      f.server.ID,
		Status:        core.StatusRunning,
		StartedAt:     time.Now(),
	}
	require.NoError(t, f.store.InsertJobRun(context.Background(), run))
	return run
}

func TestExecuteJobRunSimpleSuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	f.local.on("echo hi", &core.ExecResult{ExitCode: 0, Stdout: "hi\n"}, nil)
	run := f.insertRun(t)

	require.NoError(t, f.engine.ExecuteJobRun(context.Background(), run.ID))

	got, err := f.store.JobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.Contains(t, got.Output, "hi")
	assert.NotNil(t, got.FinishedAt)
	assert.GreaterOrEqual(t, got.DurationMs, int64(0))
}

func TestExecuteJobRunCapabilityGate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	ctx := context.Background()

	f.command.RequiredCapabilities = []string{"docker"}
	require.NoError(t, f.store.UpsertCommandTemplate(ctx, f.command))
	f.server.DockerAvailable = false
	require.NoError(t, f.store.UpsertServer(ctx, f.server))
	f.tmpl.RetryCount = 3
	require.NoError(t, f.store.UpsertJobTemplate(ctx, f.tmpl))

	run := f.insertRun(t)
	require.NoError(t, f.engine.ExecuteJobRun(ctx, run.ID))

	got, err := f.store.JobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailure, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "precondition:"), "error %q", got.Error)
	// Precondition misses never execute or retry.
	assert.Zero(t, f.local.callCount())
	f.engine.Wait()
	_, err = f.store.JobRun(ctx, run.ID+1)
	assert.ErrorIs(t, err, core.ErrJobRunNotFound)
}

func TestExecuteJobRunOSFilter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	ctx := context.Background()

	f.command.OSFilter = &core.OSFilter{Distro: []string{"ubuntu"}}
	require.NoError(t, f.store.UpsertCommandTemplate(ctx, f.command))
	f.server.OSDistro = "debian"
	require.NoError(t, f.store.UpsertServer(ctx, f.server))
	require.NoError(t, f.store.UpdateServerFacts(ctx, f.server))

	run := f.insertRun(t)
	require.NoError(t, f.engine.ExecuteJobRun(ctx, run.ID))

	got, err := f.store.JobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailure, got.Status)
	assert.Contains(t, got.Error, "debian")
}

func TestExecuteJobRunNonZeroExit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	f.local.on("echo hi", &core.ExecResult{ExitCode: 2, Stdout: "partial", Stderr: "boom"}, nil)
	run := f.insertRun(t)

	require.NoError(t, f.engine.ExecuteJobRun(context.Background(), run.ID))

	got, err := f.store.JobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailure, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 2, *got.ExitCode)
	assert.Equal(t, "partial", got.Output)
	assert.True(t, strings.HasPrefix(got.Error, "exit:"), "error %q", got.Error)
	assert.Contains(t, got.Error, "boom")
}

func TestExecuteJobRunTerminalIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	run := f.insertRun(t)

	require.NoError(t, f.engine.ExecuteJobRun(context.Background(), run.ID))
	first := f.local.callCount()

	// A duplicate dispatch of the same run must not execute again.
	require.NoError(t, f.engine.ExecuteJobRun(context.Background(), run.ID))
	assert.Equal(t, first, f.local.callCount())
}

func TestExecuteJobRunRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	ctx := context.Background()

	clock := core.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	f.engine.SetClock(clock)

	f.tmpl.RetryCount = 1
	f.tmpl.RetryDelaySeconds = 30
	require.NoError(t, f.store.UpsertJobTemplate(ctx, f.tmpl))
	f.local.on("echo hi", &core.ExecResult{ExitCode: 1}, nil)

	run := f.insertRun(t)
	require.NoError(t, f.engine.ExecuteJobRun(ctx, run.ID))

	// The retry row is inserted before the delay elapses.
	retry, err := f.store.JobRun(ctx, run.ID+1)
	require.NoError(t, err)
	assert.True(t, retry.IsRetry)
	assert.Equal(t, 1, retry.RetryAttempt)
	assert.Equal(t, core.StatusRunning, retry.Status)

	// Let the retry succeed this time.
	f.local.on("echo hi", &core.ExecResult{ExitCode: 0, Stdout: "hi"}, nil)

	require.Eventually(t, func() bool {
		clock.Advance(31 * time.Second)
		got, err := f.store.JobRun(ctx, retry.ID)
		return err == nil && core.IsTerminalStatus(got.Status)
	}, 5*time.Second, 10*time.Millisecond)
	f.engine.Wait()

	got, err := f.store.JobRun(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, got.Status)

	// Success consumes no further retry budget.
	_, err = f.store.JobRun(ctx, retry.ID+1)
	assert.ErrorIs(t, err, core.ErrJobRunNotFound)
}

func TestExecuteJobRunNoRetryWhenBudgetZero(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	ctx := context.Background()
	f.local.on("echo hi", &core.ExecResult{ExitCode: 1}, nil)

	run := f.insertRun(t)
	require.NoError(t, f.engine.ExecuteJobRun(ctx, run.ID))
	f.engine.Wait()

	_, err := f.store.JobRun(ctx, run.ID+1)
	assert.ErrorIs(t, err, core.ErrJobRunNotFound)
}

func TestCancelBeforeStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	run := f.insertRun(t)

	f.engine.CancelRun(run.ID)
	require.NoError(t, f.engine.ExecuteJobRun(context.Background(), run.ID))

	got, err := f.store.JobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "cancelled:"), "error %q", got.Error)
	assert.Zero(t, f.local.callCount())
}

func TestCancelAfterTerminalIsNoOp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	run := f.insertRun(t)

	require.NoError(t, f.engine.ExecuteJobRun(context.Background(), run.ID))
	f.engine.CancelRun(run.ID)
	f.engine.CancelRun(run.ID)

	got, err := f.store.JobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, got.Status)
}

// composite reshapes the fixture template into a three-step pipeline:
// "echo a", then failCommand, then "echo a" again.
func (f *fixture) composite(t *testing.T, failCommand string, continueOnFailure bool) {
	t.Helper()
	ctx := context.Background()

	boom := &core.CommandTemplate{JobTypeID: f.jobType.ID, Name: "boom", Command: failCommand}
	require.NoError(t, f.store.UpsertCommandTemplate(ctx, boom))

	f.tmpl.IsComposite = true
	f.tmpl.CommandTemplateID = 0
	require.NoError(t, f.store.UpsertJobTemplate(ctx, f.tmpl))

	steps := []core.JobTemplateStep{
		{StepOrder: 1, CommandTemplateID: f.command.ID},
		{StepOrder: 2, CommandTemplateID: boom.ID, ContinueOnFailure: continueOnFailure},
		{StepOrder: 3, CommandTemplateID: f.command.ID},
	}
	require.NoError(t, f.store.ReplaceTemplateSteps(ctx, f.tmpl.ID, steps))
}

func TestCompositeContinueOnFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	f.composite(t, "boom-cmd", true)
	f.local.on("echo hi", &core.ExecResult{ExitCode: 0, Stdout: "step-out"}, nil)
	f.local.on("boom-cmd", &core.ExecResult{ExitCode: 1, Stderr: "bad"}, nil)

	run := f.insertRun(t)
	require.NoError(t, f.engine.ExecuteJobRun(context.Background(), run.ID))

	got, err := f.store.JobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailure, got.Status)
	assert.Equal(t, "exit: one or more steps failed", got.Error)
	assert.Equal(t, "step-out\n---\n\n---\nstep-out", got.Output)

	steps, err := f.store.StepResultsForRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, core.StatusSuccess, steps[0].Status)
	assert.Equal(t, core.StatusFailure, steps[1].Status)
	assert.Contains(t, steps[1].Error, "bad")
	assert.Equal(t, core.StatusSuccess, steps[2].Status)
}

func TestCompositeStopsOnFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	f.composite(t, "boom-cmd", false)
	f.local.on("boom-cmd", &core.ExecResult{ExitCode: 7}, nil)

	run := f.insertRun(t)
	require.NoError(t, f.engine.ExecuteJobRun(context.Background(), run.ID))

	got, err := f.store.JobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailure, got.Status)

	steps, err := f.store.StepResultsForRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, core.StatusSuccess, steps[0].Status)
	assert.Equal(t, core.StatusFailure, steps[1].Status)
	assert.Equal(t, core.StatusSkipped, steps[2].Status)
	assert.Contains(t, steps[2].Error, "skipped")
	// The third step never reached the executor.
	assert.Equal(t, 2, f.local.callCount())
}

func TestCompositeWithoutStepsIsConfigError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	ctx := context.Background()

	f.tmpl.IsComposite = true
	f.tmpl.CommandTemplateID = 0
	require.NoError(t, f.store.UpsertJobTemplate(ctx, f.tmpl))

	run := f.insertRun(t)
	require.NoError(t, f.engine.ExecuteJobRun(ctx, run.ID))

	got, err := f.store.JobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailure, got.Status)
	assert.Equal(t, "config: composite job has no steps", got.Error)
}

func TestExecuteJobRunParameterDefaultApplied(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	ctx := context.Background()

	f.command.ParameterSchema = []core.Parameter{{Name: "msg", Default: "fallback"}}
	require.NoError(t, f.store.UpsertCommandTemplate(ctx, f.command))
	f.tmpl.Variables = nil
	require.NoError(t, f.store.UpsertJobTemplate(ctx, f.tmpl))

	run := f.insertRun(t)
	require.NoError(t, f.engine.ExecuteJobRun(ctx, run.ID))

	got, err := f.store.JobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, got.Status)
	assert.Equal(t, []string{"echo fallback"}, f.local.calls)
}

func TestExecuteJobRunParameterViolation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	ctx := context.Background()

	f.command.ParameterSchema = []core.Parameter{{Name: "msg", Required: true, Validation: "oneof=hi bye"}}
	require.NoError(t, f.store.UpsertCommandTemplate(ctx, f.command))
	f.tmpl.Variables = map[string]string{"msg": "nope"}
	f.tmpl.RetryCount = 3
	require.NoError(t, f.store.UpsertJobTemplate(ctx, f.tmpl))

	run := f.insertRun(t)
	require.NoError(t, f.engine.ExecuteJobRun(ctx, run.ID))

	got, err := f.store.JobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailure, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "config:"), "error %q", got.Error)
	// Schema violations never reach the executor and never retry.
	assert.Zero(t, f.local.callCount())
	f.engine.Wait()
	_, err = f.store.JobRun(ctx, run.ID+1)
	assert.ErrorIs(t, err, core.ErrJobRunNotFound)
}

func TestExecuteJobRunRestampsQueuedStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	ctx := context.Background()

	clock := core.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	f.engine.SetClock(clock)

	run := f.insertRun(t)

	// The run sat queued for 45 seconds before the engine picked it up;
	// the stored row must reflect execution, not insertion.
	clock.Advance(45 * time.Second)
	require.NoError(t, f.engine.ExecuteJobRun(ctx, run.ID))

	got, err := f.store.JobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	span := got.FinishedAt.Sub(got.StartedAt).Milliseconds()
	assert.InDelta(t, span, got.DurationMs, 1)
}

func TestExecuteJobRunTimeoutStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	f.local.on("echo hi", nil, &core.TimeoutError{Timeout: 5 * time.Second})

	run := f.insertRun(t)
	require.NoError(t, f.engine.ExecuteJobRun(context.Background(), run.ID))

	got, err := f.store.JobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusTimeout, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "timeout:"), "error %q", got.Error)
}

func TestExecuteJobRunTransportRetryChain(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})
	ctx := context.Background()

	clock := core.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	f.engine.SetClock(clock)

	f.tmpl.RetryCount = 2
	f.tmpl.RetryDelaySeconds = 30
	require.NoError(t, f.store.UpsertJobTemplate(ctx, f.tmpl))
	f.local.on("echo hi", nil, &core.TransportError{Op: "dial", Err: errors.New("connection refused")})

	run := f.insertRun(t)
	require.NoError(t, f.engine.ExecuteJobRun(ctx, run.ID))

	got, err := f.store.JobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailure, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "transport:"), "error %q", got.Error)

	// Attempt 1 is queued immediately and fails the same way.
	first, err := f.store.JobRun(ctx, run.ID+1)
	require.NoError(t, err)
	assert.True(t, first.IsRetry)
	assert.Equal(t, 1, first.RetryAttempt)

	// Attempt 1's retry row appears only after it concludes, so waiting for
	// the row also waits out the attempt itself.
	require.Eventually(t, func() bool {
		clock.Advance(31 * time.Second)
		_, err := f.store.JobRun(ctx, first.ID+1)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	second, err := f.store.JobRun(ctx, first.ID+1)
	require.NoError(t, err)
	assert.Equal(t, 2, second.RetryAttempt)

	// The transport recovers before the final attempt.
	f.local.on("echo hi", &core.ExecResult{ExitCode: 0, Stdout: "hi"}, nil)

	require.Eventually(t, func() bool {
		clock.Advance(31 * time.Second)
		got, err := f.store.JobRun(ctx, second.ID)
		return err == nil && core.IsTerminalStatus(got.Status)
	}, 5*time.Second, 10*time.Millisecond)
	f.engine.Wait()

	final, err := f.store.JobRun(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, final.Status)

	// Budget was two retries; success ends the chain.
	_, err = f.store.JobRun(ctx, second.ID+1)
	assert.ErrorIs(t, err, core.ErrJobRunNotFound)
}

func TestExecuteJobRunEmitsCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, core.EngineConfig{})

	var mu sync.Mutex
	var completed []int64
	f.engine.SetOnComplete(func(_ context.Context, runID int64) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, runID)
	})

	run := f.insertRun(t)
	require.NoError(t, f.engine.ExecuteJobRun(context.Background(), run.ID))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{run.ID}, completed)
}
