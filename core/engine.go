package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// StepOutputSeparator joins step outputs into the composite run output.
const StepOutputSeparator = "\n---\n"

// EngineConfig carries the execution-engine tunables. Zero values fall back
// to the documented defaults.
type EngineConfig struct {
	MaxConcurrentJobs int
	DefaultTimeout    time.Duration
	DefaultRetryDelay time.Duration
	// TimeoutBuffer pads the engine's wall-clock guard over the executor's
	// own timeout; whichever fires first wins.
	TimeoutBuffer time.Duration
	OutputLimit   int64
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 5
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 300 * time.Second
	}
	if c.DefaultRetryDelay <= 0 {
		c.DefaultRetryDelay = 60 * time.Second
	}
	if c.TimeoutBuffer <= 0 {
		c.TimeoutBuffer = 5 * time.Second
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = DefaultOutputLimit
	}
	return c
}

// Engine executes job runs. It owns the concurrency semaphore, the cancel
// registry and the retry bookkeeping; persistence goes through Store and
// command execution through the local/remote executors.
type Engine struct {
	store   Store
	local   Executor
	remote  Executor
	cfg     EngineConfig
	logger  *slog.Logger
	metrics MetricsRecorder
	cancels *CancelRegistry
	clock   Clock

	onComplete func(ctx context.Context, jobRunID int64)

	sem chan struct{}
	wg  sync.WaitGroup
}

func NewEngine(store Store, local, remote Executor, cfg EngineConfig, logger *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		store:   store,
		local:   local,
		remote:  remote,
		cfg:     cfg,
		logger:  logger,
		metrics: NoopMetrics(),
		cancels: NewCancelRegistry(),
		clock:   NewRealClock(),
		sem:     make(chan struct{}, cfg.MaxConcurrentJobs),
	}
}

func (e *Engine) SetMetricsRecorder(m MetricsRecorder) {
	if m != nil {
		e.metrics = m
	}
}

func (e *Engine) SetClock(c Clock) {
	if c != nil {
		e.clock = c
	}
}

// SetOnComplete installs the completion hook; the daemon wires the
// notification engine here. The hook runs after the terminal state is
// persisted.
func (e *Engine) SetOnComplete(fn func(ctx context.Context, jobRunID int64)) {
	e.onComplete = fn
}

// CancelRun requests cancellation of a run. Idempotent; cancelling a run
// that already reached a terminal state is a no-op.
func (e *Engine) CancelRun(jobRunID int64) {
	e.cancels.Cancel(jobRunID)
}

// Wait blocks until all pending retry dispatches have finished. Used during
// graceful shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// runOutcome is the result of a dispatch, carried to the shared
// finalization path.
type runOutcome struct {
	status   string
	exitCode *int
	output   string
	err      error
	errText  string
	// finalized is set when the dispatch already persisted the terminal
	// run row (composite early stop, written with its step in one tx).
	finalized bool
}

func outcomeFromError(err error, output string, exitCode *int) runOutcome {
	o := runOutcome{status: StatusForError(err), exitCode: exitCode, output: output, err: err}
	if err != nil {
		o.errText = err.Error()
	}
	return o
}

// ExecuteJobRun runs one job run to a terminal state. It blocks on the
// concurrency permit, never retries precondition failures and emits the
// completion event exactly once per terminal transition. Only store
// failures that prevent any terminal write surface as an error; every
// domain outcome is recorded on the run row instead.
func (e *Engine) ExecuteJobRun(ctx context.Context, jobRunID int64) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire permit for run %d: %w", jobRunID, ctx.Err())
	}
	defer func() { <-e.sem }()

	run, err := e.store.JobRun(ctx, jobRunID)
	if err != nil {
		return &StoreError{Op: fmt.Sprintf("load job run %d", jobRunID), Err: err}
	}
	if run.Status != StatusRunning {
		// Already terminal; a duplicate dispatch or late cancel is a no-op.
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	run.StartedAt = e.clock.Now()

	if !e.cancels.Register(run.ID, cancel) {
		outcome := outcomeFromError(&CancelledError{Reason: "cancelled before start"}, "", nil)
		return e.conclude(ctx, run, nil, outcome)
	}
	defer e.cancels.Unregister(run.ID)

	tmpl, err := e.store.JobTemplate(ctx, run.JobTemplateID)
	if err != nil {
		outcome := outcomeFromError(&ConfigError{Reason: fmt.Sprintf("job template %d: %v", run.JobTemplateID, err)}, "", nil)
		return e.conclude(ctx, run, nil, outcome)
	}
	e.metrics.RecordRunStarted(tmpl.Name)

	srv, err := e.store.Server(ctx, run.ServerID)
	if err != nil {
		outcome := outcomeFromError(&ConfigError{Reason: fmt.Sprintf("server %d: %v", run.ServerID, err)}, "", nil)
		return e.conclude(ctx, run, tmpl, outcome)
	}
	if !srv.Enabled {
		outcome := outcomeFromError(&ConfigError{Reason: fmt.Sprintf("server %q is disabled", srv.Name)}, "", nil)
		return e.conclude(ctx, run, tmpl, outcome)
	}

	e.logger.Info("job run started",
		"run_id", run.ID, "template", tmpl.Name, "server", srv.Name,
		"attempt", run.RetryAttempt, "composite", tmpl.IsComposite)

	var outcome runOutcome
	if tmpl.IsComposite {
		outcome = e.runComposite(runCtx, run, tmpl, srv)
	} else {
		outcome = e.runSimple(runCtx, run, tmpl, srv)
	}

	if err := e.conclude(ctx, run, tmpl, outcome); err != nil {
		return err
	}

	if !tmpl.IsComposite && IsRetryable(outcome.err) && run.RetryAttempt < tmpl.RetryCount {
		e.scheduleRetry(run, tmpl)
	}
	return nil
}

// conclude persists the terminal state (unless the dispatch already did),
// updates schedule tracking, records metrics and emits the completion event.
func (e *Engine) conclude(ctx context.Context, run *JobRun, tmpl *JobTemplate, outcome runOutcome) error {
	now := e.clock.Now()
	run.Status = outcome.status
	run.FinishedAt = &now
	run.DurationMs = max(now.Sub(run.StartedAt).Milliseconds(), 0)
	run.ExitCode = outcome.exitCode
	run.Output = outcome.output
	run.Error = outcome.errText

	if !outcome.finalized {
		if err := e.store.FinishJobRun(ctx, run); err != nil {
			return &StoreError{Op: fmt.Sprintf("finish job run %d", run.ID), Err: err}
		}
	}

	if run.JobScheduleID != 0 {
		if err := e.store.RecordScheduleRun(ctx, run.JobScheduleID, now, run.Status); err != nil {
			e.logger.Error("failed to record schedule run", "schedule_id", run.JobScheduleID, "error", err)
		}
	}

	// RecordRunStarted fires once the template is known; keep the in-flight
	// gauge balanced by completing only those runs.
	name := ""
	if tmpl != nil {
		name = tmpl.Name
		e.metrics.RecordRunCompleted(name, run.Status, time.Duration(run.DurationMs)*time.Millisecond)
	}
	e.logger.Info("job run finished",
		"run_id", run.ID, "template", name, "status", run.Status,
		"duration_ms", run.DurationMs, "error", run.Error)

	if e.onComplete != nil {
		e.onComplete(ctx, run.ID)
	}
	return nil
}

func (e *Engine) runSimple(ctx context.Context, run *JobRun, tmpl *JobTemplate, srv *Server) runOutcome {
	if tmpl.CommandTemplateID == 0 {
		return outcomeFromError(&ConfigError{Reason: "simple job has no command template"}, "", nil)
	}
	ct, err := e.store.CommandTemplate(ctx, tmpl.CommandTemplateID)
	if err != nil {
		return outcomeFromError(&ConfigError{Reason: fmt.Sprintf("command template %d: %v", tmpl.CommandTemplateID, err)}, "", nil)
	}

	if err := e.gate(ctx, tmpl, ct, srv); err != nil {
		return outcomeFromError(err, "", nil)
	}

	command, err := e.substituteCommand(run, ct, tmpl.Variables)
	if err != nil {
		return outcomeFromError(err, "", nil)
	}
	timeout := e.timeoutFor(ct.TimeoutSeconds, tmpl.TimeoutSeconds, 0)

	res, err := e.execute(ctx, srv, command, timeout)
	if err != nil {
		return outcomeFromError(err, "", nil)
	}

	exitCode := res.ExitCode
	if exitCode != 0 {
		o := outcomeFromError(&NonZeroExitError{ExitCode: exitCode}, res.Stdout, &exitCode)
		if res.Stderr != "" {
			o.errText += "; stderr: " + snippet(res.Stderr, 200)
		}
		return o
	}
	return runOutcome{status: StatusSuccess, exitCode: &exitCode, output: res.Stdout}
}

func (e *Engine) runComposite(ctx context.Context, run *JobRun, tmpl *JobTemplate, srv *Server) runOutcome {
	steps, err := e.store.StepsForTemplate(ctx, tmpl.ID)
	if err != nil {
		return outcomeFromError(&StoreError{Op: "load steps", Err: err}, "", nil)
	}
	if len(steps) == 0 {
		return outcomeFromError(&ConfigError{Reason: "composite job has no steps"}, "", nil)
	}

	var (
		outputs []string
		failed  bool
	)

	for i, step := range steps {
		if ctx.Err() != nil || e.cancels.Cancelled(run.ID) {
			e.skipRemaining(run, steps[i:])
			o := outcomeFromError(&CancelledError{Reason: "cancelled between steps"}, joinOutputs(outputs), nil)
			return o
		}

		sr := &StepExecutionResult{
			JobRunID:          run.ID,
			StepOrder:         step.StepOrder,
			CommandTemplateID: step.CommandTemplateID,
			Status:            StatusRunning,
			StartedAt:         e.clock.Now(),
		}
		if err := e.store.InsertStepResult(ctx, sr); err != nil {
			return outcomeFromError(&StoreError{Op: "insert step result", Err: err}, joinOutputs(outputs), nil)
		}

		stepOut, stepErr := e.runStep(ctx, run, tmpl, &step, srv, sr)
		outputs = append(outputs, stepOut)

		switch {
		case stepErr == nil:
			if err := e.store.FinishStepResult(ctx, sr); err != nil {
				return outcomeFromError(&StoreError{Op: "finish step result", Err: err}, joinOutputs(outputs), nil)
			}

		case sr.Status == StatusCancelled:
			// Step and run reach their terminal states together.
			o := outcomeFromError(stepErr, joinOutputs(outputs), nil)
			e.finalizeWithStep(ctx, run, sr, o)
			e.skipRemaining(run, steps[i+1:])
			o.finalized = true
			return o

		case step.ContinueOnFailure:
			failed = true
			if err := e.store.FinishStepResult(ctx, sr); err != nil {
				return outcomeFromError(&StoreError{Op: "finish step result", Err: err}, joinOutputs(outputs), nil)
			}

		default:
			o := outcomeFromError(stepErr, joinOutputs(outputs), nil)
			// A timed-out step still fails the run as a whole; the step row
			// keeps its own timeout status.
			o.status = StatusFailure
			e.finalizeWithStep(ctx, run, sr, o)
			e.skipRemaining(run, steps[i+1:])
			o.finalized = true
			return o
		}
	}

	output := joinOutputs(outputs)
	if failed {
		return runOutcome{status: StatusFailure, output: output, errText: "exit: one or more steps failed"}
	}
	return runOutcome{status: StatusSuccess, output: output}
}

// runStep executes one composite step and fills the step row's terminal
// fields. The caller decides how the row is persisted.
func (e *Engine) runStep(
	ctx context.Context, run *JobRun, tmpl *JobTemplate, step *JobTemplateStep, srv *Server, sr *StepExecutionResult,
) (string, error) {
	finish := func(status string, exitCode *int, output, errText string) {
		now := e.clock.Now()
		sr.Status = status
		sr.FinishedAt = &now
		sr.DurationMs = max(now.Sub(sr.StartedAt).Milliseconds(), 0)
		sr.ExitCode = exitCode
		sr.Output = output
		sr.Error = errText
	}

	ct, err := e.store.CommandTemplate(ctx, step.CommandTemplateID)
	if err != nil {
		cfgErr := &ConfigError{Reason: fmt.Sprintf("step %d command template %d: %v", step.StepOrder, step.CommandTemplateID, err)}
		finish(StatusFailure, nil, "", cfgErr.Error())
		return "", cfgErr
	}

	if err := e.gate(ctx, tmpl, ct, srv); err != nil {
		finish(StatusFailure, nil, "", err.Error())
		return "", err
	}

	vars := MergeVariables(tmpl.Variables, step.Variables)
	command, err := e.substituteCommand(run, ct, vars)
	if err != nil {
		finish(StatusFailure, nil, "", err.Error())
		return "", err
	}
	timeout := e.timeoutFor(step.TimeoutSeconds, ct.TimeoutSeconds, tmpl.TimeoutSeconds)

	res, err := e.execute(ctx, srv, command, timeout)
	if err != nil {
		finish(StatusForError(err), nil, "", err.Error())
		return "", err
	}

	exitCode := res.ExitCode
	if exitCode != 0 {
		exitErr := &NonZeroExitError{ExitCode: exitCode}
		errText := exitErr.Error()
		if res.Stderr != "" {
			errText += "; stderr: " + snippet(res.Stderr, 200)
		}
		finish(StatusFailure, &exitCode, res.Stdout, errText)
		return res.Stdout, exitErr
	}

	finish(StatusSuccess, &exitCode, res.Stdout, "")
	return res.Stdout, nil
}

// finalizeWithStep persists the run and its terminating step in one
// transaction so the aggregate-status invariant holds at every instant.
func (e *Engine) finalizeWithStep(ctx context.Context, run *JobRun, sr *StepExecutionResult, o runOutcome) {
	now := e.clock.Now()
	run.Status = o.status
	run.FinishedAt = &now
	run.DurationMs = max(now.Sub(run.StartedAt).Milliseconds(), 0)
	run.Output = o.output
	run.Error = o.errText

	// The run context may already be cancelled; the terminal write must
	// still go through.
	ctx = context.WithoutCancel(ctx)
	if err := e.store.FinishRunWithStep(ctx, run, sr); err != nil {
		e.logger.Error("failed to finalize run with step", "run_id", run.ID, "error", err)
	}
}

// skipRemaining records skipped rows for steps that never started, so the
// per-run step history stays complete.
func (e *Engine) skipRemaining(run *JobRun, steps []JobTemplateStep) {
	ctx := context.Background()
	for _, step := range steps {
		now := e.clock.Now()
		sr := &StepExecutionResult{
			JobRunID:          run.ID,
			StepOrder:         step.StepOrder,
			CommandTemplateID: step.CommandTemplateID,
			Status:            StatusSkipped,
			StartedAt:         now,
			FinishedAt:        &now,
			Error:             "skipped: previous step failed",
		}
		if err := e.store.InsertStepResult(ctx, sr); err != nil {
			e.logger.Error("failed to record skipped step", "run_id", run.ID, "step_order", step.StepOrder, "error", err)
			return
		}
	}
}

// gate checks the union of job-type and command-template capability
// requirements plus the OS filter.
func (e *Engine) gate(ctx context.Context, tmpl *JobTemplate, ct *CommandTemplate, srv *Server) error {
	required := ct.RequiredCapabilities
	if tmpl.JobTypeID != 0 {
		jt, err := e.store.JobType(ctx, tmpl.JobTypeID)
		if err != nil {
			return &StoreError{Op: fmt.Sprintf("load job type %d", tmpl.JobTypeID), Err: err}
		}
		required = append(append([]string{}, jt.RequiredCapabilities...), ct.RequiredCapabilities...)
	}

	caps, err := e.store.CapabilitiesForServer(ctx, srv.ID)
	if err != nil {
		return &StoreError{Op: "load server capabilities", Err: err}
	}
	return CheckPreconditions(srv, caps, required, ct.OSFilter)
}

// substituteCommand resolves the template's parameter schema against vars
// and renders the command text. Schema violations surface as ConfigError
// and never reach an executor.
func (e *Engine) substituteCommand(run *JobRun, ct *CommandTemplate, vars map[string]string) (string, error) {
	resolved, err := ResolveParameters(ct.ParameterSchema, vars)
	if err != nil {
		return "", err
	}
	command, unresolved := Substitute(ct.Command, resolved)
	if len(unresolved) > 0 {
		e.logger.Warn("command has unresolved variables",
			"run_id", run.ID, "command_template", ct.Name, "unresolved", unresolved)
	}
	return command, nil
}

// execute dispatches to the local or SSH executor with the engine's
// wall-clock guard layered over the executor's own timeout.
func (e *Engine) execute(ctx context.Context, srv *Server, command string, timeout time.Duration) (*ExecResult, error) {
	guardCtx, cancel := context.WithTimeout(ctx, timeout+e.cfg.TimeoutBuffer)
	defer cancel()

	executor := e.remote
	if srv.IsLocal {
		executor = e.local
	}
	return executor.Execute(guardCtx, srv, ShellCommand(command), timeout)
}

func (e *Engine) timeoutFor(seconds ...int) time.Duration {
	for _, s := range seconds {
		if s > 0 {
			return time.Duration(s) * time.Second
		}
	}
	return e.cfg.DefaultTimeout
}

// scheduleRetry inserts the follow-up run row and dispatches it after the
// retry delay. The insert happens immediately so a restarted scheduler can
// pick the row up even if this process dies during the delay.
func (e *Engine) scheduleRetry(parent *JobRun, tmpl *JobTemplate) {
	delay := e.cfg.DefaultRetryDelay
	if tmpl.RetryDelaySeconds > 0 {
		delay = time.Duration(tmpl.RetryDelaySeconds) * time.Second
	}

	retry := &JobRun{
		JobTemplateID: parent.JobTemplateID,
		ServerID:      parent.ServerID,
		JobScheduleID: parent.JobScheduleID,
		Status:        StatusRunning,
		StartedAt:     e.clock.Now(),
		RetryAttempt:  parent.RetryAttempt + 1,
		IsRetry:       true,
	}
	if err := e.store.InsertJobRun(context.Background(), retry); err != nil {
		e.logger.Error("failed to insert retry run", "parent_run_id", parent.ID, "error", err)
		return
	}

	e.metrics.RecordRetry(tmpl.Name, retry.RetryAttempt)
	e.logger.Info("retry scheduled",
		"parent_run_id", parent.ID, "retry_run_id", retry.ID,
		"attempt", retry.RetryAttempt, "delay", delay)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.clock.Sleep(delay)
		if err := e.ExecuteJobRun(context.Background(), retry.ID); err != nil {
			e.logger.Error("retry run failed to execute", "run_id", retry.ID, "error", err)
		}
	}()
}

func joinOutputs(outputs []string) string {
	return strings.Join(outputs, StepOutputSeparator)
}

func snippet(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
