package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSchedulerTick is the period between due-schedule evaluations.
const DefaultSchedulerTick = 30 * time.Second

// DefaultStopTimeout is the default timeout for graceful shutdown.
const DefaultStopTimeout = 30 * time.Second

// Dispatcher hands a freshly inserted job run to the execution engine.
// Engine satisfies it; tests substitute a recorder.
type Dispatcher interface {
	ExecuteJobRun(ctx context.Context, jobRunID int64) error
}

// Scheduler evaluates cron schedules on a fixed tick and dispatches due
// runs. next_run_at is always advanced relative to the evaluation instant
// and persisted before dispatch, so a restart after downtime fires each
// overdue schedule once instead of replaying missed boundaries.
type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	logger     *slog.Logger
	clock      Clock
	metrics    MetricsRecorder
	tick       time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	loopWG  sync.WaitGroup
	runWG   sync.WaitGroup
}

func NewScheduler(store Store, dispatcher Dispatcher, tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultSchedulerTick
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		clock:      NewRealClock(),
		metrics:    NoopMetrics(),
		tick:       tick,
		baseCtx:    baseCtx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
	}
}

func (s *Scheduler) SetClock(c Clock) {
	if c != nil {
		s.clock = c
	}
}

func (s *Scheduler) SetMetricsRecorder(m MetricsRecorder) {
	if m != nil {
		s.metrics = m
	}
}

// Start launches the tick loop. The first evaluation happens immediately so
// schedules that came due while the process was down are picked up without
// waiting a full tick.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.loopWG.Add(1)
	go s.loop()
	s.logger.Info("scheduler started", "tick", s.tick)
}

func (s *Scheduler) loop() {
	defer s.loopWG.Done()

	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()

	s.tickOnce()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.tickOnce()
		}
	}
}

func (s *Scheduler) tickOnce() {
	now := s.clock.Now()
	dispatched, err := s.Tick(s.baseCtx, now)
	if err != nil {
		s.logger.Error("scheduler tick failed", "error", err)
		return
	}
	if dispatched > 0 {
		s.logger.Debug("scheduler tick", "dispatched", dispatched)
	}
}

// Tick evaluates every enabled schedule whose next_run_at is unset or has
// passed, advances next_run_at, inserts the run row and hands it to the
// dispatcher. It returns the number of runs dispatched.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("query due schedules: %w", err)
	}

	dispatched := 0
	for i := range due {
		sched := due[i]

		next, err := NextRun(sched.CronExpression, now)
		if err != nil {
			s.logger.Error("schedule has invalid cron expression",
				"schedule_id", sched.ID, "expression", sched.CronExpression, "error", err)
			continue
		}

		// Persist the advanced next_run_at before dispatching; a second
		// evaluation of the same schedule then sees it as not due.
		if err := s.store.UpdateScheduleNextRun(ctx, sched.ID, next); err != nil {
			s.logger.Error("failed to advance schedule", "schedule_id", sched.ID, "error", err)
			continue
		}

		run := &JobRun{
			JobTemplateID: sched.JobTemplateID,
			ServerID:      sched.ServerID,
			JobScheduleID: sched.ID,
			Status:        StatusRunning,
			StartedAt:     now,
		}
		if err := s.store.InsertJobRun(ctx, run); err != nil {
			s.logger.Error("failed to insert job run", "schedule_id", sched.ID, "error", err)
			continue
		}

		s.metrics.RecordScheduleDispatch()
		dispatched++

		s.runWG.Add(1)
		go func(runID int64) {
			defer s.runWG.Done()
			if err := s.dispatcher.ExecuteJobRun(s.baseCtx, runID); err != nil {
				s.logger.Error("job run execution failed", "run_id", runID, "error", err)
			}
		}(run.ID)
	}

	return dispatched, nil
}

// Stop halts the tick loop and waits up to timeout for in-flight runs.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("scheduler stopped")
		return nil
	case <-time.After(timeout):
		s.cancel()
		s.logger.Warn("scheduler stop timed out, some runs may still be active", "timeout", timeout)
		return fmt.Errorf("%w after %v", ErrSchedulerTimeout, timeout)
	}
}
