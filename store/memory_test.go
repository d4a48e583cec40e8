package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/fleetcron/core"
)

func TestMemoryUpsertKeysOnName(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	first := &core.JobTemplate{Name: "backup", RetryCount: 1}
	require.NoError(t, m.UpsertJobTemplate(ctx, first))

	// Re-upserting the same name keeps the ID and applies the new fields.
	second := &core.JobTemplate{Name: "backup", RetryCount: 3}
	require.NoError(t, m.UpsertJobTemplate(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	got, err := m.JobTemplate(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
}

func TestMemoryUpsertScheduleKeysOnTriple(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	first := &core.JobSchedule{JobTemplateID: 1, ServerID: 1, CronExpression: "0 3 * * *", Enabled: true}
	require.NoError(t, m.UpsertSchedule(ctx, first))

	// Same (template, server, cron) triple dedupes onto the existing row.
	again := &core.JobSchedule{JobTemplateID: 1, ServerID: 1, CronExpression: "0 3 * * *", Enabled: false}
	require.NoError(t, m.UpsertSchedule(ctx, again))
	assert.Equal(t, first.ID, again.ID)

	got, err := m.JobSchedule(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	// A different cron expression is a new schedule.
	other := &core.JobSchedule{JobTemplateID: 1, ServerID: 1, CronExpression: "0 4 * * *", Enabled: true}
	require.NoError(t, m.UpsertSchedule(ctx, other))
	assert.NotEqual(t, first.ID, other.ID)
}

func TestMemoryFinishJobRunRestampsStart(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	inserted := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	run := &core.JobRun{JobTemplateID: 1, ServerID: 1, Status: core.StatusRunning, StartedAt: inserted}
	require.NoError(t, m.InsertJobRun(ctx, run))

	// The run queued for 45s before executing; the engine restamps
	// started_at and the finish must persist it so the stored span
	// matches duration_ms.
	started := inserted.Add(45 * time.Second)
	finished := started.Add(2 * time.Second)
	run.Status = core.StatusSuccess
	run.StartedAt = started
	run.FinishedAt = &finished
	run.DurationMs = 2000
	require.NoError(t, m.FinishJobRun(ctx, run))

	got, err := m.JobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, started, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.InDelta(t, got.FinishedAt.Sub(got.StartedAt).Milliseconds(), got.DurationMs, 1)
}

func TestMemoryReadsReturnCopies(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	srv := &core.Server{Name: "web-1", Enabled: true}
	require.NoError(t, m.UpsertServer(ctx, srv))

	got, err := m.Server(ctx, srv.ID)
	require.NoError(t, err)
	got.Enabled = false

	again, err := m.Server(ctx, srv.ID)
	require.NoError(t, err)
	assert.True(t, again.Enabled)
}

func TestMemoryDueSchedules(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	// Distinct cron expressions keep the four fixtures from collapsing
	// under the (template, server, cron) upsert key.
	neverRun := &core.JobSchedule{JobTemplateID: 1, ServerID: 1, CronExpression: "0 1 * * *", Enabled: true}
	require.NoError(t, m.UpsertSchedule(ctx, neverRun))

	overdue := &core.JobSchedule{JobTemplateID: 1, ServerID: 1, CronExpression: "0 2 * * *", Enabled: true, NextRunAt: &past}
	require.NoError(t, m.UpsertSchedule(ctx, overdue))

	notYet := &core.JobSchedule{JobTemplateID: 1, ServerID: 1, CronExpression: "0 3 * * *", Enabled: true, NextRunAt: &future}
	require.NoError(t, m.UpsertSchedule(ctx, notYet))

	disabled := &core.JobSchedule{JobTemplateID: 1, ServerID: 1, CronExpression: "0 4 * * *", Enabled: false, NextRunAt: &past}
	require.NoError(t, m.UpsertSchedule(ctx, disabled))

	due, err := m.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	// Ordered by ID: the never-run schedule first, then the overdue one.
	assert.Equal(t, neverRun.ID, due[0].ID)
	assert.Equal(t, overdue.ID, due[1].ID)
}

func TestMemoryDueScheduleBoundaryInclusive(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)

	sched := &core.JobSchedule{JobTemplateID: 1, ServerID: 1, CronExpression: "0 3 * * *", Enabled: true, NextRunAt: &now}
	require.NoError(t, m.UpsertSchedule(ctx, sched))

	due, err := m.DueSchedules(ctx, now)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestMemoryRecordScheduleRunCounters(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	sched := &core.JobSchedule{JobTemplateID: 1, ServerID: 1, CronExpression: "0 3 * * *", Enabled: true}
	require.NoError(t, m.UpsertSchedule(ctx, sched))

	at := time.Now()
	require.NoError(t, m.RecordScheduleRun(ctx, sched.ID, at, core.StatusSuccess))
	require.NoError(t, m.RecordScheduleRun(ctx, sched.ID, at, core.StatusFailure))
	require.NoError(t, m.RecordScheduleRun(ctx, sched.ID, at, core.StatusTimeout))

	got, err := m.JobSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SuccessCount)
	assert.Equal(t, int64(2), got.FailureCount)
	assert.Equal(t, core.StatusTimeout, got.LastRunStatus)
}

func TestMemoryFinishRunWithStep(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	run := &core.JobRun{JobTemplateID: 1, ServerID: 1, Status: core.StatusRunning, StartedAt: time.Now()}
	require.NoError(t, m.InsertJobRun(ctx, run))

	step := &core.StepExecutionResult{JobRunID: run.ID, StepOrder: 1, Status: core.StatusRunning, StartedAt: time.Now()}
	require.NoError(t, m.InsertStepResult(ctx, step))

	finished := time.Now()
	run.Status = core.StatusFailure
	run.FinishedAt = &finished
	run.Error = "exit: command exited with code 1"
	step.Status = core.StatusFailure
	step.FinishedAt = &finished

	require.NoError(t, m.FinishRunWithStep(ctx, run, step))

	gotRun, err := m.JobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailure, gotRun.Status)

	steps, err := m.StepResultsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, core.StatusFailure, steps[0].Status)
}

func TestMemoryStepResultsSortedByOrder(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	run := &core.JobRun{JobTemplateID: 1, ServerID: 1, Status: core.StatusRunning, StartedAt: time.Now()}
	require.NoError(t, m.InsertJobRun(ctx, run))

	for _, order := range []int{3, 1, 2} {
		step := &core.StepExecutionResult{JobRunID: run.ID, StepOrder: order, Status: core.StatusSuccess, StartedAt: time.Now()}
		require.NoError(t, m.InsertStepResult(ctx, step))
	}

	steps, err := m.StepResultsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, 1, steps[0].StepOrder)
	assert.Equal(t, 2, steps[1].StepOrder)
	assert.Equal(t, 3, steps[2].StepOrder)
}

func TestMemoryCountPolicyDeliveries(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	insert := func(policyID int64, success bool, sentAt time.Time) {
		require.NoError(t, m.InsertNotificationLog(ctx, &core.NotificationLog{
			PolicyID: policyID, ChannelID: 1, Success: success, SentAt: sentAt,
		}))
	}

	insert(1, true, now.Add(-10*time.Minute))
	insert(1, true, now.Add(-59*time.Minute))
	// Failures, deliveries outside the window and other policies don't count.
	insert(1, false, now.Add(-5*time.Minute))
	insert(1, true, now.Add(-2*time.Hour))
	insert(2, true, now.Add(-10*time.Minute))

	count, err := m.CountPolicyDeliveries(ctx, 1, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMemoryReplaceTemplateSteps(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	tmpl := &core.JobTemplate{Name: "pipeline", IsComposite: true}
	require.NoError(t, m.UpsertJobTemplate(ctx, tmpl))

	require.NoError(t, m.ReplaceTemplateSteps(ctx, tmpl.ID, []core.JobTemplateStep{
		{StepOrder: 1, CommandTemplateID: 10},
		{StepOrder: 2, CommandTemplateID: 11},
	}))
	require.NoError(t, m.ReplaceTemplateSteps(ctx, tmpl.ID, []core.JobTemplateStep{
		{StepOrder: 1, CommandTemplateID: 12},
	}))

	steps, err := m.StepsForTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, int64(12), steps[0].CommandTemplateID)
	assert.Equal(t, tmpl.ID, steps[0].JobTemplateID)
	assert.NotZero(t, steps[0].ID)
}

func TestMemoryTags(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	srv := &core.Server{Name: "web-1", Enabled: true}
	require.NoError(t, m.UpsertServer(ctx, srv))

	require.NoError(t, m.UpsertTag(ctx, srv.ID, "prod"))
	require.NoError(t, m.UpsertTag(ctx, srv.ID, "web"))
	require.NoError(t, m.UpsertTag(ctx, srv.ID, "prod")) // idempotent

	tags, err := m.TagsForServer(ctx, srv.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"prod", "web"}, tags)
}

func TestMemoryNotFoundSentinels(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	_, err := m.JobRun(ctx, 1)
	assert.ErrorIs(t, err, core.ErrJobRunNotFound)
	_, err = m.Server(ctx, 1)
	assert.ErrorIs(t, err, core.ErrServerNotFound)
	_, err = m.JobTemplateByName(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrJobTemplateNotFound)
	_, err = m.Channel(ctx, 1)
	assert.ErrorIs(t, err, core.ErrChannelNotFound)
	_, err = m.CredentialByName(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrCredentialNotFound)
}
