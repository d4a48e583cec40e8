package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/netresearch/fleetcron/core"
)

type jobRunRow struct {
	ID                int64         `db:"id"`
	JobTemplateID     int64         `db:"job_template_id"`
	ServerID          int64         `db:"server_id"`
	JobScheduleID     sql.NullInt64 `db:"job_schedule_id"`
	Status            string        `db:"status"`
	StartedAt         time.Time     `db:"started_at"`
	FinishedAt        *time.Time    `db:"finished_at"`
	DurationMs        int64         `db:"duration_ms"`
	ExitCode          *int          `db:"exit_code"`
	Output            string        `db:"output"`
	Error             string        `db:"error"`
	RetryAttempt      int           `db:"retry_attempt"`
	IsRetry           bool          `db:"is_retry"`
	NotificationSent  bool          `db:"notification_sent"`
	NotificationError string        `db:"notification_error"`
	Metadata          []byte        `db:"metadata"`
}

func (r *jobRunRow) toDomain() (*core.JobRun, error) {
	run := &core.JobRun{
		ID:                r.ID,
		JobTemplateID:     r.JobTemplateID,
		ServerID:          r.ServerID,
		JobScheduleID:     r.JobScheduleID.Int64,
		Status:            r.Status,
		StartedAt:         r.StartedAt,
		FinishedAt:        r.FinishedAt,
		DurationMs:        r.DurationMs,
		ExitCode:          r.ExitCode,
		Output:            r.Output,
		Error:             r.Error,
		RetryAttempt:      r.RetryAttempt,
		IsRetry:           r.IsRetry,
		NotificationSent:  r.NotificationSent,
		NotificationError: r.NotificationError,
	}
	if err := fromJSON(r.Metadata, &run.Metadata); err != nil {
		return nil, fmt.Errorf("job run %d metadata: %w", r.ID, err)
	}
	return run, nil
}

// nullID maps a zero foreign key onto SQL NULL.
func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func (s *SQLStore) InsertJobRun(ctx context.Context, run *core.JobRun) error {
	metadata, err := jsonText(run.Metadata)
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO job_runs (job_template_id, server_id, job_schedule_id, status,
		                      started_at, retry_attempt, is_retry, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		run.JobTemplateID, run.ServerID, nullID(run.JobScheduleID), run.Status,
		run.StartedAt, run.RetryAttempt, run.IsRetry, metadata).
		Scan(&run.ID)
}

const jobRunColumns = `
	id, job_template_id, server_id, job_schedule_id, status, started_at,
	finished_at, duration_ms, exit_code, output, error, retry_attempt,
	is_retry, notification_sent, notification_error, metadata`

func (s *SQLStore) JobRun(ctx context.Context, id int64) (*core.JobRun, error) {
	var row jobRunRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobRunColumns+` FROM job_runs WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, core.ErrJobRunNotFound)
	}
	return row.toDomain()
}

// started_at is rewritten on finish: the engine stamps the actual execution
// start, which trails the insert-time value whenever the run queued on the
// semaphore or slept out a retry delay.
const finishJobRunSQL = `
	UPDATE job_runs SET status = $2, started_at = $3, finished_at = $4,
	       duration_ms = $5, exit_code = $6, output = $7, error = $8
	WHERE id = $1`

func (s *SQLStore) FinishJobRun(ctx context.Context, run *core.JobRun) error {
	_, err := s.db.ExecContext(ctx, finishJobRunSQL,
		run.ID, run.Status, run.StartedAt, run.FinishedAt, run.DurationMs,
		run.ExitCode, run.Output, run.Error)
	return err
}

func (s *SQLStore) SetJobRunNotification(ctx context.Context, id int64, sent bool, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET notification_sent = $2, notification_error = $3
		WHERE id = $1`, id, sent, errMsg)
	return err
}

func (s *SQLStore) InsertStepResult(ctx context.Context, step *core.StepExecutionResult) error {
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO step_execution_results
			(job_run_id, step_order, command_template_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		step.JobRunID, step.StepOrder, step.CommandTemplateID, step.Status, step.StartedAt).
		Scan(&step.ID)
}

const finishStepSQL = `
	UPDATE step_execution_results SET status = $2, finished_at = $3,
	       duration_ms = $4, exit_code = $5, output = $6, error = $7
	WHERE id = $1`

func (s *SQLStore) FinishStepResult(ctx context.Context, step *core.StepExecutionResult) error {
	_, err := s.db.ExecContext(ctx, finishStepSQL,
		step.ID, step.Status, step.FinishedAt, step.DurationMs,
		step.ExitCode, step.Output, step.Error)
	return err
}

func (s *SQLStore) FinishRunWithStep(ctx context.Context, run *core.JobRun, step *core.StepExecutionResult) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, finishStepSQL,
		step.ID, step.Status, step.FinishedAt, step.DurationMs,
		step.ExitCode, step.Output, step.Error); err != nil {
		return fmt.Errorf("finish step %d: %w", step.ID, err)
	}
	if _, err := tx.ExecContext(ctx, finishJobRunSQL,
		run.ID, run.Status, run.StartedAt, run.FinishedAt, run.DurationMs,
		run.ExitCode, run.Output, run.Error); err != nil {
		return fmt.Errorf("finish run %d: %w", run.ID, err)
	}
	return tx.Commit()
}

func (s *SQLStore) StepResultsForRun(ctx context.Context, runID int64) ([]core.StepExecutionResult, error) {
	var rows []struct {
		ID                int64      `db:"id"`
		JobRunID          int64      `db:"job_run_id"`
		StepOrder         int        `db:"step_order"`
		CommandTemplateID int64      `db:"command_template_id"`
		Status            string     `db:"status"`
		StartedAt         time.Time  `db:"started_at"`
		FinishedAt        *time.Time `db:"finished_at"`
		DurationMs        int64      `db:"duration_ms"`
		ExitCode          *int       `db:"exit_code"`
		Output            string     `db:"output"`
		Error             string     `db:"error"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, job_run_id, step_order, command_template_id, status, started_at,
		       finished_at, duration_ms, exit_code, output, error
		FROM step_execution_results WHERE job_run_id = $1 ORDER BY step_order`, runID)
	if err != nil {
		return nil, err
	}
	steps := make([]core.StepExecutionResult, 0, len(rows))
	for _, r := range rows {
		steps = append(steps, core.StepExecutionResult{
			ID:                r.ID,
			JobRunID:          r.JobRunID,
			StepOrder:         r.StepOrder,
			CommandTemplateID: r.CommandTemplateID,
			Status:            r.Status,
			StartedAt:         r.StartedAt,
			FinishedAt:        r.FinishedAt,
			DurationMs:        r.DurationMs,
			ExitCode:          r.ExitCode,
			Output:            r.Output,
			Error:             r.Error,
		})
	}
	return steps, nil
}
