package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/netresearch/fleetcron/core"
)

// SQLStore implements core.AdminStore on PostgreSQL via sqlx.
type SQLStore struct {
	db *sqlx.DB
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, url string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", url)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &SQLStore{db: db}, nil
}

// NewSQLStore wraps an existing connection, used by tests with sqlmock.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: sqlx.NewDb(db, "pgx")}
}

// DB exposes the raw handle for migrations.
func (s *SQLStore) DB() *sql.DB { return s.db.DB }

func (s *SQLStore) Close() error { return s.db.Close() }

// jsonText round-trips a JSONB column onto a Go value.
func jsonText(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func fromJSON[T any](raw []byte, out *T) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func notFound(err, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}

type jobTypeRow struct {
	ID           int64  `db:"id"`
	Name         string `db:"name"`
	Description  string `db:"description"`
	RequiredCaps []byte `db:"required_capabilities"`
}

func (s *SQLStore) JobType(ctx context.Context, id int64) (*core.JobType, error) {
	var row jobTypeRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, name, description, required_capabilities FROM job_types WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, core.ErrJobTemplateNotFound)
	}
	jt := &core.JobType{ID: row.ID, Name: row.Name, Description: row.Description}
	if err := fromJSON(row.RequiredCaps, &jt.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("job type %d capabilities: %w", id, err)
	}
	return jt, nil
}

type commandTemplateRow struct {
	ID             int64  `db:"id"`
	JobTypeID      int64  `db:"job_type_id"`
	Name           string `db:"name"`
	Command        string `db:"command"`
	RequiredCaps   []byte `db:"required_capabilities"`
	OSFilter       []byte `db:"os_filter"`
	TimeoutSeconds int    `db:"timeout_seconds"`
	ParamSchema    []byte `db:"parameter_schema"`
}

func (r *commandTemplateRow) toDomain() (*core.CommandTemplate, error) {
	ct := &core.CommandTemplate{
		ID:             r.ID,
		JobTypeID:      r.JobTypeID,
		Name:           r.Name,
		Command:        r.Command,
		TimeoutSeconds: r.TimeoutSeconds,
	}
	if err := fromJSON(r.RequiredCaps, &ct.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("command template %d capabilities: %w", r.ID, err)
	}
	if len(r.OSFilter) > 0 && string(r.OSFilter) != "null" {
		// Absent, null and non-object filters all mean "no restriction";
		// only a well-formed object narrows placement.
		var f core.OSFilter
		if err := fromJSON(r.OSFilter, &f); err == nil {
			ct.OSFilter = &f
		}
	}
	if err := fromJSON(r.ParamSchema, &ct.ParameterSchema); err != nil {
		return nil, fmt.Errorf("command template %d parameter schema: %w", r.ID, err)
	}
	return ct, nil
}

func (s *SQLStore) CommandTemplate(ctx context.Context, id int64) (*core.CommandTemplate, error) {
	var row commandTemplateRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, job_type_id, name, command, required_capabilities, os_filter,
		       timeout_seconds, parameter_schema
		FROM command_templates WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, core.ErrCommandTemplateNotFound)
	}
	return row.toDomain()
}

type jobTemplateRow struct {
	ID                int64         `db:"id"`
	Name              string        `db:"name"`
	JobTypeID         int64         `db:"job_type_id"`
	IsComposite       bool          `db:"is_composite"`
	CommandTemplateID sql.NullInt64 `db:"command_template_id"`
	Variables         []byte        `db:"variables"`
	TimeoutSeconds    int           `db:"timeout_seconds"`
	RetryCount        int           `db:"retry_count"`
	RetryDelaySeconds int           `db:"retry_delay_seconds"`
	NotifyOnSuccess   bool          `db:"notify_on_success"`
	NotifyOnFailure   bool          `db:"notify_on_failure"`
	PolicyID          sql.NullInt64 `db:"notification_policy_id"`
}

func (r *jobTemplateRow) toDomain() (*core.JobTemplate, error) {
	t := &core.JobTemplate{
		ID:                   r.ID,
		Name:                 r.Name,
		JobTypeID:            r.JobTypeID,
		IsComposite:          r.IsComposite,
		CommandTemplateID:    r.CommandTemplateID.Int64,
		TimeoutSeconds:       r.TimeoutSeconds,
		RetryCount:           r.RetryCount,
		RetryDelaySeconds:    r.RetryDelaySeconds,
		NotifyOnSuccess:      r.NotifyOnSuccess,
		NotifyOnFailure:      r.NotifyOnFailure,
		NotificationPolicyID: r.PolicyID.Int64,
	}
	if err := fromJSON(r.Variables, &t.Variables); err != nil {
		return nil, fmt.Errorf("job template %d variables: %w", r.ID, err)
	}
	return t, nil
}

const jobTemplateColumns = `
	id, name, job_type_id, is_composite, command_template_id, variables,
	timeout_seconds, retry_count, retry_delay_seconds,
	notify_on_success, notify_on_failure, notification_policy_id`

func (s *SQLStore) JobTemplate(ctx context.Context, id int64) (*core.JobTemplate, error) {
	var row jobTemplateRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobTemplateColumns+` FROM job_templates WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, core.ErrJobTemplateNotFound)
	}
	return row.toDomain()
}

func (s *SQLStore) JobTemplateByName(ctx context.Context, name string) (*core.JobTemplate, error) {
	var row jobTemplateRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobTemplateColumns+` FROM job_templates WHERE name = $1`, name)
	if err != nil {
		return nil, notFound(err, core.ErrJobTemplateNotFound)
	}
	return row.toDomain()
}

type stepRow struct {
	ID                int64  `db:"id"`
	JobTemplateID     int64  `db:"job_template_id"`
	StepOrder         int    `db:"step_order"`
	CommandTemplateID int64  `db:"command_template_id"`
	Variables         []byte `db:"variables"`
	TimeoutSeconds    int    `db:"timeout_seconds"`
	ContinueOnFailure bool   `db:"continue_on_failure"`
}

func (s *SQLStore) StepsForTemplate(ctx context.Context, jobTemplateID int64) ([]core.JobTemplateStep, error) {
	var rows []stepRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, job_template_id, step_order, command_template_id, variables,
		       timeout_seconds, continue_on_failure
		FROM job_template_steps WHERE job_template_id = $1 ORDER BY step_order`, jobTemplateID)
	if err != nil {
		return nil, err
	}
	steps := make([]core.JobTemplateStep, 0, len(rows))
	for _, r := range rows {
		step := core.JobTemplateStep{
			ID:                r.ID,
			JobTemplateID:     r.JobTemplateID,
			StepOrder:         r.StepOrder,
			CommandTemplateID: r.CommandTemplateID,
			TimeoutSeconds:    r.TimeoutSeconds,
			ContinueOnFailure: r.ContinueOnFailure,
		}
		if err := fromJSON(r.Variables, &step.Variables); err != nil {
			return nil, fmt.Errorf("step %d variables: %w", r.ID, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

type serverRow struct {
	ID               int64         `db:"id"`
	Name             string        `db:"name"`
	IsLocal          bool          `db:"is_local"`
	Hostname         string        `db:"hostname"`
	Port             int           `db:"port"`
	Username         string        `db:"username"`
	CredentialID     sql.NullInt64 `db:"credential_id"`
	OSDistro         string        `db:"os_distro"`
	PackageManager   string        `db:"package_manager"`
	DockerAvailable  bool          `db:"docker_available"`
	SystemdAvailable bool          `db:"systemd_available"`
	LastSeenAt       *time.Time    `db:"last_seen_at"`
	LastError        string        `db:"last_error"`
	Enabled          bool          `db:"enabled"`
}

func (r *serverRow) toDomain() *core.Server {
	return &core.Server{
		ID:               r.ID,
		Name:             r.Name,
		IsLocal:          r.IsLocal,
		Hostname:         r.Hostname,
		Port:             r.Port,
		Username:         r.Username,
		CredentialID:     r.CredentialID.Int64,
		OSDistro:         r.OSDistro,
		PackageManager:   r.PackageManager,
		DockerAvailable:  r.DockerAvailable,
		SystemdAvailable: r.SystemdAvailable,
		LastSeenAt:       r.LastSeenAt,
		LastError:        r.LastError,
		Enabled:          r.Enabled,
	}
}

const serverColumns = `
	id, name, is_local, hostname, port, username, credential_id, os_distro,
	package_manager, docker_available, systemd_available, last_seen_at,
	last_error, enabled`

func (s *SQLStore) Server(ctx context.Context, id int64) (*core.Server, error) {
	var row serverRow
	err := s.db.GetContext(ctx, &row, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, core.ErrServerNotFound)
	}
	return row.toDomain(), nil
}

func (s *SQLStore) ServerByName(ctx context.Context, name string) (*core.Server, error) {
	var row serverRow
	err := s.db.GetContext(ctx, &row, `SELECT `+serverColumns+` FROM servers WHERE name = $1`, name)
	if err != nil {
		return nil, notFound(err, core.ErrServerNotFound)
	}
	return row.toDomain(), nil
}

func (s *SQLStore) Credential(ctx context.Context, id int64) (*core.Credential, error) {
	var cred core.Credential
	err := s.db.QueryRowxContext(ctx,
		`SELECT id, name, type, value FROM credentials WHERE id = $1`, id).
		Scan(&cred.ID, &cred.Name, &cred.Type, &cred.Value)
	if err != nil {
		return nil, notFound(err, core.ErrCredentialNotFound)
	}
	return &cred, nil
}

func (s *SQLStore) CredentialByName(ctx context.Context, name string) (*core.Credential, error) {
	var cred core.Credential
	err := s.db.QueryRowxContext(ctx,
		`SELECT id, name, type, value FROM credentials WHERE name = $1`, name).
		Scan(&cred.ID, &cred.Name, &cred.Type, &cred.Value)
	if err != nil {
		return nil, notFound(err, core.ErrCredentialNotFound)
	}
	return &cred, nil
}

func (s *SQLStore) CapabilitiesForServer(ctx context.Context, serverID int64) ([]core.ServerCapability, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT server_id, name, available, version, detected_at
		FROM server_capabilities WHERE server_id = $1 ORDER BY name`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var caps []core.ServerCapability
	for rows.Next() {
		var c core.ServerCapability
		if err := rows.Scan(&c.ServerID, &c.Name, &c.Available, &c.Version, &c.DetectedAt); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

func (s *SQLStore) TagsForServer(ctx context.Context, serverID int64) ([]string, error) {
	var tags []string
	err := s.db.SelectContext(ctx, &tags, `
		SELECT t.name FROM tags t
		JOIN server_tags st ON st.tag_id = t.id
		WHERE st.server_id = $1 ORDER BY t.name`, serverID)
	return tags, err
}

func (s *SQLStore) UpdateServerFacts(ctx context.Context, srv *core.Server) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE servers SET os_distro = $2, package_manager = $3, docker_available = $4,
		       systemd_available = $5, last_seen_at = $6, last_error = $7
		WHERE id = $1`,
		srv.ID, srv.OSDistro, srv.PackageManager, srv.DockerAvailable,
		srv.SystemdAvailable, srv.LastSeenAt, srv.LastError)
	return err
}

func (s *SQLStore) UpsertServerCapability(ctx context.Context, cap *core.ServerCapability) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_capabilities (server_id, name, available, version, detected_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (server_id, name)
		DO UPDATE SET available = EXCLUDED.available, version = EXCLUDED.version,
		              detected_at = EXCLUDED.detected_at`,
		cap.ServerID, cap.Name, cap.Available, cap.Version, cap.DetectedAt)
	return err
}

type scheduleRow struct {
	ID             int64      `db:"id"`
	JobTemplateID  int64      `db:"job_template_id"`
	ServerID       int64      `db:"server_id"`
	CronExpression string     `db:"cron_expression"`
	Enabled        bool       `db:"enabled"`
	LastRunAt      *time.Time `db:"last_run_at"`
	LastRunStatus  string     `db:"last_run_status"`
	NextRunAt      *time.Time `db:"next_run_at"`
	SuccessCount   int64      `db:"success_count"`
	FailureCount   int64      `db:"failure_count"`
}

func (r *scheduleRow) toDomain() *core.JobSchedule {
	return &core.JobSchedule{
		ID:             r.ID,
		JobTemplateID:  r.JobTemplateID,
		ServerID:       r.ServerID,
		CronExpression: r.CronExpression,
		Enabled:        r.Enabled,
		LastRunAt:      r.LastRunAt,
		LastRunStatus:  r.LastRunStatus,
		NextRunAt:      r.NextRunAt,
		SuccessCount:   r.SuccessCount,
		FailureCount:   r.FailureCount,
	}
}

const scheduleColumns = `
	id, job_template_id, server_id, cron_expression, enabled, last_run_at,
	last_run_status, next_run_at, success_count, failure_count`

func (s *SQLStore) JobSchedule(ctx context.Context, id int64) (*core.JobSchedule, error) {
	var row scheduleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+scheduleColumns+` FROM job_schedules WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, core.ErrScheduleNotFound)
	}
	return row.toDomain(), nil
}

func (s *SQLStore) DueSchedules(ctx context.Context, now time.Time) ([]core.JobSchedule, error) {
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+scheduleColumns+` FROM job_schedules
		WHERE enabled AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	out := make([]core.JobSchedule, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toDomain())
	}
	return out, nil
}

func (s *SQLStore) UpdateScheduleNextRun(ctx context.Context, id int64, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE job_schedules SET next_run_at = $2 WHERE id = $1`, id, next)
	return err
}

func (s *SQLStore) RecordScheduleRun(ctx context.Context, id int64, at time.Time, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_schedules SET
			last_run_at = $2,
			last_run_status = $3,
			success_count = success_count + CASE WHEN $3 = 'success' THEN 1 ELSE 0 END,
			failure_count = failure_count + CASE WHEN $3 = 'success' THEN 0 ELSE 1 END
		WHERE id = $1`, id, at, status)
	return err
}
