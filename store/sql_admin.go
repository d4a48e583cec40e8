package store

import (
	"context"
	"fmt"

	"github.com/netresearch/fleetcron/core"
)

// Admin writes used by the CLI seed import. All upserts key on the entity
// name and fill in the generated ID.

func (s *SQLStore) UpsertJobType(ctx context.Context, jt *core.JobType) error {
	caps, err := jsonText(jt.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("marshal job type capabilities: %w", err)
	}
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO job_types (name, description, required_capabilities)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			required_capabilities = EXCLUDED.required_capabilities
		RETURNING id`,
		jt.Name, jt.Description, caps).
		Scan(&jt.ID)
}

func (s *SQLStore) UpsertCommandTemplate(ctx context.Context, ct *core.CommandTemplate) error {
	caps, err := jsonText(ct.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("marshal command template capabilities: %w", err)
	}
	osFilter, err := jsonText(ct.OSFilter)
	if err != nil {
		return fmt.Errorf("marshal os filter: %w", err)
	}
	schema, err := jsonText(ct.ParameterSchema)
	if err != nil {
		return fmt.Errorf("marshal parameter schema: %w", err)
	}
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO command_templates
			(job_type_id, name, command, required_capabilities, os_filter,
			 timeout_seconds, parameter_schema)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			job_type_id = EXCLUDED.job_type_id,
			command = EXCLUDED.command,
			required_capabilities = EXCLUDED.required_capabilities,
			os_filter = EXCLUDED.os_filter,
			timeout_seconds = EXCLUDED.timeout_seconds,
			parameter_schema = EXCLUDED.parameter_schema
		RETURNING id`,
		ct.JobTypeID, ct.Name, ct.Command, caps, osFilter, ct.TimeoutSeconds, schema).
		Scan(&ct.ID)
}

func (s *SQLStore) UpsertJobTemplate(ctx context.Context, t *core.JobTemplate) error {
	vars, err := jsonText(t.Variables)
	if err != nil {
		return fmt.Errorf("marshal template variables: %w", err)
	}
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO job_templates
			(name, job_type_id, is_composite, command_template_id, variables,
			 timeout_seconds, retry_count, retry_delay_seconds,
			 notify_on_success, notify_on_failure, notification_policy_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name) DO UPDATE SET
			job_type_id = EXCLUDED.job_type_id,
			is_composite = EXCLUDED.is_composite,
			command_template_id = EXCLUDED.command_template_id,
			variables = EXCLUDED.variables,
			timeout_seconds = EXCLUDED.timeout_seconds,
			retry_count = EXCLUDED.retry_count,
			retry_delay_seconds = EXCLUDED.retry_delay_seconds,
			notify_on_success = EXCLUDED.notify_on_success,
			notify_on_failure = EXCLUDED.notify_on_failure,
			notification_policy_id = EXCLUDED.notification_policy_id
		RETURNING id`,
		t.Name, t.JobTypeID, t.IsComposite, nullID(t.CommandTemplateID), vars,
		t.TimeoutSeconds, t.RetryCount, t.RetryDelaySeconds,
		t.NotifyOnSuccess, t.NotifyOnFailure, nullID(t.NotificationPolicyID)).
		Scan(&t.ID)
}

func (s *SQLStore) ReplaceTemplateSteps(ctx context.Context, jobTemplateID int64, steps []core.JobTemplateStep) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM job_template_steps WHERE job_template_id = $1`, jobTemplateID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	for i := range steps {
		step := &steps[i]
		vars, err := jsonText(step.Variables)
		if err != nil {
			return fmt.Errorf("marshal step %d variables: %w", step.StepOrder, err)
		}
		if err := tx.QueryRowxContext(ctx, `
			INSERT INTO job_template_steps
				(job_template_id, step_order, command_template_id, variables,
				 timeout_seconds, continue_on_failure)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			jobTemplateID, step.StepOrder, step.CommandTemplateID, vars,
			step.TimeoutSeconds, step.ContinueOnFailure).
			Scan(&step.ID); err != nil {
			return fmt.Errorf("insert step %d: %w", step.StepOrder, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) UpsertServer(ctx context.Context, srv *core.Server) error {
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO servers
			(name, is_local, hostname, port, username, credential_id, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			is_local = EXCLUDED.is_local,
			hostname = EXCLUDED.hostname,
			port = EXCLUDED.port,
			username = EXCLUDED.username,
			credential_id = EXCLUDED.credential_id,
			enabled = EXCLUDED.enabled
		RETURNING id`,
		srv.Name, srv.IsLocal, srv.Hostname, srv.Port, srv.Username,
		nullID(srv.CredentialID), srv.Enabled).
		Scan(&srv.ID)
}

func (s *SQLStore) UpsertSchedule(ctx context.Context, sched *core.JobSchedule) error {
	if sched.ID != 0 {
		_, err := s.db.ExecContext(ctx, `
			UPDATE job_schedules SET job_template_id = $2, server_id = $3,
			       cron_expression = $4, enabled = $5
			WHERE id = $1`,
			sched.ID, sched.JobTemplateID, sched.ServerID,
			sched.CronExpression, sched.Enabled)
		return err
	}
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO job_schedules (job_template_id, server_id, cron_expression, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_template_id, server_id, cron_expression)
		DO UPDATE SET enabled = EXCLUDED.enabled
		RETURNING id`,
		sched.JobTemplateID, sched.ServerID, sched.CronExpression, sched.Enabled).
		Scan(&sched.ID)
}

func (s *SQLStore) InsertCredential(ctx context.Context, cred *core.Credential) error {
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO credentials (name, type, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			type = EXCLUDED.type,
			value = EXCLUDED.value
		RETURNING id`,
		cred.Name, cred.Type, cred.Value).
		Scan(&cred.ID)
}

func (s *SQLStore) UpsertChannel(ctx context.Context, ch *core.NotificationChannel) error {
	config, err := jsonText(ch.Config)
	if err != nil {
		return fmt.Errorf("marshal channel config: %w", err)
	}
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO notification_channels (name, type, config, enabled, default_priority)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			type = EXCLUDED.type,
			config = EXCLUDED.config,
			enabled = EXCLUDED.enabled,
			default_priority = EXCLUDED.default_priority
		RETURNING id`,
		ch.Name, ch.Type, config, ch.Enabled, ch.DefaultPriority).
		Scan(&ch.ID)
}

func (s *SQLStore) UpsertPolicy(ctx context.Context, p *core.NotificationPolicy) error {
	jobTypes, err := jsonText(p.JobTypeFilter)
	if err != nil {
		return fmt.Errorf("marshal job type filter: %w", err)
	}
	servers, err := jsonText(p.ServerFilter)
	if err != nil {
		return fmt.Errorf("marshal server filter: %w", err)
	}
	tags, err := jsonText(p.TagFilter)
	if err != nil {
		return fmt.Errorf("marshal tag filter: %w", err)
	}
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO notification_policies
			(name, enabled, on_success, on_failure, on_timeout, job_type_filter,
			 server_filter, tag_filter, min_severity, max_per_hour,
			 title_template, body_template)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (name) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			on_success = EXCLUDED.on_success,
			on_failure = EXCLUDED.on_failure,
			on_timeout = EXCLUDED.on_timeout,
			job_type_filter = EXCLUDED.job_type_filter,
			server_filter = EXCLUDED.server_filter,
			tag_filter = EXCLUDED.tag_filter,
			min_severity = EXCLUDED.min_severity,
			max_per_hour = EXCLUDED.max_per_hour,
			title_template = EXCLUDED.title_template,
			body_template = EXCLUDED.body_template
		RETURNING id`,
		p.Name, p.Enabled, p.OnSuccess, p.OnFailure, p.OnTimeout,
		jobTypes, servers, tags, p.MinSeverity, p.MaxPerHour,
		p.TitleTemplate, p.BodyTemplate).
		Scan(&p.ID)
}

func (s *SQLStore) LinkPolicyChannel(ctx context.Context, link *core.NotificationPolicyChannel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_policy_channels (policy_id, channel_id, priority_override)
		VALUES ($1, $2, $3)
		ON CONFLICT (policy_id, channel_id)
		DO UPDATE SET priority_override = EXCLUDED.priority_override`,
		link.PolicyID, link.ChannelID, link.PriorityOverride)
	return err
}

func (s *SQLStore) UpsertTag(ctx context.Context, serverID int64, tag string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var tagID int64
	if err := tx.QueryRowxContext(ctx, `
		INSERT INTO tags (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, tag).Scan(&tagID); err != nil {
		return fmt.Errorf("upsert tag %q: %w", tag, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO server_tags (server_id, tag_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, serverID, tagID); err != nil {
		return fmt.Errorf("link tag %q: %w", tag, err)
	}
	return tx.Commit()
}
