package store

import (
	"context"
	"fmt"
	"time"

	"github.com/netresearch/fleetcron/core"
)

type channelRow struct {
	ID              int64      `db:"id"`
	Name            string     `db:"name"`
	Type            string     `db:"type"`
	Config          []byte     `db:"config"`
	Enabled         bool       `db:"enabled"`
	DefaultPriority int        `db:"default_priority"`
	LastTestedAt    *time.Time `db:"last_tested_at"`
	LastTestOK      bool       `db:"last_test_ok"`
	LastTestError   string     `db:"last_test_error"`
}

func (r *channelRow) toDomain() (*core.NotificationChannel, error) {
	ch := &core.NotificationChannel{
		ID:              r.ID,
		Name:            r.Name,
		Type:            r.Type,
		Enabled:         r.Enabled,
		DefaultPriority: r.DefaultPriority,
		LastTestedAt:    r.LastTestedAt,
		LastTestOK:      r.LastTestOK,
		LastTestError:   r.LastTestError,
	}
	if err := fromJSON(r.Config, &ch.Config); err != nil {
		return nil, fmt.Errorf("channel %d config: %w", r.ID, err)
	}
	return ch, nil
}

func (s *SQLStore) Channel(ctx context.Context, id int64) (*core.NotificationChannel, error) {
	var row channelRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, type, config, enabled, default_priority, last_tested_at,
		       last_test_ok, last_test_error
		FROM notification_channels WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, core.ErrChannelNotFound)
	}
	return row.toDomain()
}

type policyRow struct {
	ID            int64  `db:"id"`
	Name          string `db:"name"`
	Enabled       bool   `db:"enabled"`
	OnSuccess     bool   `db:"on_success"`
	OnFailure     bool   `db:"on_failure"`
	OnTimeout     bool   `db:"on_timeout"`
	JobTypeFilter []byte `db:"job_type_filter"`
	ServerFilter  []byte `db:"server_filter"`
	TagFilter     []byte `db:"tag_filter"`
	MinSeverity   int    `db:"min_severity"`
	MaxPerHour    int    `db:"max_per_hour"`
	TitleTemplate string `db:"title_template"`
	BodyTemplate  string `db:"body_template"`
}

func (r *policyRow) toDomain() (*core.NotificationPolicy, error) {
	p := &core.NotificationPolicy{
		ID:            r.ID,
		Name:          r.Name,
		Enabled:       r.Enabled,
		OnSuccess:     r.OnSuccess,
		OnFailure:     r.OnFailure,
		OnTimeout:     r.OnTimeout,
		MinSeverity:   r.MinSeverity,
		MaxPerHour:    r.MaxPerHour,
		TitleTemplate: r.TitleTemplate,
		BodyTemplate:  r.BodyTemplate,
	}
	if err := fromJSON(r.JobTypeFilter, &p.JobTypeFilter); err != nil {
		return nil, fmt.Errorf("policy %d job type filter: %w", r.ID, err)
	}
	if err := fromJSON(r.ServerFilter, &p.ServerFilter); err != nil {
		return nil, fmt.Errorf("policy %d server filter: %w", r.ID, err)
	}
	if err := fromJSON(r.TagFilter, &p.TagFilter); err != nil {
		return nil, fmt.Errorf("policy %d tag filter: %w", r.ID, err)
	}
	return p, nil
}

func (s *SQLStore) EnabledPolicies(ctx context.Context) ([]core.NotificationPolicy, error) {
	var rows []policyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, enabled, on_success, on_failure, on_timeout,
		       job_type_filter, server_filter, tag_filter, min_severity,
		       max_per_hour, title_template, body_template
		FROM notification_policies WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, err
	}
	policies := make([]core.NotificationPolicy, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, nil
}

func (s *SQLStore) PolicyChannels(ctx context.Context, policyID int64) ([]core.NotificationPolicyChannel, error) {
	var links []core.NotificationPolicyChannel
	rows, err := s.db.QueryxContext(ctx, `
		SELECT policy_id, channel_id, priority_override
		FROM notification_policy_channels WHERE policy_id = $1 ORDER BY channel_id`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var link core.NotificationPolicyChannel
		if err := rows.Scan(&link.PolicyID, &link.ChannelID, &link.PriorityOverride); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (s *SQLStore) InsertNotificationLog(ctx context.Context, log *core.NotificationLog) error {
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO notification_logs
			(channel_id, policy_id, job_run_id, title, body, priority,
			 success, error_message, retry_count, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		log.ChannelID, log.PolicyID, log.JobRunID, log.Title, log.Body,
		log.Priority, log.Success, log.ErrorMessage, log.RetryCount, log.SentAt).
		Scan(&log.ID)
}

func (s *SQLStore) CountPolicyDeliveries(ctx context.Context, policyID int64, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM notification_logs
		WHERE policy_id = $1 AND success AND sent_at >= $2`, policyID, since)
	return count, err
}

func (s *SQLStore) UpdateChannelTestResult(ctx context.Context, id int64, at time.Time, ok bool, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_channels
		SET last_tested_at = $2, last_test_ok = $3, last_test_error = $4
		WHERE id = $1`, id, at, ok, errMsg)
	return err
}
