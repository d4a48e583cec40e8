package core

import (
	"context"
	"time"
)

// Store is the typed repository surface the core depends on. Implementations
// live in the store package; tests use the in-memory variant.
type Store interface {
	// Entity reads
	JobType(ctx context.Context, id int64) (*JobType, error)
	CommandTemplate(ctx context.Context, id int64) (*CommandTemplate, error)
	JobTemplate(ctx context.Context, id int64) (*JobTemplate, error)
	StepsForTemplate(ctx context.Context, jobTemplateID int64) ([]JobTemplateStep, error)
	Server(ctx context.Context, id int64) (*Server, error)
	Credential(ctx context.Context, id int64) (*Credential, error)
	CapabilitiesForServer(ctx context.Context, serverID int64) ([]ServerCapability, error)
	TagsForServer(ctx context.Context, serverID int64) ([]string, error)

	// Capability detection
	UpdateServerFacts(ctx context.Context, srv *Server) error
	UpsertServerCapability(ctx context.Context, cap *ServerCapability) error

	// Schedules
	JobSchedule(ctx context.Context, id int64) (*JobSchedule, error)
	DueSchedules(ctx context.Context, now time.Time) ([]JobSchedule, error)
	UpdateScheduleNextRun(ctx context.Context, id int64, next time.Time) error
	RecordScheduleRun(ctx context.Context, id int64, at time.Time, status string) error

	// Job runs
	InsertJobRun(ctx context.Context, run *JobRun) error
	JobRun(ctx context.Context, id int64) (*JobRun, error)
	FinishJobRun(ctx context.Context, run *JobRun) error
	SetJobRunNotification(ctx context.Context, id int64, sent bool, errMsg string) error

	// Step results
	InsertStepResult(ctx context.Context, step *StepExecutionResult) error
	FinishStepResult(ctx context.Context, step *StepExecutionResult) error
	// FinishRunWithStep finalizes a step row and its job run in one
	// transaction, preserving the aggregate-status invariant when a
	// composite run stops early (failure, timeout or cancel).
	FinishRunWithStep(ctx context.Context, run *JobRun, step *StepExecutionResult) error
	StepResultsForRun(ctx context.Context, runID int64) ([]StepExecutionResult, error)

	// Notifications
	EnabledPolicies(ctx context.Context) ([]NotificationPolicy, error)
	PolicyChannels(ctx context.Context, policyID int64) ([]NotificationPolicyChannel, error)
	Channel(ctx context.Context, id int64) (*NotificationChannel, error)
	InsertNotificationLog(ctx context.Context, log *NotificationLog) error
	CountPolicyDeliveries(ctx context.Context, policyID int64, since time.Time) (int, error)
	UpdateChannelTestResult(ctx context.Context, id int64, at time.Time, ok bool, errMsg string) error
}

// AdminStore is the write surface used by the CLI (seed import, credential
// entry, manual runs). Kept separate from Store so the engine's dependency
// stays the small read/update surface above.
type AdminStore interface {
	Store

	JobTemplateByName(ctx context.Context, name string) (*JobTemplate, error)
	ServerByName(ctx context.Context, name string) (*Server, error)
	CredentialByName(ctx context.Context, name string) (*Credential, error)

	UpsertJobType(ctx context.Context, jt *JobType) error
	UpsertCommandTemplate(ctx context.Context, ct *CommandTemplate) error
	UpsertJobTemplate(ctx context.Context, t *JobTemplate) error
	ReplaceTemplateSteps(ctx context.Context, jobTemplateID int64, steps []JobTemplateStep) error
	UpsertServer(ctx context.Context, srv *Server) error
	UpsertSchedule(ctx context.Context, sched *JobSchedule) error
	InsertCredential(ctx context.Context, cred *Credential) error
	UpsertChannel(ctx context.Context, ch *NotificationChannel) error
	UpsertPolicy(ctx context.Context, p *NotificationPolicy) error
	LinkPolicyChannel(ctx context.Context, link *NotificationPolicyChannel) error
	UpsertTag(ctx context.Context, serverID int64, tag string) error
}
