package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/netresearch/fleetcron/core"
)

// Memory is an in-process core.AdminStore. It backs the test suites and the
// daemon's -mem development mode; nothing survives a restart.
type Memory struct {
	mu sync.Mutex

	nextID int64

	jobTypes         map[int64]*core.JobType
	commandTemplates map[int64]*core.CommandTemplate
	jobTemplates     map[int64]*core.JobTemplate
	steps            map[int64][]core.JobTemplateStep
	servers          map[int64]*core.Server
	credentials      map[int64]*core.Credential
	capabilities     map[int64][]core.ServerCapability
	serverTags       map[int64][]string
	schedules        map[int64]*core.JobSchedule
	runs             map[int64]*core.JobRun
	stepResults      map[int64][]core.StepExecutionResult
	channels         map[int64]*core.NotificationChannel
	policies         map[int64]*core.NotificationPolicy
	policyChannels   map[int64][]core.NotificationPolicyChannel
	logs             []core.NotificationLog
}

func NewMemory() *Memory {
	return &Memory{
		jobTypes:         map[int64]*core.JobType{},
		commandTemplates: map[int64]*core.CommandTemplate{},
		jobTemplates:     map[int64]*core.JobTemplate{},
		steps:            map[int64][]core.JobTemplateStep{},
		servers:          map[int64]*core.Server{},
		credentials:      map[int64]*core.Credential{},
		capabilities:     map[int64][]core.ServerCapability{},
		serverTags:       map[int64][]string{},
		schedules:        map[int64]*core.JobSchedule{},
		runs:             map[int64]*core.JobRun{},
		stepResults:      map[int64][]core.StepExecutionResult{},
		channels:         map[int64]*core.NotificationChannel{},
		policies:         map[int64]*core.NotificationPolicy{},
		policyChannels:   map[int64][]core.NotificationPolicyChannel{},
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) JobType(_ context.Context, id int64) (*core.JobType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jt, ok := m.jobTypes[id]
	if !ok {
		return nil, core.ErrJobTemplateNotFound
	}
	cp := *jt
	return &cp, nil
}

func (m *Memory) CommandTemplate(_ context.Context, id int64) (*core.CommandTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.commandTemplates[id]
	if !ok {
		return nil, core.ErrCommandTemplateNotFound
	}
	cp := *ct
	return &cp, nil
}

func (m *Memory) JobTemplate(_ context.Context, id int64) (*core.JobTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.jobTemplates[id]
	if !ok {
		return nil, core.ErrJobTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) JobTemplateByName(_ context.Context, name string) (*core.JobTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.jobTemplates {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, core.ErrJobTemplateNotFound
}

func (m *Memory) StepsForTemplate(_ context.Context, jobTemplateID int64) ([]core.JobTemplateStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.steps[jobTemplateID]), nil
}

func (m *Memory) Server(_ context.Context, id int64) (*core.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[id]
	if !ok {
		return nil, core.ErrServerNotFound
	}
	cp := *srv
	return &cp, nil
}

func (m *Memory) ServerByName(_ context.Context, name string) (*core.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, srv := range m.servers {
		if srv.Name == name {
			cp := *srv
			return &cp, nil
		}
	}
	return nil, core.ErrServerNotFound
}

func (m *Memory) Credential(_ context.Context, id int64) (*core.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.credentials[id]
	if !ok {
		return nil, core.ErrCredentialNotFound
	}
	cp := *cred
	return &cp, nil
}

func (m *Memory) CredentialByName(_ context.Context, name string) (*core.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cred := range m.credentials {
		if cred.Name == name {
			cp := *cred
			return &cp, nil
		}
	}
	return nil, core.ErrCredentialNotFound
}

func (m *Memory) CapabilitiesForServer(_ context.Context, serverID int64) ([]core.ServerCapability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.capabilities[serverID]), nil
}

func (m *Memory) TagsForServer(_ context.Context, serverID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.serverTags[serverID]), nil
}

func (m *Memory) UpdateServerFacts(_ context.Context, srv *core.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.servers[srv.ID]
	if !ok {
		return core.ErrServerNotFound
	}
	existing.OSDistro = srv.OSDistro
	existing.PackageManager = srv.PackageManager
	existing.DockerAvailable = srv.DockerAvailable
	existing.SystemdAvailable = srv.SystemdAvailable
	existing.LastSeenAt = srv.LastSeenAt
	existing.LastError = srv.LastError
	return nil
}

func (m *Memory) UpsertServerCapability(_ context.Context, cap *core.ServerCapability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	caps := m.capabilities[cap.ServerID]
	for i := range caps {
		if caps[i].Name == cap.Name {
			caps[i] = *cap
			return nil
		}
	}
	m.capabilities[cap.ServerID] = append(caps, *cap)
	return nil
}

func (m *Memory) JobSchedule(_ context.Context, id int64) (*core.JobSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return nil, core.ErrScheduleNotFound
	}
	cp := *sched
	return &cp, nil
}

func (m *Memory) DueSchedules(_ context.Context, now time.Time) ([]core.JobSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []core.JobSchedule
	for _, sched := range m.schedules {
		if !sched.Enabled {
			continue
		}
		if sched.NextRunAt == nil || !sched.NextRunAt.After(now) {
			due = append(due, *sched)
		}
	}
	slices.SortFunc(due, func(a, b core.JobSchedule) int { return int(a.ID - b.ID) })
	return due, nil
}

func (m *Memory) UpdateScheduleNextRun(_ context.Context, id int64, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return core.ErrScheduleNotFound
	}
	sched.NextRunAt = &next
	return nil
}

func (m *Memory) RecordScheduleRun(_ context.Context, id int64, at time.Time, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return core.ErrScheduleNotFound
	}
	sched.LastRunAt = &at
	sched.LastRunStatus = status
	if status == core.StatusSuccess {
		sched.SuccessCount++
	} else {
		sched.FailureCount++
	}
	return nil
}

func (m *Memory) InsertJobRun(_ context.Context, run *core.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = m.id()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) JobRun(_ context.Context, id int64) (*core.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, core.ErrJobRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *Memory) finishRunLocked(run *core.JobRun) error {
	existing, ok := m.runs[run.ID]
	if !ok {
		return core.ErrJobRunNotFound
	}
	existing.Status = run.Status
	existing.StartedAt = run.StartedAt
	existing.FinishedAt = run.FinishedAt
	existing.DurationMs = run.DurationMs
	existing.ExitCode = run.ExitCode
	existing.Output = run.Output
	existing.Error = run.Error
	return nil
}

func (m *Memory) FinishJobRun(_ context.Context, run *core.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishRunLocked(run)
}

func (m *Memory) SetJobRunNotification(_ context.Context, id int64, sent bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return core.ErrJobRunNotFound
	}
	run.NotificationSent = sent
	run.NotificationError = errMsg
	return nil
}

func (m *Memory) InsertStepResult(_ context.Context, step *core.StepExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step.ID = m.id()
	m.stepResults[step.JobRunID] = append(m.stepResults[step.JobRunID], *step)
	return nil
}

func (m *Memory) finishStepLocked(step *core.StepExecutionResult) error {
	results := m.stepResults[step.JobRunID]
	for i := range results {
		if results[i].ID == step.ID {
			results[i] = *step
			return nil
		}
	}
	return core.ErrJobRunNotFound
}

func (m *Memory) FinishStepResult(_ context.Context, step *core.StepExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishStepLocked(step)
}

func (m *Memory) FinishRunWithStep(_ context.Context, run *core.JobRun, step *core.StepExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.finishStepLocked(step); err != nil {
		return err
	}
	return m.finishRunLocked(run)
}

func (m *Memory) StepResultsForRun(_ context.Context, runID int64) ([]core.StepExecutionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := slices.Clone(m.stepResults[runID])
	slices.SortFunc(results, func(a, b core.StepExecutionResult) int { return a.StepOrder - b.StepOrder })
	return results, nil
}

func (m *Memory) EnabledPolicies(_ context.Context) ([]core.NotificationPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.NotificationPolicy
	for _, p := range m.policies {
		if p.Enabled {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b core.NotificationPolicy) int { return int(a.ID - b.ID) })
	return out, nil
}

func (m *Memory) PolicyChannels(_ context.Context, policyID int64) ([]core.NotificationPolicyChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.policyChannels[policyID]), nil
}

func (m *Memory) Channel(_ context.Context, id int64) (*core.NotificationChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, core.ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

func (m *Memory) InsertNotificationLog(_ context.Context, log *core.NotificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.ID = m.id()
	m.logs = append(m.logs, *log)
	return nil
}

func (m *Memory) CountPolicyDeliveries(_ context.Context, policyID int64, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, log := range m.logs {
		if log.PolicyID == policyID && log.Success && !log.SentAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) UpdateChannelTestResult(_ context.Context, id int64, at time.Time, ok bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, found := m.channels[id]
	if !found {
		return core.ErrChannelNotFound
	}
	ch.LastTestedAt = &at
	ch.LastTestOK = ok
	ch.LastTestError = errMsg
	return nil
}

// NotificationLogs returns a copy of every delivery attempt, oldest first.
// Test helper; the SQL store exposes no equivalent.
func (m *Memory) NotificationLogs() []core.NotificationLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.logs)
}

func (m *Memory) UpsertJobType(_ context.Context, jt *core.JobType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.jobTypes {
		if existing.Name == jt.Name {
			jt.ID = existing.ID
			*existing = *jt
			return nil
		}
	}
	jt.ID = m.id()
	cp := *jt
	m.jobTypes[jt.ID] = &cp
	return nil
}

func (m *Memory) UpsertCommandTemplate(_ context.Context, ct *core.CommandTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.commandTemplates {
		if existing.Name == ct.Name {
			ct.ID = existing.ID
			*existing = *ct
			return nil
		}
	}
	ct.ID = m.id()
	cp := *ct
	m.commandTemplates[ct.ID] = &cp
	return nil
}

func (m *Memory) UpsertJobTemplate(_ context.Context, t *core.JobTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.jobTemplates {
		if existing.Name == t.Name {
			t.ID = existing.ID
			*existing = *t
			return nil
		}
	}
	t.ID = m.id()
	cp := *t
	m.jobTemplates[t.ID] = &cp
	return nil
}

func (m *Memory) ReplaceTemplateSteps(_ context.Context, jobTemplateID int64, steps []core.JobTemplateStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	replacement := make([]core.JobTemplateStep, 0, len(steps))
	for i := range steps {
		steps[i].ID = m.id()
		steps[i].JobTemplateID = jobTemplateID
		replacement = append(replacement, steps[i])
	}
	m.steps[jobTemplateID] = replacement
	return nil
}

func (m *Memory) UpsertServer(_ context.Context, srv *core.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.servers {
		if existing.Name == srv.Name {
			srv.ID = existing.ID
			*existing = *srv
			return nil
		}
	}
	srv.ID = m.id()
	cp := *srv
	m.servers[srv.ID] = &cp
	return nil
}

func (m *Memory) UpsertSchedule(_ context.Context, sched *core.JobSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sched.ID != 0 {
		existing, ok := m.schedules[sched.ID]
		if !ok {
			return core.ErrScheduleNotFound
		}
		existing.JobTemplateID = sched.JobTemplateID
		existing.ServerID = sched.ServerID
		existing.CronExpression = sched.CronExpression
		existing.Enabled = sched.Enabled
		return nil
	}
	for _, existing := range m.schedules {
		if existing.JobTemplateID == sched.JobTemplateID &&
			existing.ServerID == sched.ServerID &&
			existing.CronExpression == sched.CronExpression {
			sched.ID = existing.ID
			existing.Enabled = sched.Enabled
			return nil
		}
	}
	sched.ID = m.id()
	cp := *sched
	m.schedules[sched.ID] = &cp
	return nil
}

func (m *Memory) InsertCredential(_ context.Context, cred *core.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.credentials {
		if existing.Name == cred.Name {
			cred.ID = existing.ID
			*existing = *cred
			return nil
		}
	}
	cred.ID = m.id()
	cp := *cred
	m.credentials[cred.ID] = &cp
	return nil
}

func (m *Memory) UpsertChannel(_ context.Context, ch *core.NotificationChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.channels {
		if existing.Name == ch.Name {
			ch.ID = existing.ID
			*existing = *ch
			return nil
		}
	}
	ch.ID = m.id()
	cp := *ch
	m.channels[ch.ID] = &cp
	return nil
}

func (m *Memory) UpsertPolicy(_ context.Context, p *core.NotificationPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.policies {
		if existing.Name == p.Name {
			p.ID = existing.ID
			*existing = *p
			return nil
		}
	}
	p.ID = m.id()
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *Memory) LinkPolicyChannel(_ context.Context, link *core.NotificationPolicyChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	links := m.policyChannels[link.PolicyID]
	for i := range links {
		if links[i].ChannelID == link.ChannelID {
			links[i] = *link
			return nil
		}
	}
	m.policyChannels[link.PolicyID] = append(links, *link)
	return nil
}

func (m *Memory) UpsertTag(_ context.Context, serverID int64, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.serverTags[serverID], tag) {
		m.serverTags[serverID] = append(m.serverTags[serverID], tag)
	}
	return nil
}

var _ core.AdminStore = (*Memory)(nil)
var _ core.AdminStore = (*SQLStore)(nil)
