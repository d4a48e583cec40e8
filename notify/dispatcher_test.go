package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/fleetcron/core"
	"github.com/netresearch/fleetcron/store"
)

type fakeTransport struct {
	typ string
	err error

	mu   sync.Mutex
	sent []*Message
}

func (t *fakeTransport) Type() string { return t.typ }

func (t *fakeTransport) Send(_ context.Context, _ *core.NotificationChannel, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type notifierFixture struct {
	store     *store.Memory
	notifier  *Notifier
	transport *fakeTransport

	tmpl    *core.JobTemplate
	server  *core.Server
	policy  *core.NotificationPolicy
	channel *core.NotificationChannel
}

func newNotifierFixture(t *testing.T) *notifierFixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	f := &notifierFixture{
		store:     mem,
		transport: &fakeTransport{typ: core.ChannelGotify},
	}

	jt := &core.JobType{Name: "os"}
	require.NoError(t, mem.UpsertJobType(ctx, jt))

	f.tmpl = &core.JobTemplate{
		Name:            "nightly-backup",
		JobTypeID:       jt.ID,
		NotifyOnSuccess: true,
		NotifyOnFailure: true,
	}
	require.NoError(t, mem.UpsertJobTemplate(ctx, f.tmpl))

	f.server = &core.Server{Name: "web-1", IsLocal: true, Enabled: true}
	require.NoError(t, mem.UpsertServer(ctx, f.server))

	f.channel = &core.NotificationChannel{
		Name:            "push",
		Type:            core.ChannelGotify,
		Enabled:         true,
		DefaultPriority: 3,
		Config:          map[string]any{"url": "http://gotify", "token": "t"},
	}
	require.NoError(t, mem.UpsertChannel(ctx, f.channel))

	f.policy = &core.NotificationPolicy{
		Name:      "ops",
		Enabled:   true,
		OnSuccess: true,
		OnFailure: true,
		OnTimeout: true,
	}
	require.NoError(t, mem.UpsertPolicy(ctx, f.policy))
	require.NoError(t, mem.LinkPolicyChannel(ctx, &core.NotificationPolicyChannel{
		PolicyID:  f.policy.ID,
		ChannelID: f.channel.ID,
	}))

	f.notifier = NewNotifier(mem, slog.New(slog.DiscardHandler))
	f.notifier.RegisterTransport(f.transport)
	return f
}

func (f *notifierFixture) terminalRun(t *testing.T, status string) *core.JobRun {
	t.Helper()
	exit := 0
	if status != core.StatusSuccess {
		exit = 1
	}
	finished := time.Now()
	run := &core.JobRun{
		JobTemplateID: f.tmpl.ID,
		ServerID:      f.server.ID,
		Status:        status,
		ExitCode:      &exit,
		StartedAt:     finished.Add(-time.Minute),
		FinishedAt:    &finished,
		DurationMs:    60000,
	}
	require.NoError(t, f.store.InsertJobRun(context.Background(), run))
	return run
}

func TestNotifierDeliversAndLogs(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	run := f.terminalRun(t, core.StatusSuccess)

	f.notifier.HandleJobRunCompleted(context.Background(), run.ID)

	assert.Equal(t, 1, f.transport.sentCount())

	logs := f.store.NotificationLogs()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.Equal(t, f.channel.ID, logs[0].ChannelID)
	assert.Equal(t, f.policy.ID, logs[0].PolicyID)
	assert.Equal(t, run.ID, logs[0].JobRunID)
	assert.Equal(t, 3, logs[0].Priority)
	assert.Contains(t, logs[0].Title, "nightly-backup")

	got, err := f.store.JobRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, got.NotificationSent)
	assert.Empty(t, got.NotificationError)
}

func TestNotifierChannelFailureDoesNotBlockSiblings(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	ctx := context.Background()

	broken := &fakeTransport{typ: core.ChannelNtfy, err: errors.New("connection refused")}
	f.notifier.RegisterTransport(broken)

	ntfyChannel := &core.NotificationChannel{
		Name:            "ntfy",
		Type:            core.ChannelNtfy,
		Enabled:         true,
		DefaultPriority: 4,
		Config:          map[string]any{"url": "http://ntfy", "topic": "x"},
	}
	require.NoError(t, f.store.UpsertChannel(ctx, ntfyChannel))
	require.NoError(t, f.store.LinkPolicyChannel(ctx, &core.NotificationPolicyChannel{
		PolicyID:  f.policy.ID,
		ChannelID: ntfyChannel.ID,
	}))

	run := f.terminalRun(t, core.StatusFailure)
	f.notifier.HandleJobRunCompleted(ctx, run.ID)

	// The healthy channel still delivered.
	assert.Equal(t, 1, f.transport.sentCount())

	logs := f.store.NotificationLogs()
	require.Len(t, logs, 2)

	byChannel := map[int64]core.NotificationLog{}
	for _, l := range logs {
		byChannel[l.ChannelID] = l
	}
	assert.True(t, byChannel[f.channel.ID].Success)
	assert.False(t, byChannel[ntfyChannel.ID].Success)
	assert.Contains(t, byChannel[ntfyChannel.ID].ErrorMessage, "connection refused")

	got, err := f.store.JobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.NotificationSent)
	assert.Contains(t, got.NotificationError, "ntfy")
}

func TestNotifierUnsupportedChannelType(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	ctx := context.Background()

	// No transport is registered for discord.
	f.channel.Type = core.ChannelDiscord
	require.NoError(t, f.store.UpsertChannel(ctx, f.channel))

	run := f.terminalRun(t, core.StatusSuccess)
	f.notifier.HandleJobRunCompleted(ctx, run.ID)

	logs := f.store.NotificationLogs()
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Contains(t, logs[0].ErrorMessage, "unsupported notification channel type")

	got, err := f.store.JobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, got.NotificationSent)
}

func TestNotifierTemplateGate(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	ctx := context.Background()

	f.tmpl.NotifyOnSuccess = false
	require.NoError(t, f.store.UpsertJobTemplate(ctx, f.tmpl))

	run := f.terminalRun(t, core.StatusSuccess)
	f.notifier.HandleJobRunCompleted(ctx, run.ID)

	assert.Zero(t, f.transport.sentCount())
	assert.Empty(t, f.store.NotificationLogs())

	// Failures still pass the gate.
	run = f.terminalRun(t, core.StatusFailure)
	f.notifier.HandleJobRunCompleted(ctx, run.ID)
	assert.Equal(t, 1, f.transport.sentCount())
}

func TestNotifierIgnoresNonTerminalRuns(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	run := &core.JobRun{JobTemplateID: f.tmpl.ID, ServerID: f.server.ID, Status: core.StatusRunning, StartedAt: time.Now()}
	require.NoError(t, f.store.InsertJobRun(context.Background(), run))

	f.notifier.HandleJobRunCompleted(context.Background(), run.ID)
	assert.Zero(t, f.transport.sentCount())
}

func TestNotifierBoundPolicyWinsOverOthers(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	ctx := context.Background()

	second := &core.NotificationPolicy{Name: "oncall", Enabled: true, OnSuccess: true, OnFailure: true}
	require.NoError(t, f.store.UpsertPolicy(ctx, second))
	require.NoError(t, f.store.LinkPolicyChannel(ctx, &core.NotificationPolicyChannel{
		PolicyID:  second.ID,
		ChannelID: f.channel.ID,
	}))

	f.tmpl.NotificationPolicyID = second.ID
	require.NoError(t, f.store.UpsertJobTemplate(ctx, f.tmpl))

	run := f.terminalRun(t, core.StatusSuccess)
	f.notifier.HandleJobRunCompleted(ctx, run.ID)

	logs := f.store.NotificationLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, second.ID, logs[0].PolicyID)
}

func TestNotifierRateLimit(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	ctx := context.Background()

	f.policy.MaxPerHour = 1
	require.NoError(t, f.store.UpsertPolicy(ctx, f.policy))

	// One successful delivery in the trailing hour exhausts the budget.
	require.NoError(t, f.store.InsertNotificationLog(ctx, &core.NotificationLog{
		ChannelID: f.channel.ID,
		PolicyID:  f.policy.ID,
		Success:   true,
		SentAt:    time.Now().Add(-10 * time.Minute),
	}))

	run := f.terminalRun(t, core.StatusSuccess)
	f.notifier.HandleJobRunCompleted(ctx, run.ID)

	assert.Zero(t, f.transport.sentCount())
	assert.Len(t, f.store.NotificationLogs(), 1)
}

func TestNotifierDisabledChannelSkipped(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	ctx := context.Background()

	f.channel.Enabled = false
	require.NoError(t, f.store.UpsertChannel(ctx, f.channel))

	run := f.terminalRun(t, core.StatusSuccess)
	f.notifier.HandleJobRunCompleted(ctx, run.ID)

	assert.Zero(t, f.transport.sentCount())
	assert.Empty(t, f.store.NotificationLogs())

	// A skipped channel is not a delivery.
	got, err := f.store.JobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, got.NotificationSent)
}

func TestNotifierPriorityOverride(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.LinkPolicyChannel(ctx, &core.NotificationPolicyChannel{
		PolicyID:         f.policy.ID,
		ChannelID:        f.channel.ID,
		PriorityOverride: 9,
	}))

	run := f.terminalRun(t, core.StatusSuccess)
	f.notifier.HandleJobRunCompleted(ctx, run.ID)

	logs := f.store.NotificationLogs()
	require.Len(t, logs, 1)
	// Overrides clamp into the valid range.
	assert.Equal(t, 5, logs[0].Priority)
}

func TestSendTestRecordsOutcome(t *testing.T) {
	t.Parallel()

	f := newNotifierFixture(t)
	ctx := context.Background()

	require.NoError(t, f.notifier.SendTest(ctx, f.channel.ID))

	ch, err := f.store.Channel(ctx, f.channel.ID)
	require.NoError(t, err)
	assert.True(t, ch.LastTestOK)
	assert.NotNil(t, ch.LastTestedAt)

	f.transport.err = errors.New("boom")
	require.Error(t, f.notifier.SendTest(ctx, f.channel.ID))

	ch, err = f.store.Channel(ctx, f.channel.ID)
	require.NoError(t, err)
	assert.False(t, ch.LastTestOK)
	assert.Contains(t, ch.LastTestError, "boom")
}
