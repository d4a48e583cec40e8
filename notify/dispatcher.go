package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/netresearch/fleetcron/core"
)

// channelRatePerMinute caps delivery attempts per channel so a flapping
// schedule cannot flood a push service.
const channelRatePerMinute = 30

// Notifier evaluates notification policies for completed runs and fans the
// rendered message out to the matched channels. It is handed to the engine
// as its completion hook.
type Notifier struct {
	store      core.Store
	logger     *slog.Logger
	metrics    core.MetricsRecorder
	clock      core.Clock
	timeout    time.Duration
	transports map[string]Transport

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

func NewNotifier(store core.Store, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:      store,
		logger:     logger.With("component", "notifier"),
		metrics:    core.NoopMetrics(),
		clock:      core.NewRealClock(),
		timeout:    DefaultSendTimeout,
		transports: map[string]Transport{},
		limiters:   map[int64]*rate.Limiter{},
	}
}

func (n *Notifier) SetMetricsRecorder(m core.MetricsRecorder) {
	if m != nil {
		n.metrics = m
	}
}

func (n *Notifier) SetClock(c core.Clock) {
	if c != nil {
		n.clock = c
	}
}

func (n *Notifier) SetSendTimeout(d time.Duration) {
	if d > 0 {
		n.timeout = d
	}
}

// RegisterTransport makes a transport available for its channel type.
// Later registrations for the same type win.
func (n *Notifier) RegisterTransport(t Transport) {
	n.transports[t.Type()] = t
}

// HandleJobRunCompleted runs the full policy pipeline for one terminal run.
// Delivery failures never propagate to the engine; they are recorded on the
// run and in the notification log.
func (n *Notifier) HandleJobRunCompleted(ctx context.Context, runID int64) {
	if err := n.process(ctx, runID); err != nil {
		n.logger.Error("notification pipeline failed", "run_id", runID, "error", err)
	}
}

func (n *Notifier) process(ctx context.Context, runID int64) error {
	run, err := n.store.JobRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if !core.IsTerminalStatus(run.Status) {
		return nil
	}

	tmpl, err := n.store.JobTemplate(ctx, run.JobTemplateID)
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}
	if !templateWants(tmpl, run.Status) {
		return nil
	}

	rc, err := n.buildContext(ctx, run, tmpl)
	if err != nil {
		return err
	}

	policies, err := n.selectPolicies(ctx, tmpl)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}

	var (
		attempted bool
		delivered bool
		firstErr  error
	)
	for i := range policies {
		p := &policies[i]
		if !Matches(p, rc) {
			continue
		}
		if n.overRateLimit(ctx, p) {
			n.logger.Info("policy rate limited",
				"policy", p.Name, "run_id", run.ID, "max_per_hour", p.MaxPerHour)
			continue
		}

		attempted = true
		ok, err := n.deliver(ctx, p, rc)
		if ok {
			delivered = true
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if !attempted {
		return nil
	}

	errMsg := ""
	if firstErr != nil {
		errMsg = firstErr.Error()
	}
	if err := n.store.SetJobRunNotification(ctx, run.ID, delivered, errMsg); err != nil {
		return fmt.Errorf("record notification state: %w", err)
	}
	return nil
}

// templateWants applies the per-template notify switches. Cancelled and
// timed-out runs count as failures here.
func templateWants(tmpl *core.JobTemplate, status string) bool {
	if status == core.StatusSuccess {
		return tmpl.NotifyOnSuccess
	}
	return tmpl.NotifyOnFailure
}

func (n *Notifier) buildContext(ctx context.Context, run *core.JobRun, tmpl *core.JobTemplate) (*RunContext, error) {
	srv, err := n.store.Server(ctx, run.ServerID)
	if err != nil {
		return nil, fmt.Errorf("load server: %w", err)
	}

	jobTypeName := ""
	if jt, err := n.store.JobType(ctx, tmpl.JobTypeID); err == nil {
		jobTypeName = jt.Name
	}

	scheduleName := "manual"
	if run.JobScheduleID != 0 {
		if sched, err := n.store.JobSchedule(ctx, run.JobScheduleID); err == nil {
			scheduleName = sched.CronExpression
		}
	}

	tags, err := n.store.TagsForServer(ctx, srv.ID)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}

	var steps []core.StepExecutionResult
	if tmpl.IsComposite {
		steps, err = n.store.StepResultsForRun(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("load step results: %w", err)
		}
	}

	return BuildRunContext(run, tmpl, srv, jobTypeName, scheduleName, tags, steps), nil
}

// selectPolicies returns the enabled policies eligible for this template.
// A template bound to one policy notifies through that policy only.
func (n *Notifier) selectPolicies(ctx context.Context, tmpl *core.JobTemplate) ([]core.NotificationPolicy, error) {
	policies, err := n.store.EnabledPolicies(ctx)
	if err != nil {
		return nil, err
	}
	if tmpl.NotificationPolicyID == 0 {
		return policies, nil
	}
	for i := range policies {
		if policies[i].ID == tmpl.NotificationPolicyID {
			return policies[i : i+1], nil
		}
	}
	return nil, nil
}

// overRateLimit counts the policy's successful deliveries in the trailing
// hour. Count failures on the open side: a broken store must not silence
// notifications.
func (n *Notifier) overRateLimit(ctx context.Context, p *core.NotificationPolicy) bool {
	if p.MaxPerHour <= 0 {
		return false
	}
	since := n.clock.Now().Add(-time.Hour)
	count, err := n.store.CountPolicyDeliveries(ctx, p.ID, since)
	if err != nil {
		n.logger.Warn("delivery count failed", "policy", p.Name, "error", err)
		return false
	}
	return count >= p.MaxPerHour
}

// deliver renders the policy's message and sends it to every linked channel
// concurrently. One channel failing never blocks the others. Returns whether
// at least one channel accepted the message.
func (n *Notifier) deliver(ctx context.Context, p *core.NotificationPolicy, rc *RunContext) (bool, error) {
	title, body := RenderMessage(p, rc)

	links, err := n.store.PolicyChannels(ctx, p.ID)
	if err != nil {
		return false, fmt.Errorf("load policy channels: %w", err)
	}

	var (
		mu        sync.Mutex
		delivered bool
		firstErr  error
	)
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, link := range links {
		g.Go(func() error {
			sent, err := n.sendToChannel(gctx, p, link, rc, title, body)
			mu.Lock()
			defer mu.Unlock()
			if sent {
				delivered = true
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
			// Errors are collected, not returned: sibling sends continue.
			return nil
		})
	}
	_ = g.Wait()
	return delivered, firstErr
}

// sendToChannel delivers to one linked channel and records the attempt.
// It reports whether the channel actually accepted a message; a disabled
// channel is neither a delivery nor an error.
func (n *Notifier) sendToChannel(
	ctx context.Context,
	p *core.NotificationPolicy,
	link core.NotificationPolicyChannel,
	rc *RunContext,
	title, body string,
) (bool, error) {
	ch, err := n.store.Channel(ctx, link.ChannelID)
	if err != nil {
		return false, fmt.Errorf("load channel %d: %w", link.ChannelID, err)
	}
	if !ch.Enabled {
		return false, nil
	}

	priority := ch.DefaultPriority
	if link.PriorityOverride != 0 {
		priority = link.PriorityOverride
	}
	msg := &Message{
		Title:    title,
		Body:     body,
		Priority: core.ClampPriority(priority),
	}

	sendErr := n.send(ctx, ch, msg)

	entry := &core.NotificationLog{
		ChannelID: ch.ID,
		PolicyID:  p.ID,
		JobRunID:  rc.Run.ID,
		Title:     msg.Title,
		Body:      msg.Body,
		Priority:  msg.Priority,
		Success:   sendErr == nil,
		SentAt:    n.clock.Now(),
	}
	if sendErr != nil {
		entry.ErrorMessage = sendErr.Error()
	}
	if err := n.store.InsertNotificationLog(ctx, entry); err != nil {
		n.logger.Error("notification log write failed", "channel", ch.Name, "error", err)
	}

	n.metrics.RecordNotification(ch.Type, sendErr == nil)
	if sendErr != nil {
		n.logger.Warn("notification delivery failed",
			"channel", ch.Name, "type", ch.Type, "run_id", rc.Run.ID, "error", sendErr)
		return false, fmt.Errorf("channel %q: %w", ch.Name, sendErr)
	}
	n.logger.Debug("notification delivered",
		"channel", ch.Name, "type", ch.Type, "run_id", rc.Run.ID, "priority", msg.Priority)
	return true, nil
}

func (n *Notifier) send(ctx context.Context, ch *core.NotificationChannel, msg *Message) error {
	t, ok := n.transports[ch.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedChannel, ch.Type)
	}
	if err := n.limiter(ch.ID).Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return t.Send(sendCtx, ch, msg)
}

func (n *Notifier) limiter(channelID int64) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/channelRatePerMinute), channelRatePerMinute)
		n.limiters[channelID] = l
	}
	return l
}

// SendTest delivers a probe message to one channel and records the outcome
// on the channel row.
func (n *Notifier) SendTest(ctx context.Context, channelID int64) error {
	ch, err := n.store.Channel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("load channel %d: %w", channelID, err)
	}

	msg := &Message{
		Title:    "fleetcron test notification",
		Body:     "Test message sent at " + Timestamp(n.clock.Now()) + ".",
		Priority: core.ClampPriority(ch.DefaultPriority),
	}
	sendErr := n.send(ctx, ch, msg)

	errMsg := ""
	if sendErr != nil {
		errMsg = sendErr.Error()
	}
	if err := n.store.UpdateChannelTestResult(ctx, ch.ID, n.clock.Now(), sendErr == nil, errMsg); err != nil {
		return fmt.Errorf("record test result: %w", err)
	}
	return sendErr
}
