package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netresearch/fleetcron/config"
	"github.com/netresearch/fleetcron/core"
	"github.com/netresearch/fleetcron/notify"
	"github.com/netresearch/fleetcron/store"
)

// RunCommand executes one job template on one server immediately, outside
// any schedule, and waits for the result.
type RunCommand struct {
	ConfigFile string `long:"config" env:"FLEETCRON_CONFIG" description:"configuration file" default:"/etc/fleetcron/config.ini"`
	Template   string `long:"template" short:"j" description:"job template name" required:"true"`
	Server     string `long:"server" short:"H" description:"server name" required:"true"`
	NoNotify   bool   `long:"no-notify" description:"skip notification policies for this run"`
	LogLevel   string `long:"log-level" env:"FLEETCRON_LOG_LEVEL" description:"Set log level"`

	Logger *logrus.Logger
}

func (c *RunCommand) Execute(_ []string) error {
	ApplyLogLevel(c.LogLevel)

	cfg, err := config.Load(c.ConfigFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	sqlStore, err := store.Open(openCtx, cfg.Daemon.DatabaseURL)
	if err != nil {
		return err
	}
	defer sqlStore.Close()

	tmpl, err := sqlStore.JobTemplateByName(ctx, c.Template)
	if err != nil {
		return fmt.Errorf("job template %q: %w", c.Template, err)
	}
	srv, err := sqlStore.ServerByName(ctx, c.Server)
	if err != nil {
		return fmt.Errorf("server %q: %w", c.Server, err)
	}

	slogger := NewSlogLogger(c.Logger)
	local := core.NewLocalExecutor(int64(cfg.Execution.OutputMaxBytes))
	remote := core.NewSSHExecutor(sqlStore,
		cfg.Execution.SSHKeyPath, cfg.Execution.KnownHostsFile,
		int64(cfg.Execution.OutputMaxBytes))
	remote.DialTimeout = cfg.SSHDialTimeout()

	engine := core.NewEngine(sqlStore, local, remote, core.EngineConfig{
		MaxConcurrentJobs: 1,
		DefaultTimeout:    cfg.DefaultTimeoutDuration(),
		DefaultRetryDelay: cfg.RetryDelayDuration(),
		TimeoutBuffer:     cfg.TimeoutBufferDuration(),
		OutputLimit:       int64(cfg.Execution.OutputMaxBytes),
	}, slogger)

	if !c.NoNotify {
		notifier := notify.NewNotifier(sqlStore, slogger)
		notifier.SetSendTimeout(cfg.NotifySendTimeout())
		notifier.RegisterTransport(notify.NewGotifyTransport(cfg.NotifySendTimeout()))
		notifier.RegisterTransport(notify.NewNtfyTransport(cfg.NotifySendTimeout()))
		notifier.RegisterTransport(notify.NewSlackTransport(cfg.NotifySendTimeout()))
		notifier.RegisterTransport(notify.NewWebhookTransport(cfg.NotifySendTimeout()))
		notifier.RegisterTransport(notify.NewEmailTransport())
		engine.SetOnComplete(notifier.HandleJobRunCompleted)
	}

	run := &core.JobRun{
		JobTemplateID: tmpl.ID,
		ServerID:      srv.ID,
		Status:        core.StatusRunning,
		StartedAt:     time.Now(),
	}
	if err := sqlStore.InsertJobRun(ctx, run); err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}

	c.Logger.Infof("running %q on %q (run %d)", tmpl.Name, srv.Name, run.ID)
	if err := engine.ExecuteJobRun(ctx, run.ID); err != nil {
		return fmt.Errorf("execute run %d: %w", run.ID, err)
	}
	engine.Wait()

	final, err := sqlStore.JobRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load run %d: %w", run.ID, err)
	}

	fmt.Fprintf(os.Stdout, "status: %s (%.2fs)\n", final.Status, float64(final.DurationMs)/1000)
	if final.ExitCode != nil {
		fmt.Fprintf(os.Stdout, "exit code: %d\n", *final.ExitCode)
	}
	if final.Output != "" {
		fmt.Fprintln(os.Stdout, final.Output)
	}
	if final.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", final.Error)
	}
	if final.Status != core.StatusSuccess {
		return fmt.Errorf("run %d finished with status %s", final.ID, final.Status)
	}
	return nil
}
