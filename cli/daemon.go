package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netresearch/fleetcron/config"
	"github.com/netresearch/fleetcron/core"
	"github.com/netresearch/fleetcron/metrics"
	"github.com/netresearch/fleetcron/notify"
	"github.com/netresearch/fleetcron/store"
)

// DaemonCommand runs the scheduler and execution engine in the foreground.
type DaemonCommand struct {
	ConfigFile  string `long:"config" env:"FLEETCRON_CONFIG" description:"configuration file" default:"/etc/fleetcron/config.ini"`
	LogLevel    string `long:"log-level" env:"FLEETCRON_LOG_LEVEL" description:"Set log level (overrides config)"`
	MemoryStore bool   `long:"memory-store" description:"run against an in-memory store (development only)"`

	Logger *logrus.Logger

	cfg           *config.Config
	admin         core.AdminStore
	sqlStore      *store.SQLStore
	engine        *core.Engine
	scheduler     *core.Scheduler
	notifier      *notify.Notifier
	metricsServer *http.Server
}

func (c *DaemonCommand) Execute(_ []string) error {
	if err := c.boot(); err != nil {
		return err
	}
	c.start()
	return c.waitAndShutdown()
}

func (c *DaemonCommand) boot() error {
	ApplyLogLevel(c.LogLevel)

	cfg, err := config.Load(c.ConfigFile)
	if err != nil {
		return err
	}
	if c.LogLevel == "" {
		ApplyLogLevel(cfg.Daemon.LogLevel)
	}
	c.cfg = cfg

	slogger := NewSlogLogger(c.Logger)

	if c.MemoryStore || cfg.Daemon.MemoryStore {
		c.Logger.Warning("using in-memory store, nothing will be persisted")
		c.admin = store.NewMemory()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sqlStore, err := store.Open(ctx, cfg.Daemon.DatabaseURL)
		if err != nil {
			return err
		}
		if err := store.Migrate(ctx, sqlStore.DB()); err != nil {
			sqlStore.Close()
			return err
		}
		c.sqlStore = sqlStore
		c.admin = sqlStore
	}

	local := core.NewLocalExecutor(int64(cfg.Execution.OutputMaxBytes))
	remote := core.NewSSHExecutor(c.admin,
		cfg.Execution.SSHKeyPath, cfg.Execution.KnownHostsFile,
		int64(cfg.Execution.OutputMaxBytes))
	remote.DialTimeout = cfg.SSHDialTimeout()

	c.engine = core.NewEngine(c.admin, local, remote, core.EngineConfig{
		MaxConcurrentJobs: cfg.Daemon.MaxConcurrentJobs,
		DefaultTimeout:    cfg.DefaultTimeoutDuration(),
		DefaultRetryDelay: cfg.RetryDelayDuration(),
		TimeoutBuffer:     cfg.TimeoutBufferDuration(),
		OutputLimit:       int64(cfg.Execution.OutputMaxBytes),
	}, slogger)

	c.notifier = notify.NewNotifier(c.admin, slogger)
	c.notifier.SetSendTimeout(cfg.NotifySendTimeout())
	c.notifier.RegisterTransport(notify.NewGotifyTransport(cfg.NotifySendTimeout()))
	c.notifier.RegisterTransport(notify.NewNtfyTransport(cfg.NotifySendTimeout()))
	c.notifier.RegisterTransport(notify.NewSlackTransport(cfg.NotifySendTimeout()))
	c.notifier.RegisterTransport(notify.NewWebhookTransport(cfg.NotifySendTimeout()))
	c.notifier.RegisterTransport(notify.NewEmailTransport())
	c.engine.SetOnComplete(c.notifier.HandleJobRunCompleted)

	c.scheduler = core.NewScheduler(c.admin, c.engine, cfg.SchedulerTickDuration(), slogger)

	if addr := cfg.Daemon.MetricsAddress; addr != "" {
		recorder := metrics.NewRecorder()
		c.engine.SetMetricsRecorder(recorder)
		c.scheduler.SetMetricsRecorder(recorder)
		c.notifier.SetMetricsRecorder(recorder)

		mux := http.NewServeMux()
		mux.Handle("/metrics", recorder.Handler())
		c.metricsServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return nil
}

func (c *DaemonCommand) start() {
	if c.metricsServer != nil {
		go func() {
			c.Logger.Infof("metrics listening on %s", c.metricsServer.Addr)
			if err := c.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.Logger.Errorf("metrics server: %v", err)
			}
		}()
	}
	c.scheduler.Start()
	c.Logger.Info("daemon started")
}

func (c *DaemonCommand) waitAndShutdown() error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	c.Logger.Infof("received %s, shutting down", received)

	var stopErr error
	if err := c.scheduler.Stop(c.cfg.StopTimeoutDuration()); err != nil {
		stopErr = err
	}
	c.engine.Wait()

	if c.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			c.Logger.Warningf("metrics shutdown: %v", err)
		}
	}
	if c.sqlStore != nil {
		if err := c.sqlStore.Close(); err != nil {
			c.Logger.Warningf("store close: %v", err)
		}
	}

	if stopErr != nil {
		return fmt.Errorf("shutdown incomplete: %w", stopErr)
	}
	c.Logger.Info("daemon stopped")
	return nil
}
