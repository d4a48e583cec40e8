package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// detectScript probes the facts the capability gate relies on. Each probe
// prints a key=value line; absent tools simply print nothing.
const detectScript = `
if [ -r /etc/os-release ]; then . /etc/os-release; echo "distro=$ID"; fi
command -v docker >/dev/null 2>&1 && echo "docker=$(docker --version 2>/dev/null | head -n1)"
command -v systemctl >/dev/null 2>&1 && echo "systemd=$(systemctl --version 2>/dev/null | head -n1)"
for pm in apt dnf pacman yum; do command -v $pm >/dev/null 2>&1 && echo "pkg=$pm" && break; done
`

// detectTimeout bounds the probe run; detection is best effort.
const detectTimeout = 30 * time.Second

// Detector refreshes a server's detected facts and capability rows by
// running a probe script through the regular executors.
type Detector struct {
	Store  Store
	Local  Executor
	Remote Executor
	Logger *slog.Logger
	Clock  Clock
}

func NewDetector(store Store, local, remote Executor, logger *slog.Logger) *Detector {
	return &Detector{Store: store, Local: local, Remote: remote, Logger: logger, Clock: NewRealClock()}
}

// Detect probes one server and persists the outcome. Probe failures are
// recorded on the server row (last_error) rather than returned, so a dead
// host does not abort a fleet-wide refresh; only store failures surface.
func (d *Detector) Detect(ctx context.Context, srv *Server) error {
	executor := d.Remote
	if srv.IsLocal {
		executor = d.Local
	}

	now := d.Clock.Now()
	res, err := executor.Execute(ctx, srv, ShellCommand(detectScript), detectTimeout)
	if err != nil {
		srv.LastError = err.Error()
		if uerr := d.Store.UpdateServerFacts(ctx, srv); uerr != nil {
			return fmt.Errorf("update server facts: %w", uerr)
		}
		d.Logger.Warn("capability detection failed", "server", srv.Name, "error", err)
		return nil
	}

	facts := parseDetectOutput(res.Stdout)
	srv.OSDistro = facts.distro
	srv.PackageManager = facts.packageManager
	srv.DockerAvailable = facts.dockerVersion != ""
	srv.SystemdAvailable = facts.systemdVersion != ""
	srv.LastSeenAt = &now
	srv.LastError = ""

	if err := d.Store.UpdateServerFacts(ctx, srv); err != nil {
		return fmt.Errorf("update server facts: %w", err)
	}

	rows := []ServerCapability{
		{ServerID: srv.ID, Name: "docker", Available: srv.DockerAvailable, Version: facts.dockerVersion, DetectedAt: now},
		{ServerID: srv.ID, Name: "systemd", Available: srv.SystemdAvailable, Version: facts.systemdVersion, DetectedAt: now},
	}
	if facts.packageManager != "" {
		rows = append(rows, ServerCapability{
			ServerID: srv.ID, Name: facts.packageManager, Available: true, DetectedAt: now,
		})
	}
	for i := range rows {
		if err := d.Store.UpsertServerCapability(ctx, &rows[i]); err != nil {
			return fmt.Errorf("upsert capability %q: %w", rows[i].Name, err)
		}
	}

	d.Logger.Info("capability detection finished",
		"server", srv.Name, "distro", srv.OSDistro, "package_manager", srv.PackageManager,
		"docker", srv.DockerAvailable, "systemd", srv.SystemdAvailable)
	return nil
}

type detectedFacts struct {
	distro         string
	packageManager string
	dockerVersion  string
	systemdVersion string
}

func parseDetectOutput(out string) detectedFacts {
	var facts detectedFacts
	for line := range strings.Lines(out) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "distro":
			facts.distro = value
		case "pkg":
			facts.packageManager = value
		case "docker":
			facts.dockerVersion = value
		case "systemd":
			facts.systemdVersion = value
		}
	}
	return facts
}
