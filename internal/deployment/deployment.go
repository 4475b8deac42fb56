// Package deployment builds and starts the application on the target host
// as a compose project or a single container, replacing any previous
// instance of the same project.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"shipyard/internal/config"
	"shipyard/internal/fault"
	"shipyard/internal/remote"
	"shipyard/internal/source"
	"shipyard/pkg/templates"
)

const (
	// DefaultLogLines is how many container log lines are captured when a
	// deploy fails.
	DefaultLogLines = 50

	exitNoCompose = 31
)

// Report describes the instance that was started.
type Report struct {
	Strategy source.Kind
	Running  int
	Total    int
	State    string
	Restarts int
}

// Deployer starts the application through a remote runner.
type Deployer struct {
	runner remote.Runner
	logger *slog.Logger

	// sleep waits for the grace period; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDeployer creates a Deployer.
func NewDeployer(r remote.Runner, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Deployer{runner: r, logger: logger, sleep: sleep}
}

// Deploy replaces the running instance with one built from the synced files,
// waits the grace period and checks it is running. Every failure after the
// build starts carries the recent container logs as detail.
func (d *Deployer) Deploy(ctx context.Context, spec config.DeploymentSpec, artifact source.Artifact) (*Report, error) {
	var script string
	data := templates.TemplateData{
		"PROJECT": spec.ProjectName,
		"APP_DIR": spec.RemoteDir,
	}
	switch artifact.Kind {
	case source.KindCompose:
		script = templates.ScriptDeployCompose
		data["COMPOSE_FILE"] = artifact.File
	case source.KindDockerfile:
		script = templates.ScriptDeployDockerfile
		data["APP_PORT"] = strconv.Itoa(spec.AppPort)
	default:
		return nil, fault.New(fault.DeployFailed, "no build artifact selected")
	}

	d.logger.Info("starting instance", "project", spec.ProjectName, "strategy", artifact.Kind.String())
	_, res, err := remote.RunScript(ctx, d.runner, script, data, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		var exitErr *remote.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fault.Wrap(fault.DeployFailed, err, "%s", script)
		}
		if res.ExitCode == exitNoCompose {
			return nil, fault.New(fault.DeployFailed, "no compose tool available on %s", spec.SSH.Host)
		}
		return nil, d.failWithLogs(ctx, spec, artifact, "build and start failed: %s", res.Summary())
	}

	if spec.GracePeriod > 0 {
		d.logger.Debug("waiting for grace period", "duration", spec.GracePeriod)
		if err := d.sleep(ctx, spec.GracePeriod); err != nil {
			return nil, err
		}
	}

	report, err := d.Status(ctx, spec, artifact)
	if err != nil {
		return nil, err
	}
	switch artifact.Kind {
	case source.KindCompose:
		if report.Running < 1 {
			return nil, d.failWithLogs(ctx, spec, artifact,
				"compose project %s has no running containers (%d total) after %s", spec.ProjectName, report.Total, spec.GracePeriod)
		}
	case source.KindDockerfile:
		if report.State != "running" {
			return nil, d.failWithLogs(ctx, spec, artifact,
				"container %s is %s after %s", spec.ProjectName, report.State, spec.GracePeriod)
		}
	}

	d.logger.Info("instance running",
		"project", spec.ProjectName,
		"running", report.Running,
		"state", report.State,
		"restarts", report.Restarts,
	)
	return report, nil
}

// Status reads the current state of the project's instance.
func (d *Deployer) Status(ctx context.Context, spec config.DeploymentSpec, artifact source.Artifact) (*Report, error) {
	script := templates.ScriptStatusDockerfile
	if artifact.Kind == source.KindCompose {
		script = templates.ScriptStatusCompose
	}
	rep, _, err := remote.RunScript(ctx, d.runner, script, templates.TemplateData{
		"PROJECT": spec.ProjectName,
	}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fault.Wrap(fault.DeployFailed, err, "checking instance state")
	}

	report := &Report{Strategy: artifact.Kind, State: rep.Get("state")}
	report.Running, _ = strconv.Atoi(rep.Get("running"))
	report.Total, _ = strconv.Atoi(rep.Get("total"))
	report.Restarts, _ = strconv.Atoi(rep.Get("restarts"))
	if artifact.Kind == source.KindCompose {
		report.State = fmt.Sprintf("%d/%d running", report.Running, report.Total)
	}
	return report, nil
}

// Logs returns the last lines of the instance's container output.
func (d *Deployer) Logs(ctx context.Context, spec config.DeploymentSpec, artifact source.Artifact, lines int) (string, error) {
	script := templates.ScriptLogsDockerfile
	data := templates.TemplateData{
		"PROJECT": spec.ProjectName,
		"LINES":   strconv.Itoa(lines),
	}
	if artifact.Kind == source.KindCompose {
		script = templates.ScriptLogsCompose
		data["APP_DIR"] = spec.RemoteDir
		data["COMPOSE_FILE"] = artifact.File
	}

	_, res, err := remote.RunScript(ctx, d.runner, script, data, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimSpace(res.Stdout) + "\n" + strings.TrimSpace(res.Stderr)), nil
}

func (d *Deployer) failWithLogs(ctx context.Context, spec config.DeploymentSpec, artifact source.Artifact, format string, args ...any) error {
	logs, err := d.Logs(ctx, spec, artifact, DefaultLogLines)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logs = fmt.Sprintf("container logs unavailable: %v", err)
	}
	if logs == "" {
		logs = "(no container output)"
	}
	d.logger.Error("deploy failed", "project", spec.ProjectName, "logs", logs)
	return fault.WithDetail(fault.DeployFailed, logs, format, args...)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
