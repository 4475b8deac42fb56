// Package provision makes sure the target host can run containers behind
// nginx: docker, a compose tool and nginx installed, enabled and running.
package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"shipyard/internal/config"
	"shipyard/internal/fault"
	"shipyard/internal/remote"
	"shipyard/pkg/templates"
)

// Exit statuses of the provision script.
const (
	exitUnsupportedPM      = 20
	exitInstallFailed      = 21
	exitDockerNotReady     = 22
	exitNoPasswordlessSudo = 23
)

// Report summarizes what the host had and what was installed.
type Report struct {
	PackageManager string
	Present        []string
	Installed      []string
	DockerGroup    string
	Warnings       []string
}

// Preparer provisions the remote host.
type Preparer struct {
	runner remote.Runner
	logger *slog.Logger
}

// NewPreparer creates a Preparer that runs through r.
func NewPreparer(r remote.Runner, logger *slog.Logger) *Preparer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Preparer{runner: r, logger: logger}
}

// Prepare installs whatever is missing and starts the services. Components
// already present are left alone, so running it twice is harmless.
func (p *Preparer) Prepare(ctx context.Context, spec config.DeploymentSpec) (*Report, error) {
	rep, res, err := remote.RunScript(ctx, p.runner, templates.ScriptProvision, templates.TemplateData{
		"REMOTE_USER": spec.SSH.User,
	}, nil)

	var exitErr *remote.ExitError
	if errors.As(err, &exitErr) {
		return nil, fault.New(fault.RemotePrepFailed, "%s", describeExit(res))
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fault.Wrap(fault.RemotePrepFailed, err, "provisioning %s", spec.SSH.Host)
	}

	report := &Report{
		PackageManager: rep.Get("package_manager"),
		Present:        rep.All("present"),
		Installed:      rep.All("installed"),
		DockerGroup:    rep.Get("docker_group"),
		Warnings:       rep.Warnings(),
	}
	for _, w := range report.Warnings {
		p.logger.Warn("provision", "warning", w)
	}
	p.logger.Info("host prepared",
		"package_manager", report.PackageManager,
		"present", report.Present,
		"installed", report.Installed,
		"docker_group", report.DockerGroup,
		"duration", res.Duration,
	)
	return report, nil
}

func describeExit(res *remote.Result) string {
	var msg string
	switch res.ExitCode {
	case exitUnsupportedPM:
		msg = "unsupported package manager (need apt, dnf, yum or zypper)"
	case exitInstallFailed:
		msg = "package installation failed"
	case exitDockerNotReady:
		msg = "docker is installed but not responding"
	case exitNoPasswordlessSudo:
		msg = "the SSH user is not root and has no passwordless sudo"
	default:
		msg = "provisioning script failed"
	}
	if s := res.Summary(); s != "" {
		msg += ": " + s
	}
	return msg
}
