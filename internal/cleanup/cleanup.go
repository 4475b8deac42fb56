// Package cleanup removes everything a deploy created for a project.
package cleanup

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

// Report lists what was removed. Resources that were already gone are not
// errors.
type Report struct {
	Removed       []string
	Absent        []string
	NginxReloaded bool
	Warnings      []string
}

// Cleaner tears down a project on the remote host.
type Cleaner struct {
	runner remote.Runner
	logger *slog.Logger

	// NginxDir is the nginx configuration root on the host.
	NginxDir string
}

// NewCleaner creates a Cleaner.
func NewCleaner(r remote.Runner, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cleaner{runner: r, logger: logger, NginxDir: templates.DefaultNginxDir}
}

// Clean stops and removes the project's containers and image, its nginx
// site in either layout and its application directory. nginx is reloaded
// only if its configuration still validates after the site is removed.
func (c *Cleaner) Clean(ctx context.Context, spec config.DeploymentSpec) (*Report, error) {
	rep, res, err := remote.RunScript(ctx, c.runner, templates.ScriptCleanup, templates.TemplateData{
		"PROJECT":   spec.ProjectName,
		"APP_DIR":   spec.RemoteDir,
		"NGINX_DIR": c.NginxDir,
	}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		var exitErr *remote.ExitError
		if errors.As(err, &exitErr) {
			return nil, fault.New(fault.CleanupFailed, "cleanup script failed: %s", res.Summary())
		}
		return nil, fault.Wrap(fault.CleanupFailed, err, "cleaning up %s", spec.ProjectName)
	}

	report := &Report{
		Removed:       rep.All("removed"),
		Absent:        rep.All("absent"),
		NginxReloaded: rep.Get("nginx") == "reloaded",
		Warnings:      rep.Warnings(),
	}
	for _, w := range report.Warnings {
		c.logger.Warn("cleanup", "warning", w)
	}
	c.logger.Info("project removed",
		"project", spec.ProjectName,
		"removed", report.Removed,
		"absent", report.Absent,
		"nginx_reloaded", report.NginxReloaded,
	)
	return report, nil
}
