// Package proxy installs the nginx site that forwards port 80 to the
// application.
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"shipyard/internal/config"
	"shipyard/internal/fault"
	"shipyard/internal/remote"
	"shipyard/pkg/templates"
)

// Layout is the nginx configuration convention found on the host.
type Layout string

const (
	LayoutSitesAvailable Layout = "sites-available"
	LayoutConfD          Layout = "conf.d"
)

const exitConfigInvalid = 65

// SitePath returns where the project's site definition lives.
func (l Layout) SitePath(project string) string {
	if l == LayoutConfD {
		return templates.DefaultNginxDir + "/conf.d/" + project + ".conf"
	}
	return templates.DefaultNginxDir + "/sites-available/" + project
}

// Report describes the applied site.
type Report struct {
	Layout Layout
	Site   string
	Link   string
	// DefaultSite is "disabled" when a default site was moved aside by this
	// run and "absent" otherwise.
	DefaultSite string
	Nginx       string
}

// Configurator writes and activates the site.
type Configurator struct {
	runner remote.Runner
	logger *slog.Logger

	// NginxDir is the nginx configuration root on the host.
	NginxDir string
}

// NewConfigurator creates a Configurator.
func NewConfigurator(r remote.Runner, logger *slog.Logger) *Configurator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Configurator{runner: r, logger: logger, NginxDir: templates.DefaultNginxDir}
}

// DetectLayout decides which single layout the site is written to.
func (c *Configurator) DetectLayout(ctx context.Context) (Layout, error) {
	rep, _, err := remote.RunScript(ctx, c.runner, templates.ScriptProxyDetect, templates.TemplateData{
		"NGINX_DIR": c.NginxDir,
	}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", fault.Wrap(fault.ProxyFailed, err, "detecting nginx layout")
	}
	switch layout := Layout(rep.Get("layout")); layout {
	case LayoutSitesAvailable, LayoutConfD:
		return layout, nil
	default:
		return "", fault.New(fault.ProxyFailed, "no nginx configuration directory found (sites-available or conf.d)")
	}
}

// Configure renders the site for spec and applies it. The remote side
// validates the whole nginx configuration before reloading and restores the
// previous state if validation fails.
func (c *Configurator) Configure(ctx context.Context, spec config.DeploymentSpec) (*Report, error) {
	layout, err := c.DetectLayout(ctx)
	if err != nil {
		return nil, err
	}

	site, err := templates.RenderNginxSite(spec.ProjectName, spec.AppPort)
	if err != nil {
		return nil, fault.Wrap(fault.ProxyFailed, err, "rendering site")
	}

	rep, res, err := remote.RunScript(ctx, c.runner, templates.ScriptProxyApply, templates.TemplateData{
		"PROJECT":   spec.ProjectName,
		"LAYOUT":    string(layout),
		"NGINX_DIR": c.NginxDir,
	}, strings.NewReader(site))
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		var exitErr *remote.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fault.Wrap(fault.ProxyFailed, err, "applying site")
		}
		if res.ExitCode == exitConfigInvalid {
			return nil, fault.WithDetail(fault.NginxConfigInvalid, strings.TrimSpace(res.Stderr),
				"nginx rejected the configuration; previous site restored and nginx not reloaded")
		}
		return nil, fault.New(fault.ProxyFailed, "applying site: %s", res.Summary())
	}

	report := &Report{
		Layout:      layout,
		Site:        rep.Get("site"),
		Link:        rep.Get("link"),
		DefaultSite: rep.Get("default_site"),
		Nginx:       rep.Get("nginx"),
	}
	if report.Site == "" {
		report.Site = layout.SitePath(spec.ProjectName)
	}
	c.logger.Info("proxy configured",
		"layout", string(layout),
		"site", report.Site,
		"upstream_port", spec.AppPort,
		"default_site", report.DefaultSite,
		"nginx", report.Nginx,
	)
	return report, nil
}
