// Package validate checks the end state of a deploy without changing it.
package validate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shipyard/internal/config"
	"shipyard/internal/fault"
	"shipyard/internal/remote"
	"shipyard/internal/source"
	"shipyard/pkg/templates"
)

// DefaultCheckTimeout bounds the public HTTP check.
const DefaultCheckTimeout = 10 * time.Second

// Report is the observed state of the host.
type Report struct {
	Docker         string
	Nginx          string
	Running        int
	LoopbackStatus int
	PublicURL      string
	PublicStatus   int
	Warnings       []string
}

// Validator runs the checks.
type Validator struct {
	runner remote.Runner
	logger *slog.Logger
	client *http.Client

	// publicURL maps the target host to the URL requested from this machine.
	publicURL func(host string) string
}

// NewValidator creates a Validator.
func NewValidator(r remote.Runner, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Validator{
		runner:    r,
		logger:    logger,
		client:    &http.Client{Timeout: DefaultCheckTimeout},
		publicURL: PublicURL,
	}
}

// PublicURL is the address the proxy serves the application on.
func PublicURL(host string) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + "/"
}

// Success reports whether an HTTP status shows the proxy reached the
// application. Client errors count: the app answered, just not with 2xx.
func Success(status int) bool {
	return status >= 200 && status < 500
}

// Validate checks docker and nginx are active, the instance is running and
// the loopback request through nginx succeeds. A failed public check is only a
// warning because firewalls are outside our control.
func (v *Validator) Validate(ctx context.Context, spec config.DeploymentSpec, artifact source.Artifact) (*Report, error) {
	rep, res, err := remote.RunScript(ctx, v.runner, templates.ScriptValidate, templates.TemplateData{
		"PROJECT":  spec.ProjectName,
		"ARTIFACT": artifact.Kind.String(),
	}, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		if res != nil {
			return nil, fault.New(fault.ValidationFailed, "validation checks failed: %s", res.Summary())
		}
		return nil, fault.Wrap(fault.ValidationFailed, err, "running validation checks")
	}

	report := &Report{
		Docker: rep.Get("docker"),
		Nginx:  rep.Get("nginx"),
	}
	report.Running, _ = strconv.Atoi(rep.Get("running"))
	report.LoopbackStatus, _ = strconv.Atoi(rep.Get("loopback_status"))

	switch {
	case report.Docker != "active":
		return report, fault.New(fault.ValidationFailed, "docker service is %s", orUnknown(report.Docker))
	case report.Nginx != "active":
		return report, fault.New(fault.ValidationFailed, "nginx service is %s", orUnknown(report.Nginx))
	case report.Running < 1:
		return report, fault.New(fault.ValidationFailed, "no running %s instance for project %s", artifact.Kind, spec.ProjectName)
	case !Success(report.LoopbackStatus):
		return report, fault.New(fault.ValidationFailed,
			"http://127.0.0.1/ on the host returned %s; nginx is not forwarding to port %d", statusText(report.LoopbackStatus), spec.AppPort)
	}

	if spec.SkipPublicCheck {
		v.logger.Info("public check skipped")
	} else {
		report.PublicURL = v.publicURL(spec.SSH.Host)
		status, err := v.fetch(ctx, report.PublicURL)
		if err != nil && ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.PublicStatus = status
		switch {
		case err != nil:
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s is not reachable from here: %v", report.PublicURL, err))
		case !Success(status):
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s returned %s", report.PublicURL, statusText(status)))
		}
	}

	for _, w := range report.Warnings {
		v.logger.Warn("validation", "warning", w)
	}
	v.logger.Info("validation passed",
		"running", report.Running,
		"loopback_status", report.LoopbackStatus,
		"public_status", report.PublicStatus,
	)
	return report, nil
}

func (v *Validator) fetch(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "shipyard-validate")
	resp, err := v.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func statusText(code int) string {
	if code == 0 {
		return "no response"
	}
	return strconv.Itoa(code)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
