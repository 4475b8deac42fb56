// Package pipeline runs the deploy stages in order, or the cleanup stage
// alone, over a single remote session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"shipyard/internal/cleanup"
	"shipyard/internal/config"
	"shipyard/internal/deployment"
	"shipyard/internal/fault"
	"shipyard/internal/provision"
	"shipyard/internal/proxy"
	"shipyard/internal/remote"
	"shipyard/internal/source"
	"shipyard/internal/transfer"
	"shipyard/internal/validate"
)

// Stage names, as shown in progress output and failure messages.
const (
	StageSource   = "acquiring source"
	StageConnect  = "connecting to host"
	StagePrepare  = "preparing host"
	StageSync     = "syncing files"
	StageDeploy   = "deploying containers"
	StageProxy    = "configuring nginx"
	StageValidate = "validating deployment"
	StageCleanup  = "removing project"
)

// Session is the remote channel owned by one run.
type Session interface {
	remote.Runner
	Ping(ctx context.Context) error
	Close() error
}

// DialFunc opens the session for a run.
type DialFunc func(ctx context.Context, spec config.DeploymentSpec, logger *slog.Logger) (Session, error)

// DialSSH opens an SSH session to spec.SSH.
func DialSSH(ctx context.Context, spec config.DeploymentSpec, logger *slog.Logger) (Session, error) {
	s, err := remote.Dial(ctx, spec.SSH, remote.Options{
		ConnectTimeout: spec.ConnectTimeout,
		CommandTimeout: spec.CommandTimeout,
		KnownHostsPath: spec.KnownHostsPath,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Acquirer produces the local working copy.
type Acquirer interface {
	Acquire(ctx context.Context, spec config.DeploymentSpec) (*source.Result, error)
}

type (
	Preparer interface {
		Prepare(ctx context.Context, spec config.DeploymentSpec) (*provision.Report, error)
	}
	Syncer interface {
		Sync(ctx context.Context, spec config.DeploymentSpec, localDir string) (*transfer.Report, error)
	}
	Deployer interface {
		Deploy(ctx context.Context, spec config.DeploymentSpec, artifact source.Artifact) (*deployment.Report, error)
	}
	ProxyConfigurator interface {
		Configure(ctx context.Context, spec config.DeploymentSpec) (*proxy.Report, error)
	}
	Validator interface {
		Validate(ctx context.Context, spec config.DeploymentSpec, artifact source.Artifact) (*validate.Report, error)
	}
	Cleaner interface {
		Clean(ctx context.Context, spec config.DeploymentSpec) (*cleanup.Report, error)
	}
)

// Stages are the remote stages bound to one session.
type Stages struct {
	Preparer  Preparer
	Syncer    Syncer
	Deployer  Deployer
	Proxy     ProxyConfigurator
	Validator Validator
	Cleaner   Cleaner
}

// DefaultStages binds the standard implementations to r.
func DefaultStages(r remote.Runner, logger *slog.Logger) Stages {
	return Stages{
		Preparer:  provision.NewPreparer(r, logger),
		Syncer:    transfer.NewSyncer(r, logger),
		Deployer:  deployment.NewDeployer(r, logger),
		Proxy:     proxy.NewConfigurator(r, logger),
		Validator: validate.NewValidator(r, logger),
		Cleaner:   cleanup.NewCleaner(r, logger),
	}
}

// Outcome collects what each completed stage reported.
type Outcome struct {
	Spec        config.DeploymentSpec
	Source      *source.Result
	Provision   *provision.Report
	Transfer    *transfer.Report
	Deploy      *deployment.Report
	Proxy       *proxy.Report
	Validation  *validate.Report
	Cleanup     *cleanup.Report
	Warnings    []string
	FailedStage string
	Started     time.Time
	Finished    time.Time
}

// Duration is the wall time of the run.
func (o *Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}

// Controller sequences the stages. Each stage either succeeds or ends the
// run; nothing runs after a failure.
type Controller struct {
	Dial     DialFunc
	Acquirer Acquirer
	Stages   func(r remote.Runner, logger *slog.Logger) Stages

	logger   *slog.Logger
	progress *Progress
}

// New returns a Controller using SSH, git and the standard stages.
func New(logger *slog.Logger, out io.Writer) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if out == nil {
		out = io.Discard
	}
	return &Controller{
		Dial:     DialSSH,
		Acquirer: source.NewAcquirer(logger),
		Stages:   DefaultStages,
		logger:   logger,
		progress: NewProgress(out),
	}
}

type step struct {
	name string
	// code classifies failures that are not already classified.
	code fault.Code
	fn   func(ctx context.Context) ([]string, error)
}

// Run executes the run described by spec. The returned Outcome is never nil
// and records the failed stage, if any.
func (c *Controller) Run(ctx context.Context, spec config.DeploymentSpec) (*Outcome, error) {
	out := &Outcome{Spec: spec, Started: time.Now()}
	defer func() { out.Finished = time.Now() }()

	c.logger.Info("run started", "spec", spec)

	var session Session
	defer func() {
		if session != nil {
			session.Close()
		}
	}()
	var stages Stages

	connect := func(code fault.Code) step {
		return step{StageConnect, code, func(ctx context.Context) ([]string, error) {
			s, err := c.Dial(ctx, spec, c.logger)
			if err != nil {
				return nil, err
			}
			session = s
			if err := s.Ping(ctx); err != nil {
				return nil, err
			}
			stages = c.Stages(s, c.logger)
			return nil, nil
		}}
	}

	var steps []step
	if spec.Mode == config.ModeCleanup {
		steps = []step{
			connect(fault.CleanupFailed),
			{StageCleanup, fault.CleanupFailed, func(ctx context.Context) ([]string, error) {
				report, err := stages.Cleaner.Clean(ctx, spec)
				if err != nil {
					return nil, err
				}
				out.Cleanup = report
				return report.Warnings, nil
			}},
		}
	} else {
		steps = []step{
			{StageSource, fault.CloneFailed, func(ctx context.Context) ([]string, error) {
				res, err := c.Acquirer.Acquire(ctx, spec)
				if err != nil {
					return nil, err
				}
				out.Source = res
				return res.Warnings, nil
			}},
			connect(fault.SSHUnreachable),
			{StagePrepare, fault.RemotePrepFailed, func(ctx context.Context) ([]string, error) {
				report, err := stages.Preparer.Prepare(ctx, spec)
				if err != nil {
					return nil, err
				}
				out.Provision = report
				return report.Warnings, nil
			}},
			{StageSync, fault.SyncFailed, func(ctx context.Context) ([]string, error) {
				report, err := stages.Syncer.Sync(ctx, spec, out.Source.Dir)
				if err != nil {
					return nil, err
				}
				out.Transfer = report
				return report.Warnings, nil
			}},
			{StageDeploy, fault.DeployFailed, func(ctx context.Context) ([]string, error) {
				report, err := stages.Deployer.Deploy(ctx, spec, out.Source.Artifact)
				if err != nil {
					return nil, err
				}
				out.Deploy = report
				return nil, nil
			}},
			{StageProxy, fault.ProxyFailed, func(ctx context.Context) ([]string, error) {
				report, err := stages.Proxy.Configure(ctx, spec)
				if err != nil {
					return nil, err
				}
				out.Proxy = report
				return nil, nil
			}},
			{StageValidate, fault.ValidationFailed, func(ctx context.Context) ([]string, error) {
				report, err := stages.Validator.Validate(ctx, spec, out.Source.Artifact)
				if err != nil {
					return nil, err
				}
				out.Validation = report
				return report.Warnings, nil
			}},
		}
	}

	defer func() {
		if out.Source != nil && out.Source.Temporary {
			if err := os.RemoveAll(out.Source.Dir); err != nil {
				c.logger.Warn("removing temporary working copy", "dir", out.Source.Dir, "error", err)
			}
		}
	}()

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			out.FailedStage = st.name
			c.logger.Warn("run interrupted", "stage", st.name)
			return out, fmt.Errorf("%s: %w", st.name, err)
		}

		c.progress.Start(capitalize(st.name))
		started := time.Now()
		warnings, err := st.fn(ctx)
		if err != nil {
			c.progress.Fail()
			out.FailedStage = st.name
			err = classify(st.code, err)
			c.logger.Error("stage failed", "stage", st.name, "error", err, "duration", time.Since(started))
			return out, fmt.Errorf("%s: %w", st.name, err)
		}
		c.progress.OK()
		for _, w := range warnings {
			c.progress.Warn("  " + w)
		}
		out.Warnings = append(out.Warnings, warnings...)
		c.logger.Info("stage completed", "stage", st.name, "duration", time.Since(started))
	}

	c.logger.Info("run completed", "mode", spec.Mode.String(), "project", spec.ProjectName, "warnings", len(out.Warnings))
	return out, nil
}

// classify gives unclassified failures the stage's code. Cancellation and
// errors that already carry a code pass through unchanged, except that
// cleanup wraps connectivity failures so the cleanup exit status applies.
func classify(code fault.Code, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	fe, ok := fault.As(err)
	if !ok {
		return fault.Wrap(code, err, "")
	}
	if code == fault.CleanupFailed && fe.Code != fault.CleanupFailed {
		return fault.Wrap(fault.CleanupFailed, err, "")
	}
	return err
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
