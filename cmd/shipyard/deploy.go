package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"shipyard/internal/config"
	"shipyard/internal/fault"
	"shipyard/internal/history"
	"shipyard/internal/pipeline"
	"shipyard/internal/runlog"
	"shipyard/internal/source"
	"shipyard/pkg/cmdutil"
	"shipyard/pkg/fileutil"
)

var (
	deployConfigFile string
	cleanupMode      bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a repository to a host, or remove a deployed project",
	Long: `Deploy a repository to a host, or remove a deployed project.

A deploy runs these stages in order and stops at the first failure:
- Clone or refresh the repository and detect docker-compose.yml or Dockerfile
- Connect over SSH, pinning the host key on first use
- Install docker, nginx and rsync where missing
- Copy the working copy to the application directory
- Build and start the containers
- Configure nginx as a reverse proxy to the application port
- Check docker, nginx and the application respond

With --cleanup the containers, application directory and nginx site of
the project are removed instead.

Values missing from flags are read from shipyard.yaml, then from
SHIPYARD_* environment variables, then asked for interactively.

Example:
  shipyard deploy --repo https://github.com/acme/demo.git \
    --ssh-user deploy --ssh-host 203.0.113.10 --ssh-key ~/.ssh/id_ed25519 \
    --app-port 4000
  shipyard deploy --cleanup --project demo --ssh-host 203.0.113.10`,
	Args: cobra.NoArgs,
	RunE: runDeploy,
}

func init() {
	f := deployCmd.Flags()

	// Config file flag
	f.StringVarP(&deployConfigFile, "config", "c", "", "Path to shipyard.yaml (default: search ./, ./config/, $XDG_CONFIG_HOME/shipyard/)")
	f.BoolVar(&cleanupMode, "cleanup", false, "Remove the project from the host instead of deploying")

	// Source flags
	f.String("repo", "", "Repository URL (https)")
	f.String("token", "", "Access token for the repository (prefer SHIPYARD_TOKEN or GH_TOKEN)")
	f.String("branch", "", "Branch to deploy (default: main)")
	f.String("workdir", "", "Local working copy (default: user cache directory)")
	f.Bool("ephemeral", false, "Clone into a temporary directory removed after the run")

	// Host flags
	f.String("ssh-user", "", "SSH user")
	f.String("ssh-host", "", "SSH host")
	f.String("ssh-port", "", "SSH port (default: 22)")
	f.String("ssh-key", "", "Path to the SSH private key")
	f.String("known-hosts", "", "Known hosts file used to pin host keys (default: ~/.ssh/known_hosts)")

	// Application flags
	f.String("app-port", "", "Port the application listens on")
	f.String("project", "", "Project name (default: derived from the repository URL)")
	f.String("remote-dir", "", "Application directory on the host (default: <deploy-root>/<project>)")
	f.String("deploy-root", "", "Parent of application directories (default: /opt/apps)")

	// Advanced flags
	f.String("connect-timeout", "", "SSH connect timeout (default: 10s)")
	f.String("command-timeout", "", "Timeout for each remote step (default: 30m)")
	f.String("grace-period", "", "Wait after starting containers before checking them (default: 10s)")
	f.Bool("skip-public-check", false, "Skip the HTTP request to the host from this machine")
	f.String("log-file", "", "Run log path (default: ./shipyard-<project>-<timestamp>.log)")
	f.String("history-db", "", "SQLite database recording each run")
	f.Bool("non-interactive", false, "Never prompt; fail when required values are missing")

	// Verbose flag
	f.BoolP("verbose", "v", false, "Also write the run log to stderr")
}

// changedFlags returns the config values set explicitly on the command line.
func changedFlags(fs *pflag.FlagSet) map[string]string {
	values := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "config", "cleanup":
			return
		}
		values[f.Name] = f.Value.String()
	})
	return values
}

// loadConfig merges the config file, flags and environment.
func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	cfg := config.NewConfig()

	path := deployConfigFile
	if path != "" {
		if !fileutil.FileExists(path) {
			return nil, fault.New(fault.InvalidInput, "config file %s does not exist", path)
		}
	} else {
		path = config.FindConfigFile()
	}
	if err := cfg.LoadFromFile(path); err != nil {
		return nil, fault.Wrap(fault.InvalidInput, err, "")
	}

	if err := cfg.SetFromFlags(changedFlags(fs)); err != nil {
		return nil, fault.Wrap(fault.InvalidInput, err, "")
	}
	cfg.LoadFromEnv()

	if !config.IsInteractive() {
		cfg.NonInteractive = true
	}
	return cfg, nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	mode := config.ModeDeploy
	if cleanupMode {
		mode = config.ModeCleanup
	}

	var prompter config.Prompter
	if !cfg.NonInteractive {
		prompter = config.NewTerminalPrompter()
	}
	spec, err := config.Resolve(cfg, mode, prompter)
	if err != nil {
		return err
	}

	secrets := source.TokenSecrets(spec.Token)
	rl, err := runlog.Open(runlog.Options{
		Path:    cfg.LogFile,
		Project: spec.ProjectName,
		Secrets: secrets,
		Verbose: cfg.Verbose,
		Stderr:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("opening run log: %w", err)
	}
	defer rl.Close()

	if mode == config.ModeCleanup {
		fmt.Fprintf(out, "Removing %s from %s\n\n", spec.ProjectName, spec.SSH.String())
	} else {
		fmt.Fprintf(out, "Deploying %s (%s) to %s\n\n", spec.ProjectName, spec.Branch, spec.SSH.String())
	}

	ctrl := pipeline.New(rl.Logger, out)
	outcome, runErr := ctrl.Run(ctx, spec)

	if cfg.HistoryDB != "" {
		if err := recordRun(ctx, cfg.HistoryDB, outcome, runErr, secrets); err != nil {
			rl.Logger.Warn("recording run history", "error", err)
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: run history not recorded: %v\n", err)
		}
	}

	if runErr != nil {
		rl.Logger.Error("run failed", "stage", outcome.FailedStage, "error", runErr, "exit_code", fault.ExitCode(runErr))
		fmt.Fprintf(cmd.ErrOrStderr(), "\nRun log: %s\n", rl.Path)
		return runErr
	}

	pipeline.NewProgress(out).PrintSummary(outcome)
	fmt.Fprintf(out, "Run log: %s\n", rl.Path)
	return nil
}

// recordRun stores the outcome in the history database. It runs even when
// the run was interrupted.
func recordRun(ctx context.Context, dbPath string, outcome *pipeline.Outcome, runErr error, secrets []string) error {
	expanded, err := fileutil.ExpandHome(dbPath)
	if err != nil {
		return err
	}
	h, err := history.NewHistory(expanded)
	if err != nil {
		return err
	}
	defer h.Close()

	_, err = h.RecordRun(context.WithoutCancel(ctx), newRunRecord(outcome, runErr, secrets))
	return err
}

func newRunRecord(outcome *pipeline.Outcome, runErr error, secrets []string) *history.RunRecord {
	spec := outcome.Spec
	completed := outcome.Finished
	if completed.IsZero() {
		completed = time.Now()
	}
	duration := completed.Sub(outcome.Started).Seconds()

	record := &history.RunRecord{
		Project:         spec.ProjectName,
		Mode:            spec.Mode.String(),
		Host:            spec.SSH.Host,
		Branch:          spec.Branch,
		Status:          history.StatusSuccess,
		ExitCode:        fault.ExitCode(runErr),
		StartedAt:       outcome.Started,
		CompletedAt:     &completed,
		DurationSeconds: &duration,
	}
	if spec.Mode == config.ModeCleanup {
		record.Branch = ""
	}
	if outcome.Source != nil {
		commit := outcome.Source.Commit
		artifact := outcome.Source.Artifact.Kind.String()
		record.CommitHash = &commit
		record.Artifact = &artifact
	}
	if runErr != nil {
		record.Status = history.StatusFailed
		if fault.IsInterrupted(runErr) {
			record.Status = history.StatusInterrupted
		}
		stage := outcome.FailedStage
		msg := cmdutil.SanitizeString(runErr.Error(), secrets)
		record.FailedStage = &stage
		record.ErrorMessage = &msg
	}
	return record
}
