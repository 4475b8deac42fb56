// Package source produces a local working copy of the requested branch and
// decides which build descriptor the deploy uses.
package source

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shipyard/internal/config"
	"shipyard/internal/fault"
	"shipyard/internal/security"
	"shipyard/pkg/cmdutil"
	"shipyard/pkg/fileutil"
)

// Result describes the acquired working copy.
type Result struct {
	Dir      string
	Commit   string
	Artifact Artifact
	Compose  *ComposeSummary
	Cloned   bool
	// Temporary is set when Dir was created for this run only.
	Temporary bool
	Warnings  []string
}

// Acquirer clones or refreshes the working copy.
type Acquirer struct {
	logger  *slog.Logger
	timeout time.Duration

	// GitHub runs the API preflight for github.com URLs. Nil disables it.
	GitHub *GitHubChecker
}

// NewAcquirer returns an Acquirer with the GitHub preflight enabled.
func NewAcquirer(logger *slog.Logger) *Acquirer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Acquirer{
		logger:  logger,
		timeout: 10 * time.Minute,
		GitHub:  &GitHubChecker{},
	}
}

// Acquire makes the working copy match the tip of spec.Branch and detects the
// build artifact. On failure, directories created by this call are removed.
func (a *Acquirer) Acquire(ctx context.Context, spec config.DeploymentSpec) (*Result, error) {
	if !cmdutil.LookPath("git") {
		return nil, fault.New(fault.CloneFailed, "git is not installed on this machine")
	}

	result := &Result{}

	if a.GitHub != nil {
		pre, err := a.GitHub.Check(ctx, spec.RepoURL, spec.Branch, spec.Token)
		if err != nil {
			return nil, err
		}
		if pre.Warning != "" {
			result.Warnings = append(result.Warnings, pre.Warning)
			a.logger.Warn("github preflight", "warning", pre.Warning)
		} else if pre.Checked {
			a.logger.Info("github preflight passed", "branch", spec.Branch, "commit", pre.Commit)
		}
	}

	g := &git{
		logger:  a.logger,
		timeout: a.timeout,
		env:     gitEnv(spec.Token),
		secrets: TokenSecrets(spec.Token),
	}

	dir := spec.WorkDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "shipyard-"+spec.ProjectName+"-")
		if err != nil {
			return nil, fault.Wrap(fault.CloneFailed, err, "creating scratch directory")
		}
		dir = tmp
		result.Temporary = true
		defer func() {
			if result.Commit == "" {
				os.RemoveAll(tmp)
			}
		}()
	}
	result.Dir = dir

	if isWorkingCopy(dir) {
		if err := g.update(ctx, dir, spec.RepoURL, spec.Branch); err != nil {
			return nil, err
		}
	} else {
		existed := fileutil.PathExists(dir)
		if existed && !isEmptyDir(dir) {
			if !isCacheDir(dir, spec.ProjectName) {
				return nil, fault.New(fault.InvalidInput,
					"working copy %s exists, is not empty and is not a git repository; choose another --workdir", dir)
			}
			a.logger.Warn("replacing cached directory that is not a git working copy", "dir", dir)
			if err := os.RemoveAll(dir); err != nil {
				return nil, fault.Wrap(fault.CloneFailed, err, "removing %s", dir)
			}
			existed = false
		}
		if err := os.MkdirAll(filepath.Dir(dir), security.PermDirectory); err != nil {
			return nil, fault.Wrap(fault.CloneFailed, err, "creating %s", filepath.Dir(dir))
		}
		if err := g.clone(ctx, dir, spec.RepoURL, spec.Branch); err != nil {
			if existed {
				clearDir(dir)
			} else {
				os.RemoveAll(dir)
			}
			return nil, err
		}
		result.Cloned = true
	}

	commit, err := g.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fault.Wrap(fault.CheckoutFailed, err, "resolving HEAD")
	}

	artifact, err := DetectArtifact(dir)
	if err != nil {
		return nil, err
	}
	result.Artifact = artifact

	if artifact.Kind == KindCompose {
		summary, err := InspectCompose(ctx, filepath.Join(dir, artifact.File), spec.ProjectName)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			w := fmt.Sprintf("compose file could not be inspected locally: %v", err)
			result.Warnings = append(result.Warnings, w)
			a.logger.Warn("compose inspection failed", "error", err)
		} else {
			result.Compose = summary
			a.logger.Info("compose file inspected", "file", artifact.File, "services", summary.Services)
			if !summary.Publishes(spec.AppPort) {
				w := fmt.Sprintf("no service in %s publishes port %d; the proxy will not reach the application", artifact.File, spec.AppPort)
				result.Warnings = append(result.Warnings, w)
				a.logger.Warn("application port not published", "port", spec.AppPort, "file", artifact.File)
			}
		}
	}

	result.Commit = commit
	a.logger.Info("source acquired",
		"dir", dir,
		"commit", commit,
		"artifact", artifact.Kind.String(),
		"file", artifact.File,
		"cloned", result.Cloned,
	)
	return result, nil
}

func isWorkingCopy(dir string) bool {
	return fileutil.DirExists(filepath.Join(dir, ".git"))
}

// isCacheDir reports whether dir is the project's default cached working
// copy, the only location that may be replaced without asking.
func isCacheDir(dir, project string) bool {
	def, err := config.DefaultWorkDir(project)
	if err != nil {
		return false
	}
	return filepath.Clean(dir) == def
}

// clearDir empties a directory the caller did not create.
func clearDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		os.RemoveAll(filepath.Join(dir, e.Name()))
	}
}

func isEmptyDir(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) == 0
}

// gitEnv supplies the token as an HTTP header through GIT_CONFIG_* so it
// never reaches argv or .git/config.
func gitEnv(token string) []string {
	env := append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=never",
		"LC_ALL=C",
	)
	if token != "" {
		env = append(env,
			"GIT_CONFIG_COUNT=1",
			"GIT_CONFIG_KEY_0=http.extraHeader",
			"GIT_CONFIG_VALUE_0="+authHeader(token),
		)
	}
	return env
}

func authHeader(token string) string {
	return "Authorization: Basic " + basicCredential(token)
}

func basicCredential(token string) string {
	return base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
}

// TokenSecrets returns every form of the token that could show up in
// command output or logs.
func TokenSecrets(token string) []string {
	if token == "" {
		return nil
	}
	return []string{token, basicCredential(token)}
}

type git struct {
	logger  *slog.Logger
	timeout time.Duration
	env     []string
	secrets []string
}

func (g *git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := append([]string{"git"}, args...)
	res, err := cmdutil.Run(ctx, cmdutil.ExecOptions{
		Dir:            dir,
		Timeout:        g.timeout,
		Env:            g.env,
		CombinedOutput: true,
		Secrets:        g.secrets,
	}, cmd)
	out := res.Text()
	g.logger.Debug("git", "args", cmdutil.FormatCommand(args), "output", out)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		if out != "" {
			return "", fmt.Errorf("git %s: %s", args[0], lastLine(out))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return out, nil
}

func (g *git) clone(ctx context.Context, dir, repoURL, branch string) error {
	_, err := g.run(ctx, filepath.Dir(dir),
		"clone", "--branch", branch, "--single-branch", "--no-tags", "--", repoURL, dir)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if isMissingBranch(err) {
		return fault.Wrap(fault.CheckoutFailed, err, "branch %s", branch)
	}
	return fault.Wrap(fault.CloneFailed, err, "cloning %s", repoURL)
}

func (g *git) update(ctx context.Context, dir, repoURL, branch string) error {
	tracking := "refs/remotes/origin/" + branch

	if _, err := g.run(ctx, dir, "remote", "set-url", "origin", repoURL); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fault.Wrap(fault.CloneFailed, err, "updating origin")
	}

	refspec := fmt.Sprintf("+refs/heads/%s:%s", branch, tracking)
	if _, err := g.run(ctx, dir, "fetch", "--prune", "--no-tags", "origin", refspec); err != nil {
		if ctx.Err() != nil {
			return err
		}
		if isMissingBranch(err) {
			return fault.Wrap(fault.CheckoutFailed, err, "branch %s", branch)
		}
		return fault.Wrap(fault.CloneFailed, err, "fetching %s", repoURL)
	}

	steps := [][]string{
		{"checkout", "--force", "-B", branch, tracking},
		{"reset", "--hard", tracking},
		{"clean", "-ffdx"},
	}
	for _, args := range steps {
		if _, err := g.run(ctx, dir, args...); err != nil {
			if ctx.Err() != nil {
				return err
			}
			return fault.Wrap(fault.CheckoutFailed, err, "resetting to %s", tracking)
		}
	}
	return nil
}

func isMissingBranch(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Remote branch") && strings.Contains(msg, "not found") ||
		strings.Contains(msg, "couldn't find remote ref")
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
