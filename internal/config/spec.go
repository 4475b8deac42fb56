package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"shipyard/internal/fault"
	"shipyard/internal/security"
	"shipyard/pkg/fileutil"
)

// Mode selects between a full deploy and a teardown.
type Mode int

const (
	ModeDeploy Mode = iota
	ModeCleanup
)

func (m Mode) String() string {
	if m == ModeCleanup {
		return "cleanup"
	}
	return "deploy"
}

// SSHTarget identifies the remote host and the credentials used to reach it.
type SSHTarget struct {
	User    string
	Host    string
	Port    int
	KeyPath string
}

// Address returns host:port suitable for dialing.
func (t SSHTarget) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t SSHTarget) String() string {
	return t.User + "@" + t.Address()
}

// DeploymentSpec is the validated, immutable description of one run. It is
// passed by value to every stage.
type DeploymentSpec struct {
	Mode        Mode
	RepoURL     string
	Token       string
	Branch      string
	SSH         SSHTarget
	AppPort     int
	ProjectName string
	RemoteDir   string
	Interactive bool

	// WorkDir is the local working copy. Empty with Ephemeral set means a
	// temporary directory is created for the run.
	WorkDir   string
	Ephemeral bool

	KnownHostsPath  string
	ConnectTimeout  time.Duration
	CommandTimeout  time.Duration
	GracePeriod     time.Duration
	SkipPublicCheck bool
}

// LogValue implements slog.LogValuer. The token is never emitted.
func (s DeploymentSpec) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("mode", s.Mode.String()),
		slog.String("project", s.ProjectName),
		slog.String("remote_dir", s.RemoteDir),
		slog.String("ssh", s.SSH.String()),
		slog.String("ssh_key", s.SSH.KeyPath),
	}
	if s.Mode == ModeDeploy {
		attrs = append(attrs,
			slog.String("repo", s.RepoURL),
			slog.String("branch", s.Branch),
			slog.Int("app_port", s.AppPort),
			slog.Bool("token_set", s.Token != ""),
			slog.String("workdir", s.WorkDir),
			slog.Bool("ephemeral", s.Ephemeral),
			slog.Duration("grace_period", s.GracePeriod),
		)
	}
	return slog.GroupValue(attrs...)
}

// Build validates the config and produces a DeploymentSpec for mode.
// Missing values fail with MissingInput, malformed ones with InvalidInput.
func (c *Config) Build(mode Mode) (DeploymentSpec, error) {
	c.FillDerivedValues()
	if missing := c.Missing(mode); len(missing) > 0 {
		return DeploymentSpec{}, fault.Missing(missing...)
	}

	spec := DeploymentSpec{
		Mode:            mode,
		Branch:          c.Branch,
		ProjectName:     c.ProjectName,
		Interactive:     !c.NonInteractive,
		Ephemeral:       c.Ephemeral,
		SkipPublicCheck: c.SkipPublicCheck,
	}

	invalid := func(field string, err error) error {
		return fault.Wrap(fault.InvalidInput, err, "%s", field)
	}

	if mode == ModeDeploy {
		if err := security.ValidateRepoURL(c.RepoURL); err != nil {
			return DeploymentSpec{}, invalid("repo", err)
		}
		if err := security.ValidateBranchName(c.Branch); err != nil {
			return DeploymentSpec{}, invalid("branch", err)
		}
		port, err := security.ParsePort(c.AppPort)
		if err != nil {
			return DeploymentSpec{}, invalid("app-port", err)
		}
		spec.RepoURL = c.RepoURL
		spec.Token = c.Token
		spec.AppPort = port
	}

	if err := security.ValidateProjectName(c.ProjectName); err != nil {
		return DeploymentSpec{}, invalid("project", err)
	}
	if _, err := security.SanitizePath(c.DeployRoot); err != nil {
		return DeploymentSpec{}, invalid("deploy-root", err)
	}
	if err := security.ValidateRemoteDir(c.RemoteDir); err != nil {
		return DeploymentSpec{}, invalid("remote-dir", err)
	}
	spec.RemoteDir = path.Clean(c.RemoteDir)

	if err := security.ValidateUser(c.SSHUser); err != nil {
		return DeploymentSpec{}, invalid("ssh-user", err)
	}
	if err := security.ValidateHost(c.SSHHost); err != nil {
		return DeploymentSpec{}, invalid("ssh-host", err)
	}
	sshPort, err := security.ParsePort(c.SSHPort)
	if err != nil {
		return DeploymentSpec{}, invalid("ssh-port", err)
	}
	keyPath, err := checkKeyFile(c.SSHKey)
	if err != nil {
		return DeploymentSpec{}, invalid("ssh-key", err)
	}
	spec.SSH = SSHTarget{User: c.SSHUser, Host: c.SSHHost, Port: sshPort, KeyPath: keyPath}

	knownHosts, err := fileutil.ExpandHome(c.KnownHosts)
	if err != nil {
		return DeploymentSpec{}, invalid("known-hosts", err)
	}
	spec.KnownHostsPath = knownHosts

	if spec.ConnectTimeout, err = parseDuration(c.ConnectTimeout, false); err != nil {
		return DeploymentSpec{}, invalid("connect-timeout", err)
	}
	if spec.CommandTimeout, err = parseDuration(c.CommandTimeout, false); err != nil {
		return DeploymentSpec{}, invalid("command-timeout", err)
	}
	if spec.GracePeriod, err = parseDuration(c.GracePeriod, true); err != nil {
		return DeploymentSpec{}, invalid("grace-period", err)
	}

	if mode == ModeDeploy {
		if c.Ephemeral && c.WorkDir != "" {
			return DeploymentSpec{}, fault.New(fault.InvalidInput, "--workdir and --ephemeral are mutually exclusive")
		}
		if !c.Ephemeral {
			dir, err := workDir(c.WorkDir, c.ProjectName)
			if err != nil {
				return DeploymentSpec{}, invalid("workdir", err)
			}
			spec.WorkDir = dir
		}
	}

	return spec, nil
}

func parseDuration(value string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("duration %s must be positive", value)
	}
	return d, nil
}

// checkKeyFile resolves the key path and confirms it is a readable file.
func checkKeyFile(keyPath string) (string, error) {
	expanded, err := fileutil.ExpandHome(keyPath)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	if !fileutil.FileExists(abs) {
		return "", fmt.Errorf("key file %s does not exist", abs)
	}
	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("key file %s is not readable: %w", abs, err)
	}
	f.Close()
	if err := security.ValidateSecurePermissions(abs); err != nil {
		return "", fmt.Errorf("ssh refuses unprotected private keys: %w", err)
	}
	return abs, nil
}

// workDir returns the persistent working copy location for a project.
func workDir(explicit, project string) (string, error) {
	if explicit != "" {
		expanded, err := fileutil.ExpandHome(explicit)
		if err != nil {
			return "", err
		}
		return filepath.Abs(expanded)
	}
	return DefaultWorkDir(project)
}

// DefaultWorkDir is the cached working copy of a project. Shipyard owns
// everything below it.
func DefaultWorkDir(project string) (string, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("no cache directory for the working copy, use --workdir or --ephemeral: %w", err)
	}
	return filepath.Join(cache, "shipyard", project), nil
}
