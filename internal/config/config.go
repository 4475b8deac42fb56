// Package config resolves deployment parameters from defaults, a YAML file,
// command-line flags, the environment and interactive prompts into an
// immutable DeploymentSpec.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"shipyard/internal/fault"
	"shipyard/pkg/fileutil"
)

// ConfigFileName is the file searched for by FindConfigFile.
const ConfigFileName = "shipyard.yaml"

// Defaults
const (
	DefaultBranch         = "main"
	DefaultSSHPort        = "22"
	DefaultDeployRoot     = "/opt/apps"
	DefaultConnectTimeout = "10s"
	DefaultCommandTimeout = "30m"
	DefaultGracePeriod    = "10s"
	DefaultKnownHosts     = "~/.ssh/known_hosts"
)

// Config holds raw, unvalidated deployment parameters.
type Config struct {
	RepoURL        string `yaml:"repo_url"`
	Token          string `yaml:"token"`
	Branch         string `yaml:"branch"`
	SSHUser        string `yaml:"ssh_user"`
	SSHHost        string `yaml:"ssh_host"`
	SSHPort        string `yaml:"ssh_port"`
	SSHKey         string `yaml:"ssh_key"`
	AppPort        string `yaml:"app_port"`
	ProjectName    string `yaml:"project"`
	RemoteDir      string `yaml:"remote_dir"`
	DeployRoot     string `yaml:"deploy_root"`
	WorkDir        string `yaml:"workdir"`
	KnownHosts     string `yaml:"known_hosts"`
	ConnectTimeout string `yaml:"connect_timeout"`
	CommandTimeout string `yaml:"command_timeout"`
	GracePeriod    string `yaml:"grace_period"`
	LogFile        string `yaml:"log_file"`
	HistoryDB      string `yaml:"history_db"`

	Ephemeral       bool `yaml:"ephemeral"`
	SkipPublicCheck bool `yaml:"skip_public_check"`
	NonInteractive  bool `yaml:"non_interactive"`
	Verbose         bool `yaml:"verbose"`
}

// NewConfig creates an empty config. Defaults are applied by
// FillDerivedValues so that the environment can still fill unset values.
func NewConfig() *Config {
	return &Config{}
}

// FindConfigFile returns the first shipyard.yaml in the default search
// paths, or "" when there is none.
func FindConfigFile() string {
	return fileutil.FindConfigOptional(ConfigFileName)
}

// LoadFromFile loads config from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Config file is optional
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return nil
}

// stringFields maps flag names to the config values they set.
func (c *Config) stringFields() map[string]*string {
	return map[string]*string{
		"repo":            &c.RepoURL,
		"token":           &c.Token,
		"branch":          &c.Branch,
		"ssh-user":        &c.SSHUser,
		"ssh-host":        &c.SSHHost,
		"ssh-port":        &c.SSHPort,
		"ssh-key":         &c.SSHKey,
		"app-port":        &c.AppPort,
		"project":         &c.ProjectName,
		"remote-dir":      &c.RemoteDir,
		"deploy-root":     &c.DeployRoot,
		"workdir":         &c.WorkDir,
		"known-hosts":     &c.KnownHosts,
		"connect-timeout": &c.ConnectTimeout,
		"command-timeout": &c.CommandTimeout,
		"grace-period":    &c.GracePeriod,
		"log-file":        &c.LogFile,
		"history-db":      &c.HistoryDB,
	}
}

func (c *Config) boolFields() map[string]*bool {
	return map[string]*bool{
		"ephemeral":         &c.Ephemeral,
		"skip-public-check": &c.SkipPublicCheck,
		"non-interactive":   &c.NonInteractive,
		"verbose":           &c.Verbose,
	}
}

// SetFromFlags updates config from command line flags. Only flags the user
// actually set should be passed; empty values are ignored.
func (c *Config) SetFromFlags(flags map[string]string) error {
	strs := c.stringFields()
	bools := c.boolFields()
	for key, value := range flags {
		if value == "" {
			continue
		}
		if p, ok := strs[key]; ok {
			*p = value
			continue
		}
		if p, ok := bools[key]; ok {
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("flag --%s: %w", key, err)
			}
			*p = b
			continue
		}
		return fmt.Errorf("unknown flag %s", key)
	}
	return nil
}

// LoadFromEnv fills values that are still empty from SHIPYARD_* environment
// variables. The token also falls back to GH_TOKEN and GITHUB_TOKEN.
func (c *Config) LoadFromEnv() {
	v := viper.New()
	v.SetEnvPrefix("shipyard")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("token", "SHIPYARD_TOKEN", "GH_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("repo", "SHIPYARD_REPO_URL", "SHIPYARD_REPO")

	for key, p := range c.stringFields() {
		if *p != "" {
			continue
		}
		if value := strings.TrimSpace(v.GetString(key)); value != "" {
			*p = value
		}
	}
	for key, p := range c.boolFields() {
		if !*p && v.IsSet(key) {
			*p = v.GetBool(key)
		}
	}
}

// FillDerivedValues applies defaults and derives the project name and
// remote directory when they were not given explicitly.
func (c *Config) FillDerivedValues() {
	setDefault(&c.Branch, DefaultBranch)
	setDefault(&c.SSHPort, DefaultSSHPort)
	setDefault(&c.DeployRoot, DefaultDeployRoot)
	setDefault(&c.ConnectTimeout, DefaultConnectTimeout)
	setDefault(&c.CommandTimeout, DefaultCommandTimeout)
	setDefault(&c.GracePeriod, DefaultGracePeriod)
	setDefault(&c.KnownHosts, DefaultKnownHosts)

	if c.ProjectName == "" && c.RepoURL != "" {
		c.ProjectName = ProjectNameFromURL(c.RepoURL)
	}
	if c.RemoteDir == "" && c.ProjectName != "" {
		c.RemoteDir = path.Join(c.DeployRoot, c.ProjectName)
	}
}

func setDefault(p *string, value string) {
	if *p == "" {
		*p = value
	}
}

var projectInvalidChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// ProjectNameFromURL derives a project name from the final path segment of a
// repository URL with any .git suffix stripped. The result is lower-cased and
// reduced to characters valid in docker and nginx names.
func ProjectNameFromURL(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	if strings.Trim(p, "/") == "" {
		return ""
	}
	name := path.Base(strings.TrimRight(p, "/"))
	name = strings.TrimSuffix(name, ".git")
	name = strings.ToLower(name)
	name = projectInvalidChars.ReplaceAllString(name, "-")
	name = strings.TrimLeft(name, "-_")
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-_")
	}
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// Missing lists the required values that are still empty for mode.
func (c *Config) Missing(mode Mode) []string {
	var missing []string

	if mode == ModeDeploy {
		if c.RepoURL == "" {
			missing = append(missing, "repo")
		}
		if c.Token == "" {
			missing = append(missing, "token")
		}
	}
	if c.SSHUser == "" {
		missing = append(missing, "ssh-user")
	}
	if c.SSHHost == "" {
		missing = append(missing, "ssh-host")
	}
	if c.SSHKey == "" {
		missing = append(missing, "ssh-key")
	}
	if mode == ModeDeploy && c.AppPort == "" {
		missing = append(missing, "app-port")
	}
	if mode == ModeCleanup && c.ProjectName == "" {
		missing = append(missing, "project")
	}

	return missing
}

// Resolve prompts for missing values when the config is interactive and
// builds the DeploymentSpec for mode.
func Resolve(c *Config, mode Mode, p Prompter) (DeploymentSpec, error) {
	if err := PromptForMissingValues(c, mode, p); err != nil {
		return DeploymentSpec{}, fault.Wrap(fault.MissingInput, err, "reading input")
	}
	return c.Build(mode)
}
