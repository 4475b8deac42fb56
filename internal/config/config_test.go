package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"shipyard/internal/fault"
)

func writeKey(t *testing.T) string {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, []byte("not a real key"), 0600); err != nil {
		t.Fatalf("Failed to write key: %v", err)
	}
	return keyPath
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	c := NewConfig()
	c.RepoURL = "https://github.com/acme/Demo.git"
	c.Token = "ghp_secret"
	c.SSHUser = "deploy"
	c.SSHHost = "203.0.113.10"
	c.SSHKey = writeKey(t)
	c.AppPort = "4000"
	c.NonInteractive = true
	return c
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("missing file is ignored", func(t *testing.T) {
		c := NewConfig()
		if err := c.LoadFromFile(filepath.Join(tmpDir, "nope.yaml")); err != nil {
			t.Fatalf("LoadFromFile() error = %v", err)
		}
	})

	t.Run("empty path is ignored", func(t *testing.T) {
		if err := NewConfig().LoadFromFile(""); err != nil {
			t.Fatalf("LoadFromFile() error = %v", err)
		}
	})

	t.Run("loads values", func(t *testing.T) {
		path := filepath.Join(tmpDir, "shipyard.yaml")
		content := "repo_url: https://github.com/acme/demo.git\nssh_host: web1.example.com\napp_port: \"4000\"\nephemeral: true\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}
		c := NewConfig()
		if err := c.LoadFromFile(path); err != nil {
			t.Fatalf("LoadFromFile() error = %v", err)
		}
		if c.RepoURL != "https://github.com/acme/demo.git" || c.SSHHost != "web1.example.com" || c.AppPort != "4000" || !c.Ephemeral {
			t.Errorf("LoadFromFile() loaded %+v", c)
		}
	})

	t.Run("unknown key is rejected", func(t *testing.T) {
		path := filepath.Join(tmpDir, "typo.yaml")
		if err := os.WriteFile(path, []byte("ssh_hots: web1\n"), 0644); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}
		if err := NewConfig().LoadFromFile(path); err == nil {
			t.Error("LoadFromFile() should reject unknown keys")
		}
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "empty.yaml")
		if err := os.WriteFile(path, nil, 0644); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}
		if err := NewConfig().LoadFromFile(path); err != nil {
			t.Errorf("LoadFromFile() error = %v", err)
		}
	})
}

func TestSetFromFlags(t *testing.T) {
	c := NewConfig()
	c.Branch = "develop"
	err := c.SetFromFlags(map[string]string{
		"repo":      "https://github.com/acme/demo.git",
		"ssh-port":  "2222",
		"branch":    "",
		"ephemeral": "true",
	})
	if err != nil {
		t.Fatalf("SetFromFlags() error = %v", err)
	}
	if c.RepoURL != "https://github.com/acme/demo.git" {
		t.Errorf("RepoURL = %q", c.RepoURL)
	}
	if c.SSHPort != "2222" {
		t.Errorf("SSHPort = %q", c.SSHPort)
	}
	if c.Branch != "develop" {
		t.Errorf("empty flag value should not override, Branch = %q", c.Branch)
	}
	if !c.Ephemeral {
		t.Error("Ephemeral should be set")
	}

	if err := c.SetFromFlags(map[string]string{"verbose": "maybe"}); err == nil {
		t.Error("SetFromFlags() should reject a non-boolean value")
	}
	if err := c.SetFromFlags(map[string]string{"bogus": "x"}); err == nil {
		t.Error("SetFromFlags() should reject unknown flags")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Run("fills empty values only", func(t *testing.T) {
		t.Setenv("SHIPYARD_SSH_HOST", "env-host")
		t.Setenv("SHIPYARD_SSH_USER", "env-user")
		t.Setenv("SHIPYARD_REPO_URL", "https://github.com/acme/env.git")
		t.Setenv("SHIPYARD_SKIP_PUBLIC_CHECK", "true")

		c := NewConfig()
		c.SSHHost = "flag-host"
		c.LoadFromEnv()

		if c.SSHHost != "flag-host" {
			t.Errorf("SSHHost = %q, flag value should win", c.SSHHost)
		}
		if c.SSHUser != "env-user" {
			t.Errorf("SSHUser = %q", c.SSHUser)
		}
		if c.RepoURL != "https://github.com/acme/env.git" {
			t.Errorf("RepoURL = %q", c.RepoURL)
		}
		if !c.SkipPublicCheck {
			t.Error("SkipPublicCheck should be set from env")
		}
	})

	t.Run("token fallbacks", func(t *testing.T) {
		t.Setenv("SHIPYARD_TOKEN", "")
		t.Setenv("GH_TOKEN", "")
		t.Setenv("GITHUB_TOKEN", "from-github-token")

		c := NewConfig()
		c.LoadFromEnv()
		if c.Token != "from-github-token" {
			t.Errorf("Token = %q", c.Token)
		}
	})

	t.Run("shipyard token wins", func(t *testing.T) {
		t.Setenv("SHIPYARD_TOKEN", "from-shipyard")
		t.Setenv("GH_TOKEN", "from-gh")

		c := NewConfig()
		c.LoadFromEnv()
		if c.Token != "from-shipyard" {
			t.Errorf("Token = %q", c.Token)
		}
	})
}

func TestFillDerivedValues(t *testing.T) {
	c := NewConfig()
	c.RepoURL = "https://github.com/acme/My.Service.git"
	c.FillDerivedValues()

	if c.Branch != "main" {
		t.Errorf("Branch = %q, want main", c.Branch)
	}
	if c.SSHPort != "22" {
		t.Errorf("SSHPort = %q, want 22", c.SSHPort)
	}
	if c.ProjectName != "my-service" {
		t.Errorf("ProjectName = %q, want my-service", c.ProjectName)
	}
	if c.RemoteDir != "/opt/apps/my-service" {
		t.Errorf("RemoteDir = %q", c.RemoteDir)
	}

	explicit := NewConfig()
	explicit.RepoURL = "https://github.com/acme/demo.git"
	explicit.ProjectName = "web"
	explicit.DeployRoot = "/srv/apps"
	explicit.FillDerivedValues()
	if explicit.ProjectName != "web" || explicit.RemoteDir != "/srv/apps/web" {
		t.Errorf("explicit values not honored: %q %q", explicit.ProjectName, explicit.RemoteDir)
	}
}

func TestProjectNameFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://github.com/acme/demo.git", "demo"},
		{"https://github.com/acme/demo", "demo"},
		{"https://github.com/acme/demo/", "demo"},
		{"https://git.example.com/group/sub/API_Server.git", "api_server"},
		{"https://github.com/acme/my.app.git", "my-app"},
		{"https://github.com/acme/.hidden.git", "hidden"},
		{"https://github.com", ""},
		{"https://github.com/", ""},
		{"github.com/acme/demo.git", "demo"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := ProjectNameFromURL(tt.url); got != tt.want {
				t.Errorf("ProjectNameFromURL(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestMissing(t *testing.T) {
	c := NewConfig()
	got := strings.Join(c.Missing(ModeDeploy), ",")
	if got != "repo,token,ssh-user,ssh-host,ssh-key,app-port" {
		t.Errorf("Missing(deploy) = %s", got)
	}

	got = strings.Join(c.Missing(ModeCleanup), ",")
	if got != "ssh-user,ssh-host,ssh-key,project" {
		t.Errorf("Missing(cleanup) = %s", got)
	}
}

func TestBuild(t *testing.T) {
	c := validConfig(t)
	spec, err := c.Build(ModeDeploy)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if spec.ProjectName != "demo" {
		t.Errorf("ProjectName = %q", spec.ProjectName)
	}
	if spec.RemoteDir != "/opt/apps/demo" {
		t.Errorf("RemoteDir = %q", spec.RemoteDir)
	}
	if spec.Branch != "main" || spec.AppPort != 4000 || spec.SSH.Port != 22 {
		t.Errorf("unexpected spec %+v", spec)
	}
	if spec.SSH.Address() != "203.0.113.10:22" {
		t.Errorf("Address() = %q", spec.SSH.Address())
	}
	if !strings.HasSuffix(spec.WorkDir, filepath.Join("shipyard", "demo")) {
		t.Errorf("WorkDir = %q", spec.WorkDir)
	}
	if spec.Interactive {
		t.Error("Interactive should follow NonInteractive")
	}
	if spec.ConnectTimeout.Seconds() != 10 || spec.GracePeriod.Seconds() != 10 {
		t.Errorf("timeouts = %v %v", spec.ConnectTimeout, spec.GracePeriod)
	}
}

func TestBuild_Ports(t *testing.T) {
	tests := []struct {
		port    string
		wantErr bool
	}{
		{"1", false},
		{"4000", false},
		{"65535", false},
		{"0", true},
		{"65536", true},
		{"http", true},
		{"-80", true},
	}

	for _, tt := range tests {
		t.Run(tt.port, func(t *testing.T) {
			c := validConfig(t)
			c.AppPort = tt.port
			_, err := c.Build(ModeDeploy)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Build() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && fault.KindOf(err) != fault.KindInput {
				t.Errorf("Build() error kind = %v, want InputError", fault.KindOf(err))
			}
		})
	}
}

func TestBuild_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"ftp url", func(c *Config) { c.RepoURL = "ftp://example.com/repo.git" }},
		{"credential url", func(c *Config) { c.RepoURL = "https://user:pw@github.com/acme/demo.git" }},
		{"bad branch", func(c *Config) { c.Branch = "main;reboot" }},
		{"missing key file", func(c *Config) { c.SSHKey = "/nonexistent/id_ed25519" }},
		{"key is a directory", func(c *Config) { c.SSHKey = t.TempDir() }},
		{"world-readable key", func(c *Config) {
			if err := os.Chmod(c.SSHKey, 0644); err != nil {
				t.Fatalf("chmod key: %v", err)
			}
		}},
		{"bad ssh port", func(c *Config) { c.SSHPort = "0" }},
		{"bad host", func(c *Config) { c.SSHHost = "web1;id" }},
		{"bad project", func(c *Config) { c.ProjectName = "Bad Name" }},
		{"system remote dir", func(c *Config) { c.RemoteDir = "/etc" }},
		{"relative deploy root", func(c *Config) { c.DeployRoot = "apps" }},
		{"bad timeout", func(c *Config) { c.ConnectTimeout = "soon" }},
		{"zero timeout", func(c *Config) { c.CommandTimeout = "0s" }},
		{"workdir with ephemeral", func(c *Config) { c.WorkDir = "/tmp/x"; c.Ephemeral = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig(t)
			tt.mutate(c)
			_, err := c.Build(ModeDeploy)
			if err == nil {
				t.Fatal("Build() expected error")
			}
			if fault.CodeOf(err) != fault.InvalidInput {
				t.Errorf("Build() code = %s, want InvalidInput (%v)", fault.CodeOf(err), err)
			}
		})
	}
}

func TestBuild_MissingInput(t *testing.T) {
	c := validConfig(t)
	c.Token = ""
	c.AppPort = ""
	_, err := c.Build(ModeDeploy)
	if fault.CodeOf(err) != fault.MissingInput {
		t.Fatalf("Build() error = %v, want MissingInput", err)
	}
	if !strings.Contains(err.Error(), "token, app-port") {
		t.Errorf("Build() error should list fields, got %v", err)
	}
}

func TestBuild_Cleanup(t *testing.T) {
	c := NewConfig()
	c.SSHUser = "deploy"
	c.SSHHost = "web1.example.com"
	c.SSHKey = writeKey(t)
	c.ProjectName = "demo"

	spec, err := c.Build(ModeCleanup)
	if err != nil {
		t.Fatalf("Build(cleanup) error = %v", err)
	}
	if spec.RemoteDir != "/opt/apps/demo" || spec.Mode != ModeCleanup {
		t.Errorf("unexpected spec %+v", spec)
	}
	if spec.WorkDir != "" || spec.Token != "" {
		t.Errorf("cleanup spec should not carry source settings: %+v", spec)
	}
}

func TestBuild_EphemeralWorkDir(t *testing.T) {
	c := validConfig(t)
	c.Ephemeral = true
	spec, err := c.Build(ModeDeploy)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if spec.WorkDir != "" || !spec.Ephemeral {
		t.Errorf("ephemeral spec WorkDir = %q", spec.WorkDir)
	}
}

func TestDeploymentSpecLogValue(t *testing.T) {
	spec, err := validConfig(t).Build(ModeDeploy)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("resolved", "spec", spec)

	out := buf.String()
	if strings.Contains(out, "ghp_secret") {
		t.Fatalf("log output leaked the token: %s", out)
	}
	if !strings.Contains(out, `"token_set":true`) || !strings.Contains(out, `"project":"demo"`) {
		t.Errorf("log output missing fields: %s", out)
	}
}

type scriptedPrompter struct {
	answers map[string]string
	secret  string
	asked   []string
}

func (p *scriptedPrompter) Ask(prompt, defaultValue string) (string, error) {
	p.asked = append(p.asked, prompt)
	if v, ok := p.answers[prompt]; ok {
		return v, nil
	}
	return defaultValue, nil
}

func (p *scriptedPrompter) AskSecret(prompt string) (string, error) {
	p.asked = append(p.asked, prompt)
	if p.secret == "" {
		return "", errors.New("no terminal")
	}
	return p.secret, nil
}

func TestResolve_Prompts(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	key := writeKey(t)
	p := &scriptedPrompter{
		answers: map[string]string{
			"Repository URL (https://...)": "https://github.com/acme/demo.git",
			"SSH user":                     "deploy",
			"SSH host":                     "web1.example.com",
			"SSH private key path":         key,
			"Application port":             "8080",
		},
		secret: "ghp_prompted",
	}

	c := NewConfig()
	c.SSHHost = "given.example.com"
	spec, err := Resolve(c, ModeDeploy, p)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if spec.Token != "ghp_prompted" || spec.AppPort != 8080 || spec.Branch != "main" {
		t.Errorf("unexpected spec %+v", spec)
	}
	if spec.SSH.Host != "given.example.com" {
		t.Errorf("supplied value should not be prompted for, host = %q", spec.SSH.Host)
	}
	for _, prompt := range p.asked {
		if prompt == "SSH host" {
			t.Error("prompted for a value that was already supplied")
		}
	}
}

func TestResolve_NonInteractiveDoesNotPrompt(t *testing.T) {
	p := &scriptedPrompter{}
	c := NewConfig()
	c.NonInteractive = true

	_, err := Resolve(c, ModeDeploy, p)
	if fault.CodeOf(err) != fault.MissingInput {
		t.Fatalf("Resolve() error = %v, want MissingInput", err)
	}
	if len(p.asked) != 0 {
		t.Errorf("non-interactive run prompted: %v", p.asked)
	}
}

func TestResolve_PromptFailure(t *testing.T) {
	c := NewConfig()
	c.RepoURL = "https://github.com/acme/demo.git"
	_, err := Resolve(c, ModeDeploy, &scriptedPrompter{})
	if fault.KindOf(err) != fault.KindInput {
		t.Fatalf("Resolve() error = %v, want InputError", err)
	}
}
