package security

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Safe patterns for validation
	repoPathPattern  = regexp.MustCompile(`^/[a-zA-Z0-9_./~-]+$`)
	branchPattern    = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)
	projectPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)
	hostnamePattern  = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]{0,251}[a-zA-Z0-9])?$`)
	userPattern      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]{0,31}$`)
	remoteDirPattern = regexp.MustCompile(`^/[a-zA-Z0-9_./-]+$`)
)

// systemDirs are never accepted as an application directory because
// cleanup removes the directory recursively.
var systemDirs = map[string]bool{
	"/bin": true, "/boot": true, "/dev": true, "/etc": true, "/home": true,
	"/lib": true, "/lib64": true, "/media": true, "/mnt": true, "/opt": true,
	"/proc": true, "/root": true, "/run": true, "/sbin": true, "/srv": true,
	"/sys": true, "/tmp": true, "/usr": true, "/var": true,
	"/usr/bin": true, "/usr/lib": true, "/usr/local": true, "/usr/sbin": true,
	"/usr/share": true, "/var/lib": true, "/var/log": true, "/var/www": true,
	"/etc/nginx": true, "/var/lib/docker": true,
}

// ValidateRepoURL ensures the repository URL is an http(s) URL that is
// safe to hand to git. Embedded credentials are rejected so the token
// is never written into the working copy's git config.
func ValidateRepoURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("only http(s) repository URLs are allowed, got scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("repository URL has no host")
	}
	if u.User != nil {
		return fmt.Errorf("repository URL must not embed credentials; pass the token separately")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("repository URL must not contain a query or fragment")
	}
	if err := ValidateHost(u.Hostname()); err != nil {
		return fmt.Errorf("repository URL host: %w", err)
	}

	// Match safe pattern to prevent injection
	if !repoPathPattern.MatchString(u.Path) {
		return fmt.Errorf("URL contains invalid characters or format")
	}
	if strings.Contains(u.Path, "..") {
		return fmt.Errorf("URL contains invalid characters or format")
	}

	return nil
}

// ValidateBranchName ensures branch name is safe for git operations.
// Prevents command injection through branch names.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if strings.Contains(branch, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// ValidateProjectName ensures project name is usable as a directory,
// nginx site, docker image and compose project name.
func ValidateProjectName(name string) error {
	if name == "" {
		return fmt.Errorf("project name cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("project name cannot start with '-' or '.'")
	}
	if !projectPattern.MatchString(name) {
		return fmt.Errorf("project name contains invalid characters (only a-z, 0-9, _, - allowed, max 63)")
	}
	return nil
}

// ValidateHost accepts DNS names and IP literals.
func ValidateHost(host string) error {
	if host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if !hostnamePattern.MatchString(host) || strings.Contains(host, "..") {
		return fmt.Errorf("invalid host %q", host)
	}
	return nil
}

// ValidateUser checks an SSH login name.
func ValidateUser(user string) error {
	if user == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if !userPattern.MatchString(user) {
		return fmt.Errorf("invalid user %q", user)
	}
	return nil
}

// ParsePort parses a TCP port and checks it is within 1-65535.
func ParsePort(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("port cannot be empty")
	}
	port, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("port %q is not numeric", value)
	}
	if err := ValidatePort(port); err != nil {
		return 0, err
	}
	return port, nil
}

// ValidatePort checks a port is within 1-65535.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range (1-65535)", port)
	}
	return nil
}

// ValidateRemoteDir ensures an application directory is an absolute,
// clean path at least two levels deep and not a system directory.
func ValidateRemoteDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("remote directory cannot be empty")
	}
	if !strings.HasPrefix(dir, "/") {
		return fmt.Errorf("remote directory must be absolute: %s", dir)
	}

	// Check for .. before cleaning (path.Clean removes them)
	if strings.Contains(dir, "..") {
		return fmt.Errorf("remote directory contains traversal elements: %s", dir)
	}
	if !remoteDirPattern.MatchString(dir) {
		return fmt.Errorf("remote directory contains invalid characters: %s", dir)
	}

	cleaned := path.Clean(dir)
	if strings.Count(cleaned, "/") < 2 {
		return fmt.Errorf("remote directory must be at least two levels deep: %s", dir)
	}
	if systemDirs[cleaned] {
		return fmt.Errorf("refusing to use system directory %s", cleaned)
	}
	return nil
}

// SanitizePath ensures a path is absolute and doesn't contain traversal attempts.
func SanitizePath(p string) (string, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("path must be absolute: %s", p)
	}

	if strings.Contains(p, "..") {
		return "", fmt.Errorf("path contains traversal elements: %s", p)
	}

	return path.Clean(p), nil
}
