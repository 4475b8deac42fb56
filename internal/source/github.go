package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"shipyard/internal/fault"
)

// GitHubChecker verifies a github.com repository and branch through the API
// before cloning, so a misspelled branch fails fast with a clear message.
type GitHubChecker struct {
	// BaseURL overrides the API endpoint. Empty means api.github.com.
	BaseURL string
	Timeout time.Duration
}

// PreflightResult is what the API reported.
type PreflightResult struct {
	Checked       bool
	Commit        string
	DefaultBranch string
	Warning       string
}

// parseGitHubRepo returns owner and repo for github.com URLs.
func parseGitHubRepo(repoURL string) (string, string, bool) {
	u, err := url.Parse(repoURL)
	if err != nil || !strings.EqualFold(u.Hostname(), "github.com") {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), true
}

// createGitHubClient creates an authenticated GitHub client
func (g *GitHubChecker) createGitHubClient(ctx context.Context, token string) (*github.Client, error) {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(ctx, ts)
	client := github.NewClient(tc)

	if g.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(g.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
		}
		client.BaseURL = base
	}
	return client, nil
}

// Check resolves the repository and branch. A branch that does not exist on
// an accessible repository is CheckoutFailed; every other problem is only a
// warning because the clone itself is authoritative.
func (g *GitHubChecker) Check(ctx context.Context, repoURL, branch, token string) (PreflightResult, error) {
	owner, repo, ok := parseGitHubRepo(repoURL)
	if !ok {
		return PreflightResult{}, nil
	}

	timeout := g.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := g.createGitHubClient(ctx, token)
	if err != nil {
		return PreflightResult{Warning: err.Error()}, nil
	}

	result := PreflightResult{}
	r, resp, err := client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return result, err
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			result.Warning = fmt.Sprintf("repository %s/%s is not visible to the token", owner, repo)
		} else {
			result.Warning = fmt.Sprintf("GitHub API check skipped: %v", err)
		}
		return result, nil
	}
	result.DefaultBranch = r.GetDefaultBranch()

	ref, resp, err := client.Git.GetRef(ctx, owner, repo, "heads/"+branch)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return result, err
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return result, fault.New(fault.CheckoutFailed,
				"branch %q does not exist in %s/%s (default branch is %q)", branch, owner, repo, result.DefaultBranch)
		}
		result.Warning = fmt.Sprintf("GitHub branch check skipped: %v", err)
		return result, nil
	}

	result.Checked = true
	result.Commit = ref.GetObject().GetSHA()
	return result, nil
}
