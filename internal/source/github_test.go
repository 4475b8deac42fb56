package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipyard/internal/fault"
)

func newGitHubServer(t *testing.T, auth *string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/demo", func(w http.ResponseWriter, r *http.Request) {
		*auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"demo","default_branch":"main"}`))
	})
	mux.HandleFunc("/repos/acme/demo/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ref":"refs/heads/main","object":{"sha":"abc123","type":"commit"}}`))
	})
	mux.HandleFunc("/repos/acme/demo/git/ref/heads/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("/repos/acme/private", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("/repos/acme/flaky", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Server Error"}`, http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGitHubChecker(t *testing.T) {
	var auth string
	srv := newGitHubServer(t, &auth)
	g := &GitHubChecker{BaseURL: srv.URL}
	ctx := context.Background()

	t.Run("existing branch", func(t *testing.T) {
		res, err := g.Check(ctx, "https://github.com/acme/demo.git", "main", "ghp_token")
		require.NoError(t, err)
		assert.True(t, res.Checked)
		assert.Equal(t, "abc123", res.Commit)
		assert.Empty(t, res.Warning)
		assert.Equal(t, "Bearer ghp_token", auth)
	})

	t.Run("missing branch", func(t *testing.T) {
		_, err := g.Check(ctx, "https://github.com/acme/demo", "missing", "ghp_token")
		require.Error(t, err)
		assert.Equal(t, fault.CheckoutFailed, fault.CodeOf(err))
		assert.Contains(t, err.Error(), `default branch is "main"`)
	})

	t.Run("repository not visible", func(t *testing.T) {
		res, err := g.Check(ctx, "https://github.com/acme/private.git", "main", "ghp_token")
		require.NoError(t, err)
		assert.False(t, res.Checked)
		assert.Contains(t, res.Warning, "not visible")
	})

	t.Run("api failure is a warning", func(t *testing.T) {
		res, err := g.Check(ctx, "https://github.com/acme/flaky.git", "main", "ghp_token")
		require.NoError(t, err)
		assert.Contains(t, res.Warning, "skipped")
	})

	t.Run("other hosts are not checked", func(t *testing.T) {
		res, err := g.Check(ctx, "https://gitlab.com/acme/demo.git", "main", "ghp_token")
		require.NoError(t, err)
		assert.False(t, res.Checked)
		assert.Empty(t, res.Warning)
	})
}

func TestParseGitHubRepo(t *testing.T) {
	tests := []struct {
		url   string
		owner string
		repo  string
		ok    bool
	}{
		{"https://github.com/acme/demo.git", "acme", "demo", true},
		{"https://GitHub.com/acme/demo", "acme", "demo", true},
		{"https://github.com/acme/demo/", "acme", "demo", true},
		{"https://github.com/acme", "", "", false},
		{"https://github.com/acme/demo/tree/main", "", "", false},
		{"https://example.com/acme/demo.git", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			owner, repo, ok := parseGitHubRepo(tt.url)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.repo, repo)
		})
	}
}
