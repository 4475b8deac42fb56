package remote

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipyard/pkg/templates"
)

type stubRunner struct {
	script string
	stdin  string
	result *Result
	err    error
}

func (s *stubRunner) Run(_ context.Context, script string, stdin io.Reader) (*Result, error) {
	s.script = script
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		s.stdin = string(b)
	}
	return s.result, s.err
}

func TestRunScript(t *testing.T) {
	stub := &stubRunner{result: &Result{Stdout: "created=/opt/apps/demo\nrsync=yes\n"}}

	report, res, err := RunScript(context.Background(), stub, templates.ScriptSyncPrepare, templates.TemplateData{
		"APP_DIR":     "/opt/apps/demo",
		"REMOTE_USER": "deploy",
	}, strings.NewReader("payload"))

	require.NoError(t, err)
	assert.Equal(t, "yes", report.Get("rsync"))
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, templates.ScriptSyncPrepare, templates.ScriptName(stub.script))
	assert.Equal(t, "payload", stub.stdin)
}

func TestRunScript_NonZeroExit(t *testing.T) {
	stub := &stubRunner{result: &Result{
		ExitCode: 20,
		Stdout:   "warn=partial\n",
		Stderr:   "no supported package manager found (apt-get, dnf, yum, zypper)\n",
	}}

	report, res, err := RunScript(context.Background(), stub, templates.ScriptProvision, templates.TemplateData{"REMOTE_USER": "deploy"}, nil)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 20, exitErr.Result.ExitCode)
	assert.Equal(t, templates.ScriptProvision, exitErr.Script)
	assert.Contains(t, err.Error(), "provision exited with status 20: no supported package manager")
	assert.Equal(t, []string{"partial"}, report.Warnings())
	assert.Equal(t, 20, res.ExitCode)
}

func TestRunScript_TransportError(t *testing.T) {
	stub := &stubRunner{err: errors.New("connection reset")}
	_, _, err := RunScript(context.Background(), stub, templates.ScriptProxyDetect, templates.TemplateData{"NGINX_DIR": "/etc/nginx"}, nil)
	require.Error(t, err)

	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))
}

func TestRunScript_RenderError(t *testing.T) {
	stub := &stubRunner{}
	_, _, err := RunScript(context.Background(), stub, templates.ScriptCleanup, templates.TemplateData{"PROJECT": "demo"}, nil)
	require.Error(t, err)
	assert.Empty(t, stub.script, "nothing is sent when rendering fails")
}

func TestResultSummary(t *testing.T) {
	r := &Result{Stderr: "1\n2\n3\n4\n5\n6\n7\n"}
	assert.Equal(t, "3; 4; 5; 6; 7", r.Summary())

	r = &Result{Stdout: "only stdout\n"}
	assert.Equal(t, "only stdout", r.Summary())

	var nilResult *Result
	assert.Equal(t, "", nilResult.Summary())
	assert.False(t, nilResult.OK())
}
