package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitGeneric},
		{"missing input", Missing("repo-url"), ExitInput},
		{"invalid input", New(InvalidInput, "port out of range"), ExitInput},
		{"clone", New(CloneFailed, "x"), ExitSource},
		{"no artifact", New(NoBuildArtifact, "x"), ExitSource},
		{"unreachable", New(SSHUnreachable, "x"), ExitConnectivity},
		{"auth", New(SSHAuthFailed, "x"), ExitConnectivity},
		{"host key", New(HostKeyMismatch, "x"), ExitConnectivity},
		{"prep", New(RemotePrepFailed, "x"), ExitPreparation},
		{"sync", New(SyncFailed, "x"), ExitTransfer},
		{"deploy", New(DeployFailed, "x"), ExitDeployment},
		{"nginx", New(NginxConfigInvalid, "x"), ExitProxy},
		{"proxy", New(ProxyFailed, "x"), ExitProxy},
		{"validation", New(ValidationFailed, "x"), ExitValidation},
		{"cleanup", New(CleanupFailed, "x"), ExitCleanup},
		{"wrapped stage", fmt.Errorf("syncing files: %w", New(SyncFailed, "x")), ExitTransfer},
		{"canceled", fmt.Errorf("deploying: %w", context.Canceled), ExitInterrupted},
		{"canceled inside fault", Wrap(CloneFailed, context.Canceled, "clone"), ExitInterrupted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitCodesAreDistinctPerKind(t *testing.T) {
	seen := map[int]Kind{}
	for k := KindInput; k <= KindCleanup; k++ {
		code := k.ExitCode()
		prev, dup := seen[code]
		require.False(t, dup, "%s and %s share exit code %d", k, prev, code)
		seen[code] = k
	}
}

func TestOutermostCodeWins(t *testing.T) {
	inner := New(SSHUnreachable, "dial tcp: connection refused")
	outer := Wrap(CleanupFailed, inner, "connecting")

	assert.Equal(t, CleanupFailed, CodeOf(outer))
	assert.Equal(t, KindCleanup, KindOf(outer))
	assert.True(t, errors.Is(outer, inner))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(SyncFailed, errors.New("exit status 12"), "rsync to %s", "web1")
	assert.Equal(t, "SyncFailed: rsync to web1: exit status 12", err.Error())

	assert.Equal(t, "MissingInput: missing required input: repo-url, token", Missing("repo-url", "token").Error())
	assert.Nil(t, Wrap(SyncFailed, nil, "ignored"))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(DeployFailed, "panic: listen tcp :4000", "container %s is not running", "demo")

	fe, ok := As(fmt.Errorf("deploying containers: %w", err))
	require.True(t, ok)
	assert.Equal(t, "panic: listen tcp :4000", fe.Detail)
	assert.Equal(t, KindDeployment, fe.Code.Kind())
}
