// Package remotetest provides a scripted remote.Runner for tests.
package remotetest

import (
	"context"
	"io"
	"sync"

	"shipyard/internal/remote"
	"shipyard/pkg/templates"
)

// Call is one recorded script execution.
type Call struct {
	Name   string
	Script string
	Stdin  string
}

type response struct {
	result *remote.Result
	err    error
}

// FakeRunner records every script it is asked to run and answers with
// responses queued per script name. The last queued response for a name is
// repeated; unknown scripts succeed with empty output.
type FakeRunner struct {
	mu        sync.Mutex
	calls     []Call
	responses map[string][]response

	// PingErr is returned by Ping.
	PingErr error
	Pinged  bool
	Closed  bool
}

// New returns an empty FakeRunner.
func New() *FakeRunner {
	return &FakeRunner{responses: map[string][]response{}}
}

// On queues a result for the named script.
func (f *FakeRunner) On(name, stdout string, exitCode int) *FakeRunner {
	return f.OnResult(name, &remote.Result{Stdout: stdout, ExitCode: exitCode}, nil)
}

// OnStderr queues a failing result with stderr output.
func (f *FakeRunner) OnStderr(name, stderr string, exitCode int) *FakeRunner {
	return f.OnResult(name, &remote.Result{Stderr: stderr, ExitCode: exitCode}, nil)
}

// OnError queues a transport error for the named script.
func (f *FakeRunner) OnError(name string, err error) *FakeRunner {
	return f.OnResult(name, nil, err)
}

// OnResult queues an arbitrary response.
func (f *FakeRunner) OnResult(name string, res *remote.Result, err error) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[name] = append(f.responses[name], response{result: res, err: err})
	return f
}

// Run implements remote.Runner.
func (f *FakeRunner) Run(ctx context.Context, script string, stdin io.Reader) (*remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := templates.ScriptName(script)
	if name == "" {
		name = script
	}
	var in string
	if stdin != nil {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		in = string(b)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Name: name, Script: script, Stdin: in})

	queue := f.responses[name]
	if len(queue) == 0 {
		return &remote.Result{}, nil
	}
	next := queue[0]
	if len(queue) > 1 {
		f.responses[name] = queue[1:]
	}
	if next.err != nil {
		return nil, next.err
	}
	res := *next.result
	return &res, nil
}

// Ping records the call and returns PingErr.
func (f *FakeRunner) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pinged = true
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.PingErr
}

// Close records that the session was closed.
func (f *FakeRunner) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Calls returns a copy of the recorded calls.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Names returns the script names in call order.
func (f *FakeRunner) Names() []string {
	var names []string
	for _, c := range f.Calls() {
		names = append(names, c.Name)
	}
	return names
}

// Count returns how many times the named script ran.
func (f *FakeRunner) Count(name string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Name == name {
			n++
		}
	}
	return n
}

// Last returns the most recent call of the named script.
func (f *FakeRunner) Last(name string) (Call, bool) {
	calls := f.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Name == name {
			return calls[i], true
		}
	}
	return Call{}, false
}

// Param extracts the value assigned to NAME in the last call of a script.
// It returns "" when the script or the assignment is absent.
func (f *FakeRunner) Param(script, name string) string {
	call, ok := f.Last(script)
	if !ok {
		return ""
	}
	return ScriptParam(call.Script, name)
}
