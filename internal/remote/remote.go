// Package remote runs shell scripts on the target host over a single SSH
// connection and parses the key=value reports they print.
package remote

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"shipyard/pkg/templates"
)

// Result is the outcome of one remote script.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// OK reports whether the script exited zero.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// Summary returns the last few lines of stderr, or of stdout when stderr is
// empty, for use in one-line error messages.
func (r *Result) Summary() string {
	if r == nil {
		return ""
	}
	text := strings.TrimSpace(r.Stderr)
	if text == "" {
		text = strings.TrimSpace(r.Stdout)
	}
	lines := strings.Split(text, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "; ")
}

// Runner executes a shell script on the remote host. A script that runs and
// exits non-zero returns its Result and a nil error; only transport failures
// and cancellation are errors.
type Runner interface {
	Run(ctx context.Context, script string, stdin io.Reader) (*Result, error)
}

// ExitError reports a script that ran but exited non-zero.
type ExitError struct {
	Script string
	Result *Result
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Script, e.Result.ExitCode)
	if s := e.Result.Summary(); s != "" {
		msg += ": " + s
	}
	return msg
}

// RunScript renders the named template, runs it and parses its report.
// A non-zero exit is returned as *ExitError along with the partial report.
func RunScript(ctx context.Context, r Runner, name string, data templates.TemplateData, stdin io.Reader) (Report, *Result, error) {
	script, err := templates.RenderScript(name, data)
	if err != nil {
		return Report{}, nil, fmt.Errorf("rendering %s: %w", name, err)
	}

	res, err := r.Run(ctx, script, stdin)
	if err != nil {
		return Report{}, res, err
	}

	report := ParseReport(res.Stdout)
	if res.ExitCode != 0 {
		return report, res, &ExitError{Script: name, Result: res}
	}
	return report, res, nil
}
