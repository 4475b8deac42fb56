package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// Redacted replaces secrets in sanitized output.
const Redacted = "***REDACTED***"

// ExecOptions configures command execution.
type ExecOptions struct {
	// Dir is the working directory for the command.
	Dir string

	// Timeout is the maximum execution time.
	// If zero, no timeout is applied.
	Timeout time.Duration

	// Env contains environment variables for the command.
	// Each entry should be in the form "KEY=value". Nil inherits the
	// current process environment.
	Env []string

	// CombinedOutput determines if stdout and stderr are combined.
	CombinedOutput bool

	// Secrets are replaced with Redacted in captured output and in the
	// returned error.
	Secrets []string
}

// Result contains the result of a command execution.
type Result struct {
	// Stdout is the standard output (only if CombinedOutput is false).
	Stdout []byte

	// Stderr is the standard error (only if CombinedOutput is false).
	Stderr []byte

	// Output is the combined stdout and stderr (only if CombinedOutput is true).
	Output []byte

	// ExitCode is the exit code of the command.
	ExitCode int

	// Duration is how long the command took to execute.
	Duration time.Duration
}

// Text returns the captured output as a trimmed string, preferring the
// combined stream.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	if len(r.Output) > 0 {
		return strings.TrimSpace(string(r.Output))
	}
	return strings.TrimSpace(string(r.Stdout) + string(r.Stderr))
}

// Run executes a command with the given options.
// The command is provided as a slice of arguments (command and its arguments).
// A non-zero exit is returned as an error together with the result.
func Run(ctx context.Context, opts ExecOptions, cmdParts []string) (*Result, error) {
	if len(cmdParts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	// Apply timeout if specified
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, cmdParts[0], cmdParts[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	start := time.Now()

	var result Result
	var err error

	if opts.CombinedOutput {
		result.Output, err = cmd.CombinedOutput()
	} else {
		result.Stdout, err = cmd.Output()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Stderr = exitErr.Stderr
		}
	}

	result.Duration = time.Since(start)

	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	result.Output = SanitizeOutput(result.Output, opts.Secrets)
	result.Stdout = SanitizeOutput(result.Stdout, opts.Secrets)
	result.Stderr = SanitizeOutput(result.Stderr, opts.Secrets)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return &result, fmt.Errorf("%s: %w", FormatCommand(cmdParts[:1]), ctxErr)
	}
	if err != nil {
		msg := SanitizeOutput([]byte(err.Error()), opts.Secrets)
		return &result, fmt.Errorf("command failed: %s", msg)
	}

	return &result, nil
}

// LookPath reports whether a binary is available on PATH.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// FormatCommand formats command parts into a readable string for logging.
// Example: ["git", "commit", "-m", "my message"] -> "git commit -m 'my message'"
func FormatCommand(cmdParts []string) string {
	if len(cmdParts) == 0 {
		return "<empty command>"
	}

	// Quote arguments that contain spaces or special characters
	quoted := make([]string, len(cmdParts))
	for i, part := range cmdParts {
		if strings.ContainsAny(part, " \t\n\"'") {
			quoted[i] = shellquote.Join(part)
		} else {
			quoted[i] = part
		}
	}

	return strings.Join(quoted, " ")
}

// SanitizeOutput removes sensitive information from command output.
// This is useful for logging command output without exposing secrets.
func SanitizeOutput(output []byte, secrets []string) []byte {
	if len(output) == 0 || len(secrets) == 0 {
		return output
	}
	sanitized := string(output)
	for _, secret := range secrets {
		if secret != "" {
			sanitized = strings.ReplaceAll(sanitized, secret, Redacted)
		}
	}
	return []byte(sanitized)
}

// SanitizeString is SanitizeOutput for strings.
func SanitizeString(s string, secrets []string) string {
	return string(SanitizeOutput([]byte(s), secrets))
}
