package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter asks a human for values.
type Prompter interface {
	Ask(prompt, defaultValue string) (string, error)
	AskSecret(prompt string) (string, error)
}

// TerminalPrompter prompts on the controlling terminal.
type TerminalPrompter struct {
	in     *os.File
	out    io.Writer
	reader *bufio.Reader
}

// NewTerminalPrompter reads from stdin and writes prompts to stdout.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{
		in:     os.Stdin,
		out:    os.Stdout,
		reader: bufio.NewReader(os.Stdin),
	}
}

// Ask prompts for a value, returning defaultValue on empty input.
func (p *TerminalPrompter) Ask(prompt, defaultValue string) (string, error) {
	return readValue(p.reader, p.out, prompt, defaultValue), nil
}

// AskSecret prompts for a value without echoing it.
func (p *TerminalPrompter) AskSecret(prompt string) (string, error) {
	fmt.Fprintf(p.out, "%s: ", prompt)
	secret, err := term.ReadPassword(int(p.in.Fd()))
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(prompt), err)
	}
	return strings.TrimSpace(string(secret)), nil
}

// readValue prompts for input with an optional default
func readValue(reader *bufio.Reader, out io.Writer, prompt, defaultValue string) string {
	if defaultValue != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defaultValue)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		return defaultValue
	}

	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue
	}
	return input
}

// IsInteractive checks if stdin is a terminal
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// PromptForMissingValues asks for every required value that is still empty.
// It does nothing when the config is non-interactive.
func PromptForMissingValues(c *Config, mode Mode, p Prompter) error {
	if c.NonInteractive || p == nil {
		return nil
	}

	ask := func(field *string, prompt, def string) error {
		if *field != "" {
			return nil
		}
		value, err := p.Ask(prompt, def)
		if err != nil {
			return err
		}
		*field = strings.TrimSpace(value)
		return nil
	}

	if mode == ModeDeploy {
		if err := ask(&c.RepoURL, "Repository URL (https://...)", ""); err != nil {
			return err
		}
		if c.Token == "" {
			token, err := p.AskSecret("Access token")
			if err != nil {
				return err
			}
			c.Token = token
		}
		if err := ask(&c.Branch, "Branch", DefaultBranch); err != nil {
			return err
		}
	}

	if err := ask(&c.SSHUser, "SSH user", ""); err != nil {
		return err
	}
	if err := ask(&c.SSHHost, "SSH host", ""); err != nil {
		return err
	}
	if err := ask(&c.SSHKey, "SSH private key path", "~/.ssh/id_ed25519"); err != nil {
		return err
	}

	if mode == ModeDeploy {
		if err := ask(&c.AppPort, "Application port", ""); err != nil {
			return err
		}
	}

	if mode == ModeCleanup {
		suggestion := ""
		if c.RepoURL != "" {
			suggestion = ProjectNameFromURL(c.RepoURL)
		}
		if err := ask(&c.ProjectName, "Project name", suggestion); err != nil {
			return err
		}
	}

	return nil
}
