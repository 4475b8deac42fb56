// Package runlog opens the structured log that records one run.
package runlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shipyard/internal/security"
	"shipyard/pkg/cmdutil"
)

// Options configures the run log.
type Options struct {
	// Path of the log file. Empty uses DefaultPath.
	Path    string
	Project string
	// Secrets are redacted from every record.
	Secrets []string
	// Verbose also writes records to Stderr and enables debug level.
	Verbose bool
	Stderr  io.Writer
}

// Log is an open run log.
type Log struct {
	Path   string
	Logger *slog.Logger
	file   *os.File
}

// DefaultPath returns ./shipyard-<project>-<YYYYMMDD-HHMMSS>.log.
func DefaultPath(project string, now time.Time) string {
	if project == "" {
		project = "run"
	}
	return fmt.Sprintf("shipyard-%s-%s.log", project, now.Format("20060102-150405"))
}

// Open creates the log file and a JSON logger writing to it.
func Open(opts Options) (*Log, error) {
	path := opts.Path
	if path == "" {
		path = DefaultPath(opts.Project, time.Now())
	}

	// Create log directory if needed
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, security.PermDirectory); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	// Open log file with secure permissions
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, security.PermLogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	var w io.Writer = file
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
		if opts.Stderr != nil {
			w = io.MultiWriter(file, opts.Stderr)
		}
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: Redactor(opts.Secrets),
	})

	return &Log{Path: path, Logger: slog.New(handler), file: file}, nil
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Redactor returns a ReplaceAttr hook that masks secrets in messages,
// string values and errors.
func Redactor(secrets []string) func(groups []string, a slog.Attr) slog.Attr {
	var active []string
	for _, s := range secrets {
		if s != "" {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil
	}

	contains := func(s string) bool {
		for _, secret := range active {
			if strings.Contains(s, secret) {
				return true
			}
		}
		return false
	}

	return func(groups []string, a slog.Attr) slog.Attr {
		switch a.Value.Kind() {
		case slog.KindString:
			if s := a.Value.String(); contains(s) {
				a.Value = slog.StringValue(cmdutil.SanitizeString(s, active))
			}
		case slog.KindAny:
			switch v := a.Value.Any().(type) {
			case error:
				a.Value = slog.StringValue(cmdutil.SanitizeString(v.Error(), active))
			default:
				if s := fmt.Sprint(v); contains(s) {
					a.Value = slog.StringValue(cmdutil.SanitizeString(s, active))
				}
			}
		}
		return a
	}
}
