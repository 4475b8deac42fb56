// Package transfer mirrors the local working copy into the application
// directory on the target host.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"shipyard/internal/config"
	"shipyard/internal/fault"
	"shipyard/internal/remote"
	"shipyard/pkg/cmdutil"
	"shipyard/pkg/templates"
)

// Method is the strategy used to copy the files.
type Method string

const (
	MethodRsync   Method = "rsync"
	MethodArchive Method = "archive"
)

// ArchiveWarning is reported whenever the archive fallback is used.
const ArchiveWarning = "rsync unavailable: files were copied as an archive, so files deleted from the repository remain in %s"

// Report describes a completed transfer.
type Report struct {
	Method   Method
	Created  bool
	Bytes    int64
	Warnings []string
}

// Syncer copies files to the remote host.
type Syncer struct {
	runner remote.Runner
	logger *slog.Logger

	// run and lookPath execute local commands; tests replace them.
	run      func(ctx context.Context, opts cmdutil.ExecOptions, cmd []string) (*cmdutil.Result, error)
	lookPath func(name string) bool
	now      func() time.Time
}

// NewSyncer creates a Syncer that runs remote steps through r.
func NewSyncer(r remote.Runner, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Syncer{
		runner:   r,
		logger:   logger,
		run:      cmdutil.Run,
		lookPath: cmdutil.LookPath,
		now:      time.Now,
	}
}

// Sync makes spec.RemoteDir match localDir, excluding .git. rsync mirrors
// with --delete; the archive fallback only adds and overwrites.
func (s *Syncer) Sync(ctx context.Context, spec config.DeploymentSpec, localDir string) (*Report, error) {
	rep, _, err := remote.RunScript(ctx, s.runner, templates.ScriptSyncPrepare, templates.TemplateData{
		"APP_DIR":     spec.RemoteDir,
		"REMOTE_USER": spec.SSH.User,
	}, nil)
	if err != nil {
		return nil, s.fail(ctx, err, "preparing %s", spec.RemoteDir)
	}

	report := &Report{Created: rep.Has("created")}
	remoteRsync := rep.Get("rsync") == "yes"
	localRsync := s.lookPath("rsync") && s.lookPath("ssh")

	if remoteRsync && localRsync {
		report.Method = MethodRsync
		if err := s.rsync(ctx, spec, localDir); err != nil {
			return nil, err
		}
	} else {
		s.logger.Info("rsync unavailable, using archive transfer", "local", localRsync, "remote", remoteRsync)
		report.Method = MethodArchive
		n, err := s.archive(ctx, spec, localDir)
		if err != nil {
			return nil, err
		}
		report.Bytes = n
		w := fmt.Sprintf(ArchiveWarning, spec.RemoteDir)
		report.Warnings = append(report.Warnings, w)
		s.logger.Warn("archive transfer does not remove stale files", "remote_dir", spec.RemoteDir)
	}

	s.logger.Info("files synchronized",
		"method", string(report.Method),
		"remote_dir", spec.RemoteDir,
		"created", report.Created,
	)
	return report, nil
}

func (s *Syncer) rsync(ctx context.Context, spec config.DeploymentSpec, localDir string) error {
	cmd := RsyncCommand(spec, localDir)
	res, err := s.run(ctx, cmdutil.ExecOptions{
		Timeout:        spec.CommandTimeout,
		CombinedOutput: true,
	}, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		detail := res.Text()
		if detail != "" {
			lines := strings.Split(detail, "\n")
			return fault.New(fault.SyncFailed, "rsync exited with status %d: %s", res.ExitCode, lines[len(lines)-1])
		}
		return fault.Wrap(fault.SyncFailed, err, "rsync")
	}
	s.logger.Debug("rsync", "duration", res.Duration)
	return nil
}

// RsyncCommand builds the rsync invocation. The ssh options pin the same
// known_hosts file the session uses, so both channels trust the same key.
func RsyncCommand(spec config.DeploymentSpec, localDir string) []string {
	sshCmd := []string{
		"ssh",
		"-i", spec.SSH.KeyPath,
		"-p", strconv.Itoa(spec.SSH.Port),
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=yes",
		"-o", "IdentitiesOnly=yes",
	}
	if spec.KnownHostsPath != "" {
		sshCmd = append(sshCmd, "-o", "UserKnownHostsFile="+spec.KnownHostsPath)
	}
	if spec.ConnectTimeout > 0 {
		secs := int(spec.ConnectTimeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		sshCmd = append(sshCmd, "-o", "ConnectTimeout="+strconv.Itoa(secs))
	}

	return []string{
		"rsync", "-az", "--delete",
		"--exclude", ".git",
		"-e", shellquote.Join(sshCmd...),
		strings.TrimSuffix(localDir, "/") + "/",
		remoteDest(spec),
	}
}

func remoteDest(spec config.DeploymentSpec) string {
	host := spec.SSH.Host
	if strings.Contains(host, ":") && net.ParseIP(host) != nil {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s@%s:%s/", spec.SSH.User, host, strings.TrimSuffix(spec.RemoteDir, "/"))
}

func (s *Syncer) archive(ctx context.Context, spec config.DeploymentSpec, localDir string) (int64, error) {
	dest := fmt.Sprintf("/tmp/shipyard-%s-%d.tar.gz", spec.ProjectName, s.now().UnixNano())

	pr, pw := io.Pipe()
	counter := &countingWriter{w: pw}
	done := make(chan error, 1)
	go func() {
		err := WriteArchive(counter, localDir)
		pw.CloseWithError(err)
		done <- err
	}()

	rep, _, err := remote.RunScript(ctx, s.runner, templates.ScriptUpload, templates.TemplateData{
		"DEST": dest,
	}, pr)
	pr.Close()
	archiveErr := <-done

	if err != nil {
		return 0, s.fail(ctx, err, "uploading archive")
	}
	if archiveErr != nil {
		return 0, fault.Wrap(fault.SyncFailed, archiveErr, "packaging %s", localDir)
	}
	if got := rep.Get("bytes"); got != strconv.FormatInt(counter.n, 10) {
		return 0, fault.New(fault.SyncFailed, "archive upload incomplete: sent %d bytes, remote has %s", counter.n, got)
	}

	if _, _, err := remote.RunScript(ctx, s.runner, templates.ScriptSyncUnpack, templates.TemplateData{
		"APP_DIR": spec.RemoteDir,
		"ARCHIVE": dest,
	}, nil); err != nil {
		return 0, s.fail(ctx, err, "unpacking archive into %s", spec.RemoteDir)
	}
	return counter.n, nil
}

func (s *Syncer) fail(ctx context.Context, err error, format string, args ...any) error {
	if ctx.Err() != nil {
		return err
	}
	var exitErr *remote.ExitError
	if errors.As(err, &exitErr) {
		return fault.New(fault.SyncFailed, "%s: %s", fmt.Sprintf(format, args...), exitErr.Result.Summary())
	}
	return fault.Wrap(fault.SyncFailed, err, format, args...)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
