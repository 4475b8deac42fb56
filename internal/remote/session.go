package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"

	"shipyard/internal/config"
	"shipyard/internal/fault"
	"shipyard/pkg/templates"
)

// Options configures a Session.
type Options struct {
	ConnectTimeout time.Duration // Default: 10 seconds
	CommandTimeout time.Duration // Default: 30 minutes
	KnownHostsPath string
	Logger         *slog.Logger
}

// Session is one authenticated SSH connection reused by every stage.
type Session struct {
	client *ssh.Client
	target config.SSHTarget
	opts   Options
	logger *slog.Logger
}

// Dial connects and authenticates to target. Connection failures are
// classified as SSHUnreachable, SSHAuthFailed or HostKeyMismatch.
func Dial(ctx context.Context, target config.SSHTarget, opts Options) (*Session, error) {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.CommandTimeout == 0 {
		opts.CommandTimeout = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	signer, err := loadSigner(target.KeyPath)
	if err != nil {
		return nil, err
	}

	policy, err := newHostKeyPolicy(opts.KnownHostsPath, opts.Logger)
	if err != nil {
		return nil, fault.Wrap(fault.SSHUnreachable, err, "preparing host key verification")
	}

	addr := target.Address()
	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("connecting to %s: %w", addr, ctx.Err())
		}
		return nil, fault.Wrap(fault.SSHUnreachable, err, "connecting to %s", addr)
	}

	// The handshake is bounded by the same timeout as the dial.
	_ = conn.SetDeadline(time.Now().Add(opts.ConnectTimeout))
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	cfg := &ssh.ClientConfig{
		User:              target.User,
		Auth:              []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback:   policy.callback,
		HostKeyAlgorithms: policy.pinnedAlgorithms(addr, conn.RemoteAddr()),
		Timeout:           opts.ConnectTimeout,
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctx.Err())
		}
		if mismatch := policy.mismatchErr(); mismatch != nil {
			return nil, fault.Wrap(fault.HostKeyMismatch, mismatch, "refusing to connect to %s", addr)
		}
		if isAuthError(err) {
			return nil, fault.Wrap(fault.SSHAuthFailed, err, "authenticating as %s", target.User)
		}
		return nil, fault.Wrap(fault.SSHUnreachable, err, "ssh handshake with %s", addr)
	}
	_ = conn.SetDeadline(time.Time{})

	opts.Logger.Info("ssh session established", "target", target.String(), "server_version", string(c.ServerVersion()))

	return &Session{
		client: ssh.NewClient(c, chans, reqs),
		target: target,
		opts:   opts,
		logger: opts.Logger,
	}, nil
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fault.Wrap(fault.SSHAuthFailed, err, "reading private key")
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		var passErr *ssh.PassphraseMissingError
		if errors.As(err, &passErr) {
			return nil, fault.New(fault.SSHAuthFailed, "private key %s is passphrase protected; use an unencrypted deploy key", keyPath)
		}
		return nil, fault.Wrap(fault.SSHAuthFailed, err, "parse SSH private key %s", keyPath)
	}
	return signer, nil
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

// Target returns the host the session is connected to.
func (s *Session) Target() config.SSHTarget {
	return s.target
}

// Ping runs a trivial round trip to confirm the channel executes commands.
func (s *Session) Ping(ctx context.Context) error {
	res, err := s.Run(ctx, "echo shipyard-ping", nil)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fault.Wrap(fault.SSHUnreachable, err, "liveness check on %s", s.target.Host)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "shipyard-ping" {
		return fault.New(fault.SSHUnreachable, "liveness check on %s returned status %d: %s", s.target.Host, res.ExitCode, res.Summary())
	}
	return nil
}

// Run executes script with sh on the remote host.
func (s *Session) Run(ctx context.Context, script string, stdin io.Reader) (*Result, error) {
	name := templates.ScriptName(script)
	if name == "" {
		name = "command"
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening channel for %s: %w", name, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- sess.Run(shellquote.Join("sh", "-c", script))
	}()

	timer := time.NewTimer(s.opts.CommandTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGTERM)
		return nil, fmt.Errorf("%s: %w", name, ctx.Err())
	case <-timer.C:
		_ = sess.Signal(ssh.SIGKILL)
		return nil, fmt.Errorf("%s: timed out after %s", name, s.opts.CommandTimeout)
	case err := <-done:
		res := &Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
		if err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(err, &exitErr) {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			res.ExitCode = exitErr.ExitStatus()
		}

		s.logger.Debug("remote script finished",
			"script", name,
			"exit_code", res.ExitCode,
			"duration", res.Duration,
			"stderr", strings.TrimSpace(res.Stderr),
		)
		return res, nil
	}
}

// Close closes the connection.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
