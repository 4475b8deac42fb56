package remote

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"shipyard/internal/security"
)

// hostKeyPolicy implements trust-on-first-use against a known_hosts file:
// unknown hosts are appended, known hosts must present a pinned key.
type hostKeyPolicy struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	mismatch error
	learned  string
}

func newHostKeyPolicy(path string, logger *slog.Logger) (*hostKeyPolicy, error) {
	if err := os.MkdirAll(filepath.Dir(path), security.PermPrivateDir); err != nil {
		return nil, fmt.Errorf("creating known hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, security.PermSSHKey)
	if err != nil {
		return nil, fmt.Errorf("opening known hosts file: %w", err)
	}
	f.Close()
	return &hostKeyPolicy{path: path, logger: logger}, nil
}

func (p *hostKeyPolicy) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	check, err := knownhosts.New(p.path)
	if err != nil {
		return fmt.Errorf("reading known hosts: %w", err)
	}

	err = check(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
		return p.pin(hostname, key)
	}

	var revoked *knownhosts.RevokedError
	if errors.As(err, &keyErr) || errors.As(err, &revoked) {
		p.mismatch = fmt.Errorf("host key %s %s for %s is not the pinned key in %s",
			key.Type(), ssh.FingerprintSHA256(key), hostname, p.path)
		return p.mismatch
	}
	return err
}

func (p *hostKeyPolicy) pin(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_WRONLY, security.PermSSHKey)
	if err != nil {
		return fmt.Errorf("pinning host key: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("pinning host key: %w", err)
	}

	p.learned = ssh.FingerprintSHA256(key)
	p.logger.Warn("pinned previously unknown host key",
		"host", hostname,
		"type", key.Type(),
		"fingerprint", p.learned,
		"known_hosts", p.path,
	)
	return nil
}

func (p *hostKeyPolicy) mismatchErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mismatch
}

// pinnedAlgorithms returns the host key algorithms already pinned for
// address so the server is asked for a key type that can be verified.
func (p *hostKeyPolicy) pinnedAlgorithms(address string, remote net.Addr) []string {
	check, err := knownhosts.New(p.path)
	if err != nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if err := check(address, remote, sentinelKey{}); !errors.As(err, &keyErr) {
		return nil
	}

	seen := map[string]bool{}
	var algos []string
	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			algos = append(algos, a)
		}
	}
	for _, known := range keyErr.Want {
		switch t := known.Key.Type(); t {
		case ssh.KeyAlgoRSA:
			add(ssh.KeyAlgoRSASHA512)
			add(ssh.KeyAlgoRSASHA256)
			add(ssh.KeyAlgoRSA)
		default:
			add(t)
		}
	}
	return algos
}

// sentinelKey never matches a pinned key; checking it lists what is pinned.
type sentinelKey struct{}

func (sentinelKey) Type() string    { return "shipyard-sentinel" }
func (sentinelKey) Marshal() []byte { return []byte("shipyard-sentinel") }
func (sentinelKey) Verify([]byte, *ssh.Signature) error {
	return errors.New("sentinel key cannot verify")
}
