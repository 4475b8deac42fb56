package security

import (
	"fmt"
	"os"
)

const (
	// PermLogFile is for run logs that may contain deployment information.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermLogFile os.FileMode = 0640

	// PermDBFile is for the local run history database.
	// rw-r----- (0640): owner can read/write, group can read, others have no access.
	PermDBFile os.FileMode = 0640

	// PermDirectory is for standard directories such as the source cache.
	// rwxr-x--- (0750): owner can read/write/execute, group can read/execute, others have no access.
	PermDirectory os.FileMode = 0750

	// PermPrivateDir is for directories holding SSH material.
	// rwx------ (0700): only owner has access.
	PermPrivateDir os.FileMode = 0700

	// PermSSHKey is for private SSH keys and the known hosts file.
	// rw------- (0600): only owner can read/write, no one else has access.
	PermSSHKey os.FileMode = 0600
)

// IsWorldReadable checks if a file is readable by others.
func IsWorldReadable(perm os.FileMode) bool {
	return perm&0004 != 0
}

// IsWorldWritable checks if a file is writable by others.
func IsWorldWritable(perm os.FileMode) bool {
	return perm&0002 != 0
}

// ValidateSecurePermissions validates that a file does not have world-readable
// or world-writable permissions for sensitive files.
func ValidateSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	perm := info.Mode().Perm()

	if IsWorldReadable(perm) {
		return fmt.Errorf("file %s is world-readable (%04o), which is insecure for sensitive data", path, perm)
	}

	if IsWorldWritable(perm) {
		return fmt.Errorf("file %s is world-writable (%04o), which is a serious security risk", path, perm)
	}

	return nil
}
