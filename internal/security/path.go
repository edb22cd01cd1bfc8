package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrRestrictedPath is returned for paths under /proc, /sys or /dev.
var ErrRestrictedPath = errors.New("access to restricted path is not allowed")

var restrictedPrefixes = []string{"/proc/", "/sys/", "/dev/"}

// ValidatePath rejects paths that resolve into the kernel's pseudo
// filesystems. Those hold process state and devices, never tool binaries.
// The path is made absolute and symlinks are followed when possible, so a
// link into /proc is rejected while /proc/self/exe, which points at a real
// binary, is judged by its target.
func ValidatePath(path string) error {
	cleaned := filepath.Clean(path)
	if abs, err := filepath.Abs(cleaned); err == nil {
		cleaned = abs
	}
	if resolved, err := filepath.EvalSymlinks(cleaned); err == nil {
		cleaned = resolved
	}
	normalized := strings.ToLower(cleaned) + "/"
	for _, prefix := range restrictedPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return fmt.Errorf("%w: %s", ErrRestrictedPath, path)
		}
	}
	return nil
}

// EscapeShellArg single-quotes s for a POSIX shell.
func EscapeShellArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
