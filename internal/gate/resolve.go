package gate

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/flemzord/agentgate/internal/security"
)

// Resolve turns a tool reference into an absolute executable path. A bare
// name is looked up in PATH. Paths under /proc, /sys and /dev are refused.
func Resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty tool path", ErrUnsupported)
	}
	path := name
	if !strings.ContainsRune(name, filepath.Separator) {
		found, err := exec.LookPath(name)
		if err != nil {
			return "", fmt.Errorf("resolving %s: %w", name, err)
		}
		path = found
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", name, err)
	}
	if err := security.ValidatePath(abs); err != nil {
		return "", err
	}
	return abs, nil
}
