package scheduler

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/flemzord/agentgate/internal/security"
)

// Candidates lists the executables in dirs, in directory order and sorted
// by name within a directory. A name found in an earlier directory shadows
// later ones, as it would on PATH. Missing directories and entries that
// resolve under /proc, /sys or /dev are skipped. With
// no dirs, the directories on PATH are used.
func Candidates(dirs []string) ([]string, error) {
	if len(dirs) == 0 {
		dirs = filepath.SplitList(os.Getenv("PATH"))
	}

	var (
		out      []string
		seenName = make(map[string]struct{})
		seenDir  = make(map[string]struct{})
	)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if _, dup := seenDir[abs]; dup {
			continue
		}
		seenDir[abs] = struct{}{}

		entries, err := os.ReadDir(abs)
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			continue
		}
		if err != nil {
			return out, err
		}
		// ReadDir sorts by name.
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			key := commandName(e.Name())
			if _, shadowed := seenName[key]; shadowed {
				continue
			}
			path := filepath.Join(abs, e.Name())
			if security.ValidatePath(path) != nil {
				continue
			}
			info, err := os.Stat(path) // follows symlinks
			if err != nil || !isExecutable(info) {
				continue
			}
			seenName[key] = struct{}{}
			out = append(out, path)
		}
	}
	return out, nil
}

var windowsExecExts = []string{".exe", ".com", ".bat", ".cmd"}

func isExecutable(info fs.FileInfo) bool {
	if !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return slices.Contains(windowsExecExts, strings.ToLower(filepath.Ext(info.Name())))
	}
	return info.Mode().Perm()&0o111 != 0
}

func commandName(name string) string {
	if runtime.GOOS == "windows" {
		return strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	}
	return name
}
