package executor

import (
	"os"
	"os/exec"
	"path/filepath"
)

// LookPath resolves a backend executable. Resolution order:
//  1. the configured path, if set
//  2. common per-user and system install directories
//  3. the PATH search for name
//  4. the bare name, so a later spawn fails with a descriptive error
func LookPath(configured, name string) string {
	if configured != "" {
		return configured
	}

	for _, dir := range installDirs() {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return name
}

func installDirs() []string {
	dirs := []string{"/usr/local/bin", "/opt/homebrew/bin"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append([]string{
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, ".claude", "local"),
			filepath.Join(home, ".npm-global", "bin"),
			filepath.Join(home, ".bun", "bin"),
		}, dirs...)
	}
	return dirs
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

// Environ returns the environment for backend subprocesses: the host
// environment plus what a CLI needs to run non-interactively.
func Environ(extra ...string) []string {
	env := os.Environ()
	if home, err := os.UserHomeDir(); err == nil {
		env = append(env, "HOME="+home)
	}
	env = append(env, "TERM=dumb", "NO_COLOR=1", "CI=true")
	return append(env, extra...)
}
