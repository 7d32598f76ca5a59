// Package prompt serves the optional system prompt file passed to backends.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 100 * time.Millisecond

// File caches the contents of a system prompt file. A zero path means no
// prompt is configured.
type File struct {
	path string

	mu      sync.RWMutex
	content string
	hash    uint64
	err     error
}

// NewFile returns a prompt source for path and performs the initial read.
func NewFile(path string) *File {
	f := &File{path: path}
	if path != "" {
		f.reload()
	}
	return f
}

// Path returns the configured file path.
func (f *File) Path() string { return f.path }

// Configured reports whether a prompt path was set.
func (f *File) Configured() bool { return f.path != "" }

// Load returns the prompt text. It returns an error when a prompt is
// configured but could not be read; callers proceed without it.
func (f *File) Load() (string, error) {
	if f.path == "" {
		return "", nil
	}

	f.mu.RLock()
	content, err := f.content, f.err
	f.mu.RUnlock()

	if err != nil {
		// The file may have appeared since the last attempt.
		f.reload()
		f.mu.RLock()
		content, err = f.content, f.err
		f.mu.RUnlock()
	}
	if err != nil {
		return "", err
	}
	return content, nil
}

// reload re-reads the file and reports whether the cached content changed.
func (f *File) reload() bool {
	data, err := os.ReadFile(f.path)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err != nil {
		f.err = fmt.Errorf("read system prompt: %w", err)
		return false
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		f.err = fmt.Errorf("read system prompt: %s is empty", f.path)
		return false
	}

	f.err = nil
	sum := xxhash.Sum64String(content)
	if sum == f.hash && f.content != "" {
		return false
	}
	f.content = content
	f.hash = sum
	return true
}

// Watch reloads the prompt whenever the file changes. It watches the parent
// directory so editors that replace the file atomically are picked up.
// Blocks until ctx is cancelled.
func (f *File) Watch(ctx context.Context) error {
	if f.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompt watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(f.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if f.reload() {
					slog.Info("system prompt reloaded", "path", f.path)
				} else if _, err := f.Load(); err != nil {
					slog.Warn("system prompt unavailable", "path", f.path, "error", err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("prompt watcher error", "error", err)
		}
	}
}
