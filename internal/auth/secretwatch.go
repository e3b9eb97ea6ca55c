package auth

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Logger is the logging surface auth background tasks use.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// SecretWatcher rotates a Keyring whenever the secret file changes on disk.
//
// The parent directory is watched rather than the file itself so that
// atomic replacements are seen. A rename over the file reports the file's
// own name. A mounted Kubernetes secret swaps a ..data symlink instead, so
// any other event in the directory reloads when the file now resolves to a
// different target.
type SecretWatcher struct {
	path     string
	keys     *Keyring
	log      Logger
	onRotate func(kid string)

	target string // resolved path of the last reload
}

// NewSecretWatcher creates a watcher for path. onRotate, if non-nil, is
// called after each rotation that changed the active key.
func NewSecretWatcher(path string, keys *Keyring, log Logger, onRotate func(kid string)) *SecretWatcher {
	return &SecretWatcher{path: filepath.Clean(path), keys: keys, log: log, onRotate: onRotate}
}

// Run blocks until ctx is cancelled.
func (w *SecretWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating secret watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck // shutdown path

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.target = w.resolve()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if filepath.Clean(ev.Name) == w.path || w.retargeted() {
				w.reload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("secret watcher error", "error", err)
		}
	}
}

// resolve returns the file path with symlinks followed, or "" if the file
// does not resolve.
func (w *SecretWatcher) resolve() string {
	target, err := filepath.EvalSymlinks(w.path)
	if err != nil {
		return ""
	}
	return target
}

// retargeted reports whether the file resolves somewhere new.
func (w *SecretWatcher) retargeted() bool {
	target := w.resolve()
	return target != "" && target != w.target
}

// reload reads the file and rotates. Partial writes fail the length check
// and are retried on the next event.
func (w *SecretWatcher) reload() {
	w.target = w.resolve()
	secret, err := ReadSecretFile(w.path)
	if err != nil {
		w.log.Warn("ignoring unreadable signing secret", "path", w.path, "error", err)
		return
	}

	before, _ := w.keys.Active()
	kid, err := w.keys.Rotate(secret)
	if err != nil {
		w.log.Warn("signing secret rotation failed", "error", err)
		return
	}
	if kid == before {
		return
	}

	w.log.Info("signing secret rotated from file", "kid", kid, "policy", string(w.keys.Policy()))
	if w.onRotate != nil {
		w.onRotate(kid)
	}
}
