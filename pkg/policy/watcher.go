// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/absmach/fwdproxy/pkg/resolver"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last file event before a reload.
const DefaultDebounce = 100 * time.Millisecond

// WatcherConfig holds policy watcher configuration.
type WatcherConfig struct {
	// Path is the YAML policy file.
	Path string
	// Debounce delays reloads until events stop arriving.
	Debounce time.Duration
	// Logger is used for reload reporting.
	Logger *slog.Logger
	// OnReload, if set, is called after every reload attempt.
	OnReload func(err error)
}

// Watcher is a Policy backed by a file that is reloaded when it changes.
// A file that fails to load keeps the previous rules in force.
type Watcher struct {
	config  WatcherConfig
	path    string
	current atomic.Pointer[List]
}

var _ Policy = (*Watcher)(nil)

// NewWatcher loads the policy file. It fails if the initial load fails.
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	path, err := filepath.Abs(config.Path)
	if err != nil {
		return nil, err
	}

	w := &Watcher{config: config, path: path}
	if err := w.Reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Allow implements Policy with the most recently loaded rules.
func (w *Watcher) Allow(ctx context.Context, target resolver.Target) bool {
	return w.current.Load().Allow(ctx, target)
}

// AllowAddr implements AddrPolicy with the most recently loaded rules.
func (w *Watcher) AllowAddr(ctx context.Context, ip net.IP, port int) bool {
	return w.current.Load().AllowAddr(ctx, ip, port)
}

// Reload reads the file now. On failure the previous rules stay in force.
func (w *Watcher) Reload() error {
	list, err := Load(w.path)
	if err != nil {
		return err
	}
	w.current.Store(list)
	return nil
}

// Watch reloads the policy on every change until ctx is canceled. The
// directory is watched rather than the file so that editors replacing the
// file by rename keep being followed.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.config.Logger.Info("Policy watcher started", slog.String("path", w.path))

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.config.Logger.Info("Policy watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.config.Debounce)
			debounceCh = debounce.C

		case <-debounceCh:
			debounceCh = nil
			w.reload()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.config.Logger.Warn("Policy watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	err := w.Reload()
	if err != nil {
		w.config.Logger.Error("Failed to reload policy, keeping previous rules",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
	} else {
		w.config.Logger.Info("Policy reloaded", slog.String("path", w.path))
	}
	if w.config.OnReload != nil {
		w.config.OnReload(err)
	}
}
