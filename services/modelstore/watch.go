// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modelstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianModelServer/services/modelstore/schema"
)

// ErrWatchUnavailable is returned by WatchSchema when the service has no
// schema file to watch.
var ErrWatchUnavailable = errors.New("schema watch unavailable")

// schemaDebounce collapses the burst of events one editor save produces.
const schemaDebounce = 100 * time.Millisecond

type schemaWatcher struct {
	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

func (w *schemaWatcher) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
	})
}

// WatchSchema reloads the type registry whenever the schema file changes.
//
// Description:
//
//	Watches the directory holding cfg.Schema, since editors often replace
//	the file instead of writing it in place. Events for the file are
//	debounced, then the file is reloaded. A file that no longer parses is
//	logged and ignored; the previous registry stays active. Queries
//	already running keep the registry they started with.
//
// Inputs:
//
//	ctx - Stops the watcher when cancelled. Close stops it as well.
//
// Outputs:
//
//	error - ErrWatchUnavailable without a schema path, or a watcher setup
//	        failure. Calling it again while watching is a no-op.
//
// Thread Safety: Safe for concurrent use.
func (s *Service) WatchSchema(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.mu.RUnlock()

	if s.cfg.Schema == "" {
		return ErrWatchUnavailable
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()
	if s.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create schema watcher: %w", err)
	}
	path, err := filepath.Abs(s.cfg.Schema)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("resolve schema path: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &schemaWatcher{watcher: fw, done: make(chan struct{})}
	s.watcher = w
	go s.watchLoop(ctx, w, path)

	s.logger.Info("watching schema", slog.String("path", path))
	return nil
}

func (s *Service) watchLoop(ctx context.Context, w *schemaWatcher, path string) {
	defer w.stop()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(schemaDebounce)
			}
		case <-pending:
			pending = nil
			s.reloadSchema(path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("schema watcher error", slog.String("error", err.Error()))
		}
	}
}

func (s *Service) reloadSchema(path string) {
	reg, err := schema.LoadFile(path)
	if err != nil {
		s.logger.Warn("schema reload failed, keeping previous registry",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	s.setRegistry(reg)
	s.logger.Info("schema reloaded",
		slog.String("path", path),
		slog.Int("types", len(reg.Types())),
	)
}
