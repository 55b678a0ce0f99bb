// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hashwatch implements an optional parallel intake feed: an
// fsnotify watch over a directory of <hash>.added / <hash>.completed
// marker files. Every observed marker calls store.Save(hash, type),
// which is idempotent, so this feed is safe to run alongside the tag
// scanner without risk of double-counting a torrent.
package hashwatch

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/qbitreaper/qbit-reaper/internal/domain"
)

// TaskStore is the narrow store surface the watcher needs.
type TaskStore interface {
	Save(ctx context.Context, hash string, taskType domain.TaskType) (bool, error)
}

// Watcher feeds marker files written into dir into store.Save.
type Watcher struct {
	dir   string
	store TaskStore
}

// New constructs a Watcher over dir. dir empty disables the feed; callers
// should not call Start in that case.
func New(dir string, store TaskStore) *Watcher {
	return &Watcher{dir: dir, store: store}
}

// Start runs the watch loop until ctx is cancelled. It blocks until the
// watcher is established or setup fails.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return err
	}

	go w.loop(ctx, watcher)
	return nil
}

func (w *Watcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.handle(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("hashwatch: watch error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	hash, taskType, ok := parseMarker(path)
	if !ok {
		return
	}

	if _, err := w.store.Save(ctx, hash, taskType); err != nil {
		log.Error().Err(err).Str("hash", hash).Msg("hashwatch: failed to save task")
	}
}

func parseMarker(path string) (hash string, taskType domain.TaskType, ok bool) {
	name := filepath.Base(path)

	switch {
	case strings.HasSuffix(name, ".added"):
		return strings.TrimSuffix(name, ".added"), domain.TaskAdded, true
	case strings.HasSuffix(name, ".completed"):
		return strings.TrimSuffix(name, ".completed"), domain.TaskCompleted, true
	default:
		return "", "", false
	}
}
