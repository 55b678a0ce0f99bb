// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/qbitreaper/qbit-reaper/internal/cleanup"
	"github.com/qbitreaper/qbit-reaper/internal/domain"
	"github.com/qbitreaper/qbit-reaper/internal/qbittorrent"
)

// RemoteClient is the remote-client surface the task handler needs.
type RemoteClient interface {
	TorrentByHash(ctx context.Context, hash string) qbittorrent.Outcome
	Files(ctx context.Context, hash string) qbittorrent.Outcome
	SetFilePriority(ctx context.Context, hash string, indices []int, priority int) qbittorrent.Outcome
}

// Cleaner classifies and removes completed-torrent payload files.
type Cleaner interface {
	ShouldDisableFile(name string) bool
	Clean(rootPath string) (cleanup.Result, error)
}

// TaskHandler implements Handler for the added/completed task types.
type TaskHandler struct {
	client     RemoteClient
	cleaner    Cleaner
	categories map[string]bool

	pathWarnMu   sync.Mutex
	pathWarnSeen map[string]bool
}

// NewTaskHandler constructs a TaskHandler. An empty categories set means
// no category filter (every category is allowed).
func NewTaskHandler(client RemoteClient, cleaner Cleaner, categories []string) *TaskHandler {
	set := make(map[string]bool, len(categories))
	for _, c := range categories {
		set[c] = true
	}
	return &TaskHandler{client: client, cleaner: cleaner, categories: set, pathWarnSeen: make(map[string]bool)}
}

// Handle dispatches to the per-task-type handler and returns a failure
// reason from the domain taxonomy (or domain.ReasonSuccess).
func (h *TaskHandler) Handle(ctx context.Context, task domain.Task) string {
	switch task.TaskType {
	case domain.TaskAdded:
		return h.handleAdded(ctx, task.TorrentHash)
	case domain.TaskCompleted:
		return h.handleCompleted(ctx, task.TorrentHash)
	default:
		return fmt.Sprintf("%s:unknown task type %q", domain.ReasonProcessingExcPfx, task.TaskType)
	}
}

func reasonForOutcome(outcome qbittorrent.Outcome) string {
	switch outcome.Kind {
	case qbittorrent.OutcomeNotFound:
		return domain.ReasonTorrentNotFound
	case qbittorrent.OutcomeNetworkError:
		return domain.ReasonNetworkError
	default:
		return domain.ReasonQbitAPIError
	}
}

func (h *TaskHandler) handleAdded(ctx context.Context, hash string) string {
	torrentOutcome := h.client.TorrentByHash(ctx, hash)
	if !torrentOutcome.OK() {
		return reasonForOutcome(torrentOutcome)
	}

	if len(h.categories) > 0 && !h.categories[torrentOutcome.Torrent.Category] {
		return domain.ReasonSuccess
	}

	filesOutcome := h.client.Files(ctx, hash)
	if !filesOutcome.OK() {
		return reasonForOutcome(filesOutcome)
	}
	if len(filesOutcome.Files) == 0 {
		return domain.ReasonMetadataNotReady
	}

	var indices []int
	for i, f := range filesOutcome.Files {
		if h.cleaner.ShouldDisableFile(f.Name) && f.Priority != 0 {
			indices = append(indices, i)
		}
	}
	if len(indices) == 0 {
		return domain.ReasonSuccess
	}

	setOutcome := h.client.SetFilePriority(ctx, hash, indices, 0)
	if !setOutcome.OK() {
		return reasonForOutcome(setOutcome)
	}
	return domain.ReasonSuccess
}

func (h *TaskHandler) handleCompleted(ctx context.Context, hash string) string {
	torrentOutcome := h.client.TorrentByHash(ctx, hash)
	if !torrentOutcome.OK() {
		return reasonForOutcome(torrentOutcome)
	}

	contentPath := torrentOutcome.Torrent.ContentPath
	fallback := filepath.Join(torrentOutcome.Torrent.SavePath, torrentOutcome.Torrent.Name)
	if contentPath == "" {
		contentPath = fallback
	} else {
		h.warnOnPathAssumptionMismatch(hash, contentPath, fallback)
	}

	if _, err := os.Stat(contentPath); os.IsNotExist(err) {
		return domain.ReasonSuccess
	}

	if _, err := h.cleaner.Clean(contentPath); err != nil {
		return fmt.Sprintf("%s:%v", domain.ReasonProcessingExcPfx, err)
	}

	return domain.ReasonSuccess
}

// warnOnPathAssumptionMismatch logs once per hash when save_path+name
// disagrees with the engine's reported content_path, so operators running
// an engine where that assumption doesn't hold can notice it. It never
// changes which path gets cleaned.
func (h *TaskHandler) warnOnPathAssumptionMismatch(hash, contentPath, fallback string) {
	if contentPath == fallback {
		return
	}

	h.pathWarnMu.Lock()
	defer h.pathWarnMu.Unlock()
	if h.pathWarnSeen[hash] {
		return
	}
	h.pathWarnSeen[hash] = true

	log.Warn().
		Str("hash", hash).
		Str("content_path", contentPath).
		Str("save_path_plus_name", fallback).
		Msg("worker: save_path+name does not match reported content_path")
}
