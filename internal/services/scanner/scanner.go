// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scanner discovers operator-tagged torrents and inserts tasks,
// rewriting tags to processing_tag before handing work to the worker pool.
package scanner

import (
	"context"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/qbitreaper/qbit-reaper/internal/domain"
	"github.com/qbitreaper/qbit-reaper/internal/qbittorrent"
)

const (
	baseBackoff   = 10 * time.Second
	maxBackoff    = 30 * time.Second
	errorsForSlow = 10
)

// Breaker gates scanner passes when the remote resource is unavailable.
type Breaker interface {
	CanExecute(ctx context.Context, resource string) (bool, error)
	RecordFailure(ctx context.Context, resource string) error
}

// HealthMonitor gates scanner passes when the remote engine is unhealthy.
type HealthMonitor interface {
	ShouldPause(ctx context.Context) bool
}

// TaskStore is the narrow store surface the scanner needs.
type TaskStore interface {
	Save(ctx context.Context, hash string, taskType domain.TaskType) (bool, error)
}

// metadataDownloadStates excludes torrents still fetching metadata from
// scanner passes.
var metadataDownloadStates = map[string]bool{
	"metaDL":       true,
	"queuedDL":     true,
	"forcedMetaDL": true,
}

// Client is the remote-client surface the scanner reads from.
type Client interface {
	TorrentsWithTag(ctx context.Context, tag string) ([]qbt.Torrent, error)
}

// Tagger mutates tags on the remote engine.
type Tagger interface {
	AddTag(ctx context.Context, hash, tag string) qbittorrent.Outcome
	RemoveTag(ctx context.Context, hash, tag string) qbittorrent.Outcome
}

// Scanner runs the single long-running tag-discovery loop.
type Scanner struct {
	client  Client
	tagger  Tagger
	store   TaskStore
	breaker Breaker
	health  HealthMonitor

	addedTag      string
	completedTag  string
	processingTag string
	pollInterval  time.Duration

	consecutiveErrors int
	onPass            func(err error)
}

// OnPass registers a callback invoked after every pass with the pass's
// error (nil on success). Intended for metrics instrumentation; the
// scanner works without one.
func (s *Scanner) OnPass(fn func(err error)) {
	s.onPass = fn
}

// New constructs a Scanner against the given dependencies and tag names.
func New(client Client, tagger Tagger, store TaskStore, breaker Breaker, health HealthMonitor, addedTag, completedTag, processingTag string, pollInterval time.Duration) *Scanner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Scanner{
		client:        client,
		tagger:        tagger,
		store:         store,
		breaker:       breaker,
		health:        health,
		addedTag:      addedTag,
		completedTag:  completedTag,
		processingTag: processingTag,
		pollInterval:  pollInterval,
	}
}

// Start launches the scanner loop in a goroutine.
func (s *Scanner) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scanner) loop(ctx context.Context) {
	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := s.pass(ctx)
		if err != nil {
			log.Error().Err(err).Msg("scanner: pass failed")
			s.consecutiveErrors++
		} else {
			s.consecutiveErrors = 0
		}
		if s.onPass != nil {
			s.onPass(err)
		}

		timer.Reset(s.nextDelay())
	}
}

func (s *Scanner) nextDelay() time.Duration {
	if s.consecutiveErrors >= errorsForSlow {
		return maxBackoff
	}
	if s.consecutiveErrors > 0 {
		return baseBackoff
	}
	return s.pollInterval
}

func (s *Scanner) pass(ctx context.Context) error {
	if s.health.ShouldPause(ctx) {
		return nil
	}

	canExecute, err := s.breaker.CanExecute(ctx, "qbit_api")
	if err != nil {
		return err
	}
	if !canExecute {
		return nil
	}

	if err := s.scanTag(ctx, s.addedTag, domain.TaskAdded); err != nil {
		_ = s.breaker.RecordFailure(ctx, "qbit_api")
		return err
	}

	if err := s.scanTag(ctx, s.completedTag, domain.TaskCompleted); err != nil {
		_ = s.breaker.RecordFailure(ctx, "qbit_api")
		return err
	}

	return nil
}

func (s *Scanner) scanTag(ctx context.Context, tag string, taskType domain.TaskType) error {
	torrents, err := s.client.TorrentsWithTag(ctx, tag)
	if err != nil {
		return err
	}

	for _, t := range torrents {
		if metadataDownloadStates[string(t.State)] {
			continue
		}

		inserted, err := s.store.Save(ctx, t.Hash, taskType)
		if err != nil {
			log.Error().Err(err).Str("hash", t.Hash).Msg("scanner: failed to save task")
			continue
		}
		if !inserted {
			continue
		}

		// add(processing) before remove(source_tag): never leaves a window
		// where the torrent carries no lifecycle tag.
		if outcome := s.tagger.AddTag(ctx, t.Hash, s.processingTag); !outcome.OK() {
			log.Warn().Str("hash", t.Hash).Msg("scanner: failed to add processing tag")
			continue
		}
		if outcome := s.tagger.RemoveTag(ctx, t.Hash, tag); !outcome.OK() {
			log.Warn().Str("hash", t.Hash).Str("tag", tag).Msg("scanner: failed to remove source tag")
		}
	}

	return nil
}
