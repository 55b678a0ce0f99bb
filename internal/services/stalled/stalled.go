// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package stalled implements the independent loop that demotes the
// priority of torrents that have sat stalled-downloading past a
// configured grace period. State is kept entirely in memory: it tracks
// a stagnation window, not durable work.
package stalled

import (
	"context"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/qbitreaper/qbit-reaper/internal/domain"
	"github.com/qbitreaper/qbit-reaper/internal/qbittorrent"
)

const progressMoveThreshold = 0.001

// Client is the remote-client surface the tracker reads and writes.
type Client interface {
	StalledDownloading(ctx context.Context, threshold float64) ([]qbt.Torrent, error)
	SetBottomPriority(ctx context.Context, hash string) qbittorrent.Outcome
}

// Tracker runs the stalled-seed demotion loop.
type Tracker struct {
	client Client

	checkInterval     time.Duration
	progressThreshold float64
	minStalled        time.Duration

	seen    map[string]*domain.StalledSeedInfo
	nowFunc func() float64
}

// New constructs a Tracker. checkInterval/progressThreshold/minStalled
// default to the spec defaults (300s, 0.95, 30m) when non-positive.
func New(client Client, checkInterval time.Duration, progressThreshold float64, minStalled time.Duration) *Tracker {
	if checkInterval <= 0 {
		checkInterval = 300 * time.Second
	}
	if progressThreshold <= 0 {
		progressThreshold = 0.95
	}
	if minStalled <= 0 {
		minStalled = 30 * time.Minute
	}
	return &Tracker{
		client:            client,
		checkInterval:     checkInterval,
		progressThreshold: progressThreshold,
		minStalled:        minStalled,
		seen:              make(map[string]*domain.StalledSeedInfo),
		nowFunc:           unixNow,
	}
}

func unixNow() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) }

// Start launches the tracker loop in a goroutine.
func (t *Tracker) Start(ctx context.Context) {
	go t.loop(ctx)
}

func (t *Tracker) loop(ctx context.Context) {
	ticker := time.NewTicker(t.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := t.pass(ctx); err != nil {
			log.Error().Err(err).Msg("stalled: pass failed")
		}
	}
}

func (t *Tracker) pass(ctx context.Context) error {
	torrents, err := t.client.StalledDownloading(ctx, t.progressThreshold)
	if err != nil {
		return err
	}

	now := t.nowFunc()
	current := make(map[string]bool, len(torrents))

	for _, torrent := range torrents {
		current[torrent.Hash] = true
		t.observe(ctx, torrent, now)
	}

	for hash := range t.seen {
		if !current[hash] {
			delete(t.seen, hash)
		}
	}

	return nil
}

func (t *Tracker) observe(ctx context.Context, torrent qbt.Torrent, now float64) {
	info, ok := t.seen[torrent.Hash]
	if !ok {
		info = &domain.StalledSeedInfo{
			Hash:         torrent.Hash,
			Name:         torrent.Name,
			Progress:     float64(torrent.Progress),
			State:        string(torrent.State),
			TrackedSince: now,
		}
		t.seen[torrent.Hash] = info
	}

	if diff := float64(torrent.Progress) - info.Progress; diff > progressMoveThreshold || diff < -progressMoveThreshold {
		info.Progress = float64(torrent.Progress)
		info.TrackedSince = now
	}
	info.State = string(torrent.State)

	if info.PriorityDowngraded {
		return
	}
	if now-info.TrackedSince < t.minStalled.Seconds() {
		return
	}

	if outcome := t.client.SetBottomPriority(ctx, torrent.Hash); !outcome.OK() {
		log.Warn().Err(outcome.Err).Str("hash", torrent.Hash).Msg("stalled: failed to demote priority")
		return
	}
	info.PriorityDowngraded = true
}
