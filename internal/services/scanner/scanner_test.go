// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scanner

import (
	"context"
	"testing"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbitreaper/qbit-reaper/internal/domain"
	"github.com/qbitreaper/qbit-reaper/internal/qbittorrent"
)

type fakeClient struct {
	byTag map[string][]qbt.Torrent
}

func (f *fakeClient) TorrentsWithTag(_ context.Context, tag string) ([]qbt.Torrent, error) {
	return f.byTag[tag], nil
}

type fakeTagger struct {
	added   []string
	removed []string
}

func (f *fakeTagger) AddTag(_ context.Context, hash, tag string) qbittorrent.Outcome {
	f.added = append(f.added, hash+"/"+tag)
	return qbittorrent.Outcome{Kind: qbittorrent.OutcomeOK}
}

func (f *fakeTagger) RemoveTag(_ context.Context, hash, tag string) qbittorrent.Outcome {
	f.removed = append(f.removed, hash+"/"+tag)
	return qbittorrent.Outcome{Kind: qbittorrent.OutcomeOK}
}

type fakeStore struct {
	saved map[string]bool
}

func (f *fakeStore) Save(_ context.Context, hash string, taskType domain.TaskType) (bool, error) {
	key := hash + "/" + string(taskType)
	if f.saved[key] {
		return false, nil
	}
	f.saved[key] = true
	return true, nil
}

type alwaysOpen struct{}

func (alwaysOpen) CanExecute(context.Context, string) (bool, error) { return true, nil }
func (alwaysOpen) RecordFailure(context.Context, string) error      { return nil }

type neverPause struct{}

func (neverPause) ShouldPause(context.Context) bool { return false }

func TestScannerRetagsNewlyDiscoveredTorrent(t *testing.T) {
	client := &fakeClient{byTag: map[string][]qbt.Torrent{
		"added": {{Hash: "aaaa", Name: "movie", State: "downloading"}},
	}}
	tagger := &fakeTagger{}
	store := &fakeStore{saved: map[string]bool{}}

	s := New(client, tagger, store, alwaysOpen{}, neverPause{}, "added", "completed", "processing", time.Second)

	require.NoError(t, s.pass(context.Background()))

	assert.Contains(t, tagger.added, "aaaa/processing")
	assert.Contains(t, tagger.removed, "aaaa/added")
}

func TestScannerSkipsMetadataDownloadingStates(t *testing.T) {
	client := &fakeClient{byTag: map[string][]qbt.Torrent{
		"added": {{Hash: "aaaa", Name: "movie", State: "metaDL"}},
	}}
	tagger := &fakeTagger{}
	store := &fakeStore{saved: map[string]bool{}}

	s := New(client, tagger, store, alwaysOpen{}, neverPause{}, "added", "completed", "processing", time.Second)
	require.NoError(t, s.pass(context.Background()))

	assert.Empty(t, tagger.added)
}

func TestScannerDoesNotDuplicateAlreadySavedTask(t *testing.T) {
	client := &fakeClient{byTag: map[string][]qbt.Torrent{
		"added": {{Hash: "aaaa", Name: "movie", State: "downloading"}},
	}}
	tagger := &fakeTagger{}
	store := &fakeStore{saved: map[string]bool{"aaaa/added": true}}

	s := New(client, tagger, store, alwaysOpen{}, neverPause{}, "added", "completed", "processing", time.Second)
	require.NoError(t, s.pass(context.Background()))

	assert.Empty(t, tagger.added, "P8: save returning false must not retag")
}
