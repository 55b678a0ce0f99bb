// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package hashwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbitreaper/qbit-reaper/internal/domain"
)

type fakeStore struct {
	saved []string
}

func (f *fakeStore) Save(_ context.Context, hash string, taskType domain.TaskType) (bool, error) {
	f.saved = append(f.saved, hash+"/"+string(taskType))
	return true, nil
}

func TestParseMarker(t *testing.T) {
	hash, taskType, ok := parseMarker("/tmp/watch/aaaa.added")
	require.True(t, ok)
	assert.Equal(t, "aaaa", hash)
	assert.Equal(t, domain.TaskAdded, taskType)

	hash, taskType, ok = parseMarker("/tmp/watch/bbbb.completed")
	require.True(t, ok)
	assert.Equal(t, "bbbb", hash)
	assert.Equal(t, domain.TaskCompleted, taskType)

	_, _, ok = parseMarker("/tmp/watch/readme.txt")
	assert.False(t, ok)
}

func TestWatcherSavesOnMarkerCreate(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{}
	w := New(dir, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "aaaa.added"), []byte{}, 0o644))

	require.Eventually(t, func() bool {
		return len(store.saved) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "aaaa/added", store.saved[0])
}
