// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbitreaper/qbit-reaper/internal/database"
	"github.com/qbitreaper/qbit-reaper/internal/domain"
	"github.com/qbitreaper/qbit-reaper/internal/testdb"
)

func newTestTaskStore(t *testing.T) (*TaskStore, *database.DB) {
	t.Helper()
	path := testdb.PathFromTemplate(t, "taskstore", "test.db")
	db, err := database.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewTaskStore(db), db
}

func TestTaskStoreSaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTaskStore(t)

	inserted, err := s.Save(ctx, "aaaa", domain.TaskAdded)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Save(ctx, "aaaa", domain.TaskAdded)
	require.NoError(t, err)
	assert.False(t, inserted, "re-saving an existing row must be a no-op (P8)")
}

func TestTaskStoreClaimPendingMarksProcessing(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTaskStore(t)

	_, err := s.Save(ctx, "hash1", domain.TaskAdded)
	require.NoError(t, err)
	_, err = s.Save(ctx, "hash2", domain.TaskCompleted)
	require.NoError(t, err)

	claimed, err := s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, task := range claimed {
		assert.Equal(t, domain.StatusProcessing, task.Status)
	}

	// A second claim must not return the same rows.
	claimed, err = s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestTaskStoreClaimPendingIsExclusiveUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTaskStore(t)

	for i := 0; i < 20; i++ {
		_, err := s.Save(ctx, string(rune('a'+i)), domain.TaskAdded)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimPending(ctx, 20)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, task := range claimed {
				key := task.TorrentHash + "/" + string(task.TaskType)
				assert.False(t, seen[key], "claimed %s twice (violates P6)", key)
				seen[key] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
}

func TestTaskStoreCompleteDeletesRow(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTaskStore(t)

	_, err := s.Save(ctx, "hash1", domain.TaskAdded)
	require.NoError(t, err)

	deleted, err := s.Complete(ctx, "hash1", domain.TaskAdded)
	require.NoError(t, err)
	assert.True(t, deleted)

	exists, err := s.Exists(ctx, "hash1", domain.TaskAdded)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTaskStoreScheduleRetryIncrementsCount(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTaskStore(t)

	_, err := s.Save(ctx, "hash1", domain.TaskAdded)
	require.NoError(t, err)
	_, err = s.ClaimPending(ctx, 10)
	require.NoError(t, err)

	ok, err := s.ScheduleRetry(ctx, "hash1", domain.TaskAdded, unixNow()+60, domain.ReasonQbitAPIError)
	require.NoError(t, err)
	assert.True(t, ok)

	claimed, err := s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "retry not yet due must not be claimable")
}

func TestTaskStoreResetStuckRecoversProcessing(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTaskStore(t)

	_, err := s.Save(ctx, "hash1", domain.TaskAdded)
	require.NoError(t, err)
	_, err = s.ClaimPending(ctx, 10)
	require.NoError(t, err)

	n, err := s.ResetStuck(ctx, -1) // negative timeout: everything currently processing is "stuck"
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := s.ClaimPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestTaskStoreStats(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTaskStore(t)

	_, err := s.Save(ctx, "hash1", domain.TaskAdded)
	require.NoError(t, err)
	_, err = s.Save(ctx, "hash2", domain.TaskCompleted)
	require.NoError(t, err)
	_, err = s.ClaimPending(ctx, 1)
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[domain.StatusPending])
	assert.Equal(t, 1, stats.ByStatus[domain.StatusProcessing])
}

type fakeProber struct {
	exists map[string]bool
}

func (f *fakeProber) TorrentExists(_ context.Context, hash string) (bool, error) {
	return f.exists[hash], nil
}

func TestTaskStoreCleanupOrphansDeletesMissingTorrents(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestTaskStore(t)

	_, err := s.Save(ctx, "present", domain.TaskAdded)
	require.NoError(t, err)
	_, err = s.Save(ctx, "gone", domain.TaskAdded)
	require.NoError(t, err)

	prober := &fakeProber{exists: map[string]bool{"present": true, "gone": false}}

	removed, err := s.CleanupOrphans(ctx, prober, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	exists, err := s.Exists(ctx, "present", domain.TaskAdded)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.Exists(ctx, "gone", domain.TaskAdded)
	require.NoError(t, err)
	assert.False(t, exists)
}
