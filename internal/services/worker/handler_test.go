// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbitreaper/qbit-reaper/internal/cleanup"
	"github.com/qbitreaper/qbit-reaper/internal/domain"
	"github.com/qbitreaper/qbit-reaper/internal/qbittorrent"
)

type fakeRemote struct {
	torrent       qbittorrent.Outcome
	files         qbittorrent.Outcome
	setPriority   qbittorrent.Outcome
	setIndices    []int
	setPriorityTo int
}

func (f *fakeRemote) TorrentByHash(context.Context, string) qbittorrent.Outcome { return f.torrent }
func (f *fakeRemote) Files(context.Context, string) qbittorrent.Outcome         { return f.files }
func (f *fakeRemote) SetFilePriority(_ context.Context, _ string, indices []int, priority int) qbittorrent.Outcome {
	f.setIndices = indices
	f.setPriorityTo = priority
	return f.setPriority
}

func TestHandleAddedDisablesSampleFiles(t *testing.T) {
	remote := &fakeRemote{
		torrent: qbittorrent.Outcome{Kind: qbittorrent.OutcomeOK, Torrent: qbt.Torrent{Hash: "aaaa"}},
		files: qbittorrent.Outcome{Kind: qbittorrent.OutcomeOK, Files: qbt.TorrentFiles{
			{Name: "movie.mkv", Priority: 1},
			{Name: "sample.mp4", Priority: 1},
		}},
		setPriority: qbittorrent.Outcome{Kind: qbittorrent.OutcomeOK},
	}
	cleaner := cleanup.New(nil, nil, []string{`sample\.mp4$`})
	h := NewTaskHandler(remote, cleaner, nil)

	reason := h.Handle(context.Background(), domain.Task{TorrentHash: "aaaa", TaskType: domain.TaskAdded})

	require.Equal(t, domain.ReasonSuccess, reason)
	assert.Equal(t, []int{1}, remote.setIndices)
	assert.Equal(t, 0, remote.setPriorityTo)
}

func TestHandleAddedSkipsFilteredCategory(t *testing.T) {
	remote := &fakeRemote{
		torrent: qbittorrent.Outcome{Kind: qbittorrent.OutcomeOK, Torrent: qbt.Torrent{Hash: "aaaa", Category: "other"}},
	}
	h := NewTaskHandler(remote, cleanup.New(nil, nil, nil), []string{"movies"})

	reason := h.Handle(context.Background(), domain.Task{TorrentHash: "aaaa", TaskType: domain.TaskAdded})
	assert.Equal(t, domain.ReasonSuccess, reason)
}

func TestHandleAddedReturnsMetadataNotReadyWhenFilesEmpty(t *testing.T) {
	remote := &fakeRemote{
		torrent: qbittorrent.Outcome{Kind: qbittorrent.OutcomeOK, Torrent: qbt.Torrent{Hash: "aaaa"}},
		files:   qbittorrent.Outcome{Kind: qbittorrent.OutcomeOK, Files: qbt.TorrentFiles{}},
	}
	h := NewTaskHandler(remote, cleanup.New(nil, nil, nil), nil)

	reason := h.Handle(context.Background(), domain.Task{TorrentHash: "aaaa", TaskType: domain.TaskAdded})
	assert.Equal(t, domain.ReasonMetadataNotReady, reason)
}

func TestHandleAddedTorrentNotFound(t *testing.T) {
	remote := &fakeRemote{torrent: qbittorrent.Outcome{Kind: qbittorrent.OutcomeNotFound}}
	h := NewTaskHandler(remote, cleanup.New(nil, nil, nil), nil)

	reason := h.Handle(context.Background(), domain.Task{TorrentHash: "aaaa", TaskType: domain.TaskAdded})
	assert.Equal(t, domain.ReasonTorrentNotFound, reason)
}

func TestHandleCompletedCleansContentPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.mp4"), []byte("x"), 0o644))

	remote := &fakeRemote{
		torrent: qbittorrent.Outcome{Kind: qbittorrent.OutcomeOK, Torrent: qbt.Torrent{Hash: "aaaa", ContentPath: dir}},
	}
	cleaner := cleanup.New([]string{`sample\.mp4$`}, nil, nil)
	h := NewTaskHandler(remote, cleaner, nil)

	reason := h.Handle(context.Background(), domain.Task{TorrentHash: "aaaa", TaskType: domain.TaskCompleted})

	require.Equal(t, domain.ReasonSuccess, reason)
	_, err := os.Stat(filepath.Join(dir, "sample.mp4"))
	assert.True(t, os.IsNotExist(err))
}

func TestWarnOnPathAssumptionMismatchFiresOncePerHash(t *testing.T) {
	h := NewTaskHandler(&fakeRemote{}, cleanup.New(nil, nil, nil), nil)

	h.warnOnPathAssumptionMismatch("aaaa", "/real/path", "/save/name")
	h.warnOnPathAssumptionMismatch("aaaa", "/real/path", "/save/name")

	assert.True(t, h.pathWarnSeen["aaaa"])
	assert.Len(t, h.pathWarnSeen, 1)
}

func TestWarnOnPathAssumptionMismatchSkipsWhenPathsAgree(t *testing.T) {
	h := NewTaskHandler(&fakeRemote{}, cleanup.New(nil, nil, nil), nil)

	h.warnOnPathAssumptionMismatch("aaaa", "/save/name", "/save/name")

	assert.Empty(t, h.pathWarnSeen)
}

func TestHandleCompletedMissingPathIsSuccess(t *testing.T) {
	remote := &fakeRemote{
		torrent: qbittorrent.Outcome{Kind: qbittorrent.OutcomeOK, Torrent: qbt.Torrent{Hash: "aaaa", ContentPath: "/nonexistent/path/xyz"}},
	}
	h := NewTaskHandler(remote, cleanup.New(nil, nil, nil), nil)

	reason := h.Handle(context.Background(), domain.Task{TorrentHash: "aaaa", TaskType: domain.TaskCompleted})
	assert.Equal(t, domain.ReasonSuccess, reason)
}
