// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package cleanup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestCleanRemovesMatchingFilesAndFolders(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "movie.mkv"))
	writeFile(t, filepath.Join(root, "sample", "trailer.mp4"))
	writeFile(t, filepath.Join(root, "readme.nfo"))

	p := New([]string{`\.nfo$`}, []string{"^sample$"}, nil)
	res, err := p.Clean(root)
	require.NoError(t, err)

	assert.Equal(t, 1, res.FilesDeleted)
	assert.Equal(t, 1, res.FoldersDeleted)

	assert.FileExists(t, filepath.Join(root, "movie.mkv"))
	assert.NoFileExists(t, filepath.Join(root, "readme.nfo"))
	assert.NoDirExists(t, filepath.Join(root, "sample"))
}

func TestCleanIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "readme.nfo"))

	p := New([]string{`\.nfo$`}, nil, nil)
	_, err := p.Clean(root)
	require.NoError(t, err)

	res, err := p.Clean(root)
	require.NoError(t, err)
	assert.Equal(t, 0, res.FilesDeleted)
	assert.Equal(t, 0, res.FoldersDeleted)
}

func TestCleanNeverAscendsAboveRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "content")
	writeFile(t, filepath.Join(root, "keep.mkv"))
	sibling := filepath.Join(parent, "sibling.txt")
	writeFile(t, sibling)

	p := New([]string{`\.txt$`}, nil, nil)
	_, err := p.Clean(root)
	require.NoError(t, err)

	assert.FileExists(t, sibling, "cleanup must never touch paths outside rootPath")
}

func TestShouldDeleteFileCaseInsensitive(t *testing.T) {
	p := New([]string{`\.NFO$`}, nil, nil)
	assert.True(t, p.ShouldDeleteFile("readme.nfo"))
	assert.False(t, p.ShouldDeleteFile("movie.mkv"))
}
