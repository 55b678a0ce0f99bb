// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cleanup implements regex-based file/folder classification and
// the disk walker that applies it to a completed torrent's payload.
package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Predicates owns compiled regular expressions for the three configured
// pattern lists, all case-insensitive and matched against the basename.
type Predicates struct {
	filePatterns        []*regexp.Regexp
	folderPatterns      []*regexp.Regexp
	disableFilePatterns []*regexp.Regexp
}

// New compiles the three pattern lists. Invalid patterns are skipped with
// a logged warning rather than failing startup outright.
func New(filePatterns, folderPatterns, disableFilePatterns []string) *Predicates {
	return &Predicates{
		filePatterns:        compileAll("file_patterns", filePatterns),
		folderPatterns:      compileAll("folder_patterns", folderPatterns),
		disableFilePatterns: compileAll("disable_file_patterns", disableFilePatterns),
	}
}

func compileAll(field string, patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			log.Warn().Err(err).Str("field", field).Str("pattern", p).Msg("skipping invalid cleanup pattern")
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

func matchesAny(patterns []*regexp.Regexp, name string) bool {
	base := filepath.Base(name)
	for _, re := range patterns {
		if re.MatchString(base) {
			return true
		}
	}
	return false
}

// ShouldDeleteFile reports whether name matches file_patterns.
func (p *Predicates) ShouldDeleteFile(name string) bool {
	return matchesAny(p.filePatterns, name)
}

// ShouldDeleteFolder reports whether name matches folder_patterns.
func (p *Predicates) ShouldDeleteFolder(name string) bool {
	return matchesAny(p.folderPatterns, name)
}

// ShouldDisableFile reports whether name matches disable_file_patterns.
func (p *Predicates) ShouldDisableFile(name string) bool {
	return matchesAny(p.disableFilePatterns, name)
}

// Result reports the outcome of a Clean walk.
type Result struct {
	FilesDeleted   int
	FoldersDeleted int
}

// Clean walks rootPath and removes entries matching the configured
// patterns. If rootPath is a file, it is deleted iff ShouldDeleteFile
// matches. If it is a directory, each entry is recursed into unless its
// name matches folder_patterns, in which case the whole subtree is
// removed; files are deleted per ShouldDeleteFile. After processing,
// rootPath itself is removed if it is now empty — Clean never ascends
// above rootPath, so a caller-supplied root is the only path ever removed
// outright. Failures on individual entries are logged and counted but do
// not abort the walk (P9: idempotent, a second call deletes nothing).
func (p *Predicates) Clean(rootPath string) (Result, error) {
	info, err := os.Lstat(rootPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("stat %s: %w", rootPath, err)
	}

	if !info.IsDir() {
		var res Result
		if p.ShouldDeleteFile(rootPath) {
			if err := os.Remove(rootPath); err != nil {
				log.Warn().Err(err).Str("path", rootPath).Msg("failed to delete file during cleanup")
			} else {
				res.FilesDeleted++
			}
		}
		return res, nil
	}

	return p.cleanDir(rootPath, rootPath)
}

func (p *Predicates) cleanDir(root, dir string) (Result, error) {
	var res Result

	entries, err := os.ReadDir(dir)
	if err != nil {
		return res, fmt.Errorf("read dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		entryPath := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			if p.ShouldDeleteFolder(entry.Name()) {
				if err := os.RemoveAll(entryPath); err != nil {
					log.Warn().Err(err).Str("path", entryPath).Msg("failed to delete folder during cleanup")
					continue
				}
				res.FoldersDeleted++
				continue
			}

			sub, err := p.cleanDir(root, entryPath)
			res.FilesDeleted += sub.FilesDeleted
			res.FoldersDeleted += sub.FoldersDeleted
			if err != nil {
				log.Warn().Err(err).Str("path", entryPath).Msg("failed to clean subdirectory")
				continue
			}

			removeIfEmptyDescendant(root, entryPath, &res)
			continue
		}

		if p.ShouldDeleteFile(entry.Name()) {
			if err := os.Remove(entryPath); err != nil {
				log.Warn().Err(err).Str("path", entryPath).Msg("failed to delete file during cleanup")
				continue
			}
			res.FilesDeleted++
		}
	}

	removeIfEmptyDescendant(root, dir, &res)

	return res, nil
}

// removeIfEmptyDescendant removes dir if it is empty, never ascending
// above root (the safety invariant of Clean): the caller-supplied root is
// the only path ever removed outright at the top level, and dir is only
// ever a descendant reached by recursion into root.
func removeIfEmptyDescendant(root, dir string, res *Result) {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}

	if err := os.Remove(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("failed to remove empty directory during cleanup")
		return
	}
	res.FoldersDeleted++
}
