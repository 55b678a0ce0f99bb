// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent is the thin façade over the remote torrent engine's
// WebAPI. The per-torrent calls (TorrentByHash, AddTag, RemoveTag, Files,
// SetFilePriority, SetBottomPriority) return a classified Outcome instead
// of a bare Go error: the boundary between "the remote call failed" and
// "what to do about it" belongs to the worker pool and retry engine, not
// here. TorrentsWithTag, StalledDownloading, TorrentExists and
// WaitUntilReady return a plain error, which is not classified.
package qbittorrent

import (
	"context"
	"errors"
	"io"
	stdlog "log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"
)

const (
	readTimeout    = 10 * time.Second
	connectTimeout = 5 * time.Second
	readyPollDelay = 5 * time.Second
)

// OutcomeKind classifies the result of a remote call.
type OutcomeKind string

const (
	OutcomeOK           OutcomeKind = "ok"
	OutcomeNotFound     OutcomeKind = "not_found"
	OutcomeAPIError     OutcomeKind = "api_error"
	OutcomeNetworkError OutcomeKind = "network_error"
)

// Outcome is the classified result of a remote client call.
type Outcome struct {
	Kind    OutcomeKind
	Torrent qbt.Torrent
	Files   qbt.TorrentFiles
	Err     error
}

func okOutcome() Outcome { return Outcome{Kind: OutcomeOK} }

// OK reports whether the outcome is the success case.
func (o Outcome) OK() bool { return o.Kind == OutcomeOK }

func classify(err error) Outcome {
	if err == nil {
		return okOutcome()
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: OutcomeNetworkError, Err: err}
	}

	return Outcome{Kind: OutcomeAPIError, Err: err}
}

// filteredWriter wraps stderr to filter out HTTP "unsolicited response"
// errors. qBittorrent occasionally sends extra HTTP responses after the
// main request completes, which causes Go's HTTP client to log noise that
// doesn't affect functionality.
type filteredWriter struct {
	writer io.Writer
}

func (fw *filteredWriter) Write(p []byte) (n int, err error) {
	s := string(p)
	if strings.Contains(s, "Unsolicited response received on idle HTTP channel") {
		return len(p), nil
	}
	return fw.writer.Write(p)
}

func init() {
	stdlog.SetOutput(&filteredWriter{writer: os.Stderr})
}

// Client wraps qbt.Client with the retry-free façade the worker pool and
// scanner depend on.
type Client struct {
	*qbt.Client
	webAPIVersion   string
	supportsSetTags bool
	mu              sync.RWMutex
}

// NewClient constructs a qBittorrent client without contacting the
// instance. It does not log in or block waiting for the instance to come
// up; WaitUntilReady does both.
func NewClient(host, username, password string) *Client {
	cfg := qbt.Config{
		Host:     host,
		Username: username,
		Password: password,
		Timeout:  int(readTimeout / time.Second),
	}

	return &Client{Client: qbt.NewClient(cfg)}
}

// WaitUntilReady polls the version endpoint until a response is received.
// The retry interval is 5s and the budget is unbounded, matching startup
// semantics: the supervisor should not give up waiting for the engine.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		loginCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := c.LoginCtx(loginCtx)
		cancel()
		if err == nil {
			versionCtx, vcancel := context.WithTimeout(ctx, readTimeout)
			version, verr := c.GetWebAPIVersionCtx(versionCtx)
			vcancel()
			if verr == nil {
				c.applyVersion(version)
				log.Info().Str("webAPIVersion", version).Msg("qbittorrent is ready")
				return nil
			}
		}

		log.Warn().Err(err).Msg("qbittorrent not ready yet, retrying")

		timer := time.NewTimer(readyPollDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) applyVersion(version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.webAPIVersion = version

	if v, err := semver.NewVersion(version); err == nil {
		minVersion := semver.MustParse("2.11.4")
		c.supportsSetTags = !v.LessThan(minVersion)
	}
}

// SupportsSetTags reports whether the WebAPI version observed by
// WaitUntilReady is at least 2.11.4. AddTag and RemoveTag do not consult it.
func (c *Client) SupportsSetTags() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsSetTags
}

// GetWebAPIVersion returns the version observed at the last successful probe.
func (c *Client) GetWebAPIVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webAPIVersion
}

// TorrentExists is the narrow surface store.TaskStore.CleanupOrphans needs.
func (c *Client) TorrentExists(ctx context.Context, hash string) (bool, error) {
	outcome := c.TorrentByHash(ctx, hash)
	switch outcome.Kind {
	case OutcomeOK:
		return true, nil
	case OutcomeNotFound:
		return false, nil
	default:
		return false, outcome.Err
	}
}

// TorrentByHash fetches a single torrent record. Returns OutcomeNotFound
// when the engine has no record of the hash.
func (c *Client) TorrentByHash(ctx context.Context, hash string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	torrents, err := c.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{hash}})
	if err != nil {
		return classify(err)
	}
	if len(torrents) == 0 {
		return Outcome{Kind: OutcomeNotFound}
	}

	return Outcome{Kind: OutcomeOK, Torrent: torrents[0]}
}

// TorrentsWithTag returns all torrents currently tagged tag, excluding
// torrents whose Hash equals Name (the metadata-still-downloading
// placeholder state).
func (c *Client) TorrentsWithTag(ctx context.Context, tag string) ([]qbt.Torrent, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	torrents, err := c.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Tag: tag})
	if err != nil {
		return nil, err
	}

	filtered := make([]qbt.Torrent, 0, len(torrents))
	for _, t := range torrents {
		if t.Hash == t.Name {
			continue
		}
		filtered = append(filtered, t)
	}
	return filtered, nil
}

// AddTag adds a single tag to a torrent.
func (c *Client) AddTag(ctx context.Context, hash, tag string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	if err := c.AddTagsCtx(ctx, []string{hash}, tag); err != nil {
		return classify(err)
	}
	return okOutcome()
}

// RemoveTag removes a single tag from a torrent.
func (c *Client) RemoveTag(ctx context.Context, hash, tag string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	if err := c.RemoveTagsCtx(ctx, []string{hash}, tag); err != nil {
		return classify(err)
	}
	return okOutcome()
}

// Files lists a torrent's files. An empty list (with OutcomeOK) means
// metadata is not yet available; callers treat that as retryable.
func (c *Client) Files(ctx context.Context, hash string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	files, err := c.GetFilesInformationCtx(ctx, hash)
	if err != nil {
		return classify(err)
	}
	if files == nil {
		return Outcome{Kind: OutcomeOK, Files: qbt.TorrentFiles{}}
	}
	return Outcome{Kind: OutcomeOK, Files: *files}
}

// SetFilePriority sets the priority of the given file indices; priority 0
// means "do not download".
func (c *Client) SetFilePriority(ctx context.Context, hash string, indices []int, priority int) Outcome {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	ids := make([]string, len(indices))
	for i, idx := range indices {
		ids[i] = strconv.Itoa(idx)
	}

	if err := c.SetFilePriorityCtx(ctx, hash, strings.Join(ids, "|"), priority); err != nil {
		return classify(err)
	}
	return okOutcome()
}

// SetBottomPriority demotes a torrent to the bottom of the queue.
func (c *Client) SetBottomPriority(ctx context.Context, hash string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	if err := c.SetBottomPriorityCtx(ctx, []string{hash}); err != nil {
		return classify(err)
	}
	return okOutcome()
}

// StalledDownloading returns downloading torrents whose state is
// stalledDL and whose progress is below threshold.
func (c *Client) StalledDownloading(ctx context.Context, threshold float64) ([]qbt.Torrent, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	torrents, err := c.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Filter: qbt.TorrentFilterStalledDownloading})
	if err != nil {
		return nil, err
	}

	filtered := make([]qbt.Torrent, 0, len(torrents))
	for _, t := range torrents {
		if t.State != qbt.TorrentStateStalledDl {
			continue
		}
		if float64(t.Progress) >= threshold {
			continue
		}
		filtered = append(filtered, t)
	}
	return filtered, nil
}
