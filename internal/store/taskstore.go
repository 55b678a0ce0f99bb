// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package store implements the durable task queue and circuit breaker
// persistence described for the core task-orchestration subsystem, atop
// internal/database's single-writer SQLite wrapper.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/qbitreaper/qbit-reaper/internal/database"
	"github.com/qbitreaper/qbit-reaper/internal/dbinterface"
	"github.com/qbitreaper/qbit-reaper/internal/domain"
)

// nowFunc is overridden in tests to make claim/reap ordering deterministic.
var nowFunc = unixNow

// TaskStore provides durable storage and atomic coordination of tasks.
type TaskStore struct {
	db dbinterface.Querier
}

// NewTaskStore wraps a database connection (normally *database.DB) for task
// persistence.
func NewTaskStore(db dbinterface.Querier) *TaskStore {
	return &TaskStore{db: db}
}

// Save inserts a task row if one does not already exist for (hash, type) in
// any status, including processing. Returns true iff a new row was
// inserted; this is the dedup point against the scanner re-discovering a
// torrent mid-processing (P8).
func (s *TaskStore) Save(ctx context.Context, hash string, taskType domain.TaskType) (bool, error) {
	now := nowFunc()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (torrent_hash, task_type, status, retry_count, last_attempt, next_retry, failure_reason, created_time, updated_time)
		VALUES (?, ?, 'pending', 0, 0, 0, '', ?, ?)
		ON CONFLICT (torrent_hash, task_type) DO NOTHING
	`, hash, string(taskType), now, now)
	if err != nil {
		return false, fmt.Errorf("save task %s/%s: %w", hash, taskType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save task %s/%s: rows affected: %w", hash, taskType, err)
	}
	return n > 0, nil
}

// Exists reports whether a row exists for (hash, type) in any status.
func (s *TaskStore) Exists(ctx context.Context, hash string, taskType domain.TaskType) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE torrent_hash = ? AND task_type = ?
	`, hash, string(taskType)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check task existence %s/%s: %w", hash, taskType, err)
	}
	return n > 0, nil
}

// ClaimPending selects up to limit rows eligible for work (pending, or
// failed with next_retry due) and atomically transitions each to
// processing. Callers on the same database can run ClaimPending
// concurrently without ever claiming the same row (P6): the select and the
// conditional update happen inside one transaction, and only rows the
// UPDATE actually affected are returned.
func (s *TaskStore) ClaimPending(ctx context.Context, limit int) ([]domain.Task, error) {
	beginner, ok := s.db.(txBeginner)
	if !ok {
		return nil, errors.New("claim pending: querier does not support transactions")
	}

	tx, err := beginner.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim pending: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := nowFunc()
	rows, err := tx.QueryContext(ctx, `
		SELECT torrent_hash, task_type, status, retry_count, last_attempt, next_retry, failure_reason, created_time, updated_time
		FROM tasks
		WHERE status IN ('pending', 'failed') AND (next_retry = 0 OR next_retry <= ?)
		ORDER BY CASE status WHEN 'pending' THEN 0 ELSE 1 END, created_time ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: select candidates: %w", err)
	}

	var candidates []domain.Task
	for rows.Next() {
		var t domain.Task
		var status, taskType string
		if err := rows.Scan(&t.TorrentHash, &taskType, &status, &t.RetryCount, &t.LastAttempt, &t.NextRetry, &t.FailureReason, &t.CreatedTime, &t.UpdatedTime); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim pending: scan candidate: %w", err)
		}
		t.TaskType = domain.TaskType(taskType)
		t.Status = domain.TaskStatus(status)
		candidates = append(candidates, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim pending: iterate candidates: %w", err)
	}
	rows.Close()

	claimed := make([]domain.Task, 0, len(candidates))
	for _, t := range candidates {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'processing', last_attempt = ?, updated_time = ?
			WHERE torrent_hash = ? AND task_type = ? AND status IN ('pending', 'failed')
		`, now, now, t.TorrentHash, string(t.TaskType))
		if err != nil {
			return nil, fmt.Errorf("claim pending: update %s/%s: %w", t.TorrentHash, t.TaskType, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim pending: rows affected %s/%s: %w", t.TorrentHash, t.TaskType, err)
		}
		if n == 0 {
			continue
		}
		t.Status = domain.StatusProcessing
		t.LastAttempt = now
		t.UpdatedTime = now
		claimed = append(claimed, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim pending: commit: %w", err)
	}

	return claimed, nil
}

// Complete deletes the task row by primary key. Callers use this only on
// terminal success or a confirmed-absent torrent.
func (s *TaskStore) Complete(ctx context.Context, hash string, taskType domain.TaskType) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE torrent_hash = ? AND task_type = ?`, hash, string(taskType))
	if err != nil {
		return false, fmt.Errorf("complete task %s/%s: %w", hash, taskType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete task %s/%s: rows affected: %w", hash, taskType, err)
	}
	return n > 0, nil
}

// ScheduleRetry marks a task failed, bumps retry_count, and stores the next
// eligible retry time and failure reason.
func (s *TaskStore) ScheduleRetry(ctx context.Context, hash string, taskType domain.TaskType, nextRetry float64, reason string) (bool, error) {
	now := nowFunc()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', retry_count = retry_count + 1,
			next_retry = ?, failure_reason = ?, updated_time = ?
		WHERE torrent_hash = ? AND task_type = ?
	`, nextRetry, reason, now, hash, string(taskType))
	if err != nil {
		return false, fmt.Errorf("schedule retry %s/%s: %w", hash, taskType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("schedule retry %s/%s: rows affected: %w", hash, taskType, err)
	}
	return n > 0, nil
}

// ResetStuck reaps tasks left in processing past timeout seconds, normally
// the result of a crash mid-attempt. Called at startup and periodically.
func (s *TaskStore) ResetStuck(ctx context.Context, timeoutSeconds float64) (int, error) {
	now := nowFunc()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', updated_time = ?
		WHERE status = 'processing' AND updated_time < ?
	`, now, now-timeoutSeconds)
	if err != nil {
		return 0, fmt.Errorf("reset stuck tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stuck tasks: rows affected: %w", err)
	}
	return int(n), nil
}

// TorrentProber is the narrow remote-client surface cleanup_orphans needs;
// satisfied by internal/qbittorrent's Client.
type TorrentProber interface {
	TorrentExists(ctx context.Context, hash string) (bool, error)
}

// CleanupOrphans deletes tasks older than age whose torrent no longer
// exists on the remote engine.
func (s *TaskStore) CleanupOrphans(ctx context.Context, client TorrentProber, ageSeconds float64) (int, error) {
	cutoff := nowFunc() - ageSeconds
	rows, err := s.db.QueryContext(ctx, `
		SELECT torrent_hash, task_type FROM tasks WHERE created_time < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup orphans: select candidates: %w", err)
	}

	type key struct {
		hash     string
		taskType string
	}
	var candidates []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.hash, &k.taskType); err != nil {
			rows.Close()
			return 0, fmt.Errorf("cleanup orphans: scan candidate: %w", err)
		}
		candidates = append(candidates, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("cleanup orphans: iterate candidates: %w", err)
	}
	rows.Close()

	seen := make(map[string]bool)
	removed := 0
	for _, k := range candidates {
		exists, ok := seen[k.hash]
		if !ok {
			found, err := client.TorrentExists(ctx, k.hash)
			if err != nil {
				continue
			}
			seen[k.hash] = found
			exists = found
		}
		if exists {
			continue
		}
		if _, err := s.Complete(ctx, k.hash, domain.TaskType(k.taskType)); err == nil {
			removed++
		}
	}

	return removed, nil
}

// Stats reports total task count and a breakdown by status.
func (s *TaskStore) Stats(ctx context.Context) (domain.TaskStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return domain.TaskStats{}, fmt.Errorf("task stats: %w", err)
	}
	defer rows.Close()

	stats := domain.TaskStats{ByStatus: make(map[domain.TaskStatus]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.TaskStats{}, fmt.Errorf("task stats: scan: %w", err)
		}
		stats.ByStatus[domain.TaskStatus(status)] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

// txBeginner is satisfied by *database.DB. Declared here rather than in
// dbinterface because it returns *database.Tx, not *sql.Tx, so it can't
// share a contract with the stdlib-shaped Querier interface.
type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*database.Tx, error)
}
