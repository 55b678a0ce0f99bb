// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// TaskType distinguishes the two lifecycle phases a torrent passes
// through: file-exclusion policy on arrival, and disk cleanup on
// completion.
type TaskType string

const (
	TaskAdded     TaskType = "added"
	TaskCompleted TaskType = "completed"
)

// TaskStatus is the durable state of a Task row.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusFailed     TaskStatus = "failed"
)

// Task is the durable, core-owned record tracking work against a single
// torrent×phase pair. Keyed by (TorrentHash, TaskType); invariants I1-I4
// are enforced by the store, not by this type.
type Task struct {
	TorrentHash   string
	TaskType      TaskType
	Status        TaskStatus
	RetryCount    int
	LastAttempt   float64
	NextRetry     float64
	FailureReason string
	CreatedTime   float64
	UpdatedTime   float64
}

// TaskStats reports operational counts for a single store snapshot.
type TaskStats struct {
	Total    int
	ByStatus map[TaskStatus]int
}

// BreakerResourceState is one of the three states a circuit breaker
// transitions through: closed -> open -> half_open -> closed.
type BreakerResourceState string

const (
	BreakerClosed   BreakerResourceState = "closed"
	BreakerOpen     BreakerResourceState = "open"
	BreakerHalfOpen BreakerResourceState = "half_open"
)

// BreakerState is the per-resource persisted circuit breaker record.
type BreakerState struct {
	BreakerType     string
	State           BreakerResourceState
	FailureCount    int
	SuccessCount    int
	LastStateChange float64
	LastFailureTime float64
	LastSuccessTime float64
	Config          string
	CreatedTime     float64
	UpdatedTime     float64
}

// StalledSeedInfo is an in-memory-only observation of a torrent sitting
// in the stalled-downloading set. It is evicted once the torrent leaves
// that set and is never persisted.
type StalledSeedInfo struct {
	Hash               string
	Name               string
	Progress           float64
	State              string
	TrackedSince       float64
	PriorityDowngraded bool
}

// RetryStrategyType selects the backoff formula a RetryStrategyConfig
// applies.
type RetryStrategyType string

const (
	StrategyExponential RetryStrategyType = "exponential"
	StrategyFixed       RetryStrategyType = "fixed"
	StrategyLinear      RetryStrategyType = "linear"
	StrategyAdaptive    RetryStrategyType = "adaptive"
)

// RetryStrategyConfig is a static, by-failure-reason-prefix backoff
// policy. MaxRetries is a pointer because nil means unbounded.
type RetryStrategyConfig struct {
	Name               string
	StrategyType       RetryStrategyType
	BaseDelay          float64
	MaxDelay           float64
	MaxRetries         *int
	BackoffMultiplier  float64
	JitterFactor       float64
}

// Failure reason strings, flowing from handlers to the retry engine and
// circuit breaker per the taxonomy table.
const (
	ReasonSuccess            = "success"
	ReasonTorrentNotFound    = "torrent_not_found"
	ReasonMetadataNotReady   = "metadata_not_ready"
	ReasonQbitAPIError       = "qbit_api_error"
	ReasonNetworkError       = "network_error"
	ReasonRetryLater         = "retry_later"
	ReasonProcessingExcPfx   = "processing_exception"
	ReasonMaxRetriesPfx      = "max_retries_reached"
)
