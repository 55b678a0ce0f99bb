// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package worker implements the fixed-size worker pool that claims tasks,
// invokes the per-task-type handler, and translates outcomes into
// completion, retry, or breaker bookkeeping.
package worker

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/qbitreaper/qbit-reaper/internal/domain"
	"github.com/qbitreaper/qbit-reaper/internal/qbittorrent"
)

const (
	pauseSleep   = 30 * time.Second
	breakerSleep = 10 * time.Second
	idleSleep    = 2 * time.Second
	maxRetryWait = 3600
)

// TaskStore is the store surface the pool needs.
type TaskStore interface {
	ClaimPending(ctx context.Context, limit int) ([]domain.Task, error)
	Complete(ctx context.Context, hash string, taskType domain.TaskType) (bool, error)
	ScheduleRetry(ctx context.Context, hash string, taskType domain.TaskType, nextRetry float64, reason string) (bool, error)
}

// Breaker gates dispatch and records system-failure outcomes.
type Breaker interface {
	CanExecute(ctx context.Context, resource string) (bool, error)
	RecordSuccess(ctx context.Context, resource string) error
	RecordFailure(ctx context.Context, resource string) error
}

// HealthMonitor throttles dispatch.
type HealthMonitor interface {
	ShouldPause(ctx context.Context) bool
	SpeedFactor(ctx context.Context) float64
}

// RetryEngine computes the next retry deadline for a failure reason.
type RetryEngine interface {
	NextRetry(reason string, retryCount int) (float64, bool)
}

// Handler executes the work for a single task and reports a failure
// reason string from the taxonomy in domain, or domain.ReasonSuccess.
type Handler interface {
	Handle(ctx context.Context, task domain.Task) string
}

// Tagger removes the processing tag once a task resolves, success or
// obsolete.
type Tagger interface {
	RemoveTag(ctx context.Context, hash, tag string) qbittorrent.Outcome
}

// Pool runs a fixed number of worker goroutines draining the task store.
type Pool struct {
	store       TaskStore
	breaker     Breaker
	health      HealthMonitor
	retryEngine RetryEngine
	handler     Handler
	tagger      Tagger

	processingTag string
	numWorkers    int
	batchSize     int
	nowFunc       func() float64

	onBusyChange func(delta int)
	onHandled    func(reason string)
}

// OnBusyChange registers a callback invoked with +1 when a worker starts
// handling a task and -1 when it finishes. Intended for a busy-workers
// gauge; the pool works without one.
func (p *Pool) OnBusyChange(fn func(delta int)) {
	p.onBusyChange = fn
}

// OnHandled registers a callback invoked with the failure reason (or
// domain.ReasonSuccess) after every handled task. Intended for a
// handled-tasks counter; the pool works without one.
func (p *Pool) OnHandled(fn func(reason string)) {
	p.onHandled = fn
}

// New constructs a Pool. numWorkers and batchSize default to the spec
// defaults (3, 10) when non-positive.
func New(store TaskStore, breaker Breaker, health HealthMonitor, retryEngine RetryEngine, handler Handler, tagger Tagger, processingTag string, numWorkers, batchSize int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 3
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Pool{
		store:         store,
		breaker:       breaker,
		health:        health,
		retryEngine:   retryEngine,
		handler:       handler,
		tagger:        tagger,
		processingTag: processingTag,
		numWorkers:    numWorkers,
		batchSize:     batchSize,
		nowFunc:       unixNow,
	}
}

func unixNow() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) }

// Run starts numWorkers goroutines and blocks until ctx is cancelled. A
// worker mid-batch finishes the task it already claimed before observing
// cancellation; it does not abandon a claim in-flight but will not start
// a new batch. ClaimPending leaves any task still in processing across a
// restart for ResetStuck to recover.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.numWorkers; i++ {
		workerID := i
		g.Go(func() error {
			p.workerLoop(gctx, workerID)
			return nil
		})
	}

	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}

		if p.health.ShouldPause(ctx) {
			if !sleepOrDone(ctx, pauseSleep) {
				return
			}
			continue
		}

		canExecute, err := p.breaker.CanExecute(ctx, "qbit_api")
		if err != nil {
			log.Error().Err(err).Int("worker", workerID).Msg("worker: breaker check failed")
			if !sleepOrDone(ctx, breakerSleep) {
				return
			}
			continue
		}
		if !canExecute {
			if !sleepOrDone(ctx, breakerSleep) {
				return
			}
			continue
		}

		batch := int(math.Max(1, math.Floor(float64(p.batchSize)*p.health.SpeedFactor(ctx))))

		tasks, err := p.store.ClaimPending(ctx, batch)
		if err != nil {
			log.Error().Err(err).Int("worker", workerID).Msg("worker: claim failed")
			if !sleepOrDone(ctx, idleSleep) {
				return
			}
			continue
		}
		if len(tasks) == 0 {
			if !sleepOrDone(ctx, idleSleep) {
				return
			}
			continue
		}

		for _, task := range tasks {
			if ctx.Err() != nil {
				return
			}
			p.handleOne(ctx, task)
		}
	}
}

func (p *Pool) handleOne(ctx context.Context, task domain.Task) {
	if p.onBusyChange != nil {
		p.onBusyChange(1)
		defer p.onBusyChange(-1)
	}

	reason := p.invokeHandler(ctx, task)
	p.applyOutcome(ctx, task, reason)

	if p.onHandled != nil {
		p.onHandled(reason)
	}
}

func (p *Pool) invokeHandler(ctx context.Context, task domain.Task) (reason string) {
	defer func() {
		if r := recover(); r != nil {
			reason = fmt.Sprintf("%s:%v", domain.ReasonProcessingExcPfx, r)
		}
	}()
	return p.handler.Handle(ctx, task)
}

func (p *Pool) applyOutcome(ctx context.Context, task domain.Task, reason string) {
	switch reason {
	case domain.ReasonSuccess, domain.ReasonTorrentNotFound:
		if _, err := p.store.Complete(ctx, task.TorrentHash, task.TaskType); err != nil {
			log.Error().Err(err).Str("hash", task.TorrentHash).Msg("worker: failed to complete task")
		}
		if outcome := p.tagger.RemoveTag(ctx, task.TorrentHash, p.processingTag); !outcome.OK() {
			log.Warn().Err(outcome.Err).Str("hash", task.TorrentHash).Msg("worker: failed to remove processing tag")
		}
		if err := p.breaker.RecordSuccess(ctx, "qbit_api"); err != nil {
			log.Error().Err(err).Msg("worker: failed to record breaker success")
		}
		return
	case domain.ReasonMetadataNotReady, domain.ReasonQbitAPIError, domain.ReasonNetworkError:
		if err := p.breaker.RecordFailure(ctx, "qbit_api"); err != nil {
			log.Error().Err(err).Msg("worker: failed to record breaker failure")
		}
	}

	if strings.HasPrefix(reason, domain.ReasonProcessingExcPfx) {
		if outcome := p.tagger.RemoveTag(ctx, task.TorrentHash, p.processingTag); !outcome.OK() {
			log.Warn().Err(outcome.Err).Str("hash", task.TorrentHash).Msg("worker: failed to clear processing tag after handler exception")
		}
	}

	p.retry(ctx, task, reason)
}

func (p *Pool) retry(ctx context.Context, task domain.Task, reason string) {
	delay, ok := p.retryEngine.NextRetry(reason, task.RetryCount)
	if !ok {
		reason = fmt.Sprintf("%s:%s", domain.ReasonMaxRetriesPfx, reason)
		delay = maxRetryWait
	}

	next := p.nowFunc() + delay
	if _, err := p.store.ScheduleRetry(ctx, task.TorrentHash, task.TaskType, next, reason); err != nil {
		log.Error().Err(err).Str("hash", task.TorrentHash).Msg("worker: failed to schedule retry")
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
