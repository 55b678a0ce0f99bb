// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package supervisor owns process lifecycle: building every component
// bottom-up from a loaded configuration, waiting for the remote engine,
// recovering tags left over from a crashed prior run, running the main
// idle loop, and draining everything on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/qbitreaper/qbit-reaper/internal/breaker"
	"github.com/qbitreaper/qbit-reaper/internal/cleanup"
	"github.com/qbitreaper/qbit-reaper/internal/config"
	"github.com/qbitreaper/qbit-reaper/internal/database"
	"github.com/qbitreaper/qbit-reaper/internal/domain"
	"github.com/qbitreaper/qbit-reaper/internal/hashwatch"
	"github.com/qbitreaper/qbit-reaper/internal/health"
	"github.com/qbitreaper/qbit-reaper/internal/metrics"
	"github.com/qbitreaper/qbit-reaper/internal/qbittorrent"
	"github.com/qbitreaper/qbit-reaper/internal/retry"
	"github.com/qbitreaper/qbit-reaper/internal/services/scanner"
	"github.com/qbitreaper/qbit-reaper/internal/services/stalled"
	"github.com/qbitreaper/qbit-reaper/internal/services/worker"
	"github.com/qbitreaper/qbit-reaper/internal/store"
)

const (
	stuckTimeout    = 1800 * time.Second
	orphanAge       = 24 * time.Hour
	orphanInterval  = time.Hour
	idleStatusEvery = 12 // number of check_interval ticks between status logs
)

// Supervisor wires and runs every component named above.
type Supervisor struct {
	cfg *config.Config

	db       *database.DB
	tasks    *store.TaskStore
	breakers *store.BreakerStore
	client   *qbittorrent.Client

	breakerSvc *breaker.Breaker
	healthSvc  *health.Monitor
	cleaner    *cleanup.Predicates
	retryEng   *retry.Engine

	scannerSvc *scanner.Scanner
	workerPool *worker.Pool
	stalledSvc *stalled.Tracker
	hashSvc    *hashwatch.Watcher
	metricsMgr *metrics.Manager
	httpServer *http.Server

	wg sync.WaitGroup
}

// New builds every component from cfg. It does not start any
// goroutines; call Run for that.
func New(cfg *config.Config) (*Supervisor, error) {
	cur := cfg.Current()

	db, err := database.New(cur.DBFile)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	tasks := store.NewTaskStore(db)
	breakers := store.NewBreakerStore(db)

	client := qbittorrent.NewClient(
		fmt.Sprintf("http://%s:%d", cur.Host, cur.Port),
		cur.Username, cur.Password,
	)

	breakerSvc := breaker.New(breakers, breakerThresholds(cur))
	healthSvc := health.New(client, 30*time.Second)
	cleaner := cleanup.New(cur.FilePatterns, cur.FolderPatterns, cur.DisableFilePatterns)
	retryEng := retry.New()

	s := &Supervisor{
		cfg:        cfg,
		db:         db,
		tasks:      tasks,
		breakers:   breakers,
		client:     client,
		breakerSvc: breakerSvc,
		healthSvc:  healthSvc,
		cleaner:    cleaner,
		retryEng:   retryEng,
	}

	s.scannerSvc = scanner.New(client, client, tasks, breakerSvc, healthSvc,
		cur.AddedTag, cur.CompletedTag, cur.ProcessingTag, durationSeconds(cur.PollInterval))

	handler := worker.NewTaskHandler(client, cleaner, cur.Categories)
	s.workerPool = worker.New(tasks, breakerSvc, healthSvc, retryEng, handler, client,
		cur.ProcessingTag, cur.MaxWorkers, cur.BatchSize)

	s.stalledSvc = stalled.New(client, durationSeconds(cur.StalledCheckInterval), cur.ProgressThreshold,
		durationSeconds(cur.MinStalledMinutes*60))

	if cur.HashWatchDir != "" {
		s.hashSvc = hashwatch.New(cur.HashWatchDir, tasks)
	}

	if cur.MetricsHost != "" && cur.MetricsPort != 0 {
		mgr := metrics.NewManager(tasks, breakerSvc)
		s.metricsMgr = mgr
		s.scannerSvc.OnPass(func(err error) {
			mgr.Ops.ScanPasses.Inc()
			if err != nil {
				mgr.Ops.ScanErrors.Inc()
			}
		})
		s.workerPool.OnBusyChange(func(delta int) { mgr.Ops.WorkersBusy.Add(float64(delta)) })
		s.workerPool.OnHandled(func(reason string) {
			mgr.Ops.TasksHandled.WithLabelValues(trimReason(reason)).Inc()
		})
	}

	return s, nil
}

func trimReason(reason string) string {
	if idx := strings.IndexByte(reason, ':'); idx >= 0 {
		return reason[:idx]
	}
	return reason
}

func durationSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func breakerThresholds(cur domain.Config) map[string]breaker.Thresholds {
	th := breaker.DefaultThresholds()
	th["qbit_api"] = breaker.Thresholds{
		FailureThreshold: cur.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cur.CircuitBreaker.SuccessThreshold,
		Timeout:          cur.CircuitBreaker.Timeout,
		HalfOpenTimeout:  cur.CircuitBreaker.HalfOpenTimeout,
	}
	return th
}

// Run blocks until ctx is cancelled, then drains every component in
// shutdown order.
func (s *Supervisor) Run(ctx context.Context) error {
	log.Info().Msg("supervisor: waiting for qbittorrent to become ready")
	if err := s.client.WaitUntilReady(ctx); err != nil {
		return fmt.Errorf("wait for qbittorrent: %w", err)
	}

	if n, err := s.tasks.ResetStuck(ctx, stuckTimeout.Seconds()); err != nil {
		log.Error().Err(err).Msg("supervisor: failed to reset stuck tasks")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("supervisor: reset stuck tasks to pending")
	}

	if err := s.recoverProcessingTags(ctx); err != nil {
		log.Error().Err(err).Msg("supervisor: crash recovery failed")
	}

	s.startHTTP()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.scannerSvc.Start(runCtx)
	s.stalledSvc.Start(runCtx)

	if s.hashSvc != nil {
		if err := s.hashSvc.Start(runCtx); err != nil {
			log.Error().Err(err).Msg("supervisor: failed to start hash watcher, continuing without it")
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.workerPool.Run(runCtx); err != nil {
			log.Error().Err(err).Msg("supervisor: worker pool exited with error")
		}
	}()

	s.idleLoop(ctx)

	log.Info().Msg("supervisor: shutting down")
	// Scanner, stalled tracker, hash watcher, and worker pool all hang off
	// runCtx and stop together here rather than the scanner first: claims
	// are atomic per row (P6), so a scanner goroutine still in flight when
	// workers stop can only ever leave a task pending, never processing,
	// and ResetStuck cleans up anything left mid-claim on the next start.
	cancel()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(time.Duration(s.cfg.Current().MaxWorkers) * 10 * time.Second):
		log.Warn().Msg("supervisor: worker drain timed out")
	}

	if s.httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	return s.db.Close()
}

func (s *Supervisor) idleLoop(ctx context.Context) {
	cur := s.cfg.Current()
	interval := durationSeconds(cur.CheckInterval)
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	orphanTicker := time.NewTicker(orphanInterval)
	defer orphanTicker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cfg.Reload(); err != nil {
				log.Warn().Err(err).Msg("supervisor: config reload failed")
			}
			tick++
			if tick%idleStatusEvery == 0 {
				s.logStatus(ctx)
			}
		case <-orphanTicker.C:
			runID := uuid.New().String()
			log.Debug().Str("run_id", runID).Msg("supervisor: starting orphan cleanup pass")
			if n, err := s.tasks.CleanupOrphans(ctx, s.client, orphanAge.Seconds()); err != nil {
				log.Warn().Str("run_id", runID).Err(err).Msg("supervisor: orphan cleanup failed")
			} else if n > 0 {
				log.Info().Str("run_id", runID).Int("count", n).Msg("supervisor: cleaned up orphaned tasks")
			}
		}
	}
}

func (s *Supervisor) logStatus(ctx context.Context) {
	stats, err := s.tasks.Stats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("supervisor: failed to read task stats")
		return
	}
	log.Info().
		Int("total_tasks", stats.Total).
		Interface("by_status", stats.ByStatus).
		Msg("supervisor: status")
}

func (s *Supervisor) startHTTP() {
	cur := s.cfg.Current()
	if s.metricsMgr == nil || cur.MetricsHost == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metricsMgr.Handler())
	mux.Handle("/healthz", metrics.Healthz())

	addr := fmt.Sprintf("%s:%d", cur.MetricsHost, cur.MetricsPort)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("supervisor: metrics server failed")
		}
	}()

	log.Info().Str("addr", addr).Msg("supervisor: metrics server listening")
}

// recoverProcessingTags implements the crash-recovery algorithm: every
// torrent still carrying processing_tag either has a matching task row
// (restore that phase's source tag) or doesn't (infer the phase from
// progress). processing_tag is always removed last.
func (s *Supervisor) recoverProcessingTags(ctx context.Context) error {
	cur := s.cfg.Current()

	torrents, err := s.client.TorrentsWithTag(ctx, cur.ProcessingTag)
	if err != nil {
		return fmt.Errorf("list processing-tagged torrents: %w", err)
	}

	for _, t := range torrents {
		s.recoverOne(ctx, t, cur)
	}
	return nil
}

func (s *Supervisor) recoverOne(ctx context.Context, t qbt.Torrent, cur domain.Config) {
	restoreTag := cur.AddedTag

	switch {
	case mustExists(ctx, s.tasks, t.Hash, domain.TaskAdded):
		restoreTag = cur.AddedTag
	case mustExists(ctx, s.tasks, t.Hash, domain.TaskCompleted):
		restoreTag = cur.CompletedTag
	case float64(t.Progress) >= 1.0:
		restoreTag = cur.CompletedTag
	default:
		restoreTag = cur.AddedTag
	}

	if outcome := s.client.AddTag(ctx, t.Hash, restoreTag); !outcome.OK() {
		log.Warn().Err(outcome.Err).Str("hash", t.Hash).Msg("supervisor: failed to restore lifecycle tag during recovery")
		return
	}
	if outcome := s.client.RemoveTag(ctx, t.Hash, cur.ProcessingTag); !outcome.OK() {
		log.Warn().Err(outcome.Err).Str("hash", t.Hash).Msg("supervisor: failed to clear processing tag during recovery")
	}
}

func mustExists(ctx context.Context, tasks *store.TaskStore, hash string, taskType domain.TaskType) bool {
	ok, err := tasks.Exists(ctx, hash, taskType)
	if err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("supervisor: recovery existence check failed")
		return false
	}
	return ok
}

// EnsureDirs creates the parent directories of the configured database
// and log file paths, and the hash-watch directory itself when one is set.
func EnsureDirs(cur domain.Config) error {
	for _, p := range []string{cur.DBFile, cur.LogFile} {
		if p == "" {
			continue
		}
		if dir := filepath.Dir(p); dir != "." {
			if err := ensureDir(dir); err != nil {
				return err
			}
		}
	}
	if cur.HashWatchDir != "" {
		if err := ensureDir(cur.HashWatchDir); err != nil {
			return err
		}
	}
	return nil
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
