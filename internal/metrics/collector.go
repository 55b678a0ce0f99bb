// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: MIT

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/qbitreaper/qbit-reaper/internal/domain"
)

// TaskStore is the narrow store surface the collector reads.
type TaskStore interface {
	Stats(ctx context.Context) (domain.TaskStats, error)
}

// BreakerStatus reports the current state of a named circuit breaker.
type BreakerStatus interface {
	Status(ctx context.Context, resource string) (domain.BreakerState, error)
}

var breakerResources = []string{"qbit_api"}

var breakerStateValue = map[domain.BreakerResourceState]float64{
	domain.BreakerClosed:   0,
	domain.BreakerHalfOpen: 1,
	domain.BreakerOpen:     2,
}

// TaskCollector exposes task-store and circuit-breaker state as
// Prometheus gauges, scraped on demand rather than cached on a ticker.
type TaskCollector struct {
	store   TaskStore
	breaker BreakerStatus

	tasksByStatusDesc   *prometheus.Desc
	breakerStateDesc    *prometheus.Desc
	breakerFailuresDesc *prometheus.Desc
}

// NewTaskCollector constructs a TaskCollector. Either dependency may be
// nil, in which case that family of metrics is skipped on Collect.
func NewTaskCollector(store TaskStore, breaker BreakerStatus) *TaskCollector {
	return &TaskCollector{
		store:   store,
		breaker: breaker,

		tasksByStatusDesc: prometheus.NewDesc(
			"qbitreaper_tasks_total",
			"Number of task rows by status",
			[]string{"status"},
			nil,
		),
		breakerStateDesc: prometheus.NewDesc(
			"qbitreaper_breaker_state",
			"Circuit breaker state by resource (0=closed, 1=half_open, 2=open)",
			[]string{"resource"},
			nil,
		),
		breakerFailuresDesc: prometheus.NewDesc(
			"qbitreaper_breaker_failure_count",
			"Circuit breaker consecutive failure count by resource",
			[]string{"resource"},
			nil,
		),
	}
}

func (c *TaskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasksByStatusDesc
	ch <- c.breakerStateDesc
	ch <- c.breakerFailuresDesc
}

func (c *TaskCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if c.store != nil {
		stats, err := c.store.Stats(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("metrics: failed to collect task stats")
		} else {
			for status, count := range stats.ByStatus {
				ch <- prometheus.MustNewConstMetric(
					c.tasksByStatusDesc,
					prometheus.GaugeValue,
					float64(count),
					string(status),
				)
			}
		}
	}

	if c.breaker == nil {
		return
	}

	for _, resource := range breakerResources {
		state, err := c.breaker.Status(ctx, resource)
		if err != nil {
			log.Warn().Err(err).Str("resource", resource).Msg("metrics: failed to collect breaker state")
			continue
		}

		ch <- prometheus.MustNewConstMetric(
			c.breakerStateDesc,
			prometheus.GaugeValue,
			breakerStateValue[state.State],
			resource,
		)
		ch <- prometheus.MustNewConstMetric(
			c.breakerFailuresDesc,
			prometheus.GaugeValue,
			float64(state.FailureCount),
			resource,
		)
	}
}
