// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: MIT

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Ops holds the directly-instrumented counters/gauges that the scanner
// and worker pool update inline, as opposed to TaskCollector's
// scrape-time reads of the store.
type Ops struct {
	ScanPasses   prometheus.Counter
	ScanErrors   prometheus.Counter
	WorkersBusy  prometheus.Gauge
	TasksHandled *prometheus.CounterVec
}

// NewOps constructs and registers the Ops metrics against registry.
func NewOps(registry *prometheus.Registry) *Ops {
	ops := &Ops{
		ScanPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbitreaper_scan_passes_total",
			Help: "Number of completed scanner passes",
		}),
		ScanErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qbitreaper_scan_errors_total",
			Help: "Number of scanner passes that returned an error",
		}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qbitreaper_workers_busy",
			Help: "Number of worker goroutines currently handling a task",
		}),
		TasksHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qbitreaper_tasks_handled_total",
			Help: "Number of tasks handled, by resulting failure reason",
		}, []string{"reason"}),
	}

	registry.MustRegister(ops.ScanPasses, ops.ScanErrors, ops.WorkersBusy, ops.TasksHandled)
	return ops
}
