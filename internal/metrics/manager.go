// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Manager owns the Prometheus registry and the scrape-time task
// collector, and serves /healthz and /metrics.
type Manager struct {
	registry *prometheus.Registry
	Ops      *Ops
}

// NewManager builds a registry with the Go/process collectors plus a
// TaskCollector reading store and breaker, and constructs the inline Ops
// metrics the scanner/worker pool feed.
func NewManager(store TaskStore, breaker BreakerStatus) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(NewTaskCollector(store, breaker))

	ops := NewOps(registry)

	log.Info().Msg("metrics manager initialized")

	return &Manager{registry: registry, Ops: ops}
}

// Handler returns the /metrics HTTP handler.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Healthz returns a minimal liveness handler: 200 if the process can
// respond at all. It carries no dependency checks by design — readiness
// is the supervisor's WaitUntilReady, not this endpoint's job.
func Healthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
