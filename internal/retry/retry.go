// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package retry implements the pluggable backoff-strategy engine that
// reschedules failed tasks: a static map from failure reason to strategy
// (exponential, fixed, linear, adaptive), each producing a next-retry time
// with jitter applied, or a nil deadline when the retry budget for that
// task is exhausted.
package retry

import (
	"math"
	"math/rand/v2"
	"strings"

	"github.com/qbitreaper/qbit-reaper/internal/domain"
)

func intPtr(n int) *int { return &n }

var defaultStrategies = map[string]domain.RetryStrategyConfig{
	domain.ReasonQbitAPIError: {
		Name: domain.ReasonQbitAPIError, StrategyType: domain.StrategyExponential,
		BaseDelay: 60, MaxDelay: 600, MaxRetries: nil, BackoffMultiplier: 2, JitterFactor: 0.1,
	},
	domain.ReasonNetworkError: {
		Name: domain.ReasonNetworkError, StrategyType: domain.StrategyLinear,
		BaseDelay: 10, MaxDelay: 60, MaxRetries: nil, BackoffMultiplier: 2, JitterFactor: 0.1,
	},
	domain.ReasonTorrentNotFound: {
		Name: domain.ReasonTorrentNotFound, StrategyType: domain.StrategyExponential,
		BaseDelay: 5, MaxDelay: 60, MaxRetries: intPtr(3), BackoffMultiplier: 2, JitterFactor: 0.1,
	},
	domain.ReasonRetryLater: {
		Name: domain.ReasonRetryLater, StrategyType: domain.StrategyExponential,
		BaseDelay: 120, MaxDelay: 1800, MaxRetries: nil, BackoffMultiplier: 2, JitterFactor: 0.1,
	},
	domain.ReasonProcessingExcPfx: {
		Name: domain.ReasonProcessingExcPfx, StrategyType: domain.StrategyExponential,
		BaseDelay: 30, MaxDelay: 300, MaxRetries: nil, BackoffMultiplier: 2, JitterFactor: 0.1,
	},
}

// adaptiveBaseByReason gives the adaptive strategy's starting delay before
// exponential compounding kicks in for retry_count > 0.
var adaptiveBaseByReason = map[string]float64{
	domain.ReasonQbitAPIError:    60,
	domain.ReasonNetworkError:    10,
	domain.ReasonTorrentNotFound: 5,
}

// Engine looks up a strategy by failure-reason prefix and computes the next
// retry deadline, or reports budget exhaustion.
type Engine struct {
	strategies map[string]domain.RetryStrategyConfig
	jitter     func(jitterFactor float64) float64
}

// New constructs an Engine with the spec-default reason->strategy table.
func New() *Engine {
	return &Engine{
		strategies: defaultStrategies,
		jitter:     uniformJitter,
	}
}

func uniformJitter(jitterFactor float64) float64 {
	// U(-jitterFactor, jitterFactor)
	return (rand.Float64()*2 - 1) * jitterFactor
}

// strategyFor resolves a failure reason (which may carry a ":detail"
// suffix, e.g. "processing_exception:some message") to its strategy,
// falling back to retry_later for anything unrecognized.
func (e *Engine) strategyFor(reason string) domain.RetryStrategyConfig {
	prefix := reason
	if idx := strings.Index(reason, ":"); idx >= 0 {
		prefix = reason[:idx]
	}

	if cfg, ok := e.strategies[prefix]; ok {
		return cfg
	}
	return e.strategies[domain.ReasonRetryLater]
}

// NextRetry computes the next retry time (as a duration-from-now in
// seconds) for a task at retryCount failing with reason. Returns
// (delay, true) normally, or (0, false) when the strategy's retry budget
// is exhausted — the worker is expected to reschedule at a fixed 3600s
// with reason "max_retries_reached:<reason>" rather than delete the task.
func (e *Engine) NextRetry(reason string, retryCount int) (float64, bool) {
	cfg := e.strategyFor(reason)

	if cfg.MaxRetries != nil && retryCount >= *cfg.MaxRetries {
		return 0, false
	}

	var delay float64
	switch cfg.StrategyType {
	case domain.StrategyExponential:
		delay = exponentialDelay(cfg, retryCount)
	case domain.StrategyLinear:
		delay = math.Min(cfg.BaseDelay*(1+0.5*float64(retryCount)), cfg.MaxDelay)
	case domain.StrategyFixed:
		delay = cfg.BaseDelay
	case domain.StrategyAdaptive:
		delay = adaptiveDelay(reason, cfg, retryCount)
	default:
		delay = cfg.BaseDelay
	}

	delay = delay * (1 + e.jitter(cfg.JitterFactor))
	if delay < 1 {
		delay = 1
	}

	return delay, true
}

func exponentialDelay(cfg domain.RetryStrategyConfig, retryCount int) float64 {
	exp := retryCount
	if exp > 10 {
		exp = 10
	}
	return math.Min(cfg.BaseDelay*math.Pow(cfg.BackoffMultiplier, float64(exp)), cfg.MaxDelay)
}

func adaptiveDelay(reason string, cfg domain.RetryStrategyConfig, retryCount int) float64 {
	prefix := reason
	if idx := strings.Index(reason, ":"); idx >= 0 {
		prefix = reason[:idx]
	}

	base, ok := adaptiveBaseByReason[prefix]
	if !ok {
		base = cfg.BaseDelay
	}
	if retryCount == 0 {
		return base
	}

	exp := retryCount
	if exp > 10 {
		exp = 10
	}
	return math.Min(base*math.Pow(cfg.BackoffMultiplier, float64(exp)), cfg.MaxDelay)
}
