// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package retry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbitreaper/qbit-reaper/internal/domain"
)

func noJitter(e *Engine) *Engine {
	e.jitter = func(float64) float64 { return 0 }
	return e
}

func TestNextRetryExponentialBaseAtZeroRetries(t *testing.T) {
	e := noJitter(New())
	delay, ok := e.NextRetry(domain.ReasonQbitAPIError, 0)
	require.True(t, ok)
	assert.Equal(t, 60.0, delay)
}

func TestNextRetryExponentialGrowsAndCaps(t *testing.T) {
	e := noJitter(New())

	delay, ok := e.NextRetry(domain.ReasonQbitAPIError, 1)
	require.True(t, ok)
	assert.Equal(t, 120.0, delay)

	delay, ok = e.NextRetry(domain.ReasonQbitAPIError, 10)
	require.True(t, ok)
	assert.Equal(t, 600.0, delay, "must cap at max_delay")
}

func TestNextRetryLinear(t *testing.T) {
	e := noJitter(New())
	delay, ok := e.NextRetry(domain.ReasonNetworkError, 2)
	require.True(t, ok)
	assert.Equal(t, 20.0, delay) // 10 * (1 + 0.5*2)
}

func TestNextRetryBudgetExhausted(t *testing.T) {
	e := noJitter(New())
	_, ok := e.NextRetry(domain.ReasonTorrentNotFound, 3)
	assert.False(t, ok, "max_retries=3 must be exhausted at retry_count=3")
}

func TestNextRetryUnknownReasonFallsBackToRetryLater(t *testing.T) {
	e := noJitter(New())
	delay, ok := e.NextRetry("some_unmapped_reason", 0)
	require.True(t, ok)
	assert.Equal(t, 120.0, delay)
}

func TestNextRetryStripsDetailSuffix(t *testing.T) {
	e := noJitter(New())
	delay, ok := e.NextRetry(domain.ReasonProcessingExcPfx+":boom", 0)
	require.True(t, ok)
	assert.Equal(t, 30.0, delay)
}

func TestNextRetryJitterStaysWithinBounds(t *testing.T) {
	e := New()
	for i := 0; i < 200; i++ {
		delay, ok := e.NextRetry(domain.ReasonQbitAPIError, 0)
		require.True(t, ok)
		assert.GreaterOrEqual(t, delay, 60.0*0.9)
		assert.LessOrEqual(t, delay, 60.0*1.1)
	}
}
