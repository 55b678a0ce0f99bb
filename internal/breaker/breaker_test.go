// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbitreaper/qbit-reaper/internal/domain"
)

type memStore struct {
	mu     sync.Mutex
	states map[string]domain.BreakerState
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]domain.BreakerState)}
}

func (m *memStore) GetOrCreate(_ context.Context, breakerType string) (domain.BreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[breakerType]; ok {
		return s, nil
	}
	s := domain.BreakerState{BreakerType: breakerType, State: domain.BreakerClosed, LastStateChange: now()}
	m.states[breakerType] = s
	return s, nil
}

func (m *memStore) Update(_ context.Context, state domain.BreakerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.BreakerType] = state
	return nil
}

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	b := New(store, map[string]Thresholds{"qbit_api": {FailureThreshold: 3, SuccessThreshold: 2, Timeout: 60, HalfOpenTimeout: 30}})

	for i := 0; i < 2; i++ {
		require.NoError(t, b.RecordFailure(ctx, "qbit_api"))
		ok, err := b.CanExecute(ctx, "qbit_api")
		require.NoError(t, err)
		assert.True(t, ok)
	}

	require.NoError(t, b.RecordFailure(ctx, "qbit_api"))
	ok, err := b.CanExecute(ctx, "qbit_api")
	require.NoError(t, err)
	assert.False(t, ok, "third failure at threshold=3 must open the breaker")
}

func TestBreakerSuccessDoesNotCloseWhileOpen(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	b := New(store, map[string]Thresholds{"qbit_api": {FailureThreshold: 1, SuccessThreshold: 2, Timeout: 9999, HalfOpenTimeout: 30}})

	require.NoError(t, b.RecordFailure(ctx, "qbit_api"))
	ok, err := b.CanExecute(ctx, "qbit_api")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.RecordSuccess(ctx, "qbit_api"))

	status, err := b.Status(ctx, "qbit_api")
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerOpen, status.State, "P4: success must not transition open -> closed")
}

func TestBreakerHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	b := New(store, map[string]Thresholds{"qbit_api": {FailureThreshold: 1, SuccessThreshold: 2, Timeout: 0, HalfOpenTimeout: 9999}})

	require.NoError(t, b.RecordFailure(ctx, "qbit_api"))

	time.Sleep(5 * time.Millisecond)
	ok, err := b.CanExecute(ctx, "qbit_api")
	require.NoError(t, err)
	require.True(t, ok, "timeout elapsed, should transition to half_open and admit a probe")

	status, err := b.Status(ctx, "qbit_api")
	require.NoError(t, err)
	require.Equal(t, domain.BreakerHalfOpen, status.State)

	require.NoError(t, b.RecordSuccess(ctx, "qbit_api"))
	require.NoError(t, b.RecordSuccess(ctx, "qbit_api"))

	status, err = b.Status(ctx, "qbit_api")
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerClosed, status.State)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	b := New(store, map[string]Thresholds{"qbit_api": {FailureThreshold: 1, SuccessThreshold: 2, Timeout: 0, HalfOpenTimeout: 9999}})

	require.NoError(t, b.RecordFailure(ctx, "qbit_api"))
	time.Sleep(5 * time.Millisecond)
	_, err := b.CanExecute(ctx, "qbit_api")
	require.NoError(t, err)

	require.NoError(t, b.RecordFailure(ctx, "qbit_api"))

	status, err := b.Status(ctx, "qbit_api")
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerOpen, status.State)
}
