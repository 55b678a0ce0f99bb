// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeProber struct {
	err error
}

func (f *fakeProber) GetWebAPIVersionCtx(_ context.Context) (string, error) {
	return "2.11.4", f.err
}

func TestCheckHealthyOnSuccess(t *testing.T) {
	m := New(&fakeProber{}, time.Millisecond)
	assert.Equal(t, StatusHealthy, m.Check(context.Background()))
}

func TestCheckUnhealthyAfterThreeFailures(t *testing.T) {
	probe := &fakeProber{err: errors.New("boom")}
	m := New(probe, time.Millisecond)

	ctx := context.Background()
	assert.Equal(t, StatusDegraded, m.Check(ctx))
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, StatusDegraded, m.Check(ctx))
	time.Sleep(2 * time.Millisecond)
	assert.Equal(t, StatusUnhealthy, m.Check(ctx))

	assert.True(t, m.ShouldPause(ctx))
	assert.Equal(t, 0.0, m.SpeedFactor(ctx))
}

func TestCheckCachesBetweenProbes(t *testing.T) {
	probe := &fakeProber{}
	m := New(probe, time.Hour)

	ctx := context.Background()
	assert.Equal(t, StatusHealthy, m.Check(ctx))

	probe.err = errors.New("now failing, but cache should hide it")
	assert.Equal(t, StatusHealthy, m.Check(ctx), "probe within interval must use cached status")
}
