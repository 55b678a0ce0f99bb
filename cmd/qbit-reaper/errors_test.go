// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeForConfigError(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(&configError{errors.New("bad json")}))
}

func TestExitCodeForInitError(t *testing.T) {
	assert.Equal(t, 2, exitCodeFor(&initError{errors.New("db open failed")}))
}

func TestExitCodeForNilIsZero(t *testing.T) {
	assert.Equal(t, 0, exitCodeFor(nil))
}

func TestExitCodeForUnwrappedErrorDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(errors.New("unexpected")))
}
