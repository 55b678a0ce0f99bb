// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import "errors"

// configError wraps a failure to load or validate the configuration
// document, exiting with code 1.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// initError wraps a failure to construct the supervisor or one of its
// dependencies (database, remote client, directories), exiting with
// code 2. Anything that goes wrong after Run starts is logged and
// handled by the supervisor itself, not surfaced as an exit code.
type initError struct{ err error }

func (e *initError) Error() string { return e.err.Error() }
func (e *initError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}

	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return 1
	}

	var initErr *initError
	if errors.As(err, &initErr) {
		return 2
	}

	return 1
}
