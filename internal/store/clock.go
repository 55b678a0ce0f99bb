// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package store

import "time"

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
