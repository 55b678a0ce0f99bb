// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import "os"

func main() {
	os.Exit(run())
}

func run() int {
	if err := RootCommand().Execute(); err != nil {
		return exitCodeFor(err)
	}
	return 0
}
