// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"
)

var configPath string

// RootCommand builds the qbit-reaper CLI. Running it with no subcommand
// is equivalent to "serve", matching the daemon's no-required-arguments
// startup.
func RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "qbit-reaper",
		Short:         "Tag-driven lifecycle automation for a qBittorrent instance",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to the configuration document")

	root.AddCommand(ServeCommand())
	root.AddCommand(VersionCommand())

	return root
}
