// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/qbitreaper/qbit-reaper/internal/config"
	"github.com/qbitreaper/qbit-reaper/internal/domain"
	"github.com/qbitreaper/qbit-reaper/internal/logging"
	"github.com/qbitreaper/qbit-reaper/internal/supervisor"
)

func ServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the reaper (default when no subcommand is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

// runServe loads configuration, builds the supervisor, and blocks until
// SIGINT or SIGTERM. SIGHUP reloads configuration in place rather than
// triggering shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := config.New(configPath)
	if err != nil {
		return &configError{err}
	}

	cur := cfg.Current()
	logging.Configure(cur.LogFile, cur.DebugMode)

	log.Info().
		Str("host", cur.Host).
		Int("port", cur.Port).
		Str("username", cur.Username).
		Str("password", domain.RedactString(cur.Password)).
		Msg("serve: configuration loaded")

	if err := supervisor.EnsureDirs(cur); err != nil {
		return &initError{err}
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		return &initError{err}
	}

	if err := cfg.WatchSIGHUPEquivalent(); err != nil {
		log.Warn().Err(err).Msg("serve: failed to start config file watcher")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sighup:
				log.Info().Msg("serve: SIGHUP received, reloading configuration")
				if err := cfg.Reload(); err != nil {
					log.Warn().Err(err).Msg("serve: SIGHUP reload failed")
				}
			}
		}
	}()

	if err := sup.Run(ctx); err != nil {
		if ctx.Err() != nil {
			// Shutdown was already in flight when Run unwound; treat as orderly.
			return nil
		}
		return &initError{err}
	}
	return nil
}
