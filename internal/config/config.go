// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads and reloads the JSON configuration document
// described for this module, via viper. Reload re-decodes the whole
// document into the snapshot returned by Current, on every check_interval
// tick and on SIGHUP. The components the supervisor builds copy their
// settings from the snapshot once, at construction, and are not rebuilt
// on reload, so a reloaded value does not change their behaviour until the
// process restarts.
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/qbitreaper/qbit-reaper/internal/domain"
)

const envPrefix = "QBITREAPER"

// knownKeys is every mapstructure key domain.Config recognizes, used to
// warn on typos in the operator's document. Viper has no native
// unknown-key detection, so this is a manual diff against viper.AllKeys.
// AllKeys also carries the registered defaults, but every default is a
// known key, so only keys from the file itself can trigger the warning.
var knownKeys = map[string]bool{
	"host": true, "port": true, "username": true, "password": true,
	"added_tag": true, "completed_tag": true, "processing_tag": true,
	"file_patterns": true, "folder_patterns": true, "disable_file_patterns": true,
	"categories": true,
	"max_workers": true, "batch_size": true, "poll_interval": true, "check_interval": true,
	"min_stalled_minutes": true, "stalled_check_interval": true, "progress_threshold": true,
	"circuit_breaker": true,
	"db_file": true, "log_file": true, "debug_mode": true,
	"hash_watch_dir": true,
	"metrics_host":   true, "metrics_port": true,
}

// Config wraps a loaded domain.Config with the viper instance backing it,
// so Reload can re-decode in place while holding mu.
type Config struct {
	v    *viper.Viper
	path string

	mu  sync.RWMutex
	cur domain.Config
}

func setDefaults(v *viper.Viper, d domain.Config) {
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("added_tag", d.AddedTag)
	v.SetDefault("completed_tag", d.CompletedTag)
	v.SetDefault("processing_tag", d.ProcessingTag)
	v.SetDefault("max_workers", d.MaxWorkers)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("check_interval", d.CheckInterval)
	v.SetDefault("min_stalled_minutes", d.MinStalledMinutes)
	v.SetDefault("stalled_check_interval", d.StalledCheckInterval)
	v.SetDefault("progress_threshold", d.ProgressThreshold)
	v.SetDefault("circuit_breaker.failure_threshold", d.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", d.CircuitBreaker.SuccessThreshold)
	v.SetDefault("circuit_breaker.timeout", d.CircuitBreaker.Timeout)
	v.SetDefault("circuit_breaker.half_open_timeout", d.CircuitBreaker.HalfOpenTimeout)
	v.SetDefault("db_file", d.DBFile)
	v.SetDefault("log_file", d.LogFile)
}

// New loads the JSON document at path, layering it over domain.Defaults()
// and environment overrides (QBITREAPER_<KEY>, nested keys joined by
// underscore, matching circuit_breaker.timeout -> QBITREAPER_CIRCUIT_BREAKER_TIMEOUT).
func New(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, domain.Defaults())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	warnUnknownKeys(v)

	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	return &Config{v: v, path: path, cur: cfg}, nil
}

func warnUnknownKeys(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		top := strings.SplitN(key, ".", 2)[0]
		if !knownKeys[top] {
			log.Warn().Str("key", key).Msg("config: unrecognized key, ignoring")
		}
	}
}

// Current returns a snapshot of the loaded configuration. Safe for
// concurrent use with Reload.
func (c *Config) Current() domain.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// Reload re-reads the config file and env overrides, replacing the
// current snapshot for every field, hot or cold. It only replaces the
// snapshot: components that copied values from an earlier snapshot keep
// those values.
func (c *Config) Reload() error {
	if err := c.v.ReadInConfig(); err != nil {
		return fmt.Errorf("reload config %s: %w", c.path, err)
	}
	warnUnknownKeys(c.v)

	var cfg domain.Config
	if err := c.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("decode reloaded config %s: %w", c.path, err)
	}

	c.mu.Lock()
	c.cur = cfg
	c.mu.Unlock()

	log.Info().Str("path", c.path).Msg("config: reloaded")
	return nil
}

// WatchSIGHUPEquivalent starts an fsnotify watch on the config file and
// calls Reload on every write, logging (not failing) a reload error so a
// transient bad edit doesn't bring down the process.
func (c *Config) WatchSIGHUPEquivalent() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(c.path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.Reload(); err != nil {
					log.Warn().Err(err).Msg("config: reload on file change failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config: watch error")
			}
		}
	}()

	return nil
}
