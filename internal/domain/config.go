// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// CircuitBreakerDefaults carries the threshold/timeout defaults applied to
// every breaker resource unless overridden per-resource elsewhere.
type CircuitBreakerDefaults struct {
	FailureThreshold int     `mapstructure:"failure_threshold"`
	SuccessThreshold int     `mapstructure:"success_threshold"`
	Timeout          float64 `mapstructure:"timeout"`
	HalfOpenTimeout  float64 `mapstructure:"half_open_timeout"`
}

// Config is the JSON-document configuration described in spec §6. It is
// loaded by internal/config via viper, which re-decodes every field on
// reload. The "hot"/"cold" marks below group the fields; the supervisor
// copies both kinds into its components once, at construction, and does
// not rebuild the components on reload.
type Config struct {
	// Remote connection (cold).
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Lifecycle tag names (cold).
	AddedTag      string `mapstructure:"added_tag"`
	CompletedTag  string `mapstructure:"completed_tag"`
	ProcessingTag string `mapstructure:"processing_tag"`

	// Cleanup predicates (hot).
	FilePatterns        []string `mapstructure:"file_patterns"`
	FolderPatterns      []string `mapstructure:"folder_patterns"`
	DisableFilePatterns []string `mapstructure:"disable_file_patterns"`

	// Category whitelist, empty means all categories are eligible (hot).
	Categories []string `mapstructure:"categories"`

	// Scheduling (hot).
	MaxWorkers    int     `mapstructure:"max_workers"`
	BatchSize     int     `mapstructure:"batch_size"`
	PollInterval  float64 `mapstructure:"poll_interval"`
	CheckInterval float64 `mapstructure:"check_interval"`

	// Stalled tracker (hot).
	MinStalledMinutes    float64 `mapstructure:"min_stalled_minutes"`
	StalledCheckInterval float64 `mapstructure:"stalled_check_interval"`
	ProgressThreshold    float64 `mapstructure:"progress_threshold"`

	// Breaker defaults (hot).
	CircuitBreaker CircuitBreakerDefaults `mapstructure:"circuit_breaker"`

	// I/O (cold).
	DBFile    string `mapstructure:"db_file"`
	LogFile   string `mapstructure:"log_file"`
	DebugMode bool   `mapstructure:"debug_mode"`

	// Supplemented: optional hash-file intake watcher, disabled when empty.
	HashWatchDir string `mapstructure:"hash_watch_dir"`

	// Supplemented: operability endpoints, disabled when MetricsHost is empty.
	MetricsHost string `mapstructure:"metrics_host"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// Defaults returns the configuration populated with the defaults named
// throughout spec §4 (poll_interval=10s, batch workers=3, breaker
// thresholds per resource, etc). Callers layer a loaded document on top via
// viper's merge, so any field the operator sets overrides these.
func Defaults() Config {
	return Config{
		Host:          "localhost",
		Port:          8080,
		AddedTag:      "added",
		CompletedTag:  "completed",
		ProcessingTag: "processing",

		MaxWorkers:    3,
		BatchSize:     10,
		PollInterval:  10,
		CheckInterval: 5,

		MinStalledMinutes:    30,
		StalledCheckInterval: 300,
		ProgressThreshold:    0.95,

		CircuitBreaker: CircuitBreakerDefaults{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			Timeout:          60,
			HalfOpenTimeout:  30,
		},

		DBFile:  "qbit-reaper.db",
		LogFile: "qbit-reaper.log",
	}
}
