// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the process-wide tunables named in spec.md §5/§7
// from an optional YAML file and the environment, with defaults matching
// the values documented there. Every component constructor takes its
// settings as an explicit struct field rather than reading the
// environment itself; the one other reader is internal/log's
// FromEnv, which looks up LOG_LEVEL, LOG_FORMAT and LOG_SOURCE directly.
// Mirrors the teacher's own
// internal/config.Load(configPath): defaults, then an optional YAML
// file, then environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every environment-derived tunable the orchestration core
// reads at component construction time (§5).
type Config struct {
	// MaxParallel bounds the orchestrator's per-run concurrency gate when
	// no run/metadata override is present (§4.5 concurrencyLimit).
	MaxParallel int `yaml:"maxParallel,omitempty"`

	// FanoutMaxItems caps the number of fan-out children a single step
	// may materialize (§4.4 WORKFLOW_FANOUT_MAX_ITEMS).
	FanoutMaxItems int `yaml:"fanoutMaxItems,omitempty"`

	// FanoutMaxConcurrency caps concurrent fan-out children per parent
	// (§4.4 WORKFLOW_FANOUT_MAX_CONCURRENCY).
	FanoutMaxConcurrency int `yaml:"fanoutMaxConcurrency,omitempty"`

	// HeartbeatTimeout is how long a step may go without a heartbeat
	// before the monitor treats it as stalled (§4.6).
	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout,omitempty"`

	// HeartbeatCheckInterval is the heartbeat monitor's tick period.
	HeartbeatCheckInterval time.Duration `yaml:"heartbeatCheckInterval,omitempty"`

	// HeartbeatCheckBatch bounds how many stale steps one tick inspects.
	HeartbeatCheckBatch int `yaml:"heartbeatCheckBatch,omitempty"`

	// RetryBase is the base backoff duration used when a step's retry
	// policy doesn't specify its own delay (§4.4 computeWorkflowRetryTimestamp).
	RetryBase time.Duration `yaml:"retryBase,omitempty"`

	// RetryFactor is the exponential backoff multiplier.
	RetryFactor float64 `yaml:"retryFactor,omitempty"`

	// RetryMax caps computed backoff delays.
	RetryMax time.Duration `yaml:"retryMax,omitempty"`

	// RetryJitterRatio adds +/- jitter to computed backoff delays.
	RetryJitterRatio float64 `yaml:"retryJitterRatio,omitempty"`

	// AssetRecoveryPollInterval is how often a consumer step polls a
	// pending asset-recovery request (§4.6).
	AssetRecoveryPollInterval time.Duration `yaml:"assetRecoveryPollInterval,omitempty"`

	// SchedulerInterval is the cron scheduler's tick period (§4.8).
	SchedulerInterval time.Duration `yaml:"schedulerInterval,omitempty"`

	// SchedulerBatchSize bounds how many due schedules one tick processes.
	SchedulerBatchSize int `yaml:"schedulerBatchSize,omitempty"`

	// SchedulerMaxWindows bounds how many catch-up windows one schedule
	// materializes per tick.
	SchedulerMaxWindows int `yaml:"schedulerMaxWindows,omitempty"`

	// SchedulerAdvisoryLocks toggles Postgres advisory-lock backed leader
	// election and per-schedule locking. Disabled, the scheduler runs
	// correctly as a single instance (§4.8, §5).
	SchedulerAdvisoryLocks bool `yaml:"schedulerAdvisoryLocks,omitempty"`

	// SchedulerLeaderKeepalive is the leader election retry/verify period.
	SchedulerLeaderKeepalive time.Duration `yaml:"schedulerLeaderKeepalive,omitempty"`

	// SchedulerAdvisoryLockDSN is the Postgres connection string backing
	// the advisory locks SchedulerAdvisoryLocks enables. It is entirely
	// independent of DatabaseURL: the repository itself may still be
	// SQLite while a separate Postgres instance serves only as the
	// advisory-lock coordinator.
	SchedulerAdvisoryLockDSN string `yaml:"schedulerAdvisoryLockDsn,omitempty"`

	// AnalyticsSnapshotInterval is the observability snapshotter's tick
	// period (§6 workflow.analytics.snapshot).
	AnalyticsSnapshotInterval time.Duration `yaml:"analyticsSnapshotInterval,omitempty"`

	// AnalyticsStaleRecoveryAfter is how long a non-terminal recovery
	// request may go without an attempt before the snapshot counts it
	// as stale.
	AnalyticsStaleRecoveryAfter time.Duration `yaml:"analyticsStaleRecoveryAfter,omitempty"`

	// MetricsListenAddr is the address the Prometheus /metrics endpoint
	// binds to. Empty disables the HTTP listener entirely.
	MetricsListenAddr string `yaml:"metricsListenAddr,omitempty"`

	// LogLevel and LogFormat configure internal/log.
	LogLevel  string `yaml:"logLevel,omitempty"`
	LogFormat string `yaml:"logFormat,omitempty"`

	// DatabaseURL, when set, selects the SQLite-backed repository
	// instead of the in-memory one. Empty means in-memory.
	DatabaseURL string `yaml:"databaseUrl,omitempty"`

	// DefinitionsWatchDir, when set, enables internal/defsloader: the
	// directory is watched for workflow definition files and every
	// create/write event upserts the parsed definition by slug. Empty
	// disables file-based loading entirely.
	DefinitionsWatchDir string `yaml:"definitionsWatchDir,omitempty"`

	// DefinitionsWatchPattern is the doublestar glob definition files
	// must match within DefinitionsWatchDir.
	DefinitionsWatchPattern string `yaml:"definitionsWatchPattern,omitempty"`

	// TraceExporter selects internal/observability's span exporter:
	// "stdout", "otlp-grpc", "otlp-http", or "" to disable tracing.
	TraceExporter string `yaml:"traceExporter,omitempty"`

	// TraceEndpoint is the OTLP collector address for the otlp-grpc/
	// otlp-http exporters.
	TraceEndpoint string `yaml:"traceEndpoint,omitempty"`

	// TraceInsecure skips TLS for the OTLP exporters.
	TraceInsecure bool `yaml:"traceInsecure,omitempty"`

	// AWSHealthCheckRegion, when set, starts serviceregistry's
	// AWSIdentityChecker against that region for every slug in
	// AWSHealthCheckServices.
	AWSHealthCheckRegion string `yaml:"awsHealthCheckRegion,omitempty"`

	// AWSHealthCheckServices lists the registered service slugs whose
	// health tracks AWS credential validity rather than a plain HTTP
	// reachability probe.
	AWSHealthCheckServices []string `yaml:"awsHealthCheckServices,omitempty"`

	// AWSHealthCheckInterval is the STS GetCallerIdentity poll period.
	AWSHealthCheckInterval time.Duration `yaml:"awsHealthCheckInterval,omitempty"`
}

// Default returns a Config populated with the defaults spec.md §7 names.
func Default() *Config {
	return &Config{
		MaxParallel:                 1,
		FanoutMaxItems:              100,
		FanoutMaxConcurrency:        10,
		HeartbeatTimeout:            60 * time.Second,
		HeartbeatCheckInterval:      15 * time.Second,
		HeartbeatCheckBatch:         20,
		RetryBase:                   5 * time.Second,
		RetryFactor:                 2,
		RetryMax:                    30 * time.Minute,
		RetryJitterRatio:            0.2,
		AssetRecoveryPollInterval:   30 * time.Second,
		SchedulerInterval:           5 * time.Second,
		SchedulerBatchSize:          10,
		SchedulerMaxWindows:         25,
		SchedulerAdvisoryLocks:      false,
		SchedulerLeaderKeepalive:    15 * time.Second,
		AnalyticsSnapshotInterval:   30 * time.Second,
		AnalyticsStaleRecoveryAfter: 10 * time.Minute,
		MetricsListenAddr:           ":9090",
		LogLevel:                    "info",
		LogFormat:                   "json",
		DefinitionsWatchPattern:     "**/*.{yaml,yml,json}",
		AWSHealthCheckInterval:      30 * time.Second,
	}
}

// Load builds a Config from defaults overridden by environment variables.
func Load() *Config {
	cfg := Default()
	loadFromEnv(cfg)
	return cfg
}

// LoadFile builds a Config from defaults, an optional YAML file, and
// environment variables, in that order — env always wins over the file,
// matching the teacher's own Load(configPath). A configPath of "" skips
// the file and behaves exactly like Load. A leading "~/" is expanded
// against the user's home directory.
func LoadFile(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, err
		}
	}

	loadFromEnv(cfg)
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		path = home + path[1:]
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func loadFromEnv(cfg *Config) {
	if v := envInt("WORKFLOW_MAX_PARALLEL", 0); v > 0 {
		cfg.MaxParallel = v
	} else if v := envInt("WORKFLOW_CONCURRENCY", 0); v > 0 {
		cfg.MaxParallel = v
	}

	cfg.FanoutMaxItems = envInt("WORKFLOW_FANOUT_MAX_ITEMS", cfg.FanoutMaxItems)
	cfg.FanoutMaxConcurrency = envInt("WORKFLOW_FANOUT_MAX_CONCURRENCY", cfg.FanoutMaxConcurrency)

	cfg.HeartbeatTimeout = envDurationMs("WORKFLOW_HEARTBEAT_TIMEOUT_MS", cfg.HeartbeatTimeout)
	cfg.HeartbeatCheckInterval = envDurationMs("WORKFLOW_HEARTBEAT_CHECK_INTERVAL_MS", cfg.HeartbeatCheckInterval)
	cfg.HeartbeatCheckBatch = envInt("WORKFLOW_HEARTBEAT_CHECK_BATCH", cfg.HeartbeatCheckBatch)

	cfg.RetryBase = envDurationMs("WORKFLOW_RETRY_BASE_MS", cfg.RetryBase)
	cfg.RetryFactor = envFloat("WORKFLOW_RETRY_FACTOR", cfg.RetryFactor)
	cfg.RetryMax = envDurationMs("WORKFLOW_RETRY_MAX_MS", cfg.RetryMax)
	cfg.RetryJitterRatio = envFloat("WORKFLOW_RETRY_JITTER_RATIO", cfg.RetryJitterRatio)

	cfg.AssetRecoveryPollInterval = envDurationMs("ASSET_RECOVERY_POLL_INTERVAL_MS", cfg.AssetRecoveryPollInterval)

	cfg.SchedulerInterval = envDurationMs("WORKFLOW_SCHEDULER_INTERVAL_MS", cfg.SchedulerInterval)
	cfg.SchedulerBatchSize = envInt("WORKFLOW_SCHEDULER_BATCH_SIZE", cfg.SchedulerBatchSize)
	cfg.SchedulerMaxWindows = envInt("WORKFLOW_SCHEDULER_MAX_WINDOWS", cfg.SchedulerMaxWindows)
	cfg.SchedulerAdvisoryLocks = envBool("WORKFLOW_SCHEDULER_ADVISORY_LOCKS", cfg.SchedulerAdvisoryLocks)
	cfg.SchedulerLeaderKeepalive = envDurationMs("WORKFLOW_SCHEDULER_LEADER_KEEPALIVE_MS", cfg.SchedulerLeaderKeepalive)
	if v := os.Getenv("WORKFLOW_SCHEDULER_ADVISORY_LOCK_DSN"); v != "" {
		cfg.SchedulerAdvisoryLockDSN = v
	}

	cfg.AnalyticsSnapshotInterval = envDurationMs("ANALYTICS_SNAPSHOT_INTERVAL_MS", cfg.AnalyticsSnapshotInterval)
	cfg.AnalyticsStaleRecoveryAfter = envDurationMs("ANALYTICS_STALE_RECOVERY_AFTER_MS", cfg.AnalyticsStaleRecoveryAfter)
	if v := os.Getenv("METRICS_LISTEN_ADDR"); v != "" {
		cfg.MetricsListenAddr = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}

	if v := os.Getenv("WORKFLOW_DEFINITIONS_DIR"); v != "" {
		cfg.DefinitionsWatchDir = v
	}
	if v := os.Getenv("WORKFLOW_DEFINITIONS_PATTERN"); v != "" {
		cfg.DefinitionsWatchPattern = v
	}

	if v := os.Getenv("WORKFLOW_TRACE_EXPORTER"); v != "" {
		cfg.TraceExporter = v
	}
	if v := os.Getenv("WORKFLOW_TRACE_ENDPOINT"); v != "" {
		cfg.TraceEndpoint = v
	}
	cfg.TraceInsecure = envBool("WORKFLOW_TRACE_INSECURE", cfg.TraceInsecure)

	if v := os.Getenv("WORKFLOW_AWS_HEALTH_REGION"); v != "" {
		cfg.AWSHealthCheckRegion = v
	}
	if v := os.Getenv("WORKFLOW_AWS_HEALTH_SERVICES"); v != "" {
		cfg.AWSHealthCheckServices = strings.Split(v, ",")
	}
	cfg.AWSHealthCheckInterval = envDurationMs("WORKFLOW_AWS_HEALTH_INTERVAL_MS", cfg.AWSHealthCheckInterval)
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDurationMs(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
