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

package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 100, cfg.FanoutMaxItems)
	require.Equal(t, 10, cfg.FanoutMaxConcurrency)
	require.Equal(t, 60*time.Second, cfg.HeartbeatTimeout)
	require.Equal(t, 15*time.Second, cfg.HeartbeatCheckInterval)
	require.Equal(t, 20, cfg.HeartbeatCheckBatch)
	require.Equal(t, 5*time.Second, cfg.RetryBase)
	require.Equal(t, 2.0, cfg.RetryFactor)
	require.Equal(t, 30*time.Minute, cfg.RetryMax)
	require.Equal(t, 0.2, cfg.RetryJitterRatio)
	require.Equal(t, 30*time.Second, cfg.AssetRecoveryPollInterval)
	require.Equal(t, 5*time.Second, cfg.SchedulerInterval)
	require.Equal(t, 10, cfg.SchedulerBatchSize)
	require.Equal(t, 25, cfg.SchedulerMaxWindows)
	require.False(t, cfg.SchedulerAdvisoryLocks)
	require.Equal(t, 30*time.Second, cfg.AnalyticsSnapshotInterval)
	require.Equal(t, 10*time.Minute, cfg.AnalyticsStaleRecoveryAfter)
	require.Equal(t, ":9090", cfg.MetricsListenAddr)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	vars := map[string]string{
		"WORKFLOW_FANOUT_MAX_ITEMS":       "42",
		"WORKFLOW_HEARTBEAT_TIMEOUT_MS":   "9000",
		"WORKFLOW_SCHEDULER_ADVISORY_LOCKS": "true",
		"LOG_LEVEL":                       "debug",
	}
	for k, v := range vars {
		os.Setenv(k, v)
	}
	defer func() {
		for k := range vars {
			os.Unsetenv(k)
		}
	}()

	cfg := Load()
	require.Equal(t, 42, cfg.FanoutMaxItems)
	require.Equal(t, 9*time.Second, cfg.HeartbeatTimeout)
	require.True(t, cfg.SchedulerAdvisoryLocks)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	os.Setenv("WORKFLOW_FANOUT_MAX_ITEMS", "not-a-number")
	defer os.Unsetenv("WORKFLOW_FANOUT_MAX_ITEMS")

	cfg := Load()
	require.Equal(t, 100, cfg.FanoutMaxItems)
}

func TestLoadFileAppliesYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/workflowcore.yaml"
	yamlBody := "fanoutMaxItems: 77\nheartbeatTimeout: 45s\nlogLevel: warn\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 77, cfg.FanoutMaxItems)
	require.Equal(t, 45*time.Second, cfg.HeartbeatTimeout)
	require.Equal(t, "warn", cfg.LogLevel)
	// Untouched fields keep their defaults.
	require.Equal(t, 10, cfg.FanoutMaxConcurrency)

	os.Setenv("LOG_LEVEL", "debug")
	defer os.Unsetenv("LOG_LEVEL")
	cfg, err = LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel, "env must override the file")
}

func TestLoadFileEmptyPathBehavesLikeLoad(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)
	require.Equal(t, Default().FanoutMaxItems, cfg.FanoutMaxItems)
}

func TestLoadFileMissingFileErrors(t *testing.T) {
	_, err := LoadFile("/nonexistent/workflowcore.yaml")
	require.Error(t, err)
}
