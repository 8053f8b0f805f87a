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

// Package sqlitestore is a repository.Repository backed by SQLite, for
// single-node deployments that want durability without standing up
// Postgres. It follows the same shape as the in-memory store but
// persists every row to disk and serializes writes through a
// single-connection pool, mirroring how SQLite itself serializes writers.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/workflow-core/internal/repository"
)

var _ repository.Repository = (*Store)(nil)

// Store is a SQLite-backed repository.Repository.
type Store struct {
	db *sql.DB
}

// Config holds SQLite connection configuration.
type Config struct {
	// Path is the database file path ("file::memory:?cache=shared" for
	// an in-process, ephemeral store used in tests).
	Path string

	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool
}

// New opens (creating if necessary) the SQLite database at cfg.Path,
// configures pragmas, and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids "database is
	// locked" errors from the driver handing writes to concurrent conns.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: connect: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL,
			version INTEGER NOT NULL,
			steps TEXT NOT NULL,
			triggers TEXT,
			parameters_schema TEXT,
			default_parameters TEXT,
			metadata TEXT,
			dag TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_definition_slugs (
			slug TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_asset_producers (
			asset_id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			parameters TEXT,
			context TEXT,
			output TEXT,
			error_message TEXT,
			current_step_id TEXT,
			current_step_index INTEGER DEFAULT 0,
			metrics TEXT,
			triggered_by TEXT,
			trigger_payload TEXT,
			partition_key TEXT,
			run_key TEXT,
			run_key_normalized TEXT,
			started_at TEXT,
			completed_at TEXT,
			duration_ms INTEGER DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_def_runkey ON workflow_runs(workflow_definition_id, run_key_normalized)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON workflow_runs(status)`,
		`CREATE TABLE IF NOT EXISTS workflow_run_steps (
			id TEXT PRIMARY KEY,
			workflow_run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER DEFAULT 1,
			retry_count INTEGER DEFAULT 0,
			retry_state TEXT NOT NULL,
			next_attempt_at TEXT,
			retry_metadata TEXT,
			job_run_id TEXT,
			input TEXT,
			output TEXT,
			error_message TEXT,
			failure_reason TEXT,
			logs_url TEXT,
			metrics TEXT,
			context TEXT,
			started_at TEXT,
			completed_at TEXT,
			last_heartbeat_at TEXT,
			parent_step_id TEXT,
			fanout_index INTEGER,
			template_step_id TEXT,
			UNIQUE(workflow_run_id, step_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON workflow_run_steps(workflow_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_status_heartbeat ON workflow_run_steps(status, last_heartbeat_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_run_step_assets (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL,
			workflow_run_id TEXT NOT NULL,
			workflow_run_step_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			payload TEXT,
			schema TEXT,
			freshness TEXT,
			partition_key TEXT,
			produced_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_step ON workflow_run_step_assets(workflow_run_step_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_asset_stale_partitions (
			workflow_definition_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			partition_key_normalized TEXT NOT NULL,
			partition_key TEXT,
			requested_at TEXT,
			requested_by TEXT,
			note TEXT,
			PRIMARY KEY (workflow_definition_id, asset_id, partition_key_normalized)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_schedules (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL,
			cron TEXT NOT NULL,
			timezone TEXT,
			parameters TEXT,
			start_window TEXT,
			end_window TEXT,
			catch_up INTEGER DEFAULT 0,
			is_active INTEGER DEFAULT 1,
			next_run_at TEXT,
			catchup_cursor TEXT,
			last_materialized_window TEXT,
			updated_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON workflow_schedules(is_active, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_asset_recovery_requests (
			id TEXT PRIMARY KEY,
			asset_id TEXT NOT NULL,
			partition_key_normalized TEXT NOT NULL,
			workflow_definition_id TEXT,
			status TEXT NOT NULL,
			recovery_workflow_run_id TEXT,
			requested_by_workflow_run_id TEXT,
			requested_by_workflow_run_step_id TEXT,
			attempts INTEGER DEFAULT 0,
			last_attempt_at TEXT,
			last_error TEXT,
			metadata TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recovery_asset_partition ON workflow_asset_recovery_requests(asset_id, partition_key_normalized)`,
		`CREATE TABLE IF NOT EXISTS workflow_history_events (
			id TEXT PRIMARY KEY,
			workflow_run_id TEXT NOT NULL,
			step_id TEXT,
			kind TEXT NOT NULL,
			message TEXT,
			data TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_run ON workflow_history_events(workflow_run_id, created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
