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

// Package leaderelect provides Postgres-advisory-lock leader election,
// generalized from a single process-wide lock to an arbitrary number of
// named locks so the same mechanism serves both the singleton worker
// leader and the cron scheduler's per-schedule lock (§4.9: "a per-schedule
// advisory lock ensures only one worker materializes a given schedule's
// windows at a time").
package leaderelect

import (
	"context"
	"database/sql"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// LockID hashes an arbitrary string key to a Postgres advisory-lock id.
// Two distinct keys collide only if their FNV-1a hashes collide, which is
// an accepted, documented risk of the Postgres advisory lock namespace
// being a single int64 space.
func LockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// Elector manages leader election over a single named advisory lock. A
// worker process that needs several independent locks holds the
// long-lived singleton leader lock through an Elector and takes each
// short per-schedule lock through WithLock.
type Elector struct {
	db            *sql.DB
	key           string
	lockID        int64
	instance      string
	retryInterval time.Duration
	logger        *slog.Logger

	mu       sync.RWMutex
	isLeader bool
	conn     *sql.Conn // holds the session-level advisory lock while leader

	stopCh chan struct{}
	doneCh chan struct{}

	callbacks []func(isLeader bool)
}

// Config configures a single Elector.
type Config struct {
	DB            *sql.DB
	Key           string
	InstanceID    string
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// New constructs an Elector for the given key. The lock is not acquired
// until Start is called.
func New(cfg Config) *Elector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Elector{
		db:       cfg.DB,
		key:      cfg.Key,
		lockID:   LockID(cfg.Key),
		instance: cfg.InstanceID,
		retryInterval: cfg.RetryInterval,
		logger: logger.With(
			slog.String("component", "leaderelect"),
			slog.String("key", cfg.Key),
			slog.String("instanceId", cfg.InstanceID),
		),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the acquire/renew loop on its own goroutine. A
// retryInterval <= 0 uses the Config's RetryInterval.
func (e *Elector) Start(ctx context.Context, retryInterval time.Duration) {
	if retryInterval <= 0 {
		retryInterval = e.retryInterval
	}
	go e.run(ctx, retryInterval)
}

// Stop releases the lock if held and waits for the loop to exit.
func (e *Elector) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// IsLeader reports whether this Elector currently holds the lock.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// OnLeadershipChange registers a callback invoked whenever leadership
// status flips.
func (e *Elector) OnLeadershipChange(callback func(isLeader bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, callback)
}

func (e *Elector) run(ctx context.Context, retryInterval time.Duration) {
	defer close(e.doneCh)

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	e.tryAcquire(ctx)

	for {
		select {
		case <-ctx.Done():
			e.release(context.Background())
			return
		case <-e.stopCh:
			e.release(context.Background())
			return
		case <-ticker.C:
			if !e.IsLeader() {
				e.tryAcquire(ctx)
			} else if !e.verify(ctx) {
				e.setLeader(false, nil)
				e.logger.Warn("lost leadership, will retry")
			}
		}
	}
}

// tryAcquire takes a dedicated connection and attempts a non-blocking
// session-level advisory lock on it. Session-level locks (rather than
// transaction-level) are required because the lock must outlive the
// statement that acquired it; a dedicated *sql.Conn is required because
// the lock is bound to the Postgres backend session holding it, and the
// pool must not hand that connection to unrelated queries while held.
func (e *Elector) tryAcquire(ctx context.Context) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		e.logger.Error("failed to obtain connection for leadership attempt", slog.Any("error", err))
		return
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.lockID).Scan(&acquired); err != nil {
		e.logger.Error("failed to attempt leadership acquisition", slog.Any("error", err))
		_ = conn.Close()
		return
	}
	if !acquired {
		_ = conn.Close()
		return
	}

	e.setLeader(true, conn)
	e.logger.Info("acquired leadership")
}

// verify checks the held connection still reports the lock.
func (e *Elector) verify(ctx context.Context) bool {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()
	if conn == nil {
		return false
	}
	var holding bool
	err := conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			AND objid = ($1 & 4294967295)::int
			AND classid = ($1 >> 32)::int
			AND pid = pg_backend_pid()
		)
	`, e.lockID).Scan(&holding)
	if err != nil {
		e.logger.Error("failed to verify leadership", slog.Any("error", err))
		return false
	}
	return holding
}

func (e *Elector) release(ctx context.Context) {
	e.mu.RLock()
	conn := e.conn
	wasLeader := e.isLeader
	e.mu.RUnlock()
	if !wasLeader || conn == nil {
		return
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", e.lockID); err != nil {
		e.logger.Error("failed to release leadership", slog.Any("error", err))
	}
	_ = conn.Close()
	e.setLeader(false, nil)
	e.logger.Info("released leadership")
}

func (e *Elector) setLeader(isLeader bool, conn *sql.Conn) {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = isLeader
	if e.conn != nil && e.conn != conn {
		_ = e.conn.Close()
	}
	e.conn = conn
	callbacks := make([]func(bool), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.Unlock()

	if wasLeader != isLeader {
		for _, cb := range callbacks {
			cb(isLeader)
		}
	}
}

// Status summarizes current leadership for diagnostics.
type Status struct {
	Key        string `json:"key"`
	InstanceID string `json:"instanceId"`
	IsLeader   bool   `json:"isLeader"`
}

// Status returns the current status.
func (e *Elector) Status() Status {
	return Status{Key: e.key, InstanceID: e.instance, IsLeader: e.IsLeader()}
}
