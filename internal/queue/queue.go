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

// Package queue declares the job-queue port (§4.2/§6) and an in-process
// inline implementation backed by time.AfterFunc timers. Two named job
// kinds travel through it: workflow.run (immediate or delayed dispatch of
// a run) and asset.expiry (TTL/cadence expiry notifications).
package queue

import (
	"context"
	"time"
)

// RunJob is the workflow.run queue payload (§4.2).
type RunJob struct {
	WorkflowRunID string
	RunKey        string
	StepID        string // set only for a scheduled per-step retry
	Attempt       int
}

// Queue is the port step executors, the orchestrator, the heartbeat
// monitor, and the asset subsystem all enqueue through.
type Queue interface {
	// EnqueueRun submits a run for immediate processing. Idempotent on
	// job id: re-adding an id already pending with the same delay is a
	// no-op.
	EnqueueRun(ctx context.Context, job RunJob) error

	// ScheduleRetry enqueues a run (optionally scoped to one step) to run
	// again at runAt.
	ScheduleRetry(ctx context.Context, job RunJob, runAt time.Time) error

	// ScheduleAssetExpiry schedules an asset.expiry job identified by
	// "reason:assetKey" so re-scheduling is idempotent per asset
	// partition per reason (§4.2/§4.7).
	ScheduleAssetExpiry(ctx context.Context, jobID string, payload AssetExpiryPayload, delay time.Duration) error

	// CancelJob removes a pending job by id, a no-op if it already fired
	// or never existed.
	CancelJob(ctx context.Context, jobID string) error
}

// AssetExpiryPayload is the asset.expiry job body (§4.2).
type AssetExpiryPayload struct {
	AssetKey    string
	Reason      string
	RequestedAt time.Time
	ExpiresAt   time.Time
	Asset       []byte // JSON-encoded produced-asset snapshot
}

// RunHandler is invoked with a RunJob when the inline queue dispatches
// it; the caller (typically the orchestrator's run-worker loop) supplies
// it through Inline.SetHandlers.
type RunHandler func(ctx context.Context, job RunJob)

// AssetExpiryHandler is invoked when an asset-expiry timer fires.
type AssetExpiryHandler func(ctx context.Context, payload AssetExpiryPayload)
