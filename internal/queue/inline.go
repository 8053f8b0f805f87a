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

package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// pendingJob tracks one scheduled timer so CancelJob and idempotent
// re-enqueue can find it by id.
type pendingJob struct {
	timer *time.Timer
	runAt time.Time
}

// Inline is an in-process Queue backed by time.AfterFunc timers. It has
// no durability: a process restart drops anything still pending. This
// mirrors the teacher's in-memory job dispatch used in single-node/dev
// deployments, generalized to the two job kinds this module needs.
type Inline struct {
	mu      sync.Mutex
	logger  *slog.Logger
	runs    map[string]*pendingJob
	expiry  map[string]*pendingJob
	onRun   RunHandler
	onAsset AssetExpiryHandler
}

// NewInline constructs an Inline queue with no handlers; SetHandlers
// wires them, e.g. once the orchestrator that will consume the queue has
// been constructed. Each handler runs on its timer's own goroutine.
func NewInline(logger *slog.Logger) *Inline {
	return &Inline{
		logger: logger.With(slog.String("component", "queue.inline")),
		runs:   make(map[string]*pendingJob),
		expiry: make(map[string]*pendingJob),
	}
}

// SetHandlers wires the callbacks invoked when jobs fire. Must be called
// before any job can be dispatched.
func (q *Inline) SetHandlers(onRun RunHandler, onAssetExpiry AssetExpiryHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onRun = onRun
	q.onAsset = onAssetExpiry
}

func runJobID(job RunJob) string {
	if job.StepID != "" {
		return "run:" + job.WorkflowRunID + ":" + job.StepID
	}
	return "run:" + job.WorkflowRunID
}

// EnqueueRun implements Queue.
func (q *Inline) EnqueueRun(ctx context.Context, job RunJob) error {
	return q.scheduleRun(job, 0)
}

// ScheduleRetry implements Queue.
func (q *Inline) ScheduleRetry(ctx context.Context, job RunJob, runAt time.Time) error {
	delay := time.Until(runAt)
	if delay < 0 {
		delay = 0
	}
	return q.scheduleRun(job, delay)
}

func (q *Inline) scheduleRun(job RunJob, delay time.Duration) error {
	id := runJobID(job)
	runAt := time.Now().Add(delay)

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.runs[id]; ok {
		// Idempotent re-enqueue: a pending job for the same id already
		// scheduled at or before the requested time is left alone.
		if !existing.runAt.After(runAt) {
			return nil
		}
		existing.timer.Stop()
	}

	timer := time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.runs, id)
		handler := q.onRun
		q.mu.Unlock()
		if handler == nil {
			q.logger.Warn("run job fired with no handler registered", slog.String("jobId", id))
			return
		}
		handler(context.Background(), job)
	})
	q.runs[id] = &pendingJob{timer: timer, runAt: runAt}
	return nil
}

// ScheduleAssetExpiry implements Queue.
func (q *Inline) ScheduleAssetExpiry(ctx context.Context, jobID string, payload AssetExpiryPayload, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	runAt := time.Now().Add(delay)

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.expiry[jobID]; ok {
		if !existing.runAt.After(runAt) {
			return nil
		}
		existing.timer.Stop()
	}

	timer := time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.expiry, jobID)
		handler := q.onAsset
		q.mu.Unlock()
		if handler == nil {
			q.logger.Warn("asset expiry job fired with no handler registered", slog.String("jobId", jobID))
			return
		}
		handler(context.Background(), payload)
	})
	q.expiry[jobID] = &pendingJob{timer: timer, runAt: runAt}
	return nil
}

// CancelJob implements Queue. It checks both job namespaces since callers
// identify jobs by a single opaque id.
func (q *Inline) CancelJob(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.runs[jobID]; ok {
		job.timer.Stop()
		delete(q.runs, jobID)
		return nil
	}
	if job, ok := q.expiry[jobID]; ok {
		job.timer.Stop()
		delete(q.expiry, jobID)
		return nil
	}
	return nil
}

// Close stops every pending timer. Safe to call once during shutdown.
func (q *Inline) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, job := range q.runs {
		job.timer.Stop()
		delete(q.runs, id)
	}
	for id, job := range q.expiry {
		job.timer.Stop()
		delete(q.expiry, id)
	}
}

var _ Queue = (*Inline)(nil)
