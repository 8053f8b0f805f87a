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

// Package heartbeat implements the §4.6 stale-step monitor: a ticking
// background loop that reclaims steps whose job stopped heartbeating,
// converting them to a fresh retry attempt when the step's retry budget
// allows it, or failing them outright once it's exhausted.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/workflow-core/internal/observability"
	"github.com/tombee/workflow-core/internal/queue"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
)

// Config configures a Monitor. CheckInterval, Timeout, and BatchSize
// normally come straight from config.Config's Heartbeat* fields.
type Config struct {
	Definitions repository.DefinitionStore
	Runs        repository.RunStore
	Steps       repository.StepStore
	History     repository.HistoryStore
	Queue       queue.Queue

	CheckInterval time.Duration
	Timeout       time.Duration
	BatchSize     int

	Logger *slog.Logger
}

// Monitor runs the §4.6 heartbeat sweep on its own goroutine, following
// this repo's own leaderelect.Elector shape: a Config with defaults
// applied at construction, Start/Stop around a ticking loop, stopCh/doneCh
// for clean shutdown.
type Monitor struct {
	defs    repository.DefinitionStore
	runs    repository.RunStore
	steps   repository.StepStore
	history repository.HistoryStore
	queue   queue.Queue

	interval  time.Duration
	timeout   time.Duration
	batchSize int

	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Monitor from cfg, applying §4.6's documented defaults
// for any zero-valued interval/timeout/batch field.
func New(cfg Config) *Monitor {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		defs:      cfg.Definitions,
		runs:      cfg.Runs,
		steps:     cfg.Steps,
		history:   cfg.History,
		queue:     cfg.Queue,
		interval:  interval,
		timeout:   timeout,
		batchSize: batch,
		logger:    logger.With(slog.String("component", "heartbeat")),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the ticking sweep loop on its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep runs one §4.6 pass: find stale steps, reconcile each one, and
// re-enqueue its run so the orchestrator re-evaluates state.
func (m *Monitor) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.timeout)

	refs, err := m.steps.FindStaleRunSteps(ctx, cutoff, m.batchSize)
	if err != nil {
		m.logger.Error("find stale run steps", "error", err)
		return
	}

	for _, ref := range refs {
		if err := m.reconcile(ctx, ref, cutoff); err != nil {
			m.logger.Error("reconcile stale step", "runId", ref.RunID, "stepId", ref.StepID, "error", err)
		}
	}
}

// reconcile reloads one stale reference, confirms it's still actually
// stale (a heartbeat may have landed between the query and now), and
// either schedules a fresh attempt or fails the step outright.
func (m *Monitor) reconcile(ctx context.Context, ref repository.StaleStepRef, cutoff time.Time) error {
	run, err := m.runs.GetRun(ctx, ref.RunID)
	if err != nil {
		return err
	}
	if run.Status != workflow.RunRunning {
		return nil
	}

	step, found, err := m.steps.GetStepByStepID(ctx, ref.RunID, ref.StepID)
	if err != nil {
		return err
	}
	if !found || step.Status != workflow.StepRunning {
		return nil
	}
	heartbeat := step.EffectiveHeartbeat()
	if heartbeat == nil || heartbeat.After(cutoff) {
		return nil
	}

	def, err := m.defs.GetDefinition(ctx, run.WorkflowDefinitionID)
	if err != nil {
		return err
	}
	stepDef, _ := def.StepByID(step.StepID)

	maxAttempts := 0
	unbounded := true
	if stepDef != nil && stepDef.RetryPolicy != nil {
		unbounded = stepDef.RetryPolicy.Unbounded()
		maxAttempts = stepDef.RetryPolicy.MaxAttempts
	}

	now := time.Now().UTC()
	if unbounded || step.RetryCount+1 < maxAttempts {
		return m.retry(ctx, run, step, now)
	}
	return m.fail(ctx, run, step, now)
}

// retry rewrites a stale step back to pending with an incremented
// attempt/retryCount and failure reason heartbeat-timeout, then
// re-enqueues the run so it dispatches a fresh attempt.
func (m *Monitor) retry(ctx context.Context, run *workflow.WorkflowRun, step *workflow.WorkflowRunStep, now time.Time) error {
	status := workflow.StepPending
	retryState := workflow.RetryStatePending
	attempt := step.Attempt + 1
	retryCount := step.RetryCount + 1
	reason := workflow.FailureReasonHeartbeatTimeout

	patch := repository.StepPatch{
		Status:           &status,
		RetryState:       &retryState,
		Attempt:          &attempt,
		RetryCount:       &retryCount,
		FailureReason:    &reason,
		ClearJobRunID:    true,
		ClearStartedAt:   true,
		ClearCompletedAt: true,
		ClearHeartbeat:   true,
		ClearNextAttempt: true,
	}

	if _, err := m.steps.UpdateRunStep(ctx, step.ID, patch); err != nil {
		return err
	}

	m.appendHistory(ctx, run.ID, workflow.HistoryStepTimeout, step.StepID+" timed out, scheduling retry", now)
	m.appendHistory(ctx, run.ID, workflow.HistoryRunReschedule, "run rescheduled after step timeout", now)
	observability.RecordHeartbeatReclaim("retried")

	if m.queue == nil {
		return nil
	}
	return m.queue.EnqueueRun(ctx, queue.RunJob{WorkflowRunID: run.ID, RunKey: run.RunKey, StepID: step.StepID, Attempt: attempt})
}

// fail marks a stale step failed once its retry budget is exhausted and
// re-enqueues the run so the orchestrator commits the run's own failure.
func (m *Monitor) fail(ctx context.Context, run *workflow.WorkflowRun, step *workflow.WorkflowRunStep, now time.Time) error {
	status := workflow.StepFailed
	retryState := workflow.RetryStateCompleted
	reason := workflow.FailureReasonHeartbeatTimeout
	message := "step timed out waiting for a heartbeat"

	patch := repository.StepPatch{
		Status:           &status,
		RetryState:       &retryState,
		FailureReason:    &reason,
		ErrorMessage:     &message,
		CompletedAt:      &now,
		ClearNextAttempt: true,
	}

	if _, err := m.steps.UpdateRunStep(ctx, step.ID, patch); err != nil {
		return err
	}

	m.appendHistory(ctx, run.ID, workflow.HistoryStepTimeout, step.StepID+" timed out, retry budget exhausted", now)
	m.appendHistory(ctx, run.ID, workflow.HistoryRunReschedule, "run rescheduled after step failure", now)
	observability.RecordHeartbeatReclaim("failed")
	observability.RecordStepStatus(string(workflow.StepFailed))

	if m.queue == nil {
		return nil
	}
	return m.queue.EnqueueRun(ctx, queue.RunJob{WorkflowRunID: run.ID, RunKey: run.RunKey})
}

func (m *Monitor) appendHistory(ctx context.Context, runID string, kind workflow.HistoryEventKind, message string, now time.Time) {
	if m.history == nil {
		return
	}
	event := workflow.NewHistoryEvent(runID, kind, message, nil, now)
	if err := m.history.AppendHistory(ctx, event); err != nil {
		m.logger.Warn("append history", "runId", runID, "kind", kind, "error", err)
	}
}
