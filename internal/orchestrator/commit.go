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

package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tombee/workflow-core/internal/observability"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
)

func stepStatusPtr(s workflow.StepStatus) *workflow.StepStatus { return &s }
func retryStatePtr(s workflow.RetryState) *workflow.RetryState { return &s }

// commitSucceeded implements §4.5's success settlement: every step has
// terminated, so the run's output is derived from the shared context
// (null when it is empty) and the run is marked succeeded.
func (o *Orchestrator) commitSucceeded(ctx context.Context, run *workflow.WorkflowRun, rc *workflow.RuntimeContext) error {
	now := time.Now().UTC()
	status := workflow.RunSucceeded
	output := deriveOutput(rc)

	patch := repository.RunPatch{
		Status:      &status,
		Output:      output,
		Context:     mustMarshalRC(o, run, rc),
		CompletedAt: &now,
		Metrics:     completedMetrics(run, rc),
	}
	if run.StartedAt != nil {
		duration := now.Sub(*run.StartedAt).Milliseconds()
		patch.DurationMs = &duration
	}

	updated, changed, err := o.Runs.UpdateRun(ctx, run.ID, patch)
	if err != nil {
		return err
	}
	o.appendHistory(ctx, run.ID, workflow.HistoryRunStatus, "run succeeded", nil, now)
	observability.RecordRunStatus(string(workflow.RunSucceeded))
	if changed {
		o.emitRunUpdated(ctx, updated)
	}
	return nil
}

// commitFailure implements §4.5's failure settlement: the run is marked
// failed with the first failure's message, whether that failure came
// from a step, a fan-out child aggregate, or the run's own setup (a
// missing workflow definition, a scheduling stall).
func (o *Orchestrator) commitFailure(ctx context.Context, run *workflow.WorkflowRun, message string) error {
	now := time.Now().UTC()
	status := workflow.RunFailed

	patch := repository.RunPatch{
		Status:       &status,
		ErrorMessage: &message,
		CompletedAt:  &now,
	}
	if run.StartedAt != nil {
		duration := now.Sub(*run.StartedAt).Milliseconds()
		patch.DurationMs = &duration
	}

	updated, changed, err := o.Runs.UpdateRun(ctx, run.ID, patch)
	if err != nil {
		return err
	}
	o.appendHistory(ctx, run.ID, workflow.HistoryRunStatus, "run failed: "+message, nil, now)
	observability.RecordRunStatus(string(workflow.RunFailed))
	if changed {
		o.emitRunUpdated(ctx, updated)
	}
	return nil
}

// commitCanceled implements the run cancellation surface's settlement: the
// scheduling loop's dispatch context was canceled by CancelRun, so the
// run's status is (idempotently) finalized as RunCanceled and its last
// runtime context persisted, without clobbering whatever reason CancelRun
// originally recorded.
func (o *Orchestrator) commitCanceled(ctx context.Context, run *workflow.WorkflowRun, rc *workflow.RuntimeContext) error {
	updated, changed, err := o.Runs.CancelRun(ctx, run.ID, "run canceled")
	if err != nil {
		return err
	}
	if _, _, err := o.Runs.UpdateRun(ctx, run.ID, repository.RunPatch{Context: mustMarshalRC(o, run, rc)}); err != nil {
		o.Logger.Warn("persist canceled run context", "runId", run.ID, "error", err)
	}
	o.appendHistory(ctx, run.ID, workflow.HistoryRunStatus, "run canceled: "+updated.ErrorMessage, nil, time.Now().UTC())
	observability.RecordRunStatus(string(workflow.RunCanceled))
	if changed {
		o.emitRunUpdated(ctx, updated)
	}
	return nil
}

// deriveOutput returns the run's output per §4.5: the shared context
// object, or JSON null when it carries nothing.
func deriveOutput(rc *workflow.RuntimeContext) json.RawMessage {
	if len(rc.Shared) == 0 {
		return json.RawMessage("null")
	}
	encoded, err := json.Marshal(rc.Shared)
	if err != nil {
		return json.RawMessage("null")
	}
	return encoded
}

func mustMarshalRC(o *Orchestrator, run *workflow.WorkflowRun, rc *workflow.RuntimeContext) json.RawMessage {
	rc.Touch(time.Now().UTC())
	encoded, err := json.Marshal(rc)
	if err != nil {
		o.Logger.Warn("marshal run context", "runId", run.ID, "error", err)
		return run.Context
	}
	return encoded
}

// completedMetrics recomputes the run's step-completion tally from the
// final runtime context so RunMetrics.CompletedSteps reflects reality
// even when a step's patch never flowed through an intermediate commit.
func completedMetrics(run *workflow.WorkflowRun, rc *workflow.RuntimeContext) *workflow.RunMetrics {
	completed := 0
	for _, sr := range rc.Steps {
		if sr != nil && sr.Status.Terminal() {
			completed++
		}
	}
	metrics := run.Metrics
	metrics.TotalSteps = len(rc.Steps)
	metrics.CompletedSteps = completed
	return &metrics
}
