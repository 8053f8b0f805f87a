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

package executor

import (
	"context"
	"time"

	"github.com/tombee/workflow-core/internal/queue"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
)

// finalizeStepFailure implements the §4.4 "retry or fail" decision shared
// by the job and service state machines: reschedule the step for another
// attempt when its retry budget allows it, otherwise mark it terminally
// failed.
func (e *Executor) finalizeStepFailure(ctx context.Context, run *workflow.WorkflowRun, step *workflow.StepDefinition, stepRecord *workflow.WorkflowRunStep, errMsg, failureReason string) (*workflow.StepExecutionResult, error) {
	maxAttempts := step.RetryPolicy.MaxAttemptsOrDefault(0)
	if workflow.RetryBudgetExhausted(stepRecord.RetryCount, maxAttempts) {
		return e.failStepTerminally(ctx, step, stepRecord, errMsg, failureReason)
	}
	return e.scheduleStepRetry(ctx, run, step, stepRecord, errMsg, failureReason)
}

// finalizeStepCanceled marks a step StepSkipped in response to its run
// being canceled (§4.1 RunStore.CancelRun). It persists through a
// context.WithoutCancel copy of ctx so the write isn't itself aborted by
// the cancellation it's recording.
func (e *Executor) finalizeStepCanceled(ctx context.Context, stepRecord *workflow.WorkflowRunStep, reason string) (*workflow.StepExecutionResult, error) {
	now := time.Now().UTC()
	updated, err := e.Steps.UpdateRunStep(context.WithoutCancel(ctx), stepRecord.ID, repository.StepPatch{
		Status:           statusPtr(workflow.StepSkipped),
		RetryState:       retryStatePtr(workflow.RetryStateCompleted),
		ErrorMessage:     &reason,
		CompletedAt:      &now,
		ClearNextAttempt: true,
	})
	if err != nil {
		return nil, err
	}
	return &workflow.StepExecutionResult{
		StepStatus:   workflow.StepSkipped,
		Completed:    true,
		StepPatch:    updated,
		ErrorMessage: reason,
	}, nil
}

func (e *Executor) failStepTerminally(ctx context.Context, step *workflow.StepDefinition, stepRecord *workflow.WorkflowRunStep, errMsg, failureReason string) (*workflow.StepExecutionResult, error) {
	now := time.Now().UTC()
	updated, err := e.Steps.UpdateRunStep(ctx, stepRecord.ID, repository.StepPatch{
		Status:           statusPtr(workflow.StepFailed),
		RetryState:       retryStatePtr(workflow.RetryStateCompleted),
		ErrorMessage:     &errMsg,
		FailureReason:    &failureReason,
		CompletedAt:      &now,
		ClearNextAttempt: true,
	})
	if err != nil {
		return nil, err
	}
	return &workflow.StepExecutionResult{
		StepStatus:   workflow.StepFailed,
		Completed:    true,
		StepPatch:    updated,
		ErrorMessage: errMsg,
	}, nil
}

func (e *Executor) scheduleStepRetry(ctx context.Context, run *workflow.WorkflowRun, step *workflow.StepDefinition, stepRecord *workflow.WorkflowRunStep, errMsg, failureReason string) (*workflow.StepExecutionResult, error) {
	now := time.Now().UTC()
	nextAttempt := stepRecord.Attempt + 1
	retryCount := stepRecord.RetryCount + 1
	retryAt := workflow.ComputeWorkflowRetryTimestamp(now, nextAttempt, step.RetryPolicy, e.RetryBackoff)

	updated, err := e.Steps.UpdateRunStep(ctx, stepRecord.ID, repository.StepPatch{
		Status:           statusPtr(workflow.StepPending),
		RetryState:       retryStatePtr(workflow.RetryStateScheduled),
		RetryCount:       &retryCount,
		NextAttemptAt:    &retryAt,
		ErrorMessage:     &errMsg,
		FailureReason:    &failureReason,
		ClearJobRunID:    true,
		ClearStartedAt:   true,
		ClearCompletedAt: true,
		ClearHeartbeat:   true,
	})
	if err != nil {
		return nil, err
	}

	if e.Queue != nil {
		if err := e.Queue.ScheduleRetry(ctx, queue.RunJob{WorkflowRunID: run.ID, RunKey: run.RunKey, StepID: step.ID, Attempt: nextAttempt}, retryAt); err != nil {
			e.Logger.Warn("schedule step retry", "stepId", step.ID, "error", err)
		}
	}

	return &workflow.StepExecutionResult{
		StepStatus: workflow.StepPending,
		Completed:  false,
		StepPatch:  updated,
		ScheduledRetry: &workflow.ScheduledRetry{
			StepID:  step.ID,
			Attempt: nextAttempt,
			RunAt:   retryAt.Format(time.RFC3339),
			Reason:  failureReason,
		},
		ErrorMessage: errMsg,
	}, nil
}

// sleepOrCancel blocks for d or returns ctx.Err() if ctx is canceled
// first, used by the service step's in-loop backoff between attempts.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
