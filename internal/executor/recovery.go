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
	"encoding/json"
	"time"

	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
)

// RecoveryDelegate is the §4.6 asset-recovery manager's port into the
// executor, kept as an interface here so internal/executor never imports
// internal/recovery; internal/recovery's Manager implements it on top of
// the repository ports and the queue. EnsureRecovery creates or reuses the
// pending recovery request for descriptor and returns the poll state the
// executor stashes on the consumer step. PollRecovery reports the
// request's current status.
type RecoveryDelegate interface {
	EnsureRecovery(ctx context.Context, run *workflow.WorkflowRun, def *workflow.WorkflowDefinition, step *workflow.StepDefinition, descriptor workflow.AssetRecoveryDescriptor) (*workflow.RecoveryPollState, error)
	PollRecovery(ctx context.Context, requestID string) (workflow.RecoveryRequestStatus, error)
}

// pollPendingRecovery implements §4.4 job state-machine step 3: if
// stepRecord carries a pending recovery poll, either resolve it (clearing
// the metadata and letting normal execution continue) or reschedule
// another poll and return without executing. handled is false when there
// is no recovery metadata to act on, meaning the caller should proceed
// with the ordinary job state machine.
func (e *Executor) pollPendingRecovery(ctx context.Context, run *workflow.WorkflowRun, step *workflow.StepDefinition, rc *workflow.RuntimeContext, stepRecord *workflow.WorkflowRunStep) (*workflow.StepExecutionResult, bool, error) {
	if len(stepRecord.RetryMetadata) == 0 || e.Recovery == nil {
		return nil, false, nil
	}
	var meta workflow.RecoveryMetadata
	if err := json.Unmarshal(stepRecord.RetryMetadata, &meta); err != nil || meta.Recovery == nil {
		return nil, false, nil
	}

	status, err := e.Recovery.PollRecovery(ctx, meta.Recovery.RequestID)
	if err != nil {
		return nil, true, err
	}

	if !status.Terminal() {
		result, err := e.reschedulePoll(ctx, stepRecord, *meta.Recovery, status)
		return result, true, err
	}

	if status == workflow.RecoverySucceeded {
		cleared, err := e.clearRecoveryMetadata(ctx, stepRecord)
		if err != nil {
			return nil, true, err
		}
		rc.Steps[step.ID] = &workflow.StepRuntime{Status: cleared.Status, Attempt: cleared.Attempt}
		return nil, false, nil
	}

	cleared, err := e.clearRecoveryMetadata(ctx, stepRecord)
	if err != nil {
		return nil, true, err
	}
	result, err := e.finalizeStepFailure(ctx, run, step, cleared, "asset recovery failed for "+meta.Recovery.AssetID, workflow.FailureReasonAssetMissing)
	return result, true, err
}

func (e *Executor) reschedulePoll(ctx context.Context, stepRecord *workflow.WorkflowRunStep, poll workflow.RecoveryPollState, status workflow.RecoveryRequestStatus) (*workflow.StepExecutionResult, error) {
	poll.Status = status
	poll.LastCheckedAt = time.Now().UTC()
	encoded, err := json.Marshal(workflow.RecoveryMetadata{Recovery: &poll})
	if err != nil {
		return nil, err
	}
	next := time.Now().UTC().Add(e.AssetRecoveryPollInterval)
	updated, err := e.Steps.UpdateRunStep(ctx, stepRecord.ID, repository.StepPatch{
		RetryState:    retryStatePtr(workflow.RetryStateScheduled),
		RetryMetadata: encoded,
		NextAttemptAt: &next,
	})
	if err != nil {
		return nil, err
	}
	return &workflow.StepExecutionResult{StepStatus: workflow.StepPending, Completed: false, StepPatch: updated}, nil
}

func (e *Executor) clearRecoveryMetadata(ctx context.Context, stepRecord *workflow.WorkflowRunStep) (*workflow.WorkflowRunStep, error) {
	return e.Steps.UpdateRunStep(ctx, stepRecord.ID, repository.StepPatch{
		ClearRetryMetadata: true,
		ClearNextAttempt:   true,
		RetryState:         retryStatePtr(workflow.RetryStatePending),
	})
}

// beginAssetRecovery implements §4.4 job state-machine step 7's
// delegation branch: a job failed with failureReason==asset_missing and
// an extractable descriptor, so a producer run is requested and the
// consumer step parks on a scheduled poll instead of failing outright.
func (e *Executor) beginAssetRecovery(ctx context.Context, run *workflow.WorkflowRun, def *workflow.WorkflowDefinition, step *workflow.StepDefinition, rc *workflow.RuntimeContext, stepRecord *workflow.WorkflowRunStep, descriptor workflow.AssetRecoveryDescriptor) (*workflow.StepExecutionResult, error) {
	if e.Recovery == nil {
		return e.finalizeStepFailure(ctx, run, step, stepRecord, "asset "+descriptor.AssetID+" missing and no recovery manager configured", workflow.FailureReasonAssetMissing)
	}

	poll, err := e.Recovery.EnsureRecovery(ctx, run, def, step, descriptor)
	if err != nil {
		return e.finalizeStepFailure(ctx, run, step, stepRecord, err.Error(), workflow.FailureReasonAssetMissing)
	}
	poll.LastCheckedAt = time.Now().UTC()

	encoded, err := json.Marshal(workflow.RecoveryMetadata{Recovery: poll})
	if err != nil {
		return nil, err
	}
	next := time.Now().UTC().Add(e.AssetRecoveryPollInterval)
	updated, err := e.Steps.UpdateRunStep(ctx, stepRecord.ID, repository.StepPatch{
		Status:        statusPtr(workflow.StepPending),
		RetryState:    retryStatePtr(workflow.RetryStateScheduled),
		RetryMetadata: encoded,
		NextAttemptAt: &next,
		ErrorMessage:  strPtr("waiting on asset recovery for " + descriptor.AssetID),
	})
	if err != nil {
		return nil, err
	}

	rc.Steps[step.ID] = &workflow.StepRuntime{Status: workflow.StepPending, ErrorMessage: updated.ErrorMessage}

	return &workflow.StepExecutionResult{Context: rc, StepStatus: workflow.StepPending, Completed: false, StepPatch: updated}, nil
}
