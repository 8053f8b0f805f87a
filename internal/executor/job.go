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
	"log/slog"
	"time"

	"github.com/tombee/workflow-core/internal/jobrunner"
	intlog "github.com/tombee/workflow-core/internal/log"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
	"github.com/tombee/workflow-core/pkg/workflow/template"
)

// executeJob implements the §4.4 job step state machine.
func (e *Executor) executeJob(ctx context.Context, run *workflow.WorkflowRun, def *workflow.WorkflowDefinition, step *workflow.StepDefinition, rc *workflow.RuntimeContext, params map[string]any, scope *template.Scope) (*workflow.StepExecutionResult, error) {
	stepRecord, err := e.loadOrCreateStep(ctx, run, step)
	if err != nil {
		return nil, err
	}

	if stepRecord.Status == workflow.StepSucceeded {
		hydrateSucceeded(rc, step.ID, stepRecord)
		return &workflow.StepExecutionResult{Context: rc, StepStatus: workflow.StepSucceeded, Completed: true, StepPatch: stepRecord}, nil
	}

	if result, handled, err := e.pollPendingRecovery(ctx, run, step, rc, stepRecord); handled {
		return result, err
	}

	if ctx.Err() != nil {
		return e.finalizeStepCanceled(ctx, stepRecord, "run canceled before step started")
	}

	stepRecord, err = e.transitionRunning(ctx, run, step, stepRecord)
	if err != nil {
		return nil, err
	}

	var bundle *jobrunner.BundleOverride
	if step.Bundle != nil && step.Bundle.Strategy != "" && step.Bundle.Strategy != "latest" {
		bundle = &jobrunner.BundleOverride{Slug: step.Bundle.Slug, Version: step.Bundle.Version, ExportName: step.Bundle.ExportName}
	}

	jobRun, err := e.Jobs.CreateJobRunForSlug(ctx, jobrunner.CreateRequest{
		Slug:        step.JobSlug,
		Parameters:  params,
		TimeoutMs:   step.TimeoutMs,
		MaxAttempts: step.RetryPolicy.MaxAttemptsOrDefault(0),
		Bundle:      bundle,
	})
	if err != nil {
		return e.finalizeStepFailure(ctx, run, step, stepRecord, err.Error(), "job_submission_failed")
	}

	terminal, err := e.Jobs.ExecuteJobRun(ctx, jobRun.ID)
	if err != nil {
		if ctx.Err() != nil {
			return e.finalizeStepCanceled(ctx, stepRecord, "run canceled while step was in flight")
		}
		return e.finalizeStepFailure(ctx, run, step, stepRecord, err.Error(), "job_execution_failed")
	}

	if terminal.Status == jobrunner.JobRunSucceeded {
		return e.settleJobSuccess(ctx, run, def, step, rc, stepRecord, terminal)
	}

	if terminal.FailureReason == workflow.FailureReasonAssetMissing {
		if descriptor, ok := extractAssetRecoveryDescriptor(terminal.Context); ok {
			return e.beginAssetRecovery(ctx, run, def, step, rc, stepRecord, descriptor)
		}
	}

	return e.finalizeStepFailure(ctx, run, step, stepRecord, terminal.ErrorMessage, terminal.FailureReason)
}

func hydrateSucceeded(rc *workflow.RuntimeContext, stepID string, record *workflow.WorkflowRunStep) {
	rc.Steps[stepID] = &workflow.StepRuntime{
		Status:     workflow.StepSucceeded,
		Attempt:    record.Attempt,
		RetryCount: record.RetryCount,
		Output:     record.Output,
	}
}

// transitionRunning moves a step to running and clears any produced
// assets from a prior attempt, §4.4 job state machine step 4.
func (e *Executor) transitionRunning(ctx context.Context, run *workflow.WorkflowRun, step *workflow.StepDefinition, stepRecord *workflow.WorkflowRunStep) (*workflow.WorkflowRunStep, error) {
	if e.Assets != nil {
		if err := e.Assets.Clear(ctx, run.WorkflowDefinitionID, run.ID, stepRecord.ID, step.ID); err != nil {
			intlog.WithStepContext(e.Logger, run.ID, step.ID).Warn("clear prior produced assets", slog.Any("error", err))
		}
	}

	now := time.Now().UTC()
	attempt := stepRecord.Attempt + 1
	updated, err := e.Steps.UpdateRunStep(ctx, stepRecord.ID, repository.StepPatch{
		Status:             statusPtr(workflow.StepRunning),
		Attempt:            &attempt,
		StartedAt:          &now,
		ClearCompletedAt:   true,
		ClearRetryMetadata: true,
		ClearJobRunID:      true,
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// settleJobSuccess persists declared produced assets and stores
// storeResultAs into shared context, §4.4 job state machine step 7.
func (e *Executor) settleJobSuccess(ctx context.Context, run *workflow.WorkflowRun, def *workflow.WorkflowDefinition, step *workflow.StepDefinition, rc *workflow.RuntimeContext, stepRecord *workflow.WorkflowRunStep, terminal *jobrunner.JobRun) (*workflow.StepExecutionResult, error) {
	output, err := json.Marshal(terminal.Result)
	if err != nil {
		output = nil
	}

	var producedAssets []workflow.WorkflowRunStepAsset
	if e.Assets != nil {
		producedAssets, err = e.Assets.Persist(ctx, run.WorkflowDefinitionID, run.ID, stepRecord.ID, step.ID, step, terminal.Result, run, time.Now().UTC())
		if err != nil {
			return e.finalizeStepFailure(ctx, run, step, stepRecord, err.Error(), "asset_persistence_failed")
		}
	}

	now := time.Now().UTC()
	updated, err := e.Steps.UpdateRunStep(ctx, stepRecord.ID, repository.StepPatch{
		Status:           statusPtr(workflow.StepSucceeded),
		RetryState:       retryStatePtr(workflow.RetryStateCompleted),
		Output:           output,
		JobRunID:         strPtr(terminal.ID),
		CompletedAt:      &now,
		ClearNextAttempt: true,
	})
	if err != nil {
		return nil, err
	}
	updated.ProducedAssets = producedAssets

	var sharedPatch map[string]json.RawMessage
	if step.StoreResultAs != "" {
		sharedPatch = map[string]json.RawMessage{step.StoreResultAs: output}
		if rc.Shared == nil {
			rc.Shared = map[string]json.RawMessage{}
		}
		rc.Shared[step.StoreResultAs] = output
	}

	rc.Steps[step.ID] = &workflow.StepRuntime{Status: workflow.StepSucceeded, Attempt: updated.Attempt, Output: output, Assets: producedAssets}

	return &workflow.StepExecutionResult{
		Context:     rc,
		StepStatus:  workflow.StepSucceeded,
		Completed:   true,
		StepPatch:   updated,
		SharedPatch: sharedPatch,
	}, nil
}

func extractAssetRecoveryDescriptor(stepContext map[string]any) (workflow.AssetRecoveryDescriptor, bool) {
	raw, ok := stepContext["assetRecovery"]
	if !ok {
		return workflow.AssetRecoveryDescriptor{}, false
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return workflow.AssetRecoveryDescriptor{}, false
	}
	var descriptor workflow.AssetRecoveryDescriptor
	if err := json.Unmarshal(encoded, &descriptor); err != nil || descriptor.AssetID == "" {
		return workflow.AssetRecoveryDescriptor{}, false
	}
	return descriptor, true
}
