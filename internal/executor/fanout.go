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
	"regexp"
	"strconv"
	"time"

	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
	"github.com/tombee/workflow-core/pkg/workflow/template"
)

var childIDSanitizer = regexp.MustCompile(`[^A-Za-z0-9\-_:.]`)

// executeFanout implements the §4.4 fan-out step state machine: resolve
// the collection, clamp it to the configured caps, synthesize one child
// StepDefinition per item, mark the parent running, and return without
// waiting on any child (Completed=false, FanOut set) so the orchestrator
// registers and schedules them.
func (e *Executor) executeFanout(ctx context.Context, run *workflow.WorkflowRun, def *workflow.WorkflowDefinition, step *workflow.StepDefinition, rc *workflow.RuntimeContext) (*workflow.StepExecutionResult, error) {
	stepRecord, err := e.loadOrCreateStep(ctx, run, step)
	if err != nil {
		return nil, err
	}
	if stepRecord.Status == workflow.StepSucceeded {
		rc.Steps[step.ID] = &workflow.StepRuntime{Status: workflow.StepSucceeded, Output: stepRecord.Output}
		return &workflow.StepExecutionResult{Context: rc, StepStatus: workflow.StepSucceeded, Completed: true, StepPatch: stepRecord}, nil
	}

	merged := mergeParameters(run.Parameters, step.Parameters)
	scope := e.buildScope(run, step, rc, merged)
	tracker := template.NewTracker()
	resolved := template.ResolveValue(step.Collection, scope, tracker)
	if tracker.HasIssues() {
		return e.handleParameterResolutionFailure(ctx, run, step, rc, tracker)
	}

	items, ok := resolved.([]any)
	if !ok {
		return e.finalizeStepFailure(ctx, run, step, stepRecord, "fanout collection did not resolve to an array", workflow.FailureReasonParameterResolution)
	}

	maxItems := step.MaxItems
	if maxItems <= 0 || maxItems > e.FanoutMaxItems {
		maxItems = e.FanoutMaxItems
	}
	if len(items) > maxItems {
		items = items[:maxItems]
	}

	maxConcurrency := step.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = len(items)
	}
	if maxConcurrency > e.FanoutMaxConcurrency {
		maxConcurrency = e.FanoutMaxConcurrency
	}
	if maxConcurrency > len(items) {
		maxConcurrency = len(items)
	}

	children := make([]workflow.StepDefinition, 0, len(items))
	for i, item := range items {
		child := *step.Template
		idx := i
		child.ID = sanitizeChildID(step.ID + ":" + step.Template.ID + ":" + strconv.Itoa(i+1))
		child.ParentStepID = step.ID
		child.FanoutIndex = &idx
		child.TemplateStepID = step.Template.ID
		child.DependsOn = nil
		encodedItem, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		child.FanoutItem = encodedItem
		children = append(children, child)
	}

	now := time.Now().UTC()
	updated, err := e.Steps.UpdateRunStep(ctx, stepRecord.ID, repository.StepPatch{
		Status:    statusPtr(workflow.StepRunning),
		StartedAt: &now,
	})
	if err != nil {
		return nil, err
	}

	rc.Steps[step.ID] = &workflow.StepRuntime{Status: workflow.StepRunning}

	var sharedPatch map[string]json.RawMessage
	if step.StoreResultsAs != "" {
		sharedPatch = map[string]json.RawMessage{step.StoreResultsAs: json.RawMessage("[]")}
	}

	return &workflow.StepExecutionResult{
		Context:     rc,
		StepStatus:  workflow.StepRunning,
		Completed:   false,
		StepPatch:   updated,
		SharedPatch: sharedPatch,
		FanOut: &workflow.FanOutExpansion{
			ParentStepID:    step.ID,
			ParentRunStepID: updated.ID,
			Children:        children,
			MaxConcurrency:  maxConcurrency,
			StoreResultsAs:  step.StoreResultsAs,
		},
	}, nil
}

// sanitizeChildID normalizes a synthesized fan-out child id to the
// [A-Za-z0-9-_:.]+ charset §4.4 requires, replacing any other rune with
// "-".
func sanitizeChildID(id string) string {
	return childIDSanitizer.ReplaceAllString(id, "-")
}
