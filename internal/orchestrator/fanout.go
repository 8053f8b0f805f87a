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
	"fmt"
	"sort"
	"strings"
	"time"

	intlog "github.com/tombee/workflow-core/internal/log"
	"github.com/tombee/workflow-core/internal/observability"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
)

// assetSource is one entry of the {sources: [...]} rollup §4.5 describes
// for a fan-out parent's produced assets.
type assetSource struct {
	StepID     string          `json:"stepId"`
	ProducedAt time.Time       `json:"producedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// fanOutSettlement is settleFanOut's verdict: whether the parent's
// children collectively failed, and the message to propagate as the
// run's failure when they did.
type fanOutSettlement struct {
	failed  bool
	message string
}

// registerFanOut records every synthesized child definition and, on the
// first sighting of a given parent, seeds its FanOutState. A parent step
// can be re-executed idempotently after a process restart (its own
// record is still "running"), so a second expansion for an
// already-tracked parent is a no-op here; the already-succeeded children
// it re-names will simply short-circuit when re-dispatched.
func (o *Orchestrator) registerFanOut(fanStates map[string]*workflow.FanOutState, childDefs map[string]*workflow.StepDefinition, expansion *workflow.FanOutExpansion) {
	for i := range expansion.Children {
		child := &expansion.Children[i]
		childDefs[child.ID] = child
	}
	if _, exists := fanStates[expansion.ParentStepID]; exists {
		return
	}
	fanStates[expansion.ParentStepID] = workflow.NewFanOutState(expansion)
}

// applyFanOutChildOutcome folds one child's StepExecutionResult into rc
// and the parent's FanOutState. It returns true when the child parked
// itself on a scheduled retry or recovery poll rather than terminating;
// such a child is left in fs.Active, which keeps the parent from
// reaching AllTerminal until some later job wakes it.
func (o *Orchestrator) applyFanOutChildOutcome(rc *workflow.RuntimeContext, childDefs map[string]*workflow.StepDefinition, fs *workflow.FanOutState, outcome stepOutcome) bool {
	result := outcome.result
	applyStepContext(rc, result.Context, outcome.stepID)
	applySharedPatch(rc, result.SharedPatch)

	if !result.Completed {
		return true
	}

	childDef := childDefs[outcome.stepID]
	var item json.RawMessage
	index := 0
	if childDef != nil {
		item = childDef.FanoutItem
		if childDef.FanoutIndex != nil {
			index = *childDef.FanoutIndex
		}
	}

	var output json.RawMessage
	var assets []workflow.WorkflowRunStepAsset
	if sr := rc.Steps[outcome.stepID]; sr != nil {
		output = sr.Output
		assets = sr.Assets
	}

	observability.RecordStepStatus(string(result.StepStatus))
	fs.Settle(outcome.stepID, workflow.FanOutChildResult{
		StepID:       outcome.stepID,
		Index:        index,
		Status:       result.StepStatus,
		Output:       output,
		ErrorMessage: result.ErrorMessage,
		Item:         item,
		Assets:       assets,
	})
	return false
}

// settleFanOut implements §4.5's fan-out settlement: once every child of
// a parent has terminated, roll the results up sorted by index, fail the
// parent with an aggregated message when any child failed, and persist
// the parent step record and rc accordingly.
func (o *Orchestrator) settleFanOut(ctx context.Context, run *workflow.WorkflowRun, rc *workflow.RuntimeContext, fs *workflow.FanOutState) fanOutSettlement {
	ids := make([]string, 0, len(fs.Results))
	for id := range fs.Results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return fs.Results[ids[i]].Index < fs.Results[ids[j]].Index })

	type childEntry struct {
		StepID       string                          `json:"stepId"`
		Index        int                             `json:"index"`
		Status       workflow.StepStatus             `json:"status"`
		Output       json.RawMessage                 `json:"output,omitempty"`
		ErrorMessage string                          `json:"errorMessage,omitempty"`
		Item         json.RawMessage                 `json:"item,omitempty"`
		Assets       []workflow.WorkflowRunStepAsset `json:"assets,omitempty"`
	}

	entries := make([]childEntry, 0, len(ids))
	assetSources := map[string][]assetSource{}
	var failures []string
	failed := false

	for _, id := range ids {
		r := fs.Results[id]
		entries = append(entries, childEntry{
			StepID:       r.StepID,
			Index:        r.Index,
			Status:       r.Status,
			Output:       r.Output,
			ErrorMessage: r.ErrorMessage,
			Item:         r.Item,
			Assets:       r.Assets,
		})
		if r.Status == workflow.StepFailed {
			failed = true
			failures = append(failures, fmt.Sprintf("%s (item %d): %s", r.StepID, r.Index+1, r.ErrorMessage))
		}
		for _, a := range r.Assets {
			assetSources[a.AssetID] = append(assetSources[a.AssetID], assetSource{
				StepID: a.StepID, ProducedAt: a.ProducedAt, Payload: a.Payload,
			})
		}
	}

	status := workflow.StepSucceeded
	message := ""
	if failed {
		status = workflow.StepFailed
		message = strings.Join(failures, "; ")
	}

	resultsJSON, _ := json.Marshal(entries)
	output := resultsJSON
	if fs.StoreResultsAs != "" {
		if wrapped, err := json.Marshal(map[string]json.RawMessage{fs.StoreResultsAs: resultsJSON}); err == nil {
			output = wrapped
		}
	}

	now := time.Now().UTC()
	patch := repository.StepPatch{
		Status:           stepStatusPtr(status),
		RetryState:       retryStatePtr(workflow.RetryStateCompleted),
		Output:           output,
		CompletedAt:      &now,
		ClearNextAttempt: true,
	}
	if failed {
		patch.ErrorMessage = &message
	}

	if _, err := o.Steps.UpdateRunStep(ctx, fs.ParentRunStepID, patch); err != nil {
		intlog.WithStepContext(o.Logger, run.ID, fs.ParentStepID).Warn("settle fanout parent step", "error", err)
	}

	rc.Steps[fs.ParentStepID] = &workflow.StepRuntime{
		Status:       status,
		Output:       output,
		ErrorMessage: message,
	}

	if fs.StoreResultsAs != "" {
		applySharedPatch(rc, map[string]json.RawMessage{fs.StoreResultsAs: resultsJSON})
	}

	if len(assetSources) > 0 {
		rollup := make(map[string]any, len(assetSources))
		for assetID, sources := range assetSources {
			rollup[assetID] = map[string]any{"sources": sources}
		}
		if encoded, err := json.Marshal(rollup); err == nil {
			applySharedPatch(rc, map[string]json.RawMessage{fs.ParentStepID + ".assets": encoded})
		}
	}

	return fanOutSettlement{failed: failed, message: message}
}
