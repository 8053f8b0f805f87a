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

package workflow

import "encoding/json"

// StepExecutionResult is the single return shape every step executor
// produces, per §4.4. Completed=false means the orchestrator must not
// mark the step terminal yet — either a fan-out expansion was registered,
// or a retry/recovery poll was scheduled and the step will be revisited
// later.
type StepExecutionResult struct {
	Context      *RuntimeContext
	StepStatus   StepStatus
	Completed    bool
	StepPatch    *WorkflowRunStep
	SharedPatch  map[string]json.RawMessage
	ErrorMessage string

	FanOut         *FanOutExpansion
	ScheduledRetry *ScheduledRetry
}

// FanOutExpansion is returned by the fan-out step state machine (§4.4
// step 4) describing the children the orchestrator must register and
// track to settlement.
type FanOutExpansion struct {
	ParentStepID     string
	ParentRunStepID  string
	Children         []StepDefinition
	MaxConcurrency   int
	StoreResultsAs   string
}

// FanOutChildResult is one child's settled outcome, the shape §4.5's
// "Fan-out settlement" stores into StoreResultsAs, sorted by Index.
type FanOutChildResult struct {
	StepID       string                 `json:"stepId"`
	Index        int                    `json:"index"`
	Status       StepStatus             `json:"status"`
	Output       json.RawMessage        `json:"output,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	Item         json.RawMessage        `json:"item,omitempty"`
	Assets       []WorkflowRunStepAsset `json:"assets,omitempty"`
}

// ScheduledRetry describes a retry or recovery poll the executor asked
// the queue port to schedule; the orchestrator uses it only for logging,
// since the actual enqueue already happened inside the executor.
type ScheduledRetry struct {
	StepID      string
	RunAt       string // RFC3339, kept as string to mirror the queue payload shape
	Attempt     int
	Reason      string
}

// FanOutState is the orchestrator's bookkeeping for one in-flight
// fan-out parent, tracked in the scheduling loop's fanOutStates map
// (§4.5).
type FanOutState struct {
	ParentStepID   string
	ParentRunStepID string
	StoreResultsAs string
	MaxConcurrency int
	Pending        []string // child step ids not yet dispatched
	Active         map[string]struct{}
	Results        map[string]FanOutChildResult
}

// NewFanOutState seeds a FanOutState from a FanOutExpansion.
func NewFanOutState(expansion *FanOutExpansion) *FanOutState {
	pending := make([]string, 0, len(expansion.Children))
	for _, child := range expansion.Children {
		pending = append(pending, child.ID)
	}
	return &FanOutState{
		ParentStepID:    expansion.ParentStepID,
		ParentRunStepID: expansion.ParentRunStepID,
		StoreResultsAs:  expansion.StoreResultsAs,
		MaxConcurrency:  expansion.MaxConcurrency,
		Pending:         pending,
		Active:          map[string]struct{}{},
		Results:         map[string]FanOutChildResult{},
	}
}

// AllTerminal reports whether every child of the fan-out has settled.
func (f *FanOutState) AllTerminal() bool {
	return len(f.Pending) == 0 && len(f.Active) == 0
}

// NextDispatchable returns up to n pending child step ids to admit into
// the active set, respecting the fan-out's own concurrency cap.
func (f *FanOutState) NextDispatchable(n int) []string {
	room := f.MaxConcurrency - len(f.Active)
	if room <= 0 || n <= 0 {
		return nil
	}
	if room > n {
		room = n
	}
	if room > len(f.Pending) {
		room = len(f.Pending)
	}
	dispatch := append([]string(nil), f.Pending[:room]...)
	f.Pending = f.Pending[room:]
	for _, id := range dispatch {
		f.Active[id] = struct{}{}
	}
	return dispatch
}

// Settle records a terminated child's result and removes it from Active.
func (f *FanOutState) Settle(stepID string, result FanOutChildResult) {
	delete(f.Active, stepID)
	f.Results[stepID] = result
}
