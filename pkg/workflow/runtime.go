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

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepRuntime mirrors a WorkflowRunStep's executable fields inside the
// in-memory RuntimeContext, plus fields that only make sense while a run
// is live: Service captures the last service-step invocation summary,
// Assets holds this tick's produced-asset view, and the Resolution*
// fields record a parameter-resolution failure.
type StepRuntime struct {
	Status        StepStatus      `json:"status"`
	Attempt       int             `json:"attempt"`
	RetryCount    int             `json:"retryCount"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`

	Service *ServiceRuntimeContext `json:"service,omitempty"`
	Assets  []WorkflowRunStepAsset `json:"assets,omitempty"`

	ResolutionError bool   `json:"resolutionError,omitempty"`
	ErrorStack      string `json:"errorStack,omitempty"`
	ErrorName       string `json:"errorName,omitempty"`
	ErrorProperties json.RawMessage `json:"errorProperties,omitempty"`
}

// ServiceRuntimeContext is the per-invocation summary a service step
// writes into its StepRuntime.Service, per §4.4.
type ServiceRuntimeContext struct {
	Slug       string `json:"slug"`
	Status     string `json:"status"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	BaseURL    string `json:"baseUrl,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	LatencyMs  int64  `json:"latencyMs,omitempty"`
}

// RuntimeContext is the orchestrator's authoritative working set for one
// run, JSON-serialized into WorkflowRun.Context as a snapshot on every
// commit. Persisted context is a point-in-time copy; the in-memory
// RuntimeContext the orchestrator holds during the scheduling loop is the
// source of truth (§3 Ownership).
type RuntimeContext struct {
	Steps         map[string]*StepRuntime  `json:"steps"`
	Shared        map[string]json.RawMessage `json:"shared,omitempty"`
	LastUpdatedAt time.Time                `json:"lastUpdatedAt"`
}

// NewRuntimeContext builds an empty context with one pending StepRuntime
// per step id.
func NewRuntimeContext(stepIDs []string) *RuntimeContext {
	steps := make(map[string]*StepRuntime, len(stepIDs))
	for _, id := range stepIDs {
		steps[id] = &StepRuntime{Status: StepPending}
	}
	return &RuntimeContext{
		Steps:         steps,
		Shared:        map[string]json.RawMessage{},
		LastUpdatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy made via a JSON round-trip. The orchestrator
// uses this before handing the context to a step executor so that a step
// mutating its own view can never leak changes into a sibling's view or
// into the context another goroutine is concurrently reading — treated as
// a correctness requirement, not an optimization, since steps execute
// concurrently under the scheduling loop's concurrency gate.
func (c *RuntimeContext) Clone() (*RuntimeContext, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("clone runtime context: marshal: %w", err)
	}
	var clone RuntimeContext
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, fmt.Errorf("clone runtime context: unmarshal: %w", err)
	}
	if clone.Steps == nil {
		clone.Steps = map[string]*StepRuntime{}
	}
	if clone.Shared == nil {
		clone.Shared = map[string]json.RawMessage{}
	}
	return &clone, nil
}

// Touch advances LastUpdatedAt, called on every mutating commit.
func (c *RuntimeContext) Touch(now time.Time) {
	c.LastUpdatedAt = now
}

// StepSucceeded reports whether the named step's recorded status is
// succeeded, the dependency-gate check from §4.4.
func (c *RuntimeContext) StepSucceeded(stepID string) bool {
	step, ok := c.Steps[stepID]
	return ok && step.Status == StepSucceeded
}
