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
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a WorkflowRun. Transitions are
// pending -> running -> {succeeded, failed, canceled}; a terminal status
// never reverts.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether status is one the run never leaves.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

// RunMetrics tracks coarse run-level progress counters.
type RunMetrics struct {
	TotalSteps     int `json:"totalSteps"`
	CompletedSteps int `json:"completedSteps"`
}

// WorkflowRun is one execution of a WorkflowDefinition, per §3.
type WorkflowRun struct {
	ID                   string          `json:"id"`
	WorkflowDefinitionID string          `json:"workflowDefinitionId"`
	Status               RunStatus       `json:"status"`
	Parameters           json.RawMessage `json:"parameters,omitempty"`
	Context              json.RawMessage `json:"context,omitempty"`
	Output               json.RawMessage `json:"output,omitempty"`
	ErrorMessage         string          `json:"errorMessage,omitempty"`

	CurrentStepID    string `json:"currentStepId,omitempty"`
	CurrentStepIndex int    `json:"currentStepIndex"`
	Metrics          RunMetrics `json:"metrics"`

	TriggeredBy string          `json:"triggeredBy,omitempty"`
	Trigger     json.RawMessage `json:"trigger,omitempty"`

	PartitionKey     string `json:"partitionKey,omitempty"`
	RunKey           string `json:"runKey,omitempty"`
	RunKeyNormalized string `json:"runKeyNormalized,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
}

// NormalizeRunKey trims and lower-cases a run key, matching the
// normalization the repository enforces before comparing against active
// rows for the run-key-conflict invariant.
func NormalizeRunKey(runKey string) string {
	return strings.ToLower(strings.TrimSpace(runKey))
}

// IsActive reports whether the run occupies an "active" slot for
// run-key-conflict purposes (succeeded/failed/canceled are not active).
func (r *WorkflowRun) IsActive() bool {
	return !r.Status.Terminal()
}

// StepStatus is the lifecycle state of a WorkflowRunStep.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether a step status is one it never leaves, except
// that failed steps may re-enter pending via a scheduled retry — callers
// that need "will this step run again" should consult RetryState instead.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// RetryState tracks a step's retry lifecycle independent of StepStatus,
// since a step pending a scheduled retry is StepStatus=pending but not
// "freshly created".
type RetryState string

const (
	RetryStatePending   RetryState = "pending"
	RetryStateScheduled RetryState = "scheduled"
	RetryStateCompleted RetryState = "completed"
)

// WorkflowRunStep is one step's execution record within a run, per §3.
type WorkflowRunStep struct {
	ID            string     `json:"id"`
	WorkflowRunID string     `json:"workflowRunId"`
	StepID        string     `json:"stepId"`
	Status        StepStatus `json:"status"`

	Attempt    int        `json:"attempt"`
	RetryCount int        `json:"retryCount"`
	RetryState RetryState `json:"retryState"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	RetryMetadata json.RawMessage `json:"retryMetadata,omitempty"`

	JobRunID string `json:"jobRunId,omitempty"`

	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	FailureReason string         `json:"failureReason,omitempty"`
	LogsURL      string          `json:"logsUrl,omitempty"`
	Metrics      json.RawMessage `json:"metrics,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`

	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	LastHeartbeatAt  *time.Time `json:"lastHeartbeatAt,omitempty"`

	ParentStepID   string `json:"parentStepId,omitempty"`
	FanoutIndex    *int   `json:"fanoutIndex,omitempty"`
	TemplateStepID string `json:"templateStepId,omitempty"`

	ProducedAssets []WorkflowRunStepAsset `json:"producedAssets,omitempty"`
}

// EffectiveHeartbeat returns LastHeartbeatAt, falling back to StartedAt
// when no heartbeat has been recorded yet, per the FindStaleRunSteps
// contract in §4.1.
func (s *WorkflowRunStep) EffectiveHeartbeat() *time.Time {
	if s.LastHeartbeatAt != nil {
		return s.LastHeartbeatAt
	}
	return s.StartedAt
}

// Known failure reasons steps record, consulted by the executor and
// recovery manager.
const (
	FailureReasonParameterResolution = "parameter_resolution_failed"
	FailureReasonAssetMissing        = "asset_missing"
	FailureReasonHeartbeatTimeout    = "heartbeat-timeout"
)
