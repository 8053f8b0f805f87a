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

// Package repository declares the transactional storage port the
// orchestration core depends on (§4.1/§6). Interface segregation mirrors
// the teacher's controller/backend package: small single-purpose
// interfaces compose into the full Repository a worker wires up, while
// individual components that only need some slices (the heartbeat monitor
// takes the definition, run, step and history stores, say) can accept the
// narrower interfaces.
package repository

import (
	"context"
	"io"
	"time"

	"github.com/tombee/workflow-core/pkg/workflow"
)

// DefinitionStore is CRUD over workflow definitions and their derived DAG.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, def *workflow.WorkflowDefinition) (*workflow.WorkflowDefinition, error)
	GetDefinition(ctx context.Context, id string) (*workflow.WorkflowDefinition, error)
	GetDefinitionBySlug(ctx context.Context, slug string) (*workflow.WorkflowDefinition, error)
	ReplaceAssetDeclarations(ctx context.Context, defID string, steps []workflow.StepDefinition) error
	// UpsertDefinitionBySlug implements §3's definition versioning: when
	// def.Slug is unseen it inserts Version 1; when a definition with
	// that slug already exists, it diffs def.Steps against the current
	// version (workflow.StepsEqual) and leaves the row untouched,
	// returning versionChanged=false, when they match. Otherwise it
	// validates the new step list — rejecting dangling or cyclic
	// dependsOn the same way CreateDefinition does — and inserts it as
	// the next Version.
	UpsertDefinitionBySlug(ctx context.Context, def *workflow.WorkflowDefinition) (updated *workflow.WorkflowDefinition, versionChanged bool, err error)
}

// RunStore is the core run lifecycle: create, fetch, patch-update.
type RunStore interface {
	// CreateRun assigns an id, normalizes status to pending, and rejects
	// with workflowerrors.ConflictError when runKeyNormalized collides
	// with an active row (§4.1).
	CreateRun(ctx context.Context, defID string, input *workflow.WorkflowRun) (*workflow.WorkflowRun, error)
	GetRun(ctx context.Context, id string) (*workflow.WorkflowRun, error)
	// UpdateRun reads under lock, applies patch, and returns the updated
	// row plus whether any observable field changed — the caller uses
	// that to decide whether to emit workflow.run.updated.
	UpdateRun(ctx context.Context, id string, patch RunPatch) (*workflow.WorkflowRun, bool, error)
	FindActiveRunByKey(ctx context.Context, defID, runKeyNormalized string) (*workflow.WorkflowRun, bool, error)
	// CancelRun marks an active run RunCanceled with reason as its
	// ErrorMessage. A run that has already reached a terminal status is
	// left untouched and reported via changed=false rather than erroring,
	// mirroring UpdateRun's "already matches" semantics.
	CancelRun(ctx context.Context, id, reason string) (updated *workflow.WorkflowRun, changed bool, err error)
}

// RunPatch carries the subset of WorkflowRun fields UpdateRun may change;
// nil pointers mean "leave unchanged".
type RunPatch struct {
	Status           *workflow.RunStatus
	Parameters       []byte
	Context          []byte
	Output           []byte
	ErrorMessage     *string
	CurrentStepID    *string
	CurrentStepIndex *int
	Metrics          *workflow.RunMetrics
	PartitionKey     *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	DurationMs       *int64
}

// StepStore is the WorkflowRunStep lifecycle: per-step CRUD plus the
// heartbeat monitor's staleness scan.
type StepStore interface {
	GetStep(ctx context.Context, id string) (*workflow.WorkflowRunStep, error)
	GetStepByStepID(ctx context.Context, runID, stepID string) (*workflow.WorkflowRunStep, bool, error)
	CreateStep(ctx context.Context, step *workflow.WorkflowRunStep) (*workflow.WorkflowRunStep, error)
	// UpdateRunStep reads under lock, applies patch; retry-state
	// transitions are enforced (scheduled requires NextAttemptAt), §4.1.
	UpdateRunStep(ctx context.Context, id string, patch StepPatch) (*workflow.WorkflowRunStep, error)
	ListRunSteps(ctx context.Context, runID string) ([]workflow.WorkflowRunStep, error)
	// FindStaleRunSteps returns steps that are running, whose run is
	// running, and whose effective heartbeat is older than cutoff (§4.1).
	FindStaleRunSteps(ctx context.Context, cutoff time.Time, limit int) ([]StaleStepRef, error)
}

// StaleStepRef is one (runID, stepID) pair FindStaleRunSteps returns.
type StaleStepRef struct {
	RunID  string
	StepID string
}

// StepPatch carries the subset of WorkflowRunStep fields UpdateRunStep
// may change; nil pointers mean "leave unchanged". ClearJobRunID and
// friends exist because a zero string can't distinguish "don't touch"
// from "clear it" (the heartbeat monitor nulls jobRunId/startedAt/etc.
// explicitly).
type StepPatch struct {
	Status          *workflow.StepStatus
	Attempt         *int
	RetryCount      *int
	RetryState      *workflow.RetryState
	NextAttemptAt   *time.Time
	ClearNextAttempt bool
	RetryMetadata   []byte
	ClearRetryMetadata bool
	JobRunID        *string
	ClearJobRunID   bool
	Input           []byte
	Output          []byte
	ErrorMessage    *string
	FailureReason   *string
	LogsURL         *string
	Metrics         []byte
	Context         []byte
	StartedAt       *time.Time
	ClearStartedAt  bool
	CompletedAt     *time.Time
	ClearCompletedAt bool
	LastHeartbeatAt *time.Time
	ClearHeartbeat  bool
}

// AssetStore is the WorkflowRunStepAsset/stale-partition lifecycle.
type AssetStore interface {
	// RecordStepAssets deletes existing assets for the step then
	// inserts, all in one transaction (§4.1).
	RecordStepAssets(ctx context.Context, defID, runID, stepRecordID, stepID string, assets []workflow.WorkflowRunStepAsset) ([]workflow.WorkflowRunStepAsset, error)
	ClearStalePartition(ctx context.Context, defID, assetID, partitionKeyNormalized string) error
	MarkStalePartition(ctx context.Context, stale workflow.WorkflowAssetStalePartition) error
	FindProducerDefinition(ctx context.Context, assetID string) (string, bool, error)
}

// ScheduleStore is the cron-scheduler's metadata port.
type ScheduleStore interface {
	// ListDueSchedules returns active schedules whose NextRunAt <= now,
	// ordered ascending, paired with their owning definition (§4.1).
	ListDueSchedules(ctx context.Context, limit int, now time.Time) ([]DueSchedule, error)
	UpdateScheduleMetadata(ctx context.Context, id string, patch SchedulePatch, expectedUpdatedAt time.Time) (*workflow.WorkflowSchedule, error)
}

// DueSchedule pairs a due schedule with its definition.
type DueSchedule struct {
	Schedule   workflow.WorkflowSchedule
	Definition workflow.WorkflowDefinition
}

// SchedulePatch carries the fields materializeSchedule persists back.
type SchedulePatch struct {
	NextRunAt              *time.Time
	ClearNextRunAt         bool
	CatchupCursor          *time.Time
	ClearCatchupCursor     bool
	LastMaterializedWindow *workflow.MaterializedWindow
}

// RecoveryStore is the asset-recovery-request port.
type RecoveryStore interface {
	// EnsureRecoveryRequest upserts by (assetId, partitionKeyNormalized),
	// reusing an existing active row when present (§4.1).
	EnsureRecoveryRequest(ctx context.Context, input workflow.WorkflowAssetRecoveryRequest) (*workflow.WorkflowAssetRecoveryRequest, bool, error)
	GetRecoveryRequest(ctx context.Context, id string) (*workflow.WorkflowAssetRecoveryRequest, error)
	UpdateRecoveryRequest(ctx context.Context, id string, patch RecoveryPatch) (*workflow.WorkflowAssetRecoveryRequest, error)
}

// RecoveryPatch carries the fields the recovery manager updates.
type RecoveryPatch struct {
	Status                *workflow.RecoveryRequestStatus
	RecoveryWorkflowRunID *string
	Attempts              *int
	LastAttemptAt         *time.Time
	LastError             *string
	CompletedAt           *time.Time
}

// HistoryStore is the append-only audit log.
type HistoryStore interface {
	AppendHistory(ctx context.Context, event workflow.HistoryEvent) error
	ListHistory(ctx context.Context, runID string, limit int) ([]workflow.HistoryEvent, error)
}

// AnalyticsStore is the read-only aggregate-count port behind the
// periodic `workflow.analytics.snapshot` event (§6): local gauges only,
// never a remote metrics sink.
type AnalyticsStore interface {
	// RunCountsByStatus groups every workflow_run row by its status.
	RunCountsByStatus(ctx context.Context) (map[workflow.RunStatus]int, error)
	// StepCountsByStatus groups every workflow_run_step row by its
	// status. A WorkflowRunStep row carries no StepKind of its own (kind
	// lives on the owning definition's StepDefinition), so this is the
	// aggregate the repository can answer directly; see DESIGN.md.
	StepCountsByStatus(ctx context.Context) (map[workflow.StepStatus]int, error)
	// StaleRecoveryRequestCount counts non-terminal recovery requests
	// whose LastAttemptAt is older than cutoff.
	StaleRecoveryRequestCount(ctx context.Context, cutoff time.Time) (int, error)
}

// Repository composes every port into the full interface a worker wires
// up; components that only need one slice accept the narrower interface
// instead of this one.
type Repository interface {
	DefinitionStore
	RunStore
	StepStore
	AssetStore
	ScheduleStore
	RecoveryStore
	HistoryStore
	AnalyticsStore
	io.Closer
}
