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

// Package memstore is an in-memory repository.Repository, suitable for
// tests and single-process deployments. A single mutex serializes every
// operation, standing in for the "row lock then mutate" discipline a
// relational backend provides via SELECT ... FOR UPDATE (§5).
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
	"github.com/tombee/workflow-core/pkg/workflowerrors"
)

var _ repository.Repository = (*Store)(nil)

// Store is an in-memory, mutex-guarded Repository implementation.
type Store struct {
	mu sync.Mutex

	definitions map[string]*workflow.WorkflowDefinition
	slugIndex   map[string]string // slug -> definition id

	runs        map[string]*workflow.WorkflowRun
	runKeyIndex map[string]string // defID+":"+runKeyNormalized -> run id (active only)

	steps      map[string]*workflow.WorkflowRunStep
	stepsByRun map[string]map[string]string // runID -> stepID -> step record id

	assets map[string][]workflow.WorkflowRunStepAsset // workflowRunStepID -> assets
	producers map[string]string                        // normalized assetID -> definition id
	stale     map[string]workflow.WorkflowAssetStalePartition

	schedules map[string]*workflow.WorkflowSchedule

	recovery      map[string]*workflow.WorkflowAssetRecoveryRequest
	recoveryIndex map[string]string // assetID:partitionKeyNormalized -> request id, active only

	history map[string][]workflow.HistoryEvent // runID -> events
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		definitions:   map[string]*workflow.WorkflowDefinition{},
		slugIndex:     map[string]string{},
		runs:          map[string]*workflow.WorkflowRun{},
		runKeyIndex:   map[string]string{},
		steps:         map[string]*workflow.WorkflowRunStep{},
		stepsByRun:    map[string]map[string]string{},
		assets:        map[string][]workflow.WorkflowRunStepAsset{},
		producers:     map[string]string{},
		stale:         map[string]workflow.WorkflowAssetStalePartition{},
		schedules:     map[string]*workflow.WorkflowSchedule{},
		recovery:      map[string]*workflow.WorkflowAssetRecoveryRequest{},
		recoveryIndex: map[string]string{},
		history:       map[string][]workflow.HistoryEvent{},
	}
}

// Close releases resources; the in-memory store holds none.
func (s *Store) Close() error { return nil }

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// --- DefinitionStore ---

func (s *Store) CreateDefinition(ctx context.Context, def *workflow.WorkflowDefinition) (*workflow.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if def.ID == "" {
		def.ID = newID("def")
	}
	if err := def.Validate(); err != nil {
		return nil, &workflowerrors.ValidationError{Field: "steps", Message: err.Error()}
	}
	if err := def.BuildDAG(); err != nil {
		return nil, &workflowerrors.ValidationError{Field: "steps", Message: err.Error()}
	}
	if existingID, exists := s.slugIndex[def.Slug]; exists && existingID != def.ID {
		return nil, &workflowerrors.ConflictError{Resource: "workflow_definition", Key: def.Slug}
	}

	return s.insertDefinitionLocked(def), nil
}

// insertDefinitionLocked stores def under its own ID and points Slug's
// index at it, superseding whatever the slug previously pointed to. Callers
// must hold s.mu.
func (s *Store) insertDefinitionLocked(def *workflow.WorkflowDefinition) *workflow.WorkflowDefinition {
	clone := *def
	s.definitions[def.ID] = &clone
	s.slugIndex[def.Slug] = def.ID
	for i := range def.Steps {
		s.indexProducedAssets(def.ID, &def.Steps[i])
	}
	out := clone
	return &out
}

// UpsertDefinitionBySlug implements repository.DefinitionStore.
func (s *Store) UpsertDefinitionBySlug(ctx context.Context, def *workflow.WorkflowDefinition) (*workflow.WorkflowDefinition, bool, error) {
	if err := def.Validate(); err != nil {
		return nil, false, &workflowerrors.ValidationError{Field: "steps", Message: err.Error()}
	}
	if err := def.BuildDAG(); err != nil {
		return nil, false, &workflowerrors.ValidationError{Field: "steps", Message: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existingID, exists := s.slugIndex[def.Slug]
	var existing *workflow.WorkflowDefinition
	if exists {
		existing = s.definitions[existingID]
	}

	if existing == nil {
		def.ID = newID("def")
		def.Version = 1
		return s.insertDefinitionLocked(def), true, nil
	}

	if workflow.StepsEqual(existing.Steps, def.Steps) {
		clone := *existing
		return &clone, false, nil
	}

	def.ID = newID("def")
	def.Version = existing.Version + 1
	return s.insertDefinitionLocked(def), true, nil
}

func (s *Store) indexProducedAssets(defID string, step *workflow.StepDefinition) {
	for _, decl := range step.Produces {
		if decl.Direction != "" && decl.Direction != workflow.AssetProduces {
			continue
		}
		s.producers[workflow.NormalizedAssetID(decl.AssetID)] = defID
	}
}

func (s *Store) GetDefinition(ctx context.Context, id string) (*workflow.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, &workflowerrors.NotFoundError{Resource: "workflow_definition", ID: id}
	}
	clone := *def
	return &clone, nil
}

func (s *Store) GetDefinitionBySlug(ctx context.Context, slug string) (*workflow.WorkflowDefinition, error) {
	s.mu.Lock()
	id, ok := s.slugIndex[slug]
	s.mu.Unlock()
	if !ok {
		return nil, &workflowerrors.NotFoundError{Resource: "workflow_definition", ID: slug}
	}
	return s.GetDefinition(ctx, id)
}

func (s *Store) ReplaceAssetDeclarations(ctx context.Context, defID string, steps []workflow.StepDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[defID]
	if !ok {
		return &workflowerrors.NotFoundError{Resource: "workflow_definition", ID: defID}
	}
	def.Steps = steps
	if err := def.BuildDAG(); err != nil {
		return &workflowerrors.ValidationError{Field: "steps", Message: err.Error()}
	}
	for i := range def.Steps {
		s.indexProducedAssets(defID, &def.Steps[i])
	}
	return nil
}

// --- RunStore ---

func (s *Store) CreateRun(ctx context.Context, defID string, input *workflow.WorkflowRun) (*workflow.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.ID == "" {
		input.ID = newID("run")
	}
	input.WorkflowDefinitionID = defID
	input.Status = workflow.RunPending

	if input.RunKey != "" {
		input.RunKeyNormalized = workflow.NormalizeRunKey(input.RunKey)
		key := defID + ":" + input.RunKeyNormalized
		if existingID, exists := s.runKeyIndex[key]; exists {
			if existing, ok := s.runs[existingID]; ok && existing.IsActive() {
				return nil, &workflowerrors.ConflictError{Resource: "run_key", Key: input.RunKey}
			}
		}
		s.runKeyIndex[key] = input.ID
	}

	clone := *input
	s.runs[input.ID] = &clone
	out := clone
	return &out, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*workflow.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, &workflowerrors.NotFoundError{Resource: "workflow_run", ID: id}
	}
	clone := *run
	return &clone, nil
}

func (s *Store) UpdateRun(ctx context.Context, id string, patch repository.RunPatch) (*workflow.WorkflowRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, false, &workflowerrors.NotFoundError{Resource: "workflow_run", ID: id}
	}

	changed := false
	if patch.Status != nil && *patch.Status != run.Status {
		run.Status = *patch.Status
		changed = true
	}
	if patch.Parameters != nil {
		run.Parameters = patch.Parameters
		changed = true
	}
	if patch.Context != nil {
		run.Context = patch.Context
		changed = true
	}
	if patch.Output != nil {
		run.Output = patch.Output
		changed = true
	}
	if patch.ErrorMessage != nil && *patch.ErrorMessage != run.ErrorMessage {
		run.ErrorMessage = *patch.ErrorMessage
		changed = true
	}
	if patch.CurrentStepID != nil && *patch.CurrentStepID != run.CurrentStepID {
		run.CurrentStepID = *patch.CurrentStepID
		changed = true
	}
	if patch.CurrentStepIndex != nil && *patch.CurrentStepIndex != run.CurrentStepIndex {
		run.CurrentStepIndex = *patch.CurrentStepIndex
		changed = true
	}
	if patch.Metrics != nil {
		run.Metrics = *patch.Metrics
		changed = true
	}
	if patch.PartitionKey != nil && *patch.PartitionKey != run.PartitionKey {
		run.PartitionKey = *patch.PartitionKey
		changed = true
	}
	if patch.StartedAt != nil {
		run.StartedAt = patch.StartedAt
		changed = true
	}
	if patch.CompletedAt != nil {
		run.CompletedAt = patch.CompletedAt
		changed = true
	}
	if patch.DurationMs != nil {
		run.DurationMs = *patch.DurationMs
		changed = true
	}

	clone := *run
	return &clone, changed, nil
}

// CancelRun implements repository.RunStore.
func (s *Store) CancelRun(ctx context.Context, id, reason string) (*workflow.WorkflowRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, false, &workflowerrors.NotFoundError{Resource: "workflow_run", ID: id}
	}
	if run.Status.Terminal() {
		clone := *run
		return &clone, false, nil
	}

	now := time.Now().UTC()
	run.Status = workflow.RunCanceled
	run.ErrorMessage = reason
	run.CompletedAt = &now
	clone := *run
	return &clone, true, nil
}

func (s *Store) FindActiveRunByKey(ctx context.Context, defID, runKeyNormalized string) (*workflow.WorkflowRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.runKeyIndex[defID+":"+runKeyNormalized]
	if !ok {
		return nil, false, nil
	}
	run, ok := s.runs[id]
	if !ok || !run.IsActive() {
		return nil, false, nil
	}
	clone := *run
	return &clone, true, nil
}

// --- StepStore ---

func (s *Store) GetStep(ctx context.Context, id string) (*workflow.WorkflowRunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[id]
	if !ok {
		return nil, &workflowerrors.NotFoundError{Resource: "workflow_run_step", ID: id}
	}
	clone := *step
	return &clone, nil
}

func (s *Store) GetStepByStepID(ctx context.Context, runID, stepID string) (*workflow.WorkflowRunStep, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStep, ok := s.stepsByRun[runID]
	if !ok {
		return nil, false, nil
	}
	recordID, ok := byStep[stepID]
	if !ok {
		return nil, false, nil
	}
	step, ok := s.steps[recordID]
	if !ok {
		return nil, false, nil
	}
	clone := *step
	return &clone, true, nil
}

func (s *Store) CreateStep(ctx context.Context, step *workflow.WorkflowRunStep) (*workflow.WorkflowRunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if step.ID == "" {
		step.ID = newID("step")
	}
	if step.Attempt == 0 {
		step.Attempt = 1
	}
	if step.RetryState == "" {
		step.RetryState = workflow.RetryStatePending
	}

	clone := *step
	s.steps[step.ID] = &clone
	if _, ok := s.stepsByRun[step.WorkflowRunID]; !ok {
		s.stepsByRun[step.WorkflowRunID] = map[string]string{}
	}
	s.stepsByRun[step.WorkflowRunID][step.StepID] = step.ID

	out := clone
	return &out, nil
}

func (s *Store) UpdateRunStep(ctx context.Context, id string, patch repository.StepPatch) (*workflow.WorkflowRunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[id]
	if !ok {
		return nil, &workflowerrors.NotFoundError{Resource: "workflow_run_step", ID: id}
	}

	if patch.RetryState != nil && *patch.RetryState == workflow.RetryStateScheduled {
		if patch.NextAttemptAt == nil && step.NextAttemptAt == nil {
			return nil, &workflowerrors.ValidationError{Field: "nextAttemptAt", Message: "scheduled retry state requires nextAttemptAt"}
		}
	}

	if patch.Status != nil {
		step.Status = *patch.Status
	}
	if patch.Attempt != nil {
		step.Attempt = *patch.Attempt
	}
	if patch.RetryCount != nil {
		step.RetryCount = *patch.RetryCount
	}
	if patch.RetryState != nil {
		step.RetryState = *patch.RetryState
	}
	if patch.ClearNextAttempt {
		step.NextAttemptAt = nil
	} else if patch.NextAttemptAt != nil {
		step.NextAttemptAt = patch.NextAttemptAt
	}
	if patch.ClearRetryMetadata {
		step.RetryMetadata = nil
	} else if patch.RetryMetadata != nil {
		step.RetryMetadata = patch.RetryMetadata
	}
	if patch.ClearJobRunID {
		step.JobRunID = ""
	} else if patch.JobRunID != nil {
		step.JobRunID = *patch.JobRunID
	}
	if patch.Input != nil {
		step.Input = patch.Input
	}
	if patch.Output != nil {
		step.Output = patch.Output
	}
	if patch.ErrorMessage != nil {
		step.ErrorMessage = *patch.ErrorMessage
	}
	if patch.FailureReason != nil {
		step.FailureReason = *patch.FailureReason
	}
	if patch.LogsURL != nil {
		step.LogsURL = *patch.LogsURL
	}
	if patch.Metrics != nil {
		step.Metrics = patch.Metrics
	}
	if patch.Context != nil {
		step.Context = patch.Context
	}
	if patch.ClearStartedAt {
		step.StartedAt = nil
	} else if patch.StartedAt != nil {
		step.StartedAt = patch.StartedAt
	}
	if patch.ClearCompletedAt {
		step.CompletedAt = nil
	} else if patch.CompletedAt != nil {
		step.CompletedAt = patch.CompletedAt
	}
	if patch.ClearHeartbeat {
		step.LastHeartbeatAt = nil
	} else if patch.LastHeartbeatAt != nil {
		step.LastHeartbeatAt = patch.LastHeartbeatAt
	}

	clone := *step
	return &clone, nil
}

func (s *Store) ListRunSteps(ctx context.Context, runID string) ([]workflow.WorkflowRunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStep, ok := s.stepsByRun[runID]
	if !ok {
		return nil, nil
	}
	out := make([]workflow.WorkflowRunStep, 0, len(byStep))
	for _, recordID := range byStep {
		out = append(out, *s.steps[recordID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (s *Store) FindStaleRunSteps(ctx context.Context, cutoff time.Time, limit int) ([]repository.StaleStepRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs []repository.StaleStepRef
	for runID, byStep := range s.stepsByRun {
		run, ok := s.runs[runID]
		if !ok || run.Status != workflow.RunRunning {
			continue
		}
		for stepID, recordID := range byStep {
			step := s.steps[recordID]
			if step.Status != workflow.StepRunning {
				continue
			}
			heartbeat := step.EffectiveHeartbeat()
			if heartbeat == nil || heartbeat.Before(cutoff) {
				refs = append(refs, repository.StaleStepRef{RunID: runID, StepID: stepID})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].RunID != refs[j].RunID {
			return refs[i].RunID < refs[j].RunID
		}
		return refs[i].StepID < refs[j].StepID
	})
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// --- AssetStore ---

func (s *Store) RecordStepAssets(ctx context.Context, defID, runID, stepRecordID, stepID string, assets []workflow.WorkflowRunStepAsset) ([]workflow.WorkflowRunStepAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamped := make([]workflow.WorkflowRunStepAsset, len(assets))
	for i, asset := range assets {
		asset.ID = newID("asset")
		asset.WorkflowDefinitionID = defID
		asset.WorkflowRunID = runID
		asset.WorkflowRunStepID = stepRecordID
		asset.StepID = stepID
		stamped[i] = asset
		s.producers[workflow.NormalizedAssetID(asset.AssetID)] = defID
		delete(s.stale, defID+"|"+workflow.NormalizedAssetID(asset.AssetID)+"|"+workflow.NormalizePartitionKey(asset.PartitionKey))
	}
	s.assets[stepRecordID] = stamped
	return stamped, nil
}

func (s *Store) ClearStalePartition(ctx context.Context, defID, assetID, partitionKeyNormalized string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stale, defID+"|"+workflow.NormalizedAssetID(assetID)+"|"+partitionKeyNormalized)
	return nil
}

func (s *Store) MarkStalePartition(ctx context.Context, stale workflow.WorkflowAssetStalePartition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stale.WorkflowDefinitionID + "|" + workflow.NormalizedAssetID(stale.AssetID) + "|" + stale.PartitionKeyNormalized
	s.stale[key] = stale
	return nil
}

func (s *Store) FindProducerDefinition(ctx context.Context, assetID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defID, ok := s.producers[workflow.NormalizedAssetID(assetID)]
	return defID, ok, nil
}

// --- ScheduleStore ---

func (s *Store) CreateSchedule(ctx context.Context, sched *workflow.WorkflowSchedule) (*workflow.WorkflowSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched.ID == "" {
		sched.ID = newID("sched")
	}
	clone := *sched
	s.schedules[sched.ID] = &clone
	out := clone
	return &out, nil
}

func (s *Store) ListDueSchedules(ctx context.Context, limit int, now time.Time) ([]repository.DueSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []repository.DueSchedule
	for _, sched := range s.schedules {
		if !sched.Due(now) {
			continue
		}
		def, ok := s.definitions[sched.WorkflowDefinitionID]
		if !ok {
			continue
		}
		due = append(due, repository.DueSchedule{Schedule: *sched, Definition: *def})
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].Schedule.NextRunAt.Before(*due[j].Schedule.NextRunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) UpdateScheduleMetadata(ctx context.Context, id string, patch repository.SchedulePatch, expectedUpdatedAt time.Time) (*workflow.WorkflowSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, &workflowerrors.NotFoundError{Resource: "workflow_schedule", ID: id}
	}
	if !sched.UpdatedAt.IsZero() && !sched.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, &workflowerrors.ConflictError{Resource: "workflow_schedule", Key: id}
	}

	if patch.ClearNextRunAt {
		sched.NextRunAt = nil
	} else if patch.NextRunAt != nil {
		sched.NextRunAt = patch.NextRunAt
	}
	if patch.ClearCatchupCursor {
		sched.CatchupCursor = nil
	} else if patch.CatchupCursor != nil {
		sched.CatchupCursor = patch.CatchupCursor
	}
	if patch.LastMaterializedWindow != nil {
		sched.LastMaterializedWindow = patch.LastMaterializedWindow
	}
	sched.UpdatedAt = time.Now().UTC()

	clone := *sched
	return &clone, nil
}

// --- RecoveryStore ---

func (s *Store) EnsureRecoveryRequest(ctx context.Context, input workflow.WorkflowAssetRecoveryRequest) (*workflow.WorkflowAssetRecoveryRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := workflow.NormalizedAssetID(input.AssetID) + ":" + input.PartitionKeyNormalized
	if existingID, exists := s.recoveryIndex[key]; exists {
		if existing, ok := s.recovery[existingID]; ok && !existing.Status.Terminal() {
			clone := *existing
			return &clone, false, nil
		}
	}

	if input.ID == "" {
		input.ID = newID("recovery")
	}
	if input.Status == "" {
		input.Status = workflow.RecoveryPending
	}
	clone := input
	s.recovery[input.ID] = &clone
	s.recoveryIndex[key] = input.ID
	out := clone
	return &out, true, nil
}

func (s *Store) GetRecoveryRequest(ctx context.Context, id string) (*workflow.WorkflowAssetRecoveryRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.recovery[id]
	if !ok {
		return nil, &workflowerrors.NotFoundError{Resource: "asset_recovery_request", ID: id}
	}
	clone := *req
	return &clone, nil
}

func (s *Store) UpdateRecoveryRequest(ctx context.Context, id string, patch repository.RecoveryPatch) (*workflow.WorkflowAssetRecoveryRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.recovery[id]
	if !ok {
		return nil, &workflowerrors.NotFoundError{Resource: "asset_recovery_request", ID: id}
	}
	if patch.Status != nil {
		req.Status = *patch.Status
	}
	if patch.RecoveryWorkflowRunID != nil {
		req.RecoveryWorkflowRunID = *patch.RecoveryWorkflowRunID
	}
	if patch.Attempts != nil {
		req.Attempts = *patch.Attempts
	}
	if patch.LastAttemptAt != nil {
		req.LastAttemptAt = patch.LastAttemptAt
	}
	if patch.LastError != nil {
		req.LastError = *patch.LastError
	}
	if patch.CompletedAt != nil {
		req.CompletedAt = patch.CompletedAt
	}
	clone := *req
	return &clone, nil
}

// --- HistoryStore ---

func (s *Store) AppendHistory(ctx context.Context, event workflow.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = newID("hist")
	}
	s.history[event.WorkflowRunID] = append(s.history[event.WorkflowRunID], event)
	return nil
}

func (s *Store) ListHistory(ctx context.Context, runID string, limit int) ([]workflow.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.history[runID]
	out := append([]workflow.HistoryEvent(nil), events...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// --- AnalyticsStore ---

func (s *Store) RunCountsByStatus(ctx context.Context) (map[workflow.RunStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[workflow.RunStatus]int{}
	for _, run := range s.runs {
		counts[run.Status]++
	}
	return counts, nil
}

func (s *Store) StepCountsByStatus(ctx context.Context) (map[workflow.StepStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[workflow.StepStatus]int{}
	for _, step := range s.steps {
		counts[step.Status]++
	}
	return counts, nil
}

func (s *Store) StaleRecoveryRequestCount(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, req := range s.recovery {
		if req.Status.Terminal() {
			continue
		}
		if req.LastAttemptAt != nil && req.LastAttemptAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}
