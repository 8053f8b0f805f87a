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

package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
	"github.com/tombee/workflow-core/pkg/workflowerrors"
)

// newTestStore opens a fresh on-disk SQLite database in a temp directory
// per test, mirroring how the controller's sqlite backend is exercised.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "workflow-core-test.db")
	s, err := New(Config{Path: dbPath, WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func singleJobStepDefinition(slug string) *workflow.WorkflowDefinition {
	return &workflow.WorkflowDefinition{
		Slug:    slug,
		Version: 1,
		Steps: []workflow.StepDefinition{
			{Kind: workflow.StepKindJob, ID: "fetch", JobSlug: "fetch-data"},
		},
	}
}

func TestStoreCreateDefinitionAssignsIDAndBuildsDAG(t *testing.T) {
	s := newTestStore(t)
	def, err := s.CreateDefinition(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)
	assert.NotEmpty(t, def.ID)
	require.NotNil(t, def.DAG)
	assert.Equal(t, []string{"fetch"}, def.DAG.TopologicalOrder)

	got, err := s.GetDefinition(context.Background(), def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.Slug, got.Slug)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "fetch", got.Steps[0].ID)
}

func TestStoreCreateDefinitionRejectsInvalidSteps(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateDefinition(context.Background(), &workflow.WorkflowDefinition{Slug: "broken"})
	require.Error(t, err)
	var ve *workflowerrors.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestStoreCreateDefinitionRejectsSlugConflict(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateDefinition(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)

	_, err = s.CreateDefinition(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.Error(t, err)
	var ce *workflowerrors.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "workflow_definition", ce.Resource)
}

func TestStoreGetDefinitionBySlug(t *testing.T) {
	s := newTestStore(t)
	created, err := s.CreateDefinition(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)

	got, err := s.GetDefinitionBySlug(context.Background(), "nightly-etl")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = s.GetDefinitionBySlug(context.Background(), "missing-slug")
	assert.Error(t, err)
}

func TestStoreUpsertDefinitionBySlugBumpsVersionOnlyWhenStepsChange(t *testing.T) {
	s := newTestStore(t)

	first, changed, err := s.UpsertDefinitionBySlug(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, first.Version)

	again, changed, err := s.UpsertDefinitionBySlug(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first.ID, again.ID)

	revised := singleJobStepDefinition("nightly-etl")
	revised.Steps = append(revised.Steps, workflow.StepDefinition{Kind: workflow.StepKindJob, ID: "notify", JobSlug: "send-email", DependsOn: []string{"fetch"}})

	second, changed, err := s.UpsertDefinitionBySlug(context.Background(), revised)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Version+1, second.Version)

	got, err := s.GetDefinitionBySlug(context.Background(), "nightly-etl")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	require.Len(t, got.Steps, 2)
}

func TestStoreUpsertDefinitionBySlugRejectsCyclicDependsOn(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.UpsertDefinitionBySlug(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)

	cyclic := singleJobStepDefinition("nightly-etl")
	cyclic.Steps = []workflow.StepDefinition{
		{Kind: workflow.StepKindJob, ID: "fetch", JobSlug: "fetch-data", DependsOn: []string{"notify"}},
		{Kind: workflow.StepKindJob, ID: "notify", JobSlug: "send-email", DependsOn: []string{"fetch"}},
	}

	_, _, err = s.UpsertDefinitionBySlug(context.Background(), cyclic)
	require.Error(t, err)
	var ve *workflowerrors.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestStoreReplaceAssetDeclarationsUpdatesStepsAndDAG(t *testing.T) {
	s := newTestStore(t)
	def, err := s.CreateDefinition(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)

	newSteps := []workflow.StepDefinition{
		{Kind: workflow.StepKindJob, ID: "fetch", JobSlug: "fetch-data"},
		{Kind: workflow.StepKindJob, ID: "publish", JobSlug: "publish-data", DependsOn: []string{"fetch"},
			Produces: []workflow.AssetDeclaration{{AssetID: "reports.daily", Direction: workflow.AssetProduces}}},
	}
	require.NoError(t, s.ReplaceAssetDeclarations(context.Background(), def.ID, newSteps))

	got, err := s.GetDefinition(context.Background(), def.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	require.NotNil(t, got.DAG)
	assert.Equal(t, []string{"fetch", "publish"}, got.DAG.TopologicalOrder)

	producerDefID, found, err := s.FindProducerDefinition(context.Background(), "reports.daily")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, def.ID, producerDefID)
}

func TestStoreCreateRunAssignsPendingStatus(t *testing.T) {
	s := newTestStore(t)
	def, err := s.CreateDefinition(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)

	run, err := s.CreateRun(context.Background(), def.ID, &workflow.WorkflowRun{RunKey: "2026-07-30"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, workflow.RunPending, run.Status)
	assert.Equal(t, "2026-07-30", run.RunKeyNormalized)

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, def.ID, got.WorkflowDefinitionID)
}

func TestStoreCreateRunDetectsRunKeyConflictWhileActive(t *testing.T) {
	s := newTestStore(t)
	def, err := s.CreateDefinition(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)

	_, err = s.CreateRun(context.Background(), def.ID, &workflow.WorkflowRun{RunKey: "2026-07-30"})
	require.NoError(t, err)

	_, err = s.CreateRun(context.Background(), def.ID, &workflow.WorkflowRun{RunKey: "2026-07-30"})
	require.Error(t, err)
	assert.True(t, workflowerrors.IsRunKeyConflict(err))
}

func TestStoreCreateRunAllowsReusingRunKeyOnceTerminal(t *testing.T) {
	s := newTestStore(t)
	def, err := s.CreateDefinition(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)

	first, err := s.CreateRun(context.Background(), def.ID, &workflow.WorkflowRun{RunKey: "2026-07-30"})
	require.NoError(t, err)

	succeeded := workflow.RunSucceeded
	_, _, err = s.UpdateRun(context.Background(), first.ID, repository.RunPatch{Status: &succeeded})
	require.NoError(t, err)

	_, err = s.CreateRun(context.Background(), def.ID, &workflow.WorkflowRun{RunKey: "2026-07-30"})
	assert.NoError(t, err)
}

func TestStoreUpdateRunReportsChangedFlag(t *testing.T) {
	s := newTestStore(t)
	def, err := s.CreateDefinition(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)
	run, err := s.CreateRun(context.Background(), def.ID, &workflow.WorkflowRun{})
	require.NoError(t, err)

	running := workflow.RunRunning
	_, changed, err := s.UpdateRun(context.Background(), run.ID, repository.RunPatch{Status: &running})
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = s.UpdateRun(context.Background(), run.ID, repository.RunPatch{Status: &running})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestStoreUpdateRunUnknownIDNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.UpdateRun(context.Background(), "missing", repository.RunPatch{})
	assert.Error(t, err)
}

func TestStoreFindActiveRunByKeyIgnoresTerminalRuns(t *testing.T) {
	s := newTestStore(t)
	def, err := s.CreateDefinition(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)
	run, err := s.CreateRun(context.Background(), def.ID, &workflow.WorkflowRun{RunKey: "key-1"})
	require.NoError(t, err)

	_, found, err := s.FindActiveRunByKey(context.Background(), def.ID, "key-1")
	require.NoError(t, err)
	assert.True(t, found)

	failed := workflow.RunFailed
	_, _, err = s.UpdateRun(context.Background(), run.ID, repository.RunPatch{Status: &failed})
	require.NoError(t, err)

	_, found, err = s.FindActiveRunByKey(context.Background(), def.ID, "key-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreCreateStepDefaultsAttemptAndRetryState(t *testing.T) {
	s := newTestStore(t)
	step, err := s.CreateStep(context.Background(), &workflow.WorkflowRunStep{WorkflowRunID: "run-1", StepID: "fetch"})
	require.NoError(t, err)
	assert.Equal(t, 1, step.Attempt)
	assert.Equal(t, workflow.RetryStatePending, step.RetryState)
}

func TestStoreGetStepByStepIDFindsCreatedStep(t *testing.T) {
	s := newTestStore(t)
	created, err := s.CreateStep(context.Background(), &workflow.WorkflowRunStep{WorkflowRunID: "run-1", StepID: "fetch"})
	require.NoError(t, err)

	got, found, err := s.GetStepByStepID(context.Background(), "run-1", "fetch")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, created.ID, got.ID)

	_, found, err = s.GetStepByStepID(context.Background(), "run-1", "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreUpdateRunStepScheduledRetryRequiresNextAttempt(t *testing.T) {
	s := newTestStore(t)
	step, err := s.CreateStep(context.Background(), &workflow.WorkflowRunStep{WorkflowRunID: "run-1", StepID: "fetch"})
	require.NoError(t, err)

	scheduled := workflow.RetryStateScheduled
	_, err = s.UpdateRunStep(context.Background(), step.ID, repository.StepPatch{RetryState: &scheduled})
	require.Error(t, err)

	nextAttempt := time.Now().Add(time.Minute)
	updated, err := s.UpdateRunStep(context.Background(), step.ID, repository.StepPatch{
		RetryState:    &scheduled,
		NextAttemptAt: &nextAttempt,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.RetryStateScheduled, updated.RetryState)
	require.NotNil(t, updated.NextAttemptAt)
}

func TestStoreUpdateRunStepClearFieldsNullOutRatherThanLeaveUnchanged(t *testing.T) {
	s := newTestStore(t)
	startedAt := time.Now()
	step, err := s.CreateStep(context.Background(), &workflow.WorkflowRunStep{
		WorkflowRunID: "run-1",
		StepID:        "fetch",
		JobRunID:      "jobrun-1",
		StartedAt:     &startedAt,
	})
	require.NoError(t, err)

	updated, err := s.UpdateRunStep(context.Background(), step.ID, repository.StepPatch{
		ClearJobRunID:  true,
		ClearStartedAt: true,
	})
	require.NoError(t, err)
	assert.Empty(t, updated.JobRunID)
	assert.Nil(t, updated.StartedAt)
}

func TestStoreListRunStepsOrdersByInsertion(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateStep(context.Background(), &workflow.WorkflowRunStep{WorkflowRunID: "run-1", StepID: "fetch"})
	require.NoError(t, err)
	_, err = s.CreateStep(context.Background(), &workflow.WorkflowRunStep{WorkflowRunID: "run-1", StepID: "publish"})
	require.NoError(t, err)

	steps, err := s.ListRunSteps(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "fetch", steps[0].StepID)
	assert.Equal(t, "publish", steps[1].StepID)
}

func TestStoreFindStaleRunStepsAppliesHeartbeatCutoff(t *testing.T) {
	s := newTestStore(t)
	def, err := s.CreateDefinition(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)
	run, err := s.CreateRun(context.Background(), def.ID, &workflow.WorkflowRun{})
	require.NoError(t, err)
	running := workflow.RunRunning
	_, _, err = s.UpdateRun(context.Background(), run.ID, repository.RunPatch{Status: &running})
	require.NoError(t, err)

	staleHeartbeat := time.Now().Add(-time.Hour)
	freshHeartbeat := time.Now()

	staleStep, err := s.CreateStep(context.Background(), &workflow.WorkflowRunStep{
		WorkflowRunID: run.ID, StepID: "stale", Status: workflow.StepRunning, LastHeartbeatAt: &staleHeartbeat,
	})
	require.NoError(t, err)
	_, err = s.CreateStep(context.Background(), &workflow.WorkflowRunStep{
		WorkflowRunID: run.ID, StepID: "fresh", Status: workflow.StepRunning, LastHeartbeatAt: &freshHeartbeat,
	})
	require.NoError(t, err)
	_, err = s.CreateStep(context.Background(), &workflow.WorkflowRunStep{
		WorkflowRunID: run.ID, StepID: "succeeded", Status: workflow.StepSucceeded, LastHeartbeatAt: &staleHeartbeat,
	})
	require.NoError(t, err)

	refs, err := s.FindStaleRunSteps(context.Background(), time.Now().Add(-time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, staleStep.StepID, refs[0].StepID)
}

func TestStoreRecordStepAssetsReplacesAndClearsStalePartition(t *testing.T) {
	s := newTestStore(t)
	defID, runID, stepRecordID, stepID := "def-1", "run-1", "step-record-1", "fetch"

	require.NoError(t, s.MarkStalePartition(context.Background(), workflow.WorkflowAssetStalePartition{
		WorkflowDefinitionID:   defID,
		AssetID:                "reports.daily",
		PartitionKeyNormalized: "2026-07-30",
	}))

	assets, err := s.RecordStepAssets(context.Background(), defID, runID, stepRecordID, stepID, []workflow.WorkflowRunStepAsset{
		{AssetID: "reports.daily", PartitionKey: "2026-07-30"},
	})
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.NotEmpty(t, assets[0].ID)
	assert.Equal(t, defID, assets[0].WorkflowDefinitionID)

	producerDefID, found, err := s.FindProducerDefinition(context.Background(), "Reports.Daily")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, defID, producerDefID)

	// A second call replaces rather than appends.
	assets, err = s.RecordStepAssets(context.Background(), defID, runID, stepRecordID, stepID, []workflow.WorkflowRunStepAsset{
		{AssetID: "reports.daily", PartitionKey: "2026-07-30"},
	})
	require.NoError(t, err)
	assert.Len(t, assets, 1)
}

func TestStoreListDueSchedulesFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	def, err := s.CreateDefinition(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	later := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	dueLater, err := s.CreateSchedule(context.Background(), &workflow.WorkflowSchedule{
		WorkflowDefinitionID: def.ID, Cron: "* * * * *", IsActive: true, NextRunAt: &later,
	})
	require.NoError(t, err)
	duePast, err := s.CreateSchedule(context.Background(), &workflow.WorkflowSchedule{
		WorkflowDefinitionID: def.ID, Cron: "* * * * *", IsActive: true, NextRunAt: &past,
	})
	require.NoError(t, err)
	_, err = s.CreateSchedule(context.Background(), &workflow.WorkflowSchedule{
		WorkflowDefinitionID: def.ID, Cron: "* * * * *", IsActive: true, NextRunAt: &future,
	})
	require.NoError(t, err)
	_, err = s.CreateSchedule(context.Background(), &workflow.WorkflowSchedule{
		WorkflowDefinitionID: def.ID, Cron: "* * * * *", IsActive: false, NextRunAt: &past,
	})
	require.NoError(t, err)

	due, err := s.ListDueSchedules(context.Background(), 0, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, duePast.ID, due[0].Schedule.ID)
	assert.Equal(t, dueLater.ID, due[1].Schedule.ID)
	assert.Equal(t, def.ID, due[0].Definition.ID)
}

func TestStoreUpdateScheduleMetadataOptimisticLockConflict(t *testing.T) {
	s := newTestStore(t)
	def, err := s.CreateDefinition(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)
	sched, err := s.CreateSchedule(context.Background(), &workflow.WorkflowSchedule{
		WorkflowDefinitionID: def.ID, Cron: "* * * * *",
	})
	require.NoError(t, err)

	nextRun := time.Now().Add(time.Hour)
	updated, err := s.UpdateScheduleMetadata(context.Background(), sched.ID, repository.SchedulePatch{NextRunAt: &nextRun}, sched.UpdatedAt)
	require.NoError(t, err)
	assert.Equal(t, nextRun.Unix(), updated.NextRunAt.Unix())

	// Stale expectedUpdatedAt (the zero value from the original sched) no
	// longer matches after the first successful update.
	_, err = s.UpdateScheduleMetadata(context.Background(), sched.ID, repository.SchedulePatch{NextRunAt: &nextRun}, sched.UpdatedAt)
	require.Error(t, err)
	var ce *workflowerrors.ConflictError
	assert.ErrorAs(t, err, &ce)
}

func TestStoreEnsureRecoveryRequestReusesActiveRow(t *testing.T) {
	s := newTestStore(t)
	input := workflow.WorkflowAssetRecoveryRequest{
		AssetID:                  "reports.daily",
		PartitionKeyNormalized:   "2026-07-30",
		RequestedByWorkflowRunID: "run-1",
	}

	first, created, err := s.EnsureRecoveryRequest(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, workflow.RecoveryPending, first.Status)
	assert.Equal(t, "run-1", first.RequestedByWorkflowRunID)

	second, created, err := s.EnsureRecoveryRequest(context.Background(), input)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestStoreEnsureRecoveryRequestStartsFreshAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	input := workflow.WorkflowAssetRecoveryRequest{
		AssetID:                "reports.daily",
		PartitionKeyNormalized: "2026-07-30",
	}
	first, _, err := s.EnsureRecoveryRequest(context.Background(), input)
	require.NoError(t, err)

	failed := workflow.RecoveryFailed
	_, err = s.UpdateRecoveryRequest(context.Background(), first.ID, repository.RecoveryPatch{Status: &failed})
	require.NoError(t, err)

	second, created, err := s.EnsureRecoveryRequest(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStoreAppendAndListHistoryRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendHistory(context.Background(), workflow.HistoryEvent{
			WorkflowRunID: "run-1",
			Kind:          workflow.HistoryRunStatus,
		}))
	}

	all, err := s.ListHistory(context.Background(), "run-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	limited, err := s.ListHistory(context.Background(), "run-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStoreCloseAllowsReopenOfSameFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	s, err := New(Config{Path: dbPath})
	require.NoError(t, err)

	_, err = s.CreateDefinition(context.Background(), singleJobStepDefinition("nightly-etl"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := New(Config{Path: dbPath})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetDefinitionBySlug(context.Background(), "nightly-etl")
	require.NoError(t, err)
	assert.Equal(t, "nightly-etl", got.Slug)
}
