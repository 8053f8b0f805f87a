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

package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/workflow-core/internal/queue"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/internal/repository/memstore"
	"github.com/tombee/workflow-core/pkg/workflow"
)

type recordingQueue struct {
	jobs []queue.RunJob
}

func (r *recordingQueue) EnqueueRun(ctx context.Context, job queue.RunJob) error {
	r.jobs = append(r.jobs, job)
	return nil
}
func (r *recordingQueue) ScheduleRetry(ctx context.Context, job queue.RunJob, runAt time.Time) error {
	return nil
}
func (r *recordingQueue) ScheduleAssetExpiry(ctx context.Context, jobID string, payload queue.AssetExpiryPayload, delay time.Duration) error {
	return nil
}
func (r *recordingQueue) CancelJob(ctx context.Context, jobID string) error { return nil }

func seedStaleStep(t *testing.T, store *memstore.Store, retryPolicy *workflow.RetryPolicy, attempt, retryCount int) (*workflow.WorkflowRun, *workflow.WorkflowRunStep) {
	t.Helper()
	ctx := context.Background()

	def := &workflow.WorkflowDefinition{
		Slug:    "heartbeat-fixture",
		Version: 1,
		Steps: []workflow.StepDefinition{
			{Kind: workflow.StepKindJob, ID: "a", JobSlug: "noop", RetryPolicy: retryPolicy},
		},
	}
	def, err := store.CreateDefinition(ctx, def)
	require.NoError(t, err)

	run, err := store.CreateRun(ctx, def.ID, &workflow.WorkflowRun{RunKey: "heartbeat-run"})
	require.NoError(t, err)
	running := workflow.RunRunning
	run, _, err = store.UpdateRun(ctx, run.ID, repository.RunPatch{Status: &running})
	require.NoError(t, err)

	longAgo := time.Now().UTC().Add(-time.Hour)
	step, err := store.CreateStep(ctx, &workflow.WorkflowRunStep{
		WorkflowRunID: run.ID,
		StepID:        "a",
		Status:        workflow.StepRunning,
		Attempt:       attempt,
		RetryCount:    retryCount,
		StartedAt:     &longAgo,
	})
	require.NoError(t, err)

	return run, step
}

func TestMonitorRetriesWhenBudgetRemains(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	q := &recordingQueue{}

	run, _ := seedStaleStep(t, store, &workflow.RetryPolicy{MaxAttempts: 3}, 1, 0)

	mon := New(Config{
		Definitions: store, Runs: store, Steps: store, History: store, Queue: q,
		Timeout: time.Minute, CheckInterval: time.Hour, BatchSize: 10,
	})
	mon.sweep(ctx)

	updated, found, err := store.GetStepByStepID(ctx, run.ID, "a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, workflow.StepPending, updated.Status)
	require.Equal(t, 2, updated.Attempt)
	require.Equal(t, 1, updated.RetryCount)
	require.Equal(t, workflow.FailureReasonHeartbeatTimeout, updated.FailureReason)
	require.Nil(t, updated.StartedAt)

	require.Len(t, q.jobs, 1)
	require.Equal(t, run.ID, q.jobs[0].WorkflowRunID)
	require.Equal(t, "a", q.jobs[0].StepID)
}

func TestMonitorFailsWhenBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	q := &recordingQueue{}

	run, _ := seedStaleStep(t, store, &workflow.RetryPolicy{MaxAttempts: 2}, 2, 1)

	mon := New(Config{
		Definitions: store, Runs: store, Steps: store, History: store, Queue: q,
		Timeout: time.Minute, CheckInterval: time.Hour, BatchSize: 10,
	})
	mon.sweep(ctx)

	updated, found, err := store.GetStepByStepID(ctx, run.ID, "a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, workflow.StepFailed, updated.Status)
	require.Equal(t, workflow.FailureReasonHeartbeatTimeout, updated.FailureReason)
	require.NotNil(t, updated.CompletedAt)

	require.Len(t, q.jobs, 1)
	require.Equal(t, run.ID, q.jobs[0].WorkflowRunID)
	require.Empty(t, q.jobs[0].StepID)
}

func TestMonitorUnboundedRetryPolicyAlwaysRetries(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	q := &recordingQueue{}

	run, _ := seedStaleStep(t, store, nil, 9, 8)

	mon := New(Config{
		Definitions: store, Runs: store, Steps: store, History: store, Queue: q,
		Timeout: time.Minute, CheckInterval: time.Hour, BatchSize: 10,
	})
	mon.sweep(ctx)

	updated, found, err := store.GetStepByStepID(ctx, run.ID, "a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, workflow.StepPending, updated.Status)
}

func TestMonitorIgnoresFreshHeartbeats(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	q := &recordingQueue{}

	def := &workflow.WorkflowDefinition{
		Slug:    "heartbeat-fresh",
		Version: 1,
		Steps:   []workflow.StepDefinition{{Kind: workflow.StepKindJob, ID: "a", JobSlug: "noop"}},
	}
	def, err := store.CreateDefinition(ctx, def)
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, def.ID, &workflow.WorkflowRun{})
	require.NoError(t, err)
	running := workflow.RunRunning
	run, _, err = store.UpdateRun(ctx, run.ID, repository.RunPatch{Status: &running})
	require.NoError(t, err)

	justNow := time.Now().UTC()
	_, err = store.CreateStep(ctx, &workflow.WorkflowRunStep{
		WorkflowRunID: run.ID, StepID: "a", Status: workflow.StepRunning, StartedAt: &justNow,
	})
	require.NoError(t, err)

	mon := New(Config{
		Definitions: store, Runs: store, Steps: store, History: store, Queue: q,
		Timeout: time.Minute, CheckInterval: time.Hour, BatchSize: 10,
	})
	mon.sweep(ctx)

	updated, found, err := store.GetStepByStepID(ctx, run.ID, "a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, workflow.StepRunning, updated.Status)
	require.Empty(t, q.jobs)
}
