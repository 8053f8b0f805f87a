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

package recovery

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

func seedProducerAndConsumer(t *testing.T, store *memstore.Store) (producerDef, consumerDef *workflow.WorkflowDefinition, consumerRun *workflow.WorkflowRun) {
	t.Helper()
	ctx := context.Background()

	producerDef = &workflow.WorkflowDefinition{
		Slug:    "producer",
		Version: 1,
		Steps: []workflow.StepDefinition{
			{
				Kind: workflow.StepKindJob, ID: "produce", JobSlug: "noop",
				Produces: []workflow.AssetDeclaration{{AssetID: "orders.daily", Direction: workflow.AssetProduces}},
			},
		},
	}
	producerDef, err := store.CreateDefinition(ctx, producerDef)
	require.NoError(t, err)

	consumerDef = &workflow.WorkflowDefinition{
		Slug:    "consumer",
		Version: 1,
		Steps:   []workflow.StepDefinition{{Kind: workflow.StepKindJob, ID: "consume", JobSlug: "noop"}},
	}
	consumerDef, err = store.CreateDefinition(ctx, consumerDef)
	require.NoError(t, err)

	consumerRun, err = store.CreateRun(ctx, consumerDef.ID, &workflow.WorkflowRun{})
	require.NoError(t, err)

	return producerDef, consumerDef, consumerRun
}

func TestEnsureRecoveryLaunchesProducerRun(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	q := &recordingQueue{}
	mgr := New(store, store, store, store, q, nil)

	producerDef, consumerDef, consumerRun := seedProducerAndConsumer(t, store)
	consumerStep := &consumerDef.Steps[0]

	descriptor := workflow.AssetRecoveryDescriptor{AssetID: "orders.daily", PartitionKey: "2026-07-29"}
	poll, err := mgr.EnsureRecovery(ctx, consumerRun, consumerDef, consumerStep, descriptor)
	require.NoError(t, err)
	require.Equal(t, workflow.RecoveryRunning, poll.Status)
	require.NotEmpty(t, poll.RequestID)

	require.Len(t, q.jobs, 1)

	req, err := store.GetRecoveryRequest(ctx, poll.RequestID)
	require.NoError(t, err)
	require.Equal(t, producerDef.ID, req.WorkflowDefinitionID)
	require.Equal(t, workflow.RecoveryRunning, req.Status)
	require.NotEmpty(t, req.RecoveryWorkflowRunID)

	producerRun, err := store.GetRun(ctx, req.RecoveryWorkflowRunID)
	require.NoError(t, err)
	require.Equal(t, producerDef.ID, producerRun.WorkflowDefinitionID)
	require.Equal(t, "asset-recovery:orders.daily:2026-07-29", producerRun.RunKey)
}

func TestEnsureRecoveryReusesExistingRequest(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	q := &recordingQueue{}
	mgr := New(store, store, store, store, q, nil)

	_, consumerDef, consumerRun := seedProducerAndConsumer(t, store)
	consumerStep := &consumerDef.Steps[0]
	descriptor := workflow.AssetRecoveryDescriptor{AssetID: "orders.daily", PartitionKey: "2026-07-29"}

	first, err := mgr.EnsureRecovery(ctx, consumerRun, consumerDef, consumerStep, descriptor)
	require.NoError(t, err)

	second, err := mgr.EnsureRecovery(ctx, consumerRun, consumerDef, consumerStep, descriptor)
	require.NoError(t, err)

	require.Equal(t, first.RequestID, second.RequestID)
	require.Len(t, q.jobs, 1, "a second consumer hitting the same missing partition must not launch a duplicate producer run")
}

func TestPollRecoverySettlesOnProducerSuccess(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	q := &recordingQueue{}
	mgr := New(store, store, store, store, q, nil)

	_, consumerDef, consumerRun := seedProducerAndConsumer(t, store)
	consumerStep := &consumerDef.Steps[0]
	descriptor := workflow.AssetRecoveryDescriptor{AssetID: "orders.daily", PartitionKey: "2026-07-29"}

	poll, err := mgr.EnsureRecovery(ctx, consumerRun, consumerDef, consumerStep, descriptor)
	require.NoError(t, err)

	status, err := mgr.PollRecovery(ctx, poll.RequestID)
	require.NoError(t, err)
	require.Equal(t, workflow.RecoveryRunning, status)

	req, err := store.GetRecoveryRequest(ctx, poll.RequestID)
	require.NoError(t, err)
	succeeded := workflow.RunSucceeded
	_, _, err = store.UpdateRun(ctx, req.RecoveryWorkflowRunID, repository.RunPatch{Status: &succeeded})
	require.NoError(t, err)

	status, err = mgr.PollRecovery(ctx, poll.RequestID)
	require.NoError(t, err)
	require.Equal(t, workflow.RecoverySucceeded, status)

	req, err = store.GetRecoveryRequest(ctx, poll.RequestID)
	require.NoError(t, err)
	require.NotNil(t, req.CompletedAt)
}

func TestPollRecoverySettlesOnProducerFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	q := &recordingQueue{}
	mgr := New(store, store, store, store, q, nil)

	_, consumerDef, consumerRun := seedProducerAndConsumer(t, store)
	consumerStep := &consumerDef.Steps[0]
	descriptor := workflow.AssetRecoveryDescriptor{AssetID: "orders.daily", PartitionKey: "2026-07-29"}

	poll, err := mgr.EnsureRecovery(ctx, consumerRun, consumerDef, consumerStep, descriptor)
	require.NoError(t, err)

	req, err := store.GetRecoveryRequest(ctx, poll.RequestID)
	require.NoError(t, err)
	failed := workflow.RunFailed
	message := "producer blew up"
	_, _, err = store.UpdateRun(ctx, req.RecoveryWorkflowRunID, repository.RunPatch{Status: &failed, ErrorMessage: &message})
	require.NoError(t, err)

	status, err := mgr.PollRecovery(ctx, poll.RequestID)
	require.NoError(t, err)
	require.Equal(t, workflow.RecoveryFailed, status)

	req, err = store.GetRecoveryRequest(ctx, poll.RequestID)
	require.NoError(t, err)
	require.Equal(t, message, req.LastError)
}

func TestEnsureRecoveryFallsBackToConsumerDefinitionWithoutDeclaredProducer(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	q := &recordingQueue{}
	mgr := New(store, store, store, store, q, nil)

	consumerDef := &workflow.WorkflowDefinition{
		Slug:    "lonely-consumer",
		Version: 1,
		Steps:   []workflow.StepDefinition{{Kind: workflow.StepKindJob, ID: "consume", JobSlug: "noop"}},
	}
	consumerDef, err := store.CreateDefinition(ctx, consumerDef)
	require.NoError(t, err)
	consumerRun, err := store.CreateRun(ctx, consumerDef.ID, &workflow.WorkflowRun{})
	require.NoError(t, err)

	descriptor := workflow.AssetRecoveryDescriptor{AssetID: "unclaimed.asset", PartitionKey: "p1"}
	poll, err := mgr.EnsureRecovery(ctx, consumerRun, consumerDef, &consumerDef.Steps[0], descriptor)
	require.NoError(t, err)

	req, err := store.GetRecoveryRequest(ctx, poll.RequestID)
	require.NoError(t, err)
	require.Equal(t, consumerDef.ID, req.WorkflowDefinitionID)
}
