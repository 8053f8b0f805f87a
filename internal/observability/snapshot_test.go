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

package observability

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/workflow-core/internal/events"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/internal/repository/memstore"
	"github.com/tombee/workflow-core/pkg/workflow"
)

func seedSnapshotFixture(t *testing.T, store *memstore.Store) {
	t.Helper()
	ctx := context.Background()

	def := &workflow.WorkflowDefinition{
		Slug:    "observability-fixture",
		Version: 1,
		Steps: []workflow.StepDefinition{
			{Kind: workflow.StepKindJob, ID: "a", JobSlug: "noop"},
		},
	}
	def, err := store.CreateDefinition(ctx, def)
	require.NoError(t, err)

	succeeded, err := store.CreateRun(ctx, def.ID, &workflow.WorkflowRun{RunKey: "run-succeeded"})
	require.NoError(t, err)
	succeededStatus := workflow.RunSucceeded
	_, _, err = store.UpdateRun(ctx, succeeded.ID, repository.RunPatch{Status: &succeededStatus})
	require.NoError(t, err)

	_, err = store.CreateRun(ctx, def.ID, &workflow.WorkflowRun{RunKey: "run-running"})
	require.NoError(t, err)

	step, err := store.CreateStep(ctx, &workflow.WorkflowRunStep{
		WorkflowRunID: succeeded.ID,
		StepID:        "a",
		Status:        workflow.StepFailed,
	})
	require.NoError(t, err)
	require.Equal(t, workflow.StepFailed, step.Status)

	stale := time.Now().UTC().Add(-1 * time.Hour)
	_, _, err = store.EnsureRecoveryRequest(ctx, workflow.WorkflowAssetRecoveryRequest{
		AssetID:                "asset.stale",
		PartitionKeyNormalized: "2026-07-30",
		WorkflowDefinitionID:   def.ID,
		Status:                 workflow.RecoveryPending,
		LastAttemptAt:          &stale,
	})
	require.NoError(t, err)

	fresh := time.Now().UTC()
	_, _, err = store.EnsureRecoveryRequest(ctx, workflow.WorkflowAssetRecoveryRequest{
		AssetID:                "asset.fresh",
		PartitionKeyNormalized: "2026-07-30",
		WorkflowDefinitionID:   def.ID,
		Status:                 workflow.RecoveryPending,
		LastAttemptAt:          &fresh,
	})
	require.NoError(t, err)
}

func TestSnapshotterTickPublishesAggregates(t *testing.T) {
	store := memstore.New()
	seedSnapshotFixture(t, store)

	bus := events.NewBus()
	ch, unsub := bus.Subscribe(workflow.EventAnalyticsSnapshot)
	defer unsub()

	snap := New(Config{
		Analytics:          store,
		Events:             bus,
		StaleRecoveryAfter: 30 * time.Minute,
	})

	snap.tick(context.Background())

	select {
	case evt := <-ch:
		require.Equal(t, workflow.EventAnalyticsSnapshot, evt.Topic)
		var payload Snapshot
		require.NoError(t, json.Unmarshal(evt.Payload, &payload))
		require.Equal(t, 1, payload.RunsByStatus[string(workflow.RunSucceeded)])
		require.Equal(t, 1, payload.RunsByStatus[string(workflow.RunPending)])
		require.Equal(t, 1, payload.StepsByStatus[string(workflow.StepFailed)])
		require.Equal(t, 1, payload.StaleRecoveryRequests)
	default:
		t.Fatal("expected a published snapshot event")
	}
}

func TestSnapshotterTickSkipsWithoutAnalyticsStore(t *testing.T) {
	bus := events.NewBus()
	ch, unsub := bus.Subscribe(workflow.EventAnalyticsSnapshot)
	defer unsub()

	snap := New(Config{Events: bus})
	snap.tick(context.Background())

	select {
	case <-ch:
		t.Fatal("expected no snapshot event when Analytics is nil")
	default:
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	snap := New(Config{})
	require.Equal(t, 30*time.Second, snap.interval)
	require.Equal(t, 10*time.Minute, snap.staleRecoveryAfter)
}
