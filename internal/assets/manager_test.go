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

package assets

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tombee/workflow-core/internal/queue"
	"github.com/tombee/workflow-core/pkg/workflow"
)

type fakeAssetStore struct {
	mu      sync.Mutex
	assets  []workflow.WorkflowRunStepAsset
	staled  []workflow.WorkflowAssetStalePartition
}

func (f *fakeAssetStore) RecordStepAssets(ctx context.Context, defID, runID, stepRecordID, stepID string, assets []workflow.WorkflowRunStepAsset) ([]workflow.WorkflowRunStepAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stamped := make([]workflow.WorkflowRunStepAsset, len(assets))
	for i, a := range assets {
		a.ID = "asset-" + a.AssetID
		a.WorkflowDefinitionID = defID
		a.WorkflowRunID = runID
		a.WorkflowRunStepID = stepRecordID
		a.StepID = stepID
		stamped[i] = a
	}
	f.assets = append(f.assets, stamped...)
	return stamped, nil
}

func (f *fakeAssetStore) ClearStalePartition(ctx context.Context, defID, assetID, partitionKeyNormalized string) error {
	return nil
}

func (f *fakeAssetStore) MarkStalePartition(ctx context.Context, stale workflow.WorkflowAssetStalePartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staled = append(f.staled, stale)
	return nil
}

func (f *fakeAssetStore) FindProducerDefinition(ctx context.Context, assetID string) (string, bool, error) {
	return "", false, nil
}

type fakeQueue struct {
	mu        sync.Mutex
	scheduled map[string]queue.AssetExpiryPayload
	canceled  []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{scheduled: make(map[string]queue.AssetExpiryPayload)}
}

func (f *fakeQueue) EnqueueRun(ctx context.Context, job queue.RunJob) error             { return nil }
func (f *fakeQueue) ScheduleRetry(ctx context.Context, job queue.RunJob, at time.Time) error { return nil }

func (f *fakeQueue) ScheduleAssetExpiry(ctx context.Context, jobID string, payload queue.AssetExpiryPayload, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[jobID] = payload
	return nil
}

func (f *fakeQueue) CancelJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, jobID)
	delete(f.scheduled, jobID)
	return nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	topics []workflow.EventTopic
}

func (f *fakeEmitter) Publish(ctx context.Context, topic workflow.EventTopic, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
}

func TestManagerPersistSchedulesFreshnessAndEmits(t *testing.T) {
	store := &fakeAssetStore{}
	q := newFakeQueue()
	emitter := &fakeEmitter{}
	mgr := NewManager(store, q, emitter, nil)

	step := jobStep(workflow.AssetDeclaration{
		AssetID:   "orders",
		Direction: workflow.AssetProduces,
		Freshness: &workflow.FreshnessSpec{TTLMs: 1000, CadenceMs: 2000},
	})
	result := map[string]any{"assetId": "orders", "rows": float64(5)}

	out, err := mgr.Persist(context.Background(), "def-1", "run-1", "step-rec-1", "load", step, result, &workflow.WorkflowRun{ID: "run-1"}, time.Now())
	require.NoError(t, err)
	require.Len(t, out, 1)

	require.Len(t, store.assets, 1)
	require.Len(t, q.scheduled, 2)
	require.Contains(t, emitter.topics, workflow.EventAssetProduced)
}

func TestManagerPersistNoDeclarationsIsNoop(t *testing.T) {
	store := &fakeAssetStore{}
	q := newFakeQueue()
	emitter := &fakeEmitter{}
	mgr := NewManager(store, q, emitter, nil)

	step := jobStep()
	out, err := mgr.Persist(context.Background(), "def-1", "run-1", "step-rec-1", "load", step, map[string]any{"ok": true}, &workflow.WorkflowRun{}, time.Now())
	require.NoError(t, err)
	require.Nil(t, out)
	require.Empty(t, store.assets)
	require.Empty(t, q.scheduled)
}

func TestManagerHandleExpiryMarksStaleAndEmits(t *testing.T) {
	store := &fakeAssetStore{}
	q := newFakeQueue()
	emitter := &fakeEmitter{}
	mgr := NewManager(store, q, emitter, nil)

	asset := workflow.WorkflowRunStepAsset{
		WorkflowDefinitionID: "def-1",
		AssetID:              "orders",
		PartitionKey:         "2026-01-01",
	}
	snapshot, err := json.Marshal(asset)
	require.NoError(t, err)

	mgr.HandleExpiry(context.Background(), queue.AssetExpiryPayload{
		AssetKey: "ttl:def-1:orders:2026-01-01",
		Reason:   "ttl",
		Asset:    snapshot,
	})

	require.Len(t, store.staled, 1)
	require.Equal(t, "orders", store.staled[0].AssetID)
	require.Contains(t, emitter.topics, workflow.EventAssetExpired)
}
