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
	"log/slog"
	"time"

	"github.com/tombee/workflow-core/internal/events"
	intlog "github.com/tombee/workflow-core/internal/log"
	"github.com/tombee/workflow-core/internal/queue"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
)

// Manager owns the produced-asset lifecycle: extraction from a step's
// result, persistence through repository.AssetStore, and scheduling (and
// eventually firing) the TTL/cadence expiry jobs a Freshness declaration
// implies (§4.7).
type Manager struct {
	store  repository.AssetStore
	queue  queue.Queue
	events events.Emitter
	logger *slog.Logger
}

// NewManager constructs a Manager. logger may be nil, in which case a
// discard logger is used.
func NewManager(store repository.AssetStore, q queue.Queue, emitter events.Emitter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &Manager{
		store:  store,
		queue:  q,
		events: emitter,
		logger: intlog.WithComponent(logger, "assets.manager"),
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Clear deletes any assets previously recorded for stepRecordID without
// writing replacements, the "clear prior produced-assets" step the job
// state machine performs on every fresh attempt (§4.4 step 4).
func (m *Manager) Clear(ctx context.Context, defID, runID, stepRecordID, stepID string) error {
	_, err := m.store.RecordStepAssets(ctx, defID, runID, stepRecordID, stepID, nil)
	return err
}

// Persist extracts step's declared produced assets from result, writes
// them through the AssetStore (which also clears any stale-partition
// rows the new writes satisfy, per §4.7), schedules their freshness
// expiry jobs, and emits asset.produced for each. A nil, nil return means
// the step declared no produces or the result matched nothing.
func (m *Manager) Persist(ctx context.Context, defID, runID, stepRecordID, stepID string, step *workflow.StepDefinition, result any, run *workflow.WorkflowRun, now time.Time) ([]workflow.WorkflowRunStepAsset, error) {
	extracted, err := ExtractProducedAssets(step, result, run, now)
	if err != nil {
		return nil, err
	}
	if len(extracted) == 0 {
		return nil, nil
	}

	stamped, err := m.store.RecordStepAssets(ctx, defID, runID, stepRecordID, stepID, extracted)
	if err != nil {
		return nil, err
	}

	for _, asset := range stamped {
		m.scheduleFreshness(ctx, defID, asset)
		m.events.Publish(ctx, workflow.EventAssetProduced, assetEventPayload{
			WorkflowDefinitionID: defID,
			WorkflowRunID:        runID,
			AssetID:              asset.AssetID,
			PartitionKey:         asset.PartitionKey,
			ProducedAt:           asset.ProducedAt,
		})
	}
	return stamped, nil
}

type assetEventPayload struct {
	WorkflowDefinitionID string    `json:"workflowDefinitionId"`
	WorkflowRunID        string    `json:"workflowRunId"`
	AssetID              string    `json:"assetId"`
	PartitionKey         string    `json:"partitionKey,omitempty"`
	ProducedAt           time.Time `json:"producedAt"`
}

// scheduleFreshness (re)schedules at most two expiry jobs — ttl and
// cadence — for asset's partition, canceling any previously scheduled
// job for each reason first so a reproduced asset's expiry clock resets
// rather than stacking timers (§4.7).
func (m *Manager) scheduleFreshness(ctx context.Context, defID string, asset workflow.WorkflowRunStepAsset) {
	if !asset.Freshness.HasExpiry() {
		return
	}
	snapshot, err := json.Marshal(asset)
	if err != nil {
		intlog.WithAssetContext(m.logger, defID, asset.AssetID).Warn("marshal asset snapshot for expiry job", slog.Any("error", err))
		return
	}
	normalizedPartition := workflow.NormalizePartitionKey(asset.PartitionKey)

	if asset.Freshness.TTLMs > 0 {
		m.scheduleExpiry(ctx, defID, asset, normalizedPartition, workflow.ExpiryReasonTTL, time.Duration(asset.Freshness.TTLMs)*time.Millisecond, snapshot)
	}
	if asset.Freshness.CadenceMs > 0 {
		m.scheduleExpiry(ctx, defID, asset, normalizedPartition, workflow.ExpiryReasonCadence, time.Duration(asset.Freshness.CadenceMs)*time.Millisecond, snapshot)
	}
}

func (m *Manager) scheduleExpiry(ctx context.Context, defID string, asset workflow.WorkflowRunStepAsset, normalizedPartition string, reason workflow.ExpiryReason, delay time.Duration, snapshot []byte) {
	jobID := workflow.AssetExpiryJobKey(reason, defID, asset.AssetID, normalizedPartition)
	assetLogger := intlog.WithAssetContext(m.logger, defID, asset.AssetID)
	if err := m.queue.CancelJob(ctx, jobID); err != nil {
		assetLogger.Warn("cancel prior asset expiry job", slog.Any("error", err))
	}

	requestedAt := time.Now().UTC()
	payload := queue.AssetExpiryPayload{
		AssetKey:    jobID,
		Reason:      string(reason),
		RequestedAt: requestedAt,
		ExpiresAt:   requestedAt.Add(delay),
		Asset:       snapshot,
	}
	if err := m.queue.ScheduleAssetExpiry(ctx, jobID, payload, delay); err != nil {
		assetLogger.Warn("schedule asset expiry job", slog.String("reason", string(reason)), slog.Any("error", err))
	}
}

// HandleExpiry is the queue.AssetExpiryHandler wired at startup: it marks
// the asset's partition stale (so the next consumer attempt triggers
// recovery rather than silently reading a stale row) and emits
// asset.expired carrying the original produced metadata plus
// reason/expiresAt/requestedAt (§4.7).
func (m *Manager) HandleExpiry(ctx context.Context, payload queue.AssetExpiryPayload) {
	var asset workflow.WorkflowRunStepAsset
	if err := json.Unmarshal(payload.Asset, &asset); err != nil {
		m.logger.Warn("unmarshal expired asset snapshot", slog.String("jobId", payload.AssetKey), slog.Any("error", err))
		return
	}

	normalizedPartition := workflow.NormalizePartitionKey(asset.PartitionKey)
	stale := workflow.WorkflowAssetStalePartition{
		WorkflowDefinitionID:   asset.WorkflowDefinitionID,
		AssetID:                asset.AssetID,
		PartitionKeyNormalized: normalizedPartition,
		PartitionKey:           asset.PartitionKey,
		RequestedAt:            time.Now().UTC(),
		RequestedBy:            "asset-expiry:" + payload.Reason,
	}
	if err := m.store.MarkStalePartition(ctx, stale); err != nil {
		intlog.WithAssetContext(m.logger, asset.WorkflowDefinitionID, asset.AssetID).Warn("mark stale partition on expiry", slog.Any("error", err))
	}

	m.events.Publish(ctx, workflow.EventAssetExpired, assetExpiredEventPayload{
		WorkflowDefinitionID: asset.WorkflowDefinitionID,
		AssetID:              asset.AssetID,
		PartitionKey:         asset.PartitionKey,
		Reason:                payload.Reason,
		RequestedAt:          payload.RequestedAt,
		ExpiresAt:            payload.ExpiresAt,
		Asset:                asset,
	})
}

type assetExpiredEventPayload struct {
	WorkflowDefinitionID string                       `json:"workflowDefinitionId"`
	AssetID              string                       `json:"assetId"`
	PartitionKey         string                       `json:"partitionKey,omitempty"`
	Reason               string                       `json:"reason"`
	RequestedAt          time.Time                    `json:"requestedAt"`
	ExpiresAt            time.Time                    `json:"expiresAt"`
	Asset                workflow.WorkflowRunStepAsset `json:"asset"`
}
