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

// Package recovery implements the §4.6 asset-recovery manager: when a job
// step fails with failureReason=asset_missing, it resolves the asset's
// producer, ensures a (possibly shared) recovery request exists for the
// missing partition, kicks off a producer run if none is already in
// flight, and answers the executor's poll calls until that run settles.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/tombee/workflow-core/internal/queue"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
	"github.com/tombee/workflow-core/pkg/workflowerrors"
)

// Manager implements internal/executor.RecoveryDelegate on top of the
// repository's asset/recovery/run ports and the job queue.
type Manager struct {
	Definitions repository.DefinitionStore
	Runs        repository.RunStore
	Assets      repository.AssetStore
	Recoveries  repository.RecoveryStore
	Queue       queue.Queue

	Logger *slog.Logger
}

// New constructs a Manager. logger may be nil, in which case slog.Default
// is used.
func New(defs repository.DefinitionStore, runs repository.RunStore, assets repository.AssetStore, recoveries repository.RecoveryStore, q queue.Queue, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Definitions: defs,
		Runs:        runs,
		Assets:      assets,
		Recoveries:  recoveries,
		Queue:       q,
		Logger:      logger.With(slog.String("component", "recovery")),
	}
}

// EnsureRecovery implements §4.6 steps 1-3: resolve the producer, ensure
// one recovery request exists for (assetId, partitionKeyNormalized),
// kick off a producer run when this call created that request, and
// return the poll state the executor stashes on the consumer step.
func (m *Manager) EnsureRecovery(ctx context.Context, run *workflow.WorkflowRun, def *workflow.WorkflowDefinition, step *workflow.StepDefinition, descriptor workflow.AssetRecoveryDescriptor) (*workflow.RecoveryPollState, error) {
	partitionNormalized := workflow.NormalizePartitionKey(descriptor.PartitionKey)
	producerDefID := m.resolveProducerDefinition(ctx, descriptor.AssetID, def)

	now := time.Now().UTC()
	req, created, err := m.Recoveries.EnsureRecoveryRequest(ctx, workflow.WorkflowAssetRecoveryRequest{
		AssetID:                      descriptor.AssetID,
		PartitionKeyNormalized:       partitionNormalized,
		WorkflowDefinitionID:         producerDefID,
		Status:                       workflow.RecoveryPending,
		RequestedByWorkflowRunID:     run.ID,
		RequestedByWorkflowRunStepID: step.ID,
		Attempts:                     1,
		LastAttemptAt:                &now,
	})
	if err != nil {
		return nil, err
	}

	if created {
		if err := m.launchProducerRun(ctx, producerDefID, descriptor, partitionNormalized, req, now); err != nil {
			m.Logger.Error("launch asset recovery producer run", "assetId", descriptor.AssetID, "error", err)
		} else {
			req.Status = workflow.RecoveryRunning
		}
	}

	return &workflow.RecoveryPollState{
		RequestID:     req.ID,
		AssetID:       descriptor.AssetID,
		PartitionKey:  descriptor.PartitionKey,
		Status:        req.Status,
		LastCheckedAt: now,
	}, nil
}

// resolveProducerDefinition implements §4.6 step 1's fallback chain.
// This repository exposes one producer-lookup port (the declared
// Produces index), so the "consult asset provenance" and "direct
// producer lookup" fallbacks both resolve through it; the only distinct
// fallback left is the consuming workflow's own definition.
func (m *Manager) resolveProducerDefinition(ctx context.Context, assetID string, consumerDef *workflow.WorkflowDefinition) string {
	if defID, found, err := m.Assets.FindProducerDefinition(ctx, assetID); err == nil && found {
		return defID
	}
	return consumerDef.ID
}

// launchProducerRun creates (or reuses an already-active) run of
// producerDefID keyed by §4.6's asset-recovery run key, enqueues it, and
// advances req to running.
func (m *Manager) launchProducerRun(ctx context.Context, producerDefID string, descriptor workflow.AssetRecoveryDescriptor, partitionNormalized string, req *workflow.WorkflowAssetRecoveryRequest, now time.Time) error {
	runKey := workflow.RecoveryRunKey(descriptor.AssetID, partitionNormalized)

	producerRun, err := m.Runs.CreateRun(ctx, producerDefID, &workflow.WorkflowRun{
		RunKey:     runKey,
		Parameters: partitionParameters(descriptor.PartitionKey),
	})
	if err != nil {
		var conflict *workflowerrors.ConflictError
		if !errors.As(err, &conflict) {
			return err
		}
		existing, found, findErr := m.Runs.FindActiveRunByKey(ctx, producerDefID, workflow.NormalizeRunKey(runKey))
		if findErr != nil {
			return findErr
		}
		if !found {
			return err
		}
		producerRun = existing
	} else if m.Queue != nil {
		if err := m.Queue.EnqueueRun(ctx, queue.RunJob{WorkflowRunID: producerRun.ID, RunKey: runKey}); err != nil {
			return err
		}
	}

	status := workflow.RecoveryRunning
	runID := producerRun.ID
	attempts := req.Attempts
	_, err = m.Recoveries.UpdateRecoveryRequest(ctx, req.ID, repository.RecoveryPatch{
		Status:                &status,
		RecoveryWorkflowRunID: &runID,
		Attempts:              &attempts,
		LastAttemptAt:         &now,
	})
	return err
}

// partitionParameters builds the producer run's seed parameters from the
// missing partition; no partition-parameter-name mapping is declared
// anywhere in this domain, so the key is carried under a fixed
// "partitionKey" field the producer's own parameter templates can read.
func partitionParameters(partitionKey string) json.RawMessage {
	if partitionKey == "" {
		return json.RawMessage(`{}`)
	}
	encoded, err := json.Marshal(map[string]string{"partitionKey": partitionKey})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return encoded
}

// PollRecovery reconciles and reports a recovery request's status. A
// request still "running" is checked against its producer run on every
// call: once that run reaches a terminal status, the request is advanced
// to match, so nothing needs to subscribe to run completion separately.
func (m *Manager) PollRecovery(ctx context.Context, requestID string) (workflow.RecoveryRequestStatus, error) {
	req, err := m.Recoveries.GetRecoveryRequest(ctx, requestID)
	if err != nil {
		return "", err
	}
	if req.Status.Terminal() || req.RecoveryWorkflowRunID == "" {
		return req.Status, nil
	}

	producerRun, err := m.Runs.GetRun(ctx, req.RecoveryWorkflowRunID)
	if err != nil {
		return req.Status, nil
	}

	switch producerRun.Status {
	case workflow.RunSucceeded:
		return m.settle(ctx, req, workflow.RecoverySucceeded, "")
	case workflow.RunFailed:
		return m.settle(ctx, req, workflow.RecoveryFailed, producerRun.ErrorMessage)
	case workflow.RunCanceled:
		return m.settle(ctx, req, workflow.RecoveryFailed, "producer run canceled")
	default:
		return req.Status, nil
	}
}

func (m *Manager) settle(ctx context.Context, req *workflow.WorkflowAssetRecoveryRequest, status workflow.RecoveryRequestStatus, lastError string) (workflow.RecoveryRequestStatus, error) {
	now := time.Now().UTC()
	patch := repository.RecoveryPatch{Status: &status, CompletedAt: &now}
	if lastError != "" {
		patch.LastError = &lastError
	}
	if _, err := m.Recoveries.UpdateRecoveryRequest(ctx, req.ID, patch); err != nil {
		return req.Status, err
	}
	return status, nil
}
