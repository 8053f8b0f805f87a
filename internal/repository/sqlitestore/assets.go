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
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tombee/workflow-core/pkg/workflow"
)

// RecordStepAssets implements repository.AssetStore: deletes any assets
// previously recorded for stepRecordID, inserts the new set, and clears
// stale-partition markers the new rows satisfy, all in one transaction.
func (s *Store) RecordStepAssets(ctx context.Context, defID, runID, stepRecordID, stepID string, assets []workflow.WorkflowRunStepAsset) ([]workflow.WorkflowRunStepAsset, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin record step assets: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_run_step_assets WHERE workflow_run_step_id = ?`, stepRecordID); err != nil {
		return nil, fmt.Errorf("sqlitestore: clear existing step assets: %w", err)
	}

	stamped := make([]workflow.WorkflowRunStepAsset, len(assets))
	for i, asset := range assets {
		asset.ID = newID("asset")
		asset.WorkflowDefinitionID = defID
		asset.WorkflowRunID = runID
		asset.WorkflowRunStepID = stepRecordID
		asset.StepID = stepID

		var freshness any
		if asset.Freshness != nil {
			b, err := json.Marshal(asset.Freshness)
			if err != nil {
				return nil, fmt.Errorf("sqlitestore: marshal asset freshness: %w", err)
			}
			freshness = string(b)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_run_step_assets
				(id, workflow_definition_id, workflow_run_id, workflow_run_step_id, step_id, asset_id, payload, schema, freshness, partition_key, produced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			asset.ID, defID, runID, stepRecordID, stepID, asset.AssetID,
			nullBytes(asset.Payload), nullBytes(asset.Schema), freshness,
			nullString(asset.PartitionKey), formatTime(&asset.ProducedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: insert step asset: %w", err)
		}

		normalizedAsset := workflow.NormalizedAssetID(asset.AssetID)
		normalizedPartition := workflow.NormalizePartitionKey(asset.PartitionKey)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_asset_producers (asset_id, definition_id) VALUES (?, ?)
			ON CONFLICT (asset_id) DO UPDATE SET definition_id = excluded.definition_id
		`, normalizedAsset, defID); err != nil {
			return nil, fmt.Errorf("sqlitestore: update producer index: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM workflow_asset_stale_partitions
			WHERE workflow_definition_id = ? AND asset_id = ? AND partition_key_normalized = ?
		`, defID, normalizedAsset, normalizedPartition); err != nil {
			return nil, fmt.Errorf("sqlitestore: clear stale partition: %w", err)
		}

		stamped[i] = asset
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitestore: commit record step assets: %w", err)
	}
	return stamped, nil
}

// ClearStalePartition implements repository.AssetStore.
func (s *Store) ClearStalePartition(ctx context.Context, defID, assetID, partitionKeyNormalized string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_asset_stale_partitions
		WHERE workflow_definition_id = ? AND asset_id = ? AND partition_key_normalized = ?
	`, defID, workflow.NormalizedAssetID(assetID), partitionKeyNormalized)
	if err != nil {
		return fmt.Errorf("sqlitestore: clear stale partition: %w", err)
	}
	return nil
}

// MarkStalePartition implements repository.AssetStore.
func (s *Store) MarkStalePartition(ctx context.Context, stale workflow.WorkflowAssetStalePartition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_asset_stale_partitions
			(workflow_definition_id, asset_id, partition_key_normalized, partition_key, requested_at, requested_by, note)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_definition_id, asset_id, partition_key_normalized) DO UPDATE SET
			partition_key = excluded.partition_key,
			requested_at = excluded.requested_at,
			requested_by = excluded.requested_by,
			note = excluded.note
	`,
		stale.WorkflowDefinitionID, workflow.NormalizedAssetID(stale.AssetID), stale.PartitionKeyNormalized,
		nullString(stale.PartitionKey), formatTime(&stale.RequestedAt), nullString(stale.RequestedBy), nullString(stale.Note),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: mark stale partition: %w", err)
	}
	return nil
}

// FindProducerDefinition implements repository.AssetStore.
func (s *Store) FindProducerDefinition(ctx context.Context, assetID string) (string, bool, error) {
	var defID string
	err := s.db.QueryRowContext(ctx, `SELECT definition_id FROM workflow_asset_producers WHERE asset_id = ?`, workflow.NormalizedAssetID(assetID)).Scan(&defID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlitestore: find producer definition: %w", err)
	}
	return defID, true, nil
}
