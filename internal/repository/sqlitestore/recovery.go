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
	"fmt"

	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
	"github.com/tombee/workflow-core/pkg/workflowerrors"
)

const recoveryColumns = `id, asset_id, partition_key_normalized, workflow_definition_id, status,
	recovery_workflow_run_id, requested_by_workflow_run_id, requested_by_workflow_run_step_id,
	attempts, last_attempt_at, last_error, metadata, completed_at`

func scanRecovery(row interface{ Scan(dest ...any) error }) (*workflow.WorkflowAssetRecoveryRequest, error) {
	var req workflow.WorkflowAssetRecoveryRequest
	var defID, recoveryRunID, requestedByRunID, requestedByStepID, lastAttemptAt, lastError, metadata, completedAt sql.NullString

	err := row.Scan(
		&req.ID, &req.AssetID, &req.PartitionKeyNormalized, &defID, &req.Status,
		&recoveryRunID, &requestedByRunID, &requestedByStepID,
		&req.Attempts, &lastAttemptAt, &lastError, &metadata, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	req.WorkflowDefinitionID = textString(defID)
	req.RecoveryWorkflowRunID = textString(recoveryRunID)
	req.RequestedByWorkflowRunID = textString(requestedByRunID)
	req.RequestedByWorkflowRunStepID = textString(requestedByStepID)
	req.LastAttemptAt = parseTime(lastAttemptAt)
	req.LastError = textString(lastError)
	req.Metadata = rawMessage(metadata)
	req.CompletedAt = parseTime(completedAt)
	return &req, nil
}

// EnsureRecoveryRequest implements repository.RecoveryStore: upserts by
// (assetId, partitionKeyNormalized), reusing an existing non-terminal row
// when present rather than creating a duplicate in-flight attempt.
func (s *Store) EnsureRecoveryRequest(ctx context.Context, input workflow.WorkflowAssetRecoveryRequest) (*workflow.WorkflowAssetRecoveryRequest, bool, error) {
	normalized := workflow.NormalizedAssetID(input.AssetID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: begin ensure recovery request: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+recoveryColumns+` FROM workflow_asset_recovery_requests
		WHERE asset_id = ? AND partition_key_normalized = ?
	`, normalized, input.PartitionKeyNormalized)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: query existing recovery requests: %w", err)
	}
	var existing *workflow.WorkflowAssetRecoveryRequest
	for rows.Next() {
		req, err := scanRecovery(rows)
		if err != nil {
			rows.Close()
			return nil, false, fmt.Errorf("sqlitestore: scan recovery request: %w", err)
		}
		if !req.Status.Terminal() {
			existing = req
			break
		}
	}
	rows.Close()

	if existing != nil {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("sqlitestore: commit ensure recovery request: %w", err)
		}
		return existing, false, nil
	}

	if input.ID == "" {
		input.ID = newID("recovery")
	}
	input.AssetID = normalized
	if input.Status == "" {
		input.Status = workflow.RecoveryPending
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_asset_recovery_requests (`+recoveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		input.ID, input.AssetID, input.PartitionKeyNormalized, nullString(input.WorkflowDefinitionID), input.Status,
		nullString(input.RecoveryWorkflowRunID), nullString(input.RequestedByWorkflowRunID), nullString(input.RequestedByWorkflowRunStepID),
		input.Attempts, formatTime(input.LastAttemptAt), nullString(input.LastError), nullBytes(input.Metadata), formatTime(input.CompletedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: insert recovery request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("sqlitestore: commit ensure recovery request: %w", err)
	}

	out := input
	return &out, true, nil
}

// GetRecoveryRequest implements repository.RecoveryStore.
func (s *Store) GetRecoveryRequest(ctx context.Context, id string) (*workflow.WorkflowAssetRecoveryRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recoveryColumns+` FROM workflow_asset_recovery_requests WHERE id = ?`, id)
	req, err := scanRecovery(row)
	if err == sql.ErrNoRows {
		return nil, &workflowerrors.NotFoundError{Resource: "asset_recovery_request", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get recovery request: %w", err)
	}
	return req, nil
}

// UpdateRecoveryRequest implements repository.RecoveryStore.
func (s *Store) UpdateRecoveryRequest(ctx context.Context, id string, patch repository.RecoveryPatch) (*workflow.WorkflowAssetRecoveryRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin update recovery request: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+recoveryColumns+` FROM workflow_asset_recovery_requests WHERE id = ?`, id)
	req, err := scanRecovery(row)
	if err == sql.ErrNoRows {
		return nil, &workflowerrors.NotFoundError{Resource: "asset_recovery_request", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load recovery request for update: %w", err)
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

	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_asset_recovery_requests SET
			status = ?, recovery_workflow_run_id = ?, attempts = ?, last_attempt_at = ?, last_error = ?, completed_at = ?
		WHERE id = ?
	`, req.Status, nullString(req.RecoveryWorkflowRunID), req.Attempts, formatTime(req.LastAttemptAt), nullString(req.LastError), formatTime(req.CompletedAt), id)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: update recovery request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitestore: commit update recovery request: %w", err)
	}
	return req, nil
}
