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
	"time"

	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
	"github.com/tombee/workflow-core/pkg/workflowerrors"
)

const runColumns = `id, workflow_definition_id, status, parameters, context, output, error_message,
	current_step_id, current_step_index, metrics, triggered_by, trigger_payload,
	partition_key, run_key, run_key_normalized, started_at, completed_at, duration_ms`

// CreateRun implements repository.RunStore.
func (s *Store) CreateRun(ctx context.Context, defID string, input *workflow.WorkflowRun) (*workflow.WorkflowRun, error) {
	if input.ID == "" {
		input.ID = newID("run")
	}
	input.WorkflowDefinitionID = defID
	input.Status = workflow.RunPending
	if input.RunKey != "" {
		input.RunKeyNormalized = workflow.NormalizeRunKey(input.RunKey)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin create run: %w", err)
	}
	defer tx.Rollback()

	if input.RunKey != "" {
		active, found, err := findActiveRunByKeyTx(ctx, tx, defID, input.RunKeyNormalized)
		if err != nil {
			return nil, err
		}
		if found && active.IsActive() {
			return nil, &workflowerrors.ConflictError{Resource: "run_key", Key: input.RunKey}
		}
	}

	metrics, err := json.Marshal(input.Metrics)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: marshal run metrics: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		input.ID, defID, input.Status, nullBytes(input.Parameters), nullBytes(input.Context), nullBytes(input.Output),
		nullString(input.ErrorMessage), nullString(input.CurrentStepID), input.CurrentStepIndex, string(metrics),
		nullString(input.TriggeredBy), nullBytes(input.Trigger), nullString(input.PartitionKey),
		nullString(input.RunKey), nullString(input.RunKeyNormalized),
		formatTime(input.StartedAt), formatTime(input.CompletedAt), input.DurationMs,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitestore: commit create run: %w", err)
	}

	out := *input
	return &out, nil
}

func scanRun(row interface{ Scan(dest ...any) error }) (*workflow.WorkflowRun, error) {
	var run workflow.WorkflowRun
	var parameters, context_, output, errorMessage, currentStepID, metrics sql.NullString
	var triggeredBy, trigger, partitionKey, runKey, runKeyNormalized sql.NullString
	var startedAt, completedAt sql.NullString

	err := row.Scan(
		&run.ID, &run.WorkflowDefinitionID, &run.Status, &parameters, &context_, &output, &errorMessage,
		&currentStepID, &run.CurrentStepIndex, &metrics, &triggeredBy, &trigger,
		&partitionKey, &runKey, &runKeyNormalized, &startedAt, &completedAt, &run.DurationMs,
	)
	if err != nil {
		return nil, err
	}

	run.Parameters = rawMessage(parameters)
	run.Context = rawMessage(context_)
	run.Output = rawMessage(output)
	run.ErrorMessage = textString(errorMessage)
	run.CurrentStepID = textString(currentStepID)
	run.TriggeredBy = textString(triggeredBy)
	run.Trigger = rawMessage(trigger)
	run.PartitionKey = textString(partitionKey)
	run.RunKey = textString(runKey)
	run.RunKeyNormalized = textString(runKeyNormalized)
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)

	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &run.Metrics); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal run metrics: %w", err)
		}
	}
	return &run, nil
}

// GetRun implements repository.RunStore.
func (s *Store) GetRun(ctx context.Context, id string) (*workflow.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &workflowerrors.NotFoundError{Resource: "workflow_run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get run: %w", err)
	}
	return run, nil
}

func findActiveRunByKeyTx(ctx context.Context, tx *sql.Tx, defID, runKeyNormalized string) (*workflow.WorkflowRun, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE workflow_definition_id = ? AND run_key_normalized = ?
		ORDER BY created_at DESC LIMIT 1
	`, defID, runKeyNormalized)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: find active run by key: %w", err)
	}
	return run, true, nil
}

// FindActiveRunByKey implements repository.RunStore.
func (s *Store) FindActiveRunByKey(ctx context.Context, defID, runKeyNormalized string) (*workflow.WorkflowRun, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE workflow_definition_id = ? AND run_key_normalized = ?
		ORDER BY created_at DESC LIMIT 1
	`, defID, runKeyNormalized)
	out, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: find active run by key: %w", err)
	}
	if !out.IsActive() {
		return nil, false, nil
	}
	return out, true, nil
}

// CancelRun implements repository.RunStore: it marks an active run
// RunCanceled with reason recorded as its ErrorMessage, leaving a run
// that already reached a terminal status untouched (changed=false).
func (s *Store) CancelRun(ctx context.Context, id, reason string) (*workflow.WorkflowRun, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: begin cancel run: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, false, &workflowerrors.NotFoundError{Resource: "workflow_run", ID: id}
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: load run for cancel: %w", err)
	}
	if run.Status.Terminal() {
		return run, false, nil
	}

	now := time.Now().UTC()
	run.Status = workflow.RunCanceled
	run.ErrorMessage = reason
	run.CompletedAt = &now

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_runs SET status = ?, error_message = ?, completed_at = ? WHERE id = ?
	`, run.Status, nullString(run.ErrorMessage), formatTime(run.CompletedAt), id); err != nil {
		return nil, false, fmt.Errorf("sqlitestore: cancel run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("sqlitestore: commit cancel run: %w", err)
	}
	return run, true, nil
}

// UpdateRun implements repository.RunStore.
func (s *Store) UpdateRun(ctx context.Context, id string, patch repository.RunPatch) (*workflow.WorkflowRun, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: begin update run: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, false, &workflowerrors.NotFoundError{Resource: "workflow_run", ID: id}
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: load run for update: %w", err)
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

	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: marshal run metrics: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_runs SET
			status = ?, parameters = ?, context = ?, output = ?, error_message = ?,
			current_step_id = ?, current_step_index = ?, metrics = ?,
			partition_key = ?, started_at = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?
	`,
		run.Status, nullBytes(run.Parameters), nullBytes(run.Context), nullBytes(run.Output), nullString(run.ErrorMessage),
		nullString(run.CurrentStepID), run.CurrentStepIndex, string(metrics),
		nullString(run.PartitionKey), formatTime(run.StartedAt), formatTime(run.CompletedAt), run.DurationMs,
		id,
	)
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: update run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("sqlitestore: commit update run: %w", err)
	}
	return run, changed, nil
}
