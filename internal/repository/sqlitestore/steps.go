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
	"time"

	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
	"github.com/tombee/workflow-core/pkg/workflowerrors"
)

const stepColumns = `id, workflow_run_id, step_id, status, attempt, retry_count, retry_state, next_attempt_at,
	retry_metadata, job_run_id, input, output, error_message, failure_reason, logs_url, metrics, context,
	started_at, completed_at, last_heartbeat_at, parent_step_id, fanout_index, template_step_id`

func scanStep(row interface{ Scan(dest ...any) error }) (*workflow.WorkflowRunStep, error) {
	var step workflow.WorkflowRunStep
	var retryMetadata, jobRunID, input, output, errorMessage, failureReason, logsURL, metrics, stepContext sql.NullString
	var nextAttemptAt, startedAt, completedAt, lastHeartbeatAt sql.NullString
	var parentStepID, templateStepID sql.NullString
	var fanoutIndex sql.NullInt64

	err := row.Scan(
		&step.ID, &step.WorkflowRunID, &step.StepID, &step.Status, &step.Attempt, &step.RetryCount, &step.RetryState, &nextAttemptAt,
		&retryMetadata, &jobRunID, &input, &output, &errorMessage, &failureReason, &logsURL, &metrics, &stepContext,
		&startedAt, &completedAt, &lastHeartbeatAt, &parentStepID, &fanoutIndex, &templateStepID,
	)
	if err != nil {
		return nil, err
	}

	step.NextAttemptAt = parseTime(nextAttemptAt)
	step.RetryMetadata = rawMessage(retryMetadata)
	step.JobRunID = textString(jobRunID)
	step.Input = rawMessage(input)
	step.Output = rawMessage(output)
	step.ErrorMessage = textString(errorMessage)
	step.FailureReason = textString(failureReason)
	step.LogsURL = textString(logsURL)
	step.Metrics = rawMessage(metrics)
	step.Context = rawMessage(stepContext)
	step.StartedAt = parseTime(startedAt)
	step.CompletedAt = parseTime(completedAt)
	step.LastHeartbeatAt = parseTime(lastHeartbeatAt)
	step.ParentStepID = textString(parentStepID)
	step.TemplateStepID = textString(templateStepID)
	if fanoutIndex.Valid {
		idx := int(fanoutIndex.Int64)
		step.FanoutIndex = &idx
	}
	return &step, nil
}

// GetStep implements repository.StepStore.
func (s *Store) GetStep(ctx context.Context, id string) (*workflow.WorkflowRunStep, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_run_steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, &workflowerrors.NotFoundError{Resource: "workflow_run_step", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get step: %w", err)
	}
	return step, nil
}

// GetStepByStepID implements repository.StepStore.
func (s *Store) GetStepByStepID(ctx context.Context, runID, stepID string) (*workflow.WorkflowRunStep, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_run_steps WHERE workflow_run_id = ? AND step_id = ?`, runID, stepID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: get step by step id: %w", err)
	}
	return step, true, nil
}

// CreateStep implements repository.StepStore.
func (s *Store) CreateStep(ctx context.Context, step *workflow.WorkflowRunStep) (*workflow.WorkflowRunStep, error) {
	if step.ID == "" {
		step.ID = newID("step")
	}
	if step.Attempt == 0 {
		step.Attempt = 1
	}
	if step.RetryState == "" {
		step.RetryState = workflow.RetryStatePending
	}
	if step.Status == "" {
		step.Status = workflow.StepPending
	}

	var fanoutIndex any
	if step.FanoutIndex != nil {
		fanoutIndex = *step.FanoutIndex
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_run_steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		step.ID, step.WorkflowRunID, step.StepID, step.Status, step.Attempt, step.RetryCount, step.RetryState, formatTime(step.NextAttemptAt),
		nullBytes(step.RetryMetadata), nullString(step.JobRunID), nullBytes(step.Input), nullBytes(step.Output),
		nullString(step.ErrorMessage), nullString(step.FailureReason), nullString(step.LogsURL), nullBytes(step.Metrics), nullBytes(step.Context),
		formatTime(step.StartedAt), formatTime(step.CompletedAt), formatTime(step.LastHeartbeatAt),
		nullString(step.ParentStepID), fanoutIndex, nullString(step.TemplateStepID),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: insert step: %w", err)
	}

	out := *step
	return &out, nil
}

// UpdateRunStep implements repository.StepStore.
func (s *Store) UpdateRunStep(ctx context.Context, id string, patch repository.StepPatch) (*workflow.WorkflowRunStep, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin update step: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM workflow_run_steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, &workflowerrors.NotFoundError{Resource: "workflow_run_step", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load step for update: %w", err)
	}

	if patch.RetryState != nil && *patch.RetryState == workflow.RetryStateScheduled {
		if patch.NextAttemptAt == nil && step.NextAttemptAt == nil {
			return nil, &workflowerrors.ValidationError{Field: "nextAttemptAt", Message: "scheduled retry state requires nextAttemptAt"}
		}
	}

	if patch.Status != nil {
		step.Status = *patch.Status
	}
	if patch.Attempt != nil {
		step.Attempt = *patch.Attempt
	}
	if patch.RetryCount != nil {
		step.RetryCount = *patch.RetryCount
	}
	if patch.RetryState != nil {
		step.RetryState = *patch.RetryState
	}
	if patch.ClearNextAttempt {
		step.NextAttemptAt = nil
	} else if patch.NextAttemptAt != nil {
		step.NextAttemptAt = patch.NextAttemptAt
	}
	if patch.ClearRetryMetadata {
		step.RetryMetadata = nil
	} else if patch.RetryMetadata != nil {
		step.RetryMetadata = patch.RetryMetadata
	}
	if patch.ClearJobRunID {
		step.JobRunID = ""
	} else if patch.JobRunID != nil {
		step.JobRunID = *patch.JobRunID
	}
	if patch.Input != nil {
		step.Input = patch.Input
	}
	if patch.Output != nil {
		step.Output = patch.Output
	}
	if patch.ErrorMessage != nil {
		step.ErrorMessage = *patch.ErrorMessage
	}
	if patch.FailureReason != nil {
		step.FailureReason = *patch.FailureReason
	}
	if patch.LogsURL != nil {
		step.LogsURL = *patch.LogsURL
	}
	if patch.Metrics != nil {
		step.Metrics = patch.Metrics
	}
	if patch.Context != nil {
		step.Context = patch.Context
	}
	if patch.ClearStartedAt {
		step.StartedAt = nil
	} else if patch.StartedAt != nil {
		step.StartedAt = patch.StartedAt
	}
	if patch.ClearCompletedAt {
		step.CompletedAt = nil
	} else if patch.CompletedAt != nil {
		step.CompletedAt = patch.CompletedAt
	}
	if patch.ClearHeartbeat {
		step.LastHeartbeatAt = nil
	} else if patch.LastHeartbeatAt != nil {
		step.LastHeartbeatAt = patch.LastHeartbeatAt
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_run_steps SET
			status = ?, attempt = ?, retry_count = ?, retry_state = ?, next_attempt_at = ?,
			retry_metadata = ?, job_run_id = ?, input = ?, output = ?, error_message = ?, failure_reason = ?,
			logs_url = ?, metrics = ?, context = ?, started_at = ?, completed_at = ?, last_heartbeat_at = ?
		WHERE id = ?
	`,
		step.Status, step.Attempt, step.RetryCount, step.RetryState, formatTime(step.NextAttemptAt),
		nullBytes(step.RetryMetadata), nullString(step.JobRunID), nullBytes(step.Input), nullBytes(step.Output),
		nullString(step.ErrorMessage), nullString(step.FailureReason), nullString(step.LogsURL),
		nullBytes(step.Metrics), nullBytes(step.Context),
		formatTime(step.StartedAt), formatTime(step.CompletedAt), formatTime(step.LastHeartbeatAt),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: update step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitestore: commit update step: %w", err)
	}
	return step, nil
}

// ListRunSteps implements repository.StepStore.
func (s *Store) ListRunSteps(ctx context.Context, runID string) ([]workflow.WorkflowRunStep, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM workflow_run_steps WHERE workflow_run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list run steps: %w", err)
	}
	defer rows.Close()

	var steps []workflow.WorkflowRunStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan run step: %w", err)
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// FindStaleRunSteps implements repository.StepStore: steps that are
// running, whose owning run is running, and whose effective heartbeat
// (last_heartbeat_at, falling back to started_at) is older than cutoff.
func (s *Store) FindStaleRunSteps(ctx context.Context, cutoff time.Time, limit int) ([]repository.StaleStepRef, error) {
	query := `
		SELECT s.workflow_run_id, s.step_id
		FROM workflow_run_steps s
		JOIN workflow_runs r ON r.id = s.workflow_run_id
		WHERE s.status = ? AND r.status = ?
			AND COALESCE(s.last_heartbeat_at, s.started_at) IS NOT NULL
			AND COALESCE(s.last_heartbeat_at, s.started_at) < ?
		ORDER BY COALESCE(s.last_heartbeat_at, s.started_at) ASC
	`
	args := []any{workflow.StepRunning, workflow.RunRunning, cutoff.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: find stale run steps: %w", err)
	}
	defer rows.Close()

	var refs []repository.StaleStepRef
	for rows.Next() {
		var ref repository.StaleStepRef
		if err := rows.Scan(&ref.RunID, &ref.StepID); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan stale step ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
