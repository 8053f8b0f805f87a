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

const scheduleColumns = `id, workflow_definition_id, cron, timezone, parameters, start_window, end_window,
	catch_up, is_active, next_run_at, catchup_cursor, last_materialized_window, updated_at`

// CreateSchedule is a convenience constructor for seeding schedules, used
// by tests; ScheduleStore itself only needs listing and metadata updates,
// matching memstore's extra method of the same name.
func (s *Store) CreateSchedule(ctx context.Context, sched *workflow.WorkflowSchedule) (*workflow.WorkflowSchedule, error) {
	if sched.ID == "" {
		sched.ID = newID("sched")
	}

	var lastWindow any
	if sched.LastMaterializedWindow != nil {
		b, err := json.Marshal(sched.LastMaterializedWindow)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: marshal materialized window: %w", err)
		}
		lastWindow = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sched.ID, sched.WorkflowDefinitionID, sched.Cron, nullString(sched.Timezone), nullBytes(sched.Parameters),
		formatTime(sched.StartWindow), formatTime(sched.EndWindow), boolToInt(sched.CatchUp), boolToInt(sched.IsActive),
		formatTime(sched.NextRunAt), formatTime(sched.CatchupCursor), lastWindow, formatTime(&sched.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: insert schedule: %w", err)
	}

	out := *sched
	return &out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanSchedule(row interface{ Scan(dest ...any) error }) (*workflow.WorkflowSchedule, error) {
	var sched workflow.WorkflowSchedule
	var timezone, parameters, lastWindow sql.NullString
	var startWindow, endWindow, nextRunAt, catchupCursor, updatedAt sql.NullString
	var catchUp, isActive int

	err := row.Scan(
		&sched.ID, &sched.WorkflowDefinitionID, &sched.Cron, &timezone, &parameters,
		&startWindow, &endWindow, &catchUp, &isActive, &nextRunAt, &catchupCursor, &lastWindow, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sched.Timezone = textString(timezone)
	sched.Parameters = rawMessage(parameters)
	sched.StartWindow = parseTime(startWindow)
	sched.EndWindow = parseTime(endWindow)
	sched.CatchUp = catchUp != 0
	sched.IsActive = isActive != 0
	sched.NextRunAt = parseTime(nextRunAt)
	sched.CatchupCursor = parseTime(catchupCursor)
	if updatedAt.Valid && updatedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, updatedAt.String)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse schedule updated_at: %w", err)
		}
		sched.UpdatedAt = t
	}
	if lastWindow.Valid && lastWindow.String != "" && lastWindow.String != "null" {
		var window workflow.MaterializedWindow
		if err := json.Unmarshal([]byte(lastWindow.String), &window); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal materialized window: %w", err)
		}
		sched.LastMaterializedWindow = &window
	}
	return &sched, nil
}

// ListDueSchedules implements repository.ScheduleStore.
func (s *Store) ListDueSchedules(ctx context.Context, limit int, now time.Time) ([]repository.DueSchedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM workflow_schedules
		WHERE is_active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
	`
	args := []any{now.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list due schedules: %w", err)
	}
	defer rows.Close()

	var due []repository.DueSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan due schedule: %w", err)
		}
		def, err := s.GetDefinition(ctx, sched.WorkflowDefinitionID)
		if err != nil {
			continue
		}
		due = append(due, repository.DueSchedule{Schedule: *sched, Definition: *def})
	}
	return due, rows.Err()
}

// UpdateScheduleMetadata implements repository.ScheduleStore, applying
// patch only when expectedUpdatedAt still matches the stored row — an
// optimistic lock against concurrent materializer ticks.
func (s *Store) UpdateScheduleMetadata(ctx context.Context, id string, patch repository.SchedulePatch, expectedUpdatedAt time.Time) (*workflow.WorkflowSchedule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin update schedule: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM workflow_schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, &workflowerrors.NotFoundError{Resource: "workflow_schedule", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load schedule for update: %w", err)
	}

	if !sched.UpdatedAt.IsZero() && !sched.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, &workflowerrors.ConflictError{Resource: "workflow_schedule", Key: id}
	}

	if patch.ClearNextRunAt {
		sched.NextRunAt = nil
	} else if patch.NextRunAt != nil {
		sched.NextRunAt = patch.NextRunAt
	}
	if patch.ClearCatchupCursor {
		sched.CatchupCursor = nil
	} else if patch.CatchupCursor != nil {
		sched.CatchupCursor = patch.CatchupCursor
	}
	if patch.LastMaterializedWindow != nil {
		sched.LastMaterializedWindow = patch.LastMaterializedWindow
	}
	sched.UpdatedAt = time.Now().UTC()

	var lastWindow any
	if sched.LastMaterializedWindow != nil {
		b, err := json.Marshal(sched.LastMaterializedWindow)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: marshal materialized window: %w", err)
		}
		lastWindow = string(b)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_schedules SET
			next_run_at = ?, catchup_cursor = ?, last_materialized_window = ?, updated_at = ?
		WHERE id = ?
	`, formatTime(sched.NextRunAt), formatTime(sched.CatchupCursor), lastWindow, formatTime(&sched.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: update schedule: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitestore: commit update schedule: %w", err)
	}
	return sched, nil
}
