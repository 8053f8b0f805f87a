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

	"github.com/tombee/workflow-core/pkg/workflow"
)

// AppendHistory implements repository.HistoryStore.
func (s *Store) AppendHistory(ctx context.Context, event workflow.HistoryEvent) error {
	if event.ID == "" {
		event.ID = newID("hist")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_history_events (id, workflow_run_id, step_id, kind, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.WorkflowRunID, nullString(event.StepID), event.Kind, nullString(event.Message), nullBytes(event.Data), event.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlitestore: append history: %w", err)
	}
	return nil
}

// ListHistory implements repository.HistoryStore: returns up to limit of
// the most recent events for runID, in chronological order; limit <= 0
// means unbounded.
func (s *Store) ListHistory(ctx context.Context, runID string, limit int) ([]workflow.HistoryEvent, error) {
	query := `SELECT id, workflow_run_id, step_id, kind, message, data, created_at FROM workflow_history_events WHERE workflow_run_id = ? ORDER BY created_at DESC`
	args := []any{runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list history: %w", err)
	}
	defer rows.Close()

	var events []workflow.HistoryEvent
	for rows.Next() {
		var event workflow.HistoryEvent
		var stepID, message, data, createdAt sql.NullString
		if err := rows.Scan(&event.ID, &event.WorkflowRunID, &stepID, &event.Kind, &message, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan history event: %w", err)
		}
		event.StepID = textString(stepID)
		event.Message = textString(message)
		event.Data = rawMessage(data)
		if createdAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, createdAt.String)
			if err != nil {
				return nil, fmt.Errorf("sqlitestore: parse history created_at: %w", err)
			}
			event.CreatedAt = t
		}
		events = append(events, event)
	}

	// DESC gives most-recent-first, which is what LIMIT needs to keep the
	// latest entries; callers expect chronological order, so reverse.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, rows.Err()
}
