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
	"fmt"
	"time"

	"github.com/tombee/workflow-core/pkg/workflow"
)

// RunCountsByStatus implements repository.AnalyticsStore.
func (s *Store) RunCountsByStatus(ctx context.Context) (map[workflow.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflow_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: run counts by status: %w", err)
	}
	defer rows.Close()

	counts := map[workflow.RunStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan run status count: %w", err)
		}
		counts[workflow.RunStatus(status)] = n
	}
	return counts, rows.Err()
}

// StepCountsByStatus implements repository.AnalyticsStore.
func (s *Store) StepCountsByStatus(ctx context.Context) (map[workflow.StepStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflow_run_steps GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: step counts by status: %w", err)
	}
	defer rows.Close()

	counts := map[workflow.StepStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan step status count: %w", err)
		}
		counts[workflow.StepStatus(status)] = n
	}
	return counts, rows.Err()
}

// StaleRecoveryRequestCount implements repository.AnalyticsStore. Status
// values matching a terminal workflow.RecoveryRequestStatus are excluded
// inline rather than via a Go-side Terminal() check, since this is a
// single aggregate query rather than a row-by-row scan.
func (s *Store) StaleRecoveryRequestCount(ctx context.Context, cutoff time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workflow_asset_recovery_requests
		WHERE status NOT IN (?, ?)
		AND last_attempt_at IS NOT NULL AND last_attempt_at < ?
	`, string(workflow.RecoverySucceeded), string(workflow.RecoveryFailed), formatTime(&cutoff))

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlitestore: stale recovery request count: %w", err)
	}
	return n, nil
}
