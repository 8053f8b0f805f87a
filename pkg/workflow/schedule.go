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

package workflow

import (
	"encoding/json"
	"time"
)

// MaterializedWindow is the [Start, End) span the scheduler most recently
// turned into a run, persisted on WorkflowSchedule.LastMaterializedWindow.
type MaterializedWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// WorkflowSchedule is a cron attachment on a WorkflowDefinition, per §3.
// StartWindow/EndWindow ≤ each other when both set; NextRunAt is never
// later than EndWindow.
type WorkflowSchedule struct {
	ID                   string          `json:"id"`
	WorkflowDefinitionID string          `json:"workflowDefinitionId"`
	Cron                 string          `json:"cron"`
	Timezone             string          `json:"timezone,omitempty"`
	Parameters           json.RawMessage `json:"parameters,omitempty"`

	StartWindow *time.Time `json:"startWindow,omitempty"`
	EndWindow   *time.Time `json:"endWindow,omitempty"`
	CatchUp     bool       `json:"catchUp"`
	IsActive    bool       `json:"isActive"`

	NextRunAt              *time.Time          `json:"nextRunAt,omitempty"`
	CatchupCursor          *time.Time          `json:"catchupCursor,omitempty"`
	LastMaterializedWindow *MaterializedWindow `json:"lastMaterializedWindow,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Due reports whether the schedule is active and its next occurrence has
// arrived, the predicate ListDueSchedules applies (§4.1).
func (s *WorkflowSchedule) Due(now time.Time) bool {
	return s.IsActive && s.NextRunAt != nil && !s.NextRunAt.After(now)
}
