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

package cronsched

import (
	"encoding/json"
	"time"
)

// RunKey builds the deterministic run key materializeSchedule uses to
// create one run per window, per §4.8:
// "schedule:<scheduleId>:<partitionKey|windowEnd>".
func RunKey(scheduleID, partitionKey string, windowEnd time.Time) string {
	suffix := partitionKey
	if suffix == "" {
		suffix = windowEnd.UTC().Format(time.RFC3339)
	}
	return "schedule:" + scheduleID + ":" + suffix
}

// schedulePayload builds the WorkflowRun.Trigger/run.trigger document a
// materialized run carries, and the synthetic scope the schedule's own
// parameter templates are resolved against (§4.8).
type schedulePayload struct {
	ScheduleID  string    `json:"scheduleId"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
}

func newSchedulePayload(scheduleID string, windowStart, windowEnd time.Time) ([]byte, map[string]any) {
	payload := schedulePayload{ScheduleID: scheduleID, WindowStart: windowStart, WindowEnd: windowEnd}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(`{}`)
	}
	scope := map[string]any{
		"scheduleId":  scheduleID,
		"windowStart": windowStart.UTC().Format(time.RFC3339),
		"windowEnd":   windowEnd.UTC().Format(time.RFC3339),
	}
	return raw, scope
}
