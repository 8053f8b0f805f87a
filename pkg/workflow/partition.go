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
	"fmt"
	"time"

	"github.com/tombee/workflow-core/pkg/workflow/template"
)

// DeriveTimeWindowPartitionKey formats windowEnd according to a
// timeWindow PartitioningSpec: spec.Format wins when set, otherwise the
// key is derived from Granularity. Shared by the asset subsystem (§4.7)
// and the cron scheduler's materializeSchedule (§4.8).
func DeriveTimeWindowPartitionKey(spec *PartitioningSpec, windowEnd time.Time) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("partitioning: spec is required")
	}
	loc := time.UTC
	if spec.Timezone != "" {
		l, err := time.LoadLocation(spec.Timezone)
		if err != nil {
			return "", fmt.Errorf("partitioning: load timezone %q: %w", spec.Timezone, err)
		}
		loc = l
	}
	at := windowEnd.In(loc)

	if spec.Format != "" {
		return at.Format(spec.Format), nil
	}

	switch spec.Granularity {
	case "hour":
		return at.Format("2006-01-02T15"), nil
	case "day", "":
		return at.Format("2006-01-02"), nil
	case "week":
		year, week := at.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week), nil
	case "month":
		return at.Format("2006-01"), nil
	default:
		return "", fmt.Errorf("partitioning: unknown granularity %q", spec.Granularity)
	}
}

// DeriveDynamicPartitionKey resolves a dynamic PartitioningSpec's
// KeyTemplate against scope. It reports false when the template is
// empty, unresolved, or renders to an empty string, matching the "no key
// resolved" condition the asset subsystem treats as an error.
func DeriveDynamicPartitionKey(spec *PartitioningSpec, scope *template.Scope) (string, bool) {
	if spec == nil || spec.KeyTemplate == "" {
		return "", false
	}
	tracker := template.NewTracker()
	resolved := template.ResolveValue(spec.KeyTemplate, scope, tracker)
	if tracker.HasIssues() {
		return "", false
	}
	key := template.Stringify(resolved)
	if key == "" {
		return "", false
	}
	return key, true
}
