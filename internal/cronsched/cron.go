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

// Package cronsched implements the §4.8 cron scheduler: a leader-elected
// loop that materializes due cron windows into runs, with catch-up,
// partition-key derivation, and optimistic schedule-metadata updates.
package cronsched

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions (minute hour dom month
// dow), matching spec.md §4.8's "standard 5-field expressions" wording;
// the teacher's own orchestrator service uses the same library
// (cron.New(cron.WithSeconds())) one field finer, but this domain's
// WorkflowSchedule.Cron is documented as 5-field.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses expr in the given IANA timezone (UTC when tz is
// empty), returning a cron.Schedule whose Next(t) evaluates in that zone.
func ParseSchedule(expr, tz string) (cron.Schedule, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("cronsched: load timezone %q: %w", tz, err)
		}
		loc = l
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cronsched: parse cron expression %q: %w", expr, err)
	}
	return &zonedSchedule{sched: sched, loc: loc}, nil
}

// zonedSchedule evaluates an underlying cron.Schedule's Next entirely in
// loc: the instant returned is the same absolute time cron.Schedule.Next
// would give a caller in that zone, but every call into it also
// round-trips through loc so field matching (which robfig's parser does
// against t.In(t.Location())) is never accidentally done in the
// caller's zone instead of the schedule's own.
type zonedSchedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (z *zonedSchedule) Next(t time.Time) time.Time {
	return z.sched.Next(t.In(z.loc))
}

// Next returns the smallest occurrence of sched strictly after after,
// constrained to endWindow when non-nil (a returned zero time means "no
// further occurrence before endWindow").
func Next(sched cron.Schedule, after time.Time, endWindow *time.Time) time.Time {
	next := sched.Next(after)
	if endWindow != nil && next.After(*endWindow) {
		return time.Time{}
	}
	return next
}

// Prev returns the largest occurrence of sched strictly before before.
// cron.Schedule only exposes Next, so this finds the supremum instant x
// such that sched.Next(x) < before via bisection over a bounded lookback
// window: Next is a non-decreasing step function of its input (every x
// in [occ(k-1), occ(k)) maps to occ(k)), so when occ(k) is the largest
// occurrence before before, the boundary between "Next(x) < before" and
// "Next(x) >= before" is exactly occ(k), and sched.Next of the instant
// the bisection settles on just below it is occ(k). This is what the cron library
// itself lacks (the teacher's orchestrator never computes a previous
// occurrence, only Entries()/Next), so this is the one piece of cron
// arithmetic this package derives rather than borrows.
func Prev(sched cron.Schedule, before time.Time) time.Time {
	lo := before.Add(-maxLookback)
	hi := before
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		if sched.Next(mid).Before(before) {
			lo = mid
		} else {
			hi = mid
		}
	}
	candidate := sched.Next(lo)
	if candidate.IsZero() || !candidate.Before(before) {
		return time.Time{}
	}
	return candidate
}

// maxLookback bounds Prev's bisection window. 400 days comfortably
// covers every supported field combination (including the rare
// Feb-29-only expression) without the search degrading into an
// unbounded scan.
const maxLookback = 400 * 24 * time.Hour
