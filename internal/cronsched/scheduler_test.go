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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/workflow-core/internal/queue"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/internal/repository/memstore"
	"github.com/tombee/workflow-core/pkg/workflow"
)

type recordingQueue struct {
	jobs []queue.RunJob
}

func (r *recordingQueue) EnqueueRun(ctx context.Context, job queue.RunJob) error {
	r.jobs = append(r.jobs, job)
	return nil
}
func (r *recordingQueue) ScheduleRetry(ctx context.Context, job queue.RunJob, runAt time.Time) error {
	return nil
}
func (r *recordingQueue) ScheduleAssetExpiry(ctx context.Context, jobID string, payload queue.AssetExpiryPayload, delay time.Duration) error {
	return nil
}
func (r *recordingQueue) CancelJob(ctx context.Context, jobID string) error { return nil }

func seedHourlySchedule(t *testing.T, store *memstore.Store, catchUp bool, nextRunAt, catchupCursor *time.Time) (*workflow.WorkflowDefinition, *workflow.WorkflowSchedule) {
	t.Helper()
	ctx := context.Background()

	def := &workflow.WorkflowDefinition{
		Slug:    "hourly-rollup",
		Version: 1,
		Steps: []workflow.StepDefinition{
			{
				Kind:    workflow.StepKindJob,
				ID:      "rollup",
				JobSlug: "rollup-hour",
				Produces: []workflow.AssetDeclaration{
					{
						AssetID:         "rollup.hourly",
						Direction:       workflow.AssetProduces,
						AutoMaterialize: true,
						Partitioning:    &workflow.PartitioningSpec{Type: workflow.PartitionTimeWindow, Granularity: "hour"},
					},
				},
			},
		},
	}
	def, err := store.CreateDefinition(ctx, def)
	require.NoError(t, err)

	sched, err := store.CreateSchedule(ctx, &workflow.WorkflowSchedule{
		WorkflowDefinitionID: def.ID,
		Cron:                 "0 * * * *",
		Timezone:             "UTC",
		CatchUp:              catchUp,
		IsActive:             true,
		NextRunAt:            nextRunAt,
		CatchupCursor:        catchupCursor,
	})
	require.NoError(t, err)

	return def, sched
}

func TestMaterializeScheduleCreatesRunAndAdvancesNextRunAt(t *testing.T) {
	store := memstore.New()
	q := &recordingQueue{}
	ctx := context.Background()

	now := time.Date(2026, 7, 30, 15, 30, 0, 0, time.UTC)
	due := now.Add(-30 * time.Minute).Truncate(time.Hour) // the single occurrence (15:00) due before now
	_, sched := seedHourlySchedule(t, store, false, &due, nil)

	s := New(Config{Schedules: store, Runs: store, History: store, Queue: q})

	err := s.materializeSchedule(ctx, repository.DueSchedule{Schedule: *sched, Definition: mustGetDefinition(t, store, sched.WorkflowDefinitionID)}, now)
	require.NoError(t, err)

	require.Len(t, q.jobs, 1, "expected exactly one materialized window enqueued")

	updated := mustFindSchedule(t, store, sched.ID, now.Add(365*24*time.Hour))
	require.NotNil(t, updated.NextRunAt)
	require.True(t, updated.NextRunAt.After(now.Add(-time.Minute)), "NextRunAt should advance to the next occurrence at or after now")
}

func TestMaterializeScheduleSkipsNonTimeWindowPartitioning(t *testing.T) {
	store := memstore.New()
	q := &recordingQueue{}
	ctx := context.Background()

	now := time.Date(2026, 7, 30, 15, 30, 0, 0, time.UTC)
	due := now.Add(-90 * time.Minute).Truncate(time.Hour)

	def := &workflow.WorkflowDefinition{
		Slug:    "dynamic-rollup",
		Version: 1,
		Steps: []workflow.StepDefinition{
			{
				Kind:    workflow.StepKindJob,
				ID:      "rollup",
				JobSlug: "rollup-dynamic",
				Produces: []workflow.AssetDeclaration{
					{
						AssetID:         "rollup.dynamic",
						Direction:       workflow.AssetProduces,
						AutoMaterialize: true,
						Partitioning:    &workflow.PartitioningSpec{Type: workflow.PartitionDynamic},
					},
				},
			},
		},
	}
	def, err := store.CreateDefinition(ctx, def)
	require.NoError(t, err)

	sched, err := store.CreateSchedule(ctx, &workflow.WorkflowSchedule{
		WorkflowDefinitionID: def.ID,
		Cron:                 "0 * * * *",
		Timezone:             "UTC",
		IsActive:             true,
		NextRunAt:            &due,
	})
	require.NoError(t, err)

	s := New(Config{Schedules: store, Runs: store, History: store, Queue: q})
	err = s.materializeSchedule(ctx, repository.DueSchedule{Schedule: *sched, Definition: *def}, now)
	require.NoError(t, err)
	require.Empty(t, q.jobs, "ambiguous partitioning should log-and-skip without enqueuing any run")
}

func TestMaterializeScheduleReusesActiveRunOnKeyConflict(t *testing.T) {
	store := memstore.New()
	q := &recordingQueue{}
	ctx := context.Background()

	now := time.Date(2026, 7, 30, 15, 30, 0, 0, time.UTC)
	windowEnd := now.Add(-30 * time.Minute).Truncate(time.Hour)
	def, sched := seedHourlySchedule(t, store, false, &windowEnd, nil)

	partitionKey, err := workflow.DeriveTimeWindowPartitionKey(&workflow.PartitioningSpec{Type: workflow.PartitionTimeWindow, Granularity: "hour"}, windowEnd)
	require.NoError(t, err)
	runKey := RunKey(sched.ID, partitionKey, windowEnd)

	existing, err := store.CreateRun(ctx, def.ID, &workflow.WorkflowRun{RunKey: runKey})
	require.NoError(t, err)

	s := New(Config{Schedules: store, Runs: store, History: store, Queue: q})
	err = s.materializeSchedule(ctx, repository.DueSchedule{Schedule: *sched, Definition: *def}, now)
	require.NoError(t, err)

	require.Len(t, q.jobs, 1)
	require.Equal(t, existing.ID, q.jobs[0].WorkflowRunID, "should re-enqueue the already-active run instead of erroring")
}

func TestMaterializeScheduleHonorsEndWindow(t *testing.T) {
	store := memstore.New()
	q := &recordingQueue{}
	ctx := context.Background()

	now := time.Date(2026, 7, 30, 15, 30, 0, 0, time.UTC)
	endWindow := now.Add(-3 * time.Hour) // 12:30
	due := now.Add(-2 * time.Hour).Truncate(time.Hour) // 13:00, already past endWindow

	def, sched := seedHourlySchedule(t, store, false, &due, nil)

	reseeded, err := store.CreateSchedule(ctx, &workflow.WorkflowSchedule{
		ID:                   sched.ID,
		WorkflowDefinitionID: sched.WorkflowDefinitionID,
		Cron:                 sched.Cron,
		Timezone:             sched.Timezone,
		IsActive:             true,
		NextRunAt:            &due,
		EndWindow:            &endWindow,
	})
	require.NoError(t, err)

	s := New(Config{Schedules: store, Runs: store, History: store, Queue: q})
	err = s.materializeSchedule(ctx, repository.DueSchedule{Schedule: *reseeded, Definition: *def}, now)
	require.NoError(t, err)
	require.Empty(t, q.jobs, "a window ending after EndWindow must not be materialized")
}

func mustGetDefinition(t *testing.T, store *memstore.Store, id string) workflow.WorkflowDefinition {
	t.Helper()
	def, err := store.GetDefinition(context.Background(), id)
	require.NoError(t, err)
	return *def
}

func mustFindSchedule(t *testing.T, store *memstore.Store, scheduleID string, asOf time.Time) *workflow.WorkflowSchedule {
	t.Helper()
	due, err := store.ListDueSchedules(context.Background(), 0, asOf)
	require.NoError(t, err)
	for _, d := range due {
		if d.Schedule.ID == scheduleID {
			sched := d.Schedule
			return &sched
		}
	}
	t.Fatalf("schedule %s not found among due schedules as of %s", scheduleID, asOf)
	return nil
}

func TestPrevFindsOccurrenceBeforeReference(t *testing.T) {
	sched, err := ParseSchedule("0 * * * *", "UTC")
	require.NoError(t, err)

	before := time.Date(2026, 7, 30, 15, 30, 0, 0, time.UTC)
	prev := Prev(sched, before)
	require.Equal(t, time.Date(2026, 7, 30, 15, 0, 0, 0, time.UTC), prev)
}

func TestNextRespectsEndWindow(t *testing.T) {
	sched, err := ParseSchedule("0 * * * *", "UTC")
	require.NoError(t, err)

	after := time.Date(2026, 7, 30, 15, 30, 0, 0, time.UTC)
	end := time.Date(2026, 7, 30, 16, 0, 0, 0, time.UTC)
	require.True(t, Next(sched, after, &end).Equal(end))

	tighter := end.Add(-time.Minute)
	require.True(t, Next(sched, after, &tighter).IsZero())
}

func TestWithinWindowOpenBoundsWhenUnset(t *testing.T) {
	now := time.Date(2026, 7, 30, 15, 0, 0, 0, time.UTC)
	require.True(t, withinWindow(now, nil, nil))
}

func TestWithinWindowRejectsOutsideBounds(t *testing.T) {
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	inside := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	outside := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	require.True(t, withinWindow(inside, &start, &end))
	require.False(t, withinWindow(outside, &start, &end))
}
