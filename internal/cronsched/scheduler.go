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
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tombee/workflow-core/internal/leaderelect"
	intlog "github.com/tombee/workflow-core/internal/log"
	"github.com/tombee/workflow-core/internal/observability"
	"github.com/tombee/workflow-core/internal/queue"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
	"github.com/tombee/workflow-core/pkg/workflow/template"
	"github.com/tombee/workflow-core/pkg/workflowerrors"
)

// Config configures a Scheduler. Interval/BatchSize/MaxWindows normally
// come straight from config.Config's Scheduler* fields.
type Config struct {
	Schedules repository.ScheduleStore
	Runs      repository.RunStore
	History   repository.HistoryStore
	Queue     queue.Queue

	Interval   time.Duration
	BatchSize  int
	MaxWindows int

	// AdvisoryLocks toggles Postgres-advisory-lock-backed leader
	// election and per-schedule locking (§4.8, §5). DB is required when
	// this is true; the scheduler runs correctly as a single instance
	// without either.
	AdvisoryLocks   bool
	DB              *sql.DB
	InstanceID      string
	LeaderKeepalive time.Duration

	Logger *slog.Logger
}

// Scheduler runs the §4.8 materialization loop on its own goroutine.
type Scheduler struct {
	schedules repository.ScheduleStore
	runs      repository.RunStore
	history   repository.HistoryStore
	queue     queue.Queue

	interval   time.Duration
	batchSize  int
	maxWindows int

	db      *sql.DB
	leader  *leaderelect.Elector
	locking bool

	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler from cfg, applying §4.8's documented
// defaults for any zero-valued interval/batch/window field. When
// cfg.AdvisoryLocks is set, New also constructs the singleton leader
// Elector (key "cron-scheduler-leader"); Start acquires it before the
// first tick and every tick thereafter checks it still holds.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	maxWindows := cfg.MaxWindows
	if maxWindows <= 0 {
		maxWindows = 25
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		schedules:  cfg.Schedules,
		runs:       cfg.Runs,
		history:    cfg.History,
		queue:      cfg.Queue,
		interval:   interval,
		batchSize:  batch,
		maxWindows: maxWindows,
		db:         cfg.DB,
		locking:    cfg.AdvisoryLocks && cfg.DB != nil,
		logger:     intlog.WithComponent(logger, "cronsched"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	if s.locking {
		keepalive := cfg.LeaderKeepalive
		if keepalive <= 0 {
			keepalive = 15 * time.Second
		}
		s.leader = leaderelect.New(leaderelect.Config{
			DB:            cfg.DB,
			Key:           "cron-scheduler-leader",
			InstanceID:    cfg.InstanceID,
			RetryInterval: keepalive,
			Logger:        logger,
		})
	}

	return s
}

// Start begins the ticking materialization loop on its own goroutine. A
// single-instance deployment (AdvisoryLocks disabled) runs the loop
// unconditionally; a multi-instance one only materializes while
// s.leader.IsLeader().
func (s *Scheduler) Start(ctx context.Context) {
	if s.leader != nil {
		s.leader.Start(ctx, 0) // 0: renew at the LeaderKeepalive given to leaderelect.New
	}
	go s.run(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	if s.leader != nil {
		s.leader.Stop()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.leader != nil && !s.leader.IsLeader() {
				continue
			}
			s.tick(ctx)
		}
	}
}

// tick runs one §4.8 pass: list due schedules, materialize each within
// its own per-schedule advisory lock (when enabled), and log otherwise.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.schedules.ListDueSchedules(ctx, s.batchSize, now)
	if err != nil {
		s.logger.Error("list due schedules", "error", err)
		return
	}

	for _, ds := range due {
		s.processOne(ctx, ds, now)
	}
}

func (s *Scheduler) processOne(ctx context.Context, ds repository.DueSchedule, now time.Time) {
	logger := s.logger.With(slog.String("scheduleId", ds.Schedule.ID), slog.String("definitionId", ds.Definition.ID))

	if !s.locking {
		if err := s.materializeSchedule(ctx, ds, now); err != nil {
			logger.Error("materialize schedule", "error", err)
		}
		return
	}

	lockKey := "cron-schedule:" + ds.Schedule.ID
	acquired, err := leaderelect.WithLock(ctx, s.db, lockKey, func(ctx context.Context) error {
		return s.materializeSchedule(ctx, ds, now)
	})
	if err != nil {
		logger.Error("materialize schedule", "error", err)
		return
	}
	if !acquired {
		logger.Debug("schedule lock held by another worker, skipping this tick")
	}
}

// materializeSchedule implements §4.8's per-schedule materialization:
// determine the partitioning spec, compute the catch-up/non-catch-up
// cursor, emit one run per due window up to MaxWindows, then persist the
// schedule's advanced metadata with an optimistic UpdatedAt check.
func (s *Scheduler) materializeSchedule(ctx context.Context, ds repository.DueSchedule, now time.Time) error {
	sched := ds.Schedule
	def := ds.Definition
	logger := intlog.WithScheduleContext(s.logger, sched.ID)

	cronSchedule, err := ParseSchedule(sched.Cron, sched.Timezone)
	if err != nil {
		logger.Error("parse cron expression", "cron", sched.Cron, "error", err)
		return err
	}

	_, ambiguous := findAutoMaterializePartitioning(&def)
	if ambiguous {
		logger.Warn("schedule's auto-materialized assets use non-time-window partitioning, skipping")
		observability.RecordScheduleSkipped("ambiguous_partitioning")
		return nil
	}

	cursor := s.initialCursor(cronSchedule, sched, now)

	var lastWindow *workflow.MaterializedWindow
	if sched.LastMaterializedWindow != nil {
		w := *sched.LastMaterializedWindow
		lastWindow = &w
	}

	budget := s.maxWindows
	for !cursor.IsZero() && !cursor.After(now) && budget > 0 {
		windowEnd := cursor
		windowStart := s.windowStart(cronSchedule, lastWindow, windowEnd, sched.StartWindow)

		if !withinWindow(windowEnd, sched.StartWindow, sched.EndWindow) {
			break
		}

		if err := s.materializeWindow(ctx, &sched, &def, windowStart, windowEnd); err != nil {
			logger.Error("materialize window", "windowEnd", windowEnd, "error", err)
			break
		}

		window := workflow.MaterializedWindow{Start: windowStart, End: windowEnd}
		lastWindow = &window
		budget--
		cursor = nextOccurrence(cronSchedule, cursor, false)
	}

	return s.persistMetadata(ctx, &sched, cronSchedule, cursor, lastWindow, now)
}

// initialCursor implements §4.8's cursor rule: non-catch-up schedules
// resume from NextRunAt (or the latest due occurrence <= now when unset);
// catch-up schedules resume from CatchupCursor, falling back to
// NextRunAt, falling back to the inclusive next occurrence of now.
func (s *Scheduler) initialCursor(cronSchedule cron.Schedule, sched workflow.WorkflowSchedule, now time.Time) time.Time {
	if !sched.CatchUp {
		if sched.NextRunAt != nil {
			return *sched.NextRunAt
		}
		return Prev(cronSchedule, now.Add(time.Second))
	}
	switch {
	case sched.CatchupCursor != nil:
		return *sched.CatchupCursor
	case sched.NextRunAt != nil:
		return *sched.NextRunAt
	default:
		return nextOccurrence(cronSchedule, now, true)
	}
}

// windowStart implements §4.8's "windowStart = lastWindow.end ??
// previousOccurrence(cursor) ?? schedule.startWindow" rule.
func (s *Scheduler) windowStart(cronSchedule cron.Schedule, lastWindow *workflow.MaterializedWindow, windowEnd time.Time, startWindow *time.Time) time.Time {
	if lastWindow != nil {
		return lastWindow.End
	}
	if prev := Prev(cronSchedule, windowEnd); !prev.IsZero() {
		return prev
	}
	if startWindow != nil {
		return *startWindow
	}
	return windowEnd
}

// nextOccurrence returns the occurrence of sched at-or-after t
// (inclusive=true) or strictly after t (inclusive=false). 5-field cron
// occurrences are minute-aligned, so subtracting a second before
// delegating to the strictly-after Next reliably makes t itself count
// when it happens to be an occurrence.
func nextOccurrence(sched cron.Schedule, t time.Time, inclusive bool) time.Time {
	if inclusive {
		return sched.Next(t.Add(-time.Second))
	}
	return sched.Next(t)
}

// materializeWindow resolves the schedule's parameters and partition
// key for one window, creates the run, and enqueues it (or, on a run-key
// conflict, re-enqueues the already-active run per §4.8/§8 open question
// 1 — logged, not retried further here).
func (s *Scheduler) materializeWindow(ctx context.Context, sched *workflow.WorkflowSchedule, def *workflow.WorkflowDefinition, windowStart, windowEnd time.Time) error {
	partSpec, _ := findAutoMaterializePartitioning(def)

	var partitionKey string
	if partSpec != nil {
		key, err := workflow.DeriveTimeWindowPartitionKey(partSpec, windowEnd)
		if err != nil {
			return err
		}
		partitionKey = key
	}

	runKey := RunKey(sched.ID, partitionKey, windowEnd)
	parameters := s.resolveScheduleParameters(sched, windowStart, windowEnd)
	triggerPayload, _ := newSchedulePayload(sched.ID, windowStart, windowEnd)

	run := &workflow.WorkflowRun{
		Parameters:   parameters,
		PartitionKey: partitionKey,
		RunKey:       runKey,
		TriggeredBy:  "schedule:" + sched.ID,
		Trigger:      triggerPayload,
	}

	created, err := s.runs.CreateRun(ctx, def.ID, run)
	if err != nil {
		var conflict *workflowerrors.ConflictError
		if !errors.As(err, &conflict) {
			return err
		}
		existing, found, findErr := s.runs.FindActiveRunByKey(ctx, def.ID, workflow.NormalizeRunKey(runKey))
		if findErr != nil || !found {
			s.logger.Warn("schedule run key conflict with no locatable active run", "runKey", runKey)
			observability.RecordScheduleSkipped("run_key_conflict")
			return nil
		}
		s.enqueue(ctx, existing.ID, runKey)
		s.appendHistory(ctx, existing.ID, sched.ID, windowEnd, "reused existing run for window")
		observability.RecordScheduleWindowMaterialized()
		return nil
	}

	s.enqueue(ctx, created.ID, runKey)
	s.appendHistory(ctx, created.ID, sched.ID, windowEnd, "materialized run for window")
	observability.RecordScheduleWindowMaterialized()
	return nil
}

func (s *Scheduler) enqueue(ctx context.Context, runID, runKey string) {
	if s.queue == nil {
		return
	}
	if err := s.queue.EnqueueRun(ctx, queue.RunJob{WorkflowRunID: runID, RunKey: runKey}); err != nil {
		s.logger.Error("enqueue materialized run", "runId", runID, "error", err)
	}
}

func (s *Scheduler) appendHistory(ctx context.Context, runID, scheduleID string, windowEnd time.Time, message string) {
	if s.history == nil {
		return
	}
	data, _ := json.Marshal(map[string]any{"scheduleId": scheduleID, "windowEnd": windowEnd})
	event := workflow.NewHistoryEvent(runID, workflow.HistoryScheduleWindow, message, data, time.Now().UTC())
	if err := s.history.AppendHistory(ctx, event); err != nil {
		s.logger.Warn("append schedule history", "runId", runID, "error", err)
	}
}

// resolveScheduleParameters implements §4.8's template resolution over a
// synthetic {run.trigger, parameters} scope, falling back to the literal
// configured parameters (logged, not failed) on any unresolved reference.
func (s *Scheduler) resolveScheduleParameters(sched *workflow.WorkflowSchedule, windowStart, windowEnd time.Time) json.RawMessage {
	if len(sched.Parameters) == 0 {
		return nil
	}

	var raw any
	if err := json.Unmarshal(sched.Parameters, &raw); err != nil {
		return sched.Parameters
	}

	_, triggerScope := newSchedulePayload(sched.ID, windowStart, windowEnd)
	scope := &template.Scope{
		Run:        map[string]any{"trigger": triggerScope},
		Parameters: asMap(raw),
	}

	tracker := template.NewTracker()
	resolved := template.ResolveValue(raw, scope, tracker)
	if tracker.HasIssues() {
		s.logger.Warn("schedule parameter template unresolved, falling back to literal parameters", "scheduleId", sched.ID)
		return sched.Parameters
	}

	encoded, err := json.Marshal(resolved)
	if err != nil {
		return sched.Parameters
	}
	return encoded
}

func asMap(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m
}

// persistMetadata implements §4.8's final step: for catch-up schedules,
// NextRunAt and CatchupCursor both advance to the loop's exit cursor (nil
// when the catch-up window is exhausted); for non-catch-up schedules,
// NextRunAt advances to the inclusive next occurrence of now (bounded by
// EndWindow) and CatchupCursor is cleared.
func (s *Scheduler) persistMetadata(ctx context.Context, sched *workflow.WorkflowSchedule, cronSchedule cron.Schedule, cursor time.Time, lastWindow *workflow.MaterializedWindow, now time.Time) error {
	patch := repository.SchedulePatch{LastMaterializedWindow: lastWindow}

	if sched.CatchUp {
		if cursor.IsZero() {
			patch.ClearNextRunAt = true
			patch.ClearCatchupCursor = true
		} else {
			patch.NextRunAt = &cursor
			patch.CatchupCursor = &cursor
		}
	} else {
		next := Next(cronSchedule, now.Add(-time.Second), sched.EndWindow)
		if next.IsZero() {
			patch.ClearNextRunAt = true
		} else {
			patch.NextRunAt = &next
		}
		patch.ClearCatchupCursor = true
	}

	_, err := s.schedules.UpdateScheduleMetadata(ctx, sched.ID, patch, sched.UpdatedAt)
	if err != nil {
		var conflict *workflowerrors.ConflictError
		if errors.As(err, &conflict) {
			// ScheduleMetadataConflict (§7): another worker already
			// advanced this schedule's metadata since ListDueSchedules
			// read it; the next tick re-lists and retries.
			s.logger.Debug("schedule metadata updated concurrently, will retry next tick", "scheduleId", sched.ID)
			return nil
		}
		return err
	}
	return nil
}

// findAutoMaterializePartitioning returns the single time-window
// partitioning spec shared by def's auto-materialized produces
// declarations. WorkflowSchedule carries no partitioning of its own
// (§3), so the cron scheduler derives one from whichever assets the
// definition marks auto-materialize; a definition with none leaves the
// partition key empty and RunKey falls back to the windowEnd timestamp
// (spec returns nil, ambiguous=false).
// ambiguous=true signals at least one such declaration uses a
// non-time-window partition type, which §4.8 says to log and skip.
func findAutoMaterializePartitioning(def *workflow.WorkflowDefinition) (spec *workflow.PartitioningSpec, ambiguous bool) {
	for i := range def.Steps {
		for _, decl := range def.Steps[i].Produces {
			if !decl.AutoMaterialize || decl.Partitioning == nil {
				continue
			}
			if decl.Partitioning.Type != workflow.PartitionTimeWindow {
				return nil, true
			}
			if spec == nil {
				spec = decl.Partitioning
			}
		}
	}
	return spec, false
}
