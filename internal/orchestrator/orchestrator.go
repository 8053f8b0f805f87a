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

// Package orchestrator implements the §4.5 run orchestrator: a DAG
// scheduler that drives one WorkflowRun to a terminal status on top of
// the §4.4 step executor, with bounded parallelism, fan-out tracking, and
// run-level commit/settlement.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/workflow-core/internal/events"
	intlog "github.com/tombee/workflow-core/internal/log"
	"github.com/tombee/workflow-core/internal/queue"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
)

// StepExecutor is the orchestrator's view of internal/executor.Executor,
// narrowed to one method so the scheduling loop can be exercised against
// a fake without depending on the executor's full construction.
type StepExecutor interface {
	Execute(ctx context.Context, run *workflow.WorkflowRun, def *workflow.WorkflowDefinition, step *workflow.StepDefinition, rc *workflow.RuntimeContext, index int) (*workflow.StepExecutionResult, error)
}

// Orchestrator drives workflow runs per §4.5.
type Orchestrator struct {
	Definitions repository.DefinitionStore
	Runs        repository.RunStore
	Steps       repository.StepStore
	History     repository.HistoryStore

	Exec   StepExecutor
	Queue  queue.Queue
	Events events.Emitter

	// DefaultConcurrency is the env_override fallback in the
	// concurrencyLimit formula (§4.5), normally sourced from
	// config.Config.MaxParallel.
	DefaultConcurrency int

	Logger *slog.Logger

	// cancelMu guards cancelFuncs, the in-process registry of dispatch
	// cancel funcs for runs this node is actively scheduling. Mirrors
	// the per-run context.CancelFunc the teacher's Runner keeps
	// alongside each run for its Cancel method.
	cancelMu    sync.Mutex
	cancelFuncs map[string]context.CancelFunc
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// New constructs an Orchestrator wired against the repository ports it
// needs, the step executor, the queue, and the event bus.
func New(defs repository.DefinitionStore, runs repository.RunStore, steps repository.StepStore, history repository.HistoryStore, exec StepExecutor, q queue.Queue, emitter events.Emitter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		Definitions:        defs,
		Runs:               runs,
		Steps:              steps,
		History:            history,
		Exec:               exec,
		Queue:              q,
		Events:             emitter,
		DefaultConcurrency: 1,
		Logger:             slog.Default(),
		cancelFuncs:        map[string]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithDefaultConcurrency overrides the concurrencyLimit formula's
// env_override term.
func WithDefaultConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.DefaultConcurrency = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.Logger = l } }

// RunWorkflow drives runID to a terminal status, or leaves it running
// when the scheduling loop parks on a scheduled retry/recovery poll/
// fan-out child still in flight. It is the handler the queue's inline
// dispatcher invokes for every workflow.run job (§4.2/§4.5).
func (o *Orchestrator) RunWorkflow(ctx context.Context, runID string) error {
	run, err := o.Runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	def, err := o.Definitions.GetDefinition(ctx, run.WorkflowDefinitionID)
	if err != nil {
		return o.commitFailure(ctx, run, "workflow definition unavailable: "+err.Error())
	}
	intlog.WithRunContext(o.Logger, run.ID, def.Slug).Debug("scheduling run")

	run, err = o.ensureRunning(ctx, run)
	if err != nil {
		return err
	}

	rc, err := o.loadOrSeedContext(run, def)
	if err != nil {
		return err
	}

	graph := buildDependencyGraph(def)

	return o.schedule(ctx, run, def, rc, graph)
}

// CancelRun implements the run cancellation surface (§4.1): it persists
// RunCanceled via RunStore.CancelRun and, when this node is the one
// actively scheduling runID, cancels its dispatch context so in-flight
// job steps unwind into StepSkipped (executor.finalizeStepCanceled)
// instead of running to completion. A run this node isn't scheduling
// (already settled, or owned by a different worker) is still marked
// canceled in the repository; RunWorkflow's Terminal() guard keeps any
// later wakeup from resuming it.
func (o *Orchestrator) CancelRun(ctx context.Context, runID, reason string) error {
	_, _, err := o.Runs.CancelRun(ctx, runID, reason)
	if err != nil {
		return err
	}
	o.cancelMu.Lock()
	cancel := o.cancelFuncs[runID]
	o.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (o *Orchestrator) registerCancel(runID string, cancel context.CancelFunc) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	o.cancelFuncs[runID] = cancel
}

func (o *Orchestrator) unregisterCancel(runID string) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	delete(o.cancelFuncs, runID)
}

// ensureRunning transitions a pending run to running with a fresh
// startedAt, per §4.5's Load & guard step. A run already running is
// returned unchanged (a resumed retry/recovery wakeup, not a fresh
// start).
func (o *Orchestrator) ensureRunning(ctx context.Context, run *workflow.WorkflowRun) (*workflow.WorkflowRun, error) {
	if run.Status == workflow.RunRunning {
		return run, nil
	}

	now := time.Now().UTC()
	status := workflow.RunRunning
	patch := repository.RunPatch{Status: &status}
	if run.StartedAt == nil {
		patch.StartedAt = &now
	}

	updated, changed, err := o.Runs.UpdateRun(ctx, run.ID, patch)
	if err != nil {
		return nil, err
	}
	o.appendHistory(ctx, run.ID, workflow.HistoryRunStatus, "run started", nil, now)
	if changed {
		o.emitRunUpdated(ctx, updated)
	}
	return updated, nil
}

// loadOrSeedContext restores the persisted RuntimeContext, reconciling
// any step left "running" by an interrupted prior attempt back to
// pending, or seeds a fresh one when the run has no prior context.
func (o *Orchestrator) loadOrSeedContext(run *workflow.WorkflowRun, def *workflow.WorkflowDefinition) (*workflow.RuntimeContext, error) {
	if len(run.Context) > 0 {
		var rc workflow.RuntimeContext
		if err := json.Unmarshal(run.Context, &rc); err == nil && rc.Steps != nil {
			reconcileInterruptedSteps(&rc)
			return &rc, nil
		}
	}

	ids := make([]string, 0, len(def.Steps))
	for _, step := range def.Steps {
		ids = append(ids, step.ID)
	}
	return workflow.NewRuntimeContext(ids), nil
}

// reconcileInterruptedSteps resets any step still marked running in a
// resumed context back to pending: a prior process died mid-step, so
// nothing is actually executing it anymore.
func reconcileInterruptedSteps(rc *workflow.RuntimeContext) {
	for id, sr := range rc.Steps {
		if sr != nil && sr.Status == workflow.StepRunning {
			rc.Steps[id] = &workflow.StepRuntime{Status: workflow.StepPending}
		}
	}
}

func (o *Orchestrator) emitRunUpdated(ctx context.Context, run *workflow.WorkflowRun) {
	if o.Events == nil {
		return
	}
	o.Events.Publish(ctx, workflow.EventRunUpdated, run)
	o.Events.Publish(ctx, workflow.RunStatusTopic(run.Status), run)
}

func (o *Orchestrator) appendHistory(ctx context.Context, runID string, kind workflow.HistoryEventKind, message string, data any, now time.Time) {
	if o.History == nil {
		return
	}
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err == nil {
			raw = encoded
		}
	}
	event := workflow.NewHistoryEvent(runID, kind, message, raw, now)
	if err := o.History.AppendHistory(ctx, event); err != nil {
		o.Logger.Warn("append history", "runId", runID, "kind", kind, "error", err)
	}
}

func (o *Orchestrator) persistContext(ctx context.Context, run *workflow.WorkflowRun, rc *workflow.RuntimeContext) {
	rc.Touch(time.Now().UTC())
	encoded, err := json.Marshal(rc)
	if err != nil {
		o.Logger.Warn("marshal run context", "runId", run.ID, "error", err)
		return
	}
	if _, _, err := o.Runs.UpdateRun(ctx, run.ID, repository.RunPatch{Context: encoded}); err != nil {
		o.Logger.Warn("persist run context", "runId", run.ID, "error", err)
	}
}

func applyStepContext(rc *workflow.RuntimeContext, resultCtx *workflow.RuntimeContext, stepID string) {
	if resultCtx == nil {
		return
	}
	if sr, ok := resultCtx.Steps[stepID]; ok {
		rc.Steps[stepID] = sr
	}
}

func applySharedPatch(rc *workflow.RuntimeContext, patch map[string]json.RawMessage) {
	if len(patch) == 0 {
		return
	}
	if rc.Shared == nil {
		rc.Shared = map[string]json.RawMessage{}
	}
	for k, v := range patch {
		rc.Shared[k] = v
	}
}
