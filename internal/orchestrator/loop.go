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

package orchestrator

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/tombee/workflow-core/internal/observability"
	"github.com/tombee/workflow-core/pkg/workflow"
)

// stepOutcome is one completed Execute call's result, tagged with
// parentID when it is a fan-out child rather than a top-level step.
type stepOutcome struct {
	stepID   string
	parentID string
	result   *workflow.StepExecutionResult
	err      error
}

// stepFailure records the first non-succeeded terminal outcome the loop
// observes; §4.5 keeps only the first failure's message for the run's
// final errorMessage.
type stepFailure struct {
	stepID  string
	message string
}

// schedule runs the §4.5 scheduling loop to quiescence and commits the
// run's final status, or returns nil leaving the run "running" when the
// loop quiesces on a scheduled retry, recovery poll, or outstanding
// fan-out child that some later queued job will wake.
func (o *Orchestrator) schedule(ctx context.Context, run *workflow.WorkflowRun, def *workflow.WorkflowDefinition, rc *workflow.RuntimeContext, graph *dependencyGraph) error {
	execCtx, cancelExec := context.WithCancel(ctx)
	o.registerCancel(run.ID, cancelExec)
	defer o.unregisterCancel(run.ID)
	defer cancelExec()

	limit := o.concurrencyLimit(run, def, len(graph.order))
	sem := semaphore.NewWeighted(int64(limit))

	active := map[string]bool{}
	parked := map[string]bool{}
	fanStates := map[string]*workflow.FanOutState{}
	childDefs := map[string]*workflow.StepDefinition{}

	resultsCh := make(chan stepOutcome)
	inFlight := 0
	dispatchIndex := 0
	var failure *stepFailure

	dispatchStep := func(id string) {
		stepDef := graph.stepDefs[id]
		clone, cloneErr := rc.Clone()
		active[id] = true
		inFlight++
		idx := dispatchIndex
		dispatchIndex++

		go func() {
			defer sem.Release(1)
			if cloneErr != nil {
				resultsCh <- stepOutcome{stepID: id, err: cloneErr}
				return
			}
			result, execErr := o.Exec.Execute(execCtx, run, def, stepDef, clone, idx)
			resultsCh <- stepOutcome{stepID: id, result: result, err: execErr}
		}()
	}

	dispatchChild := func(parentID, childID string) {
		childDef := childDefs[childID]
		clone, cloneErr := rc.Clone()
		inFlight++

		go func() {
			defer sem.Release(1)
			if cloneErr != nil {
				resultsCh <- stepOutcome{stepID: childID, parentID: parentID, err: cloneErr}
				return
			}
			result, execErr := o.Exec.Execute(execCtx, run, def, childDef, clone, 0)
			resultsCh <- stepOutcome{stepID: childID, parentID: parentID, result: result, err: execErr}
		}()
	}

	for {
		if failure == nil {
			for _, id := range graph.ready(rc, active, parked) {
				if !sem.TryAcquire(1) {
					break
				}
				dispatchStep(id)
			}
			for parentID, fs := range fanStates {
				for sem.TryAcquire(1) {
					next := fs.NextDispatchable(1)
					if len(next) == 0 {
						sem.Release(1)
						break
					}
					dispatchChild(parentID, next[0])
				}
			}
		}

		if inFlight == 0 {
			break
		}

		outcome := <-resultsCh
		inFlight--

		if outcome.err != nil {
			if failure == nil {
				failure = &stepFailure{stepID: outcome.stepID, message: outcome.err.Error()}
			}
			if outcome.parentID == "" {
				active[outcome.stepID] = false
			}
			continue
		}

		if outcome.parentID != "" {
			o.handleFanOutChildOutcome(ctx, run, rc, childDefs, fanStates, outcome, &failure)
			continue
		}

		o.handleStepOutcome(ctx, run, rc, active, parked, fanStates, childDefs, outcome, &failure)
	}

	return o.settle(ctx, execCtx, run, rc, graph, fanStates, parked, failure)
}

// handleStepOutcome applies one top-level step's result into rc and
// either parks it (fan-out registered or retry/recovery scheduled) or
// records the run's first failure.
func (o *Orchestrator) handleStepOutcome(ctx context.Context, run *workflow.WorkflowRun, rc *workflow.RuntimeContext, active, parked map[string]bool, fanStates map[string]*workflow.FanOutState, childDefs map[string]*workflow.StepDefinition, outcome stepOutcome, failure **stepFailure) {
	active[outcome.stepID] = false
	result := outcome.result

	applyStepContext(rc, result.Context, outcome.stepID)
	applySharedPatch(rc, result.SharedPatch)
	o.persistContext(ctx, run, rc)

	if !result.Completed {
		parked[outcome.stepID] = true
		if result.FanOut != nil {
			o.registerFanOut(fanStates, childDefs, result.FanOut)
		}
		return
	}

	observability.RecordStepStatus(string(result.StepStatus))
	if result.StepStatus != workflow.StepSucceeded && *failure == nil {
		*failure = &stepFailure{stepID: outcome.stepID, message: result.ErrorMessage}
	}
}

// handleFanOutChildOutcome applies one fan-out child's result, settling
// the parent once every child has terminated.
func (o *Orchestrator) handleFanOutChildOutcome(ctx context.Context, run *workflow.WorkflowRun, rc *workflow.RuntimeContext, childDefs map[string]*workflow.StepDefinition, fanStates map[string]*workflow.FanOutState, outcome stepOutcome, failure **stepFailure) {
	fs := fanStates[outcome.parentID]
	if fs == nil {
		return
	}

	stillOutstanding := o.applyFanOutChildOutcome(rc, childDefs, fs, outcome)
	o.persistContext(ctx, run, rc)
	if stillOutstanding || !fs.AllTerminal() {
		return
	}

	settlement := o.settleFanOut(ctx, run, rc, fs)
	delete(fanStates, outcome.parentID)
	o.persistContext(ctx, run, rc)
	if settlement.failed && *failure == nil {
		*failure = &stepFailure{stepID: fs.ParentStepID, message: settlement.message}
	}
}

// settle implements §4.5's Settlement: commit canceled when the run's
// execution context was canceled out from under it (repository.RunStore's
// CancelRun surface), commit succeeded when every step has terminated,
// commit failed with the first recorded failure, leave the run running
// when something parked is expected to wake it later, or commit failed
// with the "blocked" message on a genuine stall. ctx is used for
// persistence (never canceled mid-settlement); execCtx is the dispatch
// context checked only for its cancellation state.
func (o *Orchestrator) settle(ctx, execCtx context.Context, run *workflow.WorkflowRun, rc *workflow.RuntimeContext, graph *dependencyGraph, fanStates map[string]*workflow.FanOutState, parked map[string]bool, failure *stepFailure) error {
	if execCtx.Err() != nil {
		return o.commitCanceled(ctx, run, rc)
	}

	if failure != nil {
		return o.commitFailure(ctx, run, failure.message)
	}

	allTerminal := len(fanStates) == 0
	if allTerminal {
		for _, id := range graph.order {
			sr := rc.Steps[id]
			if sr == nil || !sr.Status.Terminal() {
				allTerminal = false
				break
			}
		}
	}
	if allTerminal {
		return o.commitSucceeded(ctx, run, rc)
	}

	if len(parked) > 0 || len(fanStates) > 0 {
		// A scheduled retry, asset-recovery poll, or an outstanding
		// fan-out child will re-enqueue this run later; leave it
		// running rather than failing it out from under that plan.
		return nil
	}

	return o.commitFailure(ctx, run, "Workflow blocked by unsatisfied dependencies")
}
