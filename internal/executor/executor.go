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

// Package executor implements the step executor described in §4.4: one
// entry point, Execute, that runs a single step to its next pause point
// (terminal, fan-out expansion, or scheduled retry/recovery poll) and
// returns the StepExecutionResult the run orchestrator applies.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/workflow-core/internal/assets"
	"github.com/tombee/workflow-core/internal/jobrunner"
	intlog "github.com/tombee/workflow-core/internal/log"
	"github.com/tombee/workflow-core/internal/observability"
	"github.com/tombee/workflow-core/internal/queue"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/internal/secretstore"
	"github.com/tombee/workflow-core/internal/serviceregistry"
	"github.com/tombee/workflow-core/pkg/workflow"
	"github.com/tombee/workflow-core/pkg/workflow/template"
	"github.com/tombee/workflow-core/pkg/workflowerrors"
)

// Executor runs one StepDefinition at a time against its backing
// services, grounded on the job/service/fan-out state machines in §4.4.
type Executor struct {
	Steps    repository.StepStore
	Assets   *assets.Manager
	Jobs     jobrunner.Runner
	Services *serviceregistry.Registry
	Secrets  *secretstore.Store
	Queue    queue.Queue
	Recovery RecoveryDelegate

	FanoutMaxItems            int
	FanoutMaxConcurrency      int
	RetryBackoff              workflow.DefaultRetryBackoff
	AssetRecoveryPollInterval time.Duration

	Logger *slog.Logger
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// New constructs an Executor with the given repository/runtime ports and
// §5/§6 defaults; configure with Options to override any field.
func New(steps repository.StepStore, mgr *assets.Manager, jobs jobrunner.Runner, services *serviceregistry.Registry, secrets *secretstore.Store, q queue.Queue, opts ...Option) *Executor {
	e := &Executor{
		Steps:                steps,
		Assets:               mgr,
		Jobs:                 jobs,
		Services:             services,
		Secrets:              secrets,
		Queue:                q,
		FanoutMaxItems:            100,
		FanoutMaxConcurrency:      10,
		RetryBackoff:              workflow.StandardRetryBackoff(),
		AssetRecoveryPollInterval: 30 * time.Second,
		Logger:                    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithRecovery wires the asset-recovery delegate invoked on
// failureReason==asset_missing (§4.6), typically internal/recovery.Manager.
func WithRecovery(d RecoveryDelegate) Option { return func(e *Executor) { e.Recovery = d } }

// WithFanoutLimits overrides the §6 fan-out caps.
func WithFanoutLimits(maxItems, maxConcurrency int) Option {
	return func(e *Executor) { e.FanoutMaxItems = maxItems; e.FanoutMaxConcurrency = maxConcurrency }
}

// WithRetryBackoff overrides the fallback exponential-jittered backoff
// constants (§4.4/§5).
func WithRetryBackoff(b workflow.DefaultRetryBackoff) Option {
	return func(e *Executor) { e.RetryBackoff = b }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.Logger = l } }

// WithAssetRecoveryPollInterval overrides the §6
// ASSET_RECOVERY_POLL_INTERVAL_MS default.
func WithAssetRecoveryPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.AssetRecoveryPollInterval = d }
}

// Execute is the §4.4 entry point: execute(run, def, step, context,
// index, runtimeStep). rc is the in-memory RuntimeContext the caller has
// already cloned for this tick (pkg/workflow.RuntimeContext.Clone);
// Execute mutates rc.Steps[step.ID]/rc.Shared in place and returns it as
// part of the result.
func (e *Executor) Execute(ctx context.Context, run *workflow.WorkflowRun, def *workflow.WorkflowDefinition, step *workflow.StepDefinition, rc *workflow.RuntimeContext, index int) (*workflow.StepExecutionResult, error) {
	ctx, span := observability.Tracer(observability.StepTracer).Start(ctx, "workflow.step.execute",
		trace.WithAttributes(
			attribute.String("workflow.run_id", run.ID),
			attribute.String("workflow.step_id", step.ID),
			attribute.String("workflow.step_kind", string(step.Kind)),
		),
	)
	defer span.End()

	result, err := e.execute(ctx, run, def, step, rc, index)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if result != nil {
		span.SetAttributes(attribute.String("workflow.step_status", string(result.StepStatus)))
	}
	return result, err
}

func (e *Executor) execute(ctx context.Context, run *workflow.WorkflowRun, def *workflow.WorkflowDefinition, step *workflow.StepDefinition, rc *workflow.RuntimeContext, index int) (*workflow.StepExecutionResult, error) {
	if err := checkDependencyGate(step, rc); err != nil {
		return nil, err
	}

	if step.Kind == workflow.StepKindFanout {
		return e.executeFanout(ctx, run, def, step, rc)
	}

	merged := mergeParameters(run.Parameters, step.Parameters)
	scope := e.buildScope(run, step, rc, merged)
	tracker := template.NewTracker()
	resolved, _ := template.ResolveValue(merged, scope, tracker).(map[string]any)
	if tracker.HasIssues() {
		return e.handleParameterResolutionFailure(ctx, run, step, rc, tracker)
	}

	switch step.Kind {
	case workflow.StepKindJob:
		return e.executeJob(ctx, run, def, step, rc, resolved, scope)
	case workflow.StepKindService:
		return e.executeService(ctx, run, def, step, rc, resolved, scope)
	default:
		return nil, fmt.Errorf("executor: unknown step kind %q", step.Kind)
	}
}

// checkDependencyGate implements §4.4's "before running, verify every
// dependsOn id resolves to a succeeded predecessor" invariant; a
// violation is always a scheduler bug.
func checkDependencyGate(step *workflow.StepDefinition, rc *workflow.RuntimeContext) error {
	var missing []string
	for _, dep := range step.DependsOn {
		if !rc.StepSucceeded(dep) {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &workflowerrors.DependencyBlockedError{StepID: step.ID, Missing: missing}
	}
	return nil
}

// mergeParameters implements the §4.4 object shallow-merge with step
// overriding; both sides are expected to be JSON objects in this domain
// (job/service parameters), so a side that fails to decode as an object
// contributes nothing rather than winning outright.
func mergeParameters(runRaw, stepRaw json.RawMessage) map[string]any {
	merged := decodeObjectOrEmpty(runRaw)
	for k, v := range decodeObjectOrEmpty(stepRaw) {
		merged[k] = v
	}
	return merged
}

func decodeObjectOrEmpty(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func decodeAnyOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// buildScope assembles the §4.3 TemplateScope from the run, the step
// being executed, and the shared/per-step runtime view so far.
func (e *Executor) buildScope(run *workflow.WorkflowRun, step *workflow.StepDefinition, rc *workflow.RuntimeContext, merged map[string]any) *template.Scope {
	stepsRoot := make(map[string]any, len(rc.Steps))
	for id, sr := range rc.Steps {
		stepsRoot[id] = map[string]any{
			"status": string(sr.Status),
			"output": decodeAnyOrNil(sr.Output),
			"error":  sr.ErrorMessage,
		}
	}

	sharedRoot := make(map[string]any, len(rc.Shared))
	for k, raw := range rc.Shared {
		sharedRoot[k] = decodeAnyOrNil(raw)
	}

	runRoot := map[string]any{
		"id":           run.ID,
		"partitionKey": run.PartitionKey,
		"runKey":       run.RunKey,
		"triggeredBy":  run.TriggeredBy,
		"trigger":      decodeAnyOrNil(run.Trigger),
	}

	var fanoutRoot map[string]any
	var item any
	if step.FanoutIndex != nil {
		fanoutRoot = map[string]any{"index": *step.FanoutIndex, "parentStepId": step.ParentStepID}
		item = decodeAnyOrNil(step.FanoutItem)
	}

	return &template.Scope{
		Shared:         sharedRoot,
		Steps:          stepsRoot,
		Run:            runRoot,
		Parameters:     merged,
		Step:           map[string]any{"id": step.ID, "name": step.Name},
		StepParameters: decodeObjectOrEmpty(step.Parameters),
		Fanout:         fanoutRoot,
		Item:           item,
	}
}

// handleParameterResolutionFailure marks the step failed with
// failureReason=parameter_resolution_failed and a summary of every
// unresolved reference, per §4.4.
func (e *Executor) handleParameterResolutionFailure(ctx context.Context, run *workflow.WorkflowRun, step *workflow.StepDefinition, rc *workflow.RuntimeContext, tracker *template.Tracker) (*workflow.StepExecutionResult, error) {
	stepRecord, err := e.loadOrCreateStep(ctx, run, step)
	if err != nil {
		return nil, err
	}

	summary := ""
	for i, u := range tracker.Unresolved {
		if i > 0 {
			summary += "; "
		}
		summary += fmt.Sprintf("%s: %s", u.Path, u.Expression)
	}

	now := time.Now().UTC()
	reason := workflow.FailureReasonParameterResolution
	patch := repository.StepPatch{
		Status:        statusPtr(workflow.StepFailed),
		RetryState:    retryStatePtr(workflow.RetryStateCompleted),
		ErrorMessage:  &summary,
		FailureReason: &reason,
		CompletedAt:   &now,
		ClearNextAttempt: true,
	}
	updated, err := e.Steps.UpdateRunStep(ctx, stepRecord.ID, patch)
	if err != nil {
		return nil, err
	}

	rc.Steps[step.ID] = &workflow.StepRuntime{
		Status:          workflow.StepFailed,
		ErrorMessage:    summary,
		FailureReason:   reason,
		ResolutionError: true,
	}

	intlog.WithStepContext(e.Logger, run.ID, step.ID).Warn("step parameter resolution failed", slog.String("error", summary))

	return &workflow.StepExecutionResult{
		Context:      rc,
		StepStatus:   workflow.StepFailed,
		Completed:    true,
		StepPatch:    updated,
		ErrorMessage: summary,
	}, nil
}

// loadOrCreateStep implements §4.4 job/service state-machine step 1:
// reuse the persisted record if one exists, otherwise create it carrying
// fan-out child bookkeeping when present.
func (e *Executor) loadOrCreateStep(ctx context.Context, run *workflow.WorkflowRun, step *workflow.StepDefinition) (*workflow.WorkflowRunStep, error) {
	existing, found, err := e.Steps.GetStepByStepID(ctx, run.ID, step.ID)
	if err != nil {
		return nil, err
	}
	if found {
		return existing, nil
	}

	record := &workflow.WorkflowRunStep{
		WorkflowRunID:  run.ID,
		StepID:         step.ID,
		Status:         workflow.StepPending,
		RetryState:     workflow.RetryStatePending,
		ParentStepID:   step.ParentStepID,
		FanoutIndex:    step.FanoutIndex,
		TemplateStepID: step.TemplateStepID,
		Input:          step.FanoutItem,
	}
	return e.Steps.CreateStep(ctx, record)
}

func statusPtr(s workflow.StepStatus) *workflow.StepStatus         { return &s }
func retryStatePtr(s workflow.RetryState) *workflow.RetryState     { return &s }
func boolPtr(b bool) *bool                                        { return &b }
func intPtr(i int) *int                                           { return &i }
func strPtr(s string) *string                                     { return &s }
func timePtr(t time.Time) *time.Time                               { return &t }
