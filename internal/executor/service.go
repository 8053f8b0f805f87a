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

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	intlog "github.com/tombee/workflow-core/internal/log"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/internal/serviceregistry"
	"github.com/tombee/workflow-core/pkg/workflow"
	"github.com/tombee/workflow-core/pkg/workflow/template"
)

const maxCapturedResponseBytes = 8192

// executeService implements the §4.4 service step state machine: an
// attempt loop bounded by the step's retry policy, each attempt gated by
// the target service's availability and backed off per calculateRetryDelay,
// deferring to finalizeStepFailure once the in-loop attempts are exhausted.
func (e *Executor) executeService(ctx context.Context, run *workflow.WorkflowRun, def *workflow.WorkflowDefinition, step *workflow.StepDefinition, rc *workflow.RuntimeContext, params map[string]any, scope *template.Scope) (*workflow.StepExecutionResult, error) {
	stepRecord, err := e.loadOrCreateStep(ctx, run, step)
	if err != nil {
		return nil, err
	}
	if stepRecord.Status == workflow.StepSucceeded {
		rc.Steps[step.ID] = &workflow.StepRuntime{Status: workflow.StepSucceeded, Output: stepRecord.Output}
		return &workflow.StepExecutionResult{Context: rc, StepStatus: workflow.StepSucceeded, Completed: true, StepPatch: stepRecord}, nil
	}

	stepRecord, err = e.transitionRunning(ctx, run, step, stepRecord)
	if err != nil {
		return nil, err
	}

	svc, ok := e.Services.GetServiceBySlug(step.ServiceSlug)
	if !ok {
		return e.finalizeStepFailure(ctx, run, step, stepRecord, fmt.Sprintf("service %q is not registered", step.ServiceSlug), "service_not_found")
	}

	maxAttempts := step.RetryPolicy.MaxAttemptsOrDefault(1)
	var lastErr string
	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := workflow.CalculateRetryDelay(attempt, step.RetryPolicy)
			if err := sleepOrCancel(ctx, delay); err != nil {
				return nil, err
			}
		}

		if !svc.Allows(step.RequireHealthy, step.AllowDegraded) {
			lastErr = fmt.Sprintf("service %q is %s and unavailable for this step", svc.Slug, svc.Status)
			continue
		}

		result, done, err := e.attemptServiceCall(ctx, run, step, stepRecord, rc, scope, params, svc, attempt)
		if err != nil {
			return nil, err
		}
		if done {
			return result, nil
		}
		lastErr = result.ErrorMessage
		stepRecord = result.StepPatch
	}

	return e.finalizeStepFailure(ctx, run, step, stepRecord, lastErr, "service_invocation_failed")
}

// attemptServiceCall issues one HTTP request for the service step.
// done=true means the caller should return result directly (success or
// terminal failure already persisted); done=false means the loop should
// keep going, with result.StepPatch carrying the freshest step record and
// result.ErrorMessage the latest failure summary.
func (e *Executor) attemptServiceCall(ctx context.Context, run *workflow.WorkflowRun, step *workflow.StepDefinition, stepRecord *workflow.WorkflowRunStep, rc *workflow.RuntimeContext, scope *template.Scope, params map[string]any, svc serviceregistry.Service, attempt int) (*workflow.StepExecutionResult, bool, error) {
	req, sanitizedHeaders, err := e.prepareServiceRequest(ctx, step, scope, params)
	if err != nil {
		return nil, false, err
	}

	intlog.Trace(e.Logger, "service request", intlog.String(intlog.StepIDKey, step.ID),
		intlog.String("slug", svc.Slug), intlog.String("method", req.Method), intlog.String("path", req.Path))

	start := time.Now()
	resp, err := e.Services.FetchFromService(ctx, svc, req)
	latency := time.Since(start)

	intlog.Trace(e.Logger, "service response", intlog.String(intlog.StepIDKey, step.ID),
		intlog.Int("attempt", attempt), intlog.Duration("latency", latency.Milliseconds()))

	metrics := map[string]any{"slug": svc.Slug, "attempt": attempt, "baseUrl": svc.BaseURL, "sanitizedHeaders": sanitizedHeaders}
	svcCtx := workflow.ServiceRuntimeContext{Slug: svc.Slug, Method: req.Method, Path: req.Path, BaseURL: svc.BaseURL, LatencyMs: latency.Milliseconds()}

	if err != nil {
		metrics["status"] = "error"
		errMsg := e.Secrets.MaskSecret(err.Error())
		patched := e.persistAttemptState(ctx, stepRecord, metrics, svcCtx, "error", errMsg)
		return &workflow.StepExecutionResult{StepPatch: patched, ErrorMessage: errMsg}, false, nil
	}

	svcCtx.StatusCode = resp.StatusCode
	metrics["statusCode"] = resp.StatusCode
	metrics["latencyMs"] = latency.Milliseconds()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics["status"] = "failed"
		svcCtx.Status = "failed"
		errMsg := fmt.Sprintf("service %q returned status %d", svc.Slug, resp.StatusCode)
		patched := e.persistAttemptState(ctx, stepRecord, metrics, svcCtx, "failed", errMsg)
		return &workflow.StepExecutionResult{StepPatch: patched, ErrorMessage: errMsg}, false, nil
	}

	metrics["status"] = "succeeded"
	svcCtx.Status = "succeeded"

	body, truncated, size := captureResponseBody(resp.Body, step.CapturesResponse())
	metrics["responseSizeBytes"] = size
	metrics["truncated"] = truncated

	now := time.Now().UTC()
	updated, err := e.Steps.UpdateRunStep(ctx, stepRecord.ID, repository.StepPatch{
		Status:           statusPtr(workflow.StepSucceeded),
		RetryState:       retryStatePtr(workflow.RetryStateCompleted),
		Output:           body,
		Metrics:          mustMarshal(metrics),
		Context:          mustMarshal(svcCtx),
		CompletedAt:      &now,
		ClearNextAttempt: true,
	})
	if err != nil {
		return nil, false, err
	}

	var sharedPatch map[string]json.RawMessage
	if step.StoreResponseAs != "" && step.CapturesResponse() {
		sharedPatch = map[string]json.RawMessage{step.StoreResponseAs: body}
		if rc.Shared == nil {
			rc.Shared = map[string]json.RawMessage{}
		}
		rc.Shared[step.StoreResponseAs] = body
	}

	rc.Steps[step.ID] = &workflow.StepRuntime{Status: workflow.StepSucceeded, Output: body, Service: &svcCtx}

	return &workflow.StepExecutionResult{
		Context:     rc,
		StepStatus:  workflow.StepSucceeded,
		Completed:   true,
		StepPatch:   updated,
		SharedPatch: sharedPatch,
	}, true, nil
}

func (e *Executor) persistAttemptState(ctx context.Context, stepRecord *workflow.WorkflowRunStep, metrics map[string]any, svcCtx workflow.ServiceRuntimeContext, status, errMsg string) *workflow.WorkflowRunStep {
	updated, err := e.Steps.UpdateRunStep(ctx, stepRecord.ID, repository.StepPatch{
		Metrics:      mustMarshal(metrics),
		Context:      mustMarshal(svcCtx),
		ErrorMessage: &errMsg,
	})
	if err != nil {
		return stepRecord
	}
	return updated
}

// prepareServiceRequest implements §4.4's request-building rules: method
// defaulting, header/query/body template resolution, and resolving
// {secret, prefix?} header values through the secret store.
func (e *Executor) prepareServiceRequest(ctx context.Context, step *workflow.StepDefinition, scope *template.Scope, params map[string]any) (serviceregistry.RequestSpec, map[string]string, error) {
	spec := step.Request

	method := spec.Method
	if method == "" {
		if hasBody(spec.Body) || len(params) > 0 {
			method = "POST"
		} else {
			method = "GET"
		}
	}

	tracker := template.NewTracker()
	path := template.Stringify(template.ResolveValue(spec.Path, scope, tracker))

	query := make(map[string]string, len(spec.Query))
	for k, v := range spec.Query {
		query[k] = template.Stringify(template.ResolveValue(v, scope, tracker))
	}

	headers := make(map[string]string, len(spec.Headers))
	sanitized := make(map[string]string, len(spec.Headers))
	for k, raw := range spec.Headers {
		value, sanitizedValue, err := e.resolveHeaderValue(ctx, raw, scope, tracker)
		if err != nil {
			return serviceregistry.RequestSpec{}, nil, err
		}
		headers[k] = value
		sanitized[k] = sanitizedValue
	}

	var body []byte
	if hasBody(spec.Body) && methodHasBody(method) {
		resolvedBody := template.ResolveValue(spec.Body, scope, tracker)
		encoded, err := json.Marshal(resolvedBody)
		if err != nil {
			return serviceregistry.RequestSpec{}, nil, err
		}
		body = encoded
		if _, exists := headers["Content-Type"]; !exists {
			headers["Content-Type"] = "application/json"
		}
	}

	return serviceregistry.RequestSpec{Method: method, Path: path, Query: query, Headers: headers, Body: body}, sanitized, nil
}

// resolveHeaderValue resolves one header's templated or {secret,prefix?}
// value, returning both the live value to send and the masked value safe
// to persist into sanitizedHeaders.
func (e *Executor) resolveHeaderValue(ctx context.Context, raw any, scope *template.Scope, tracker *template.Tracker) (value, sanitized string, err error) {
	switch v := raw.(type) {
	case string:
		resolved := template.Stringify(template.ResolveValue(v, scope, tracker))
		return resolved, e.Secrets.MaskSecret(resolved), nil
	case map[string]any:
		name, _ := v["secret"].(string)
		prefix, _ := v["prefix"].(string)
		secretValue, err := e.Secrets.ResolveSecret(ctx, "{"+name+"}")
		if err != nil {
			return "", "", err
		}
		full := prefix + secretValue
		return full, prefix + "***", nil
	default:
		return "", "", nil
	}
}

func hasBody(body any) bool {
	if body == nil {
		return false
	}
	if s, ok := body.(string); ok {
		return s != ""
	}
	return true
}

func methodHasBody(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD":
		return false
	default:
		return true
	}
}

// captureResponseBody truncates body to maxCapturedResponseBytes when
// capture is requested, reporting whether truncation occurred and the
// original size; when capture is false the body is discarded entirely.
func captureResponseBody(body []byte, capture bool) (captured json.RawMessage, truncated bool, size int) {
	size = len(body)
	if !capture {
		return nil, false, size
	}
	if size > maxCapturedResponseBytes {
		body = body[:maxCapturedResponseBytes]
		truncated = true
	}
	if len(body) == 0 {
		return json.RawMessage("null"), truncated, size
	}
	var probe any
	if err := json.Unmarshal(body, &probe); err == nil {
		return json.RawMessage(body), truncated, size
	}
	encoded, err := json.Marshal(string(body))
	if err != nil {
		return json.RawMessage("null"), truncated, size
	}
	return json.RawMessage(encoded), truncated, size
}

func mustMarshal(v any) []byte {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return encoded
}
