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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tombee/workflow-core/internal/assets"
	"github.com/tombee/workflow-core/internal/events"
	"github.com/tombee/workflow-core/internal/jobrunner"
	"github.com/tombee/workflow-core/internal/queue"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/internal/secretstore"
	"github.com/tombee/workflow-core/internal/serviceregistry"
	"github.com/tombee/workflow-core/pkg/workflow"
)

var errStepNotFound = errors.New("executor: step not found")

// fakeStepStore is an in-memory repository.StepStore keyed by (runID, stepID).
type fakeStepStore struct {
	mu    sync.Mutex
	seq   int
	steps map[string]*workflow.WorkflowRunStep
}

func newFakeStepStore() *fakeStepStore {
	return &fakeStepStore{steps: map[string]*workflow.WorkflowRunStep{}}
}

func (f *fakeStepStore) key(runID, stepID string) string { return runID + "/" + stepID }

func (f *fakeStepStore) GetStep(ctx context.Context, id string) (*workflow.WorkflowRunStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.steps {
		if s.ID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, errStepNotFound
}

func (f *fakeStepStore) GetStepByStepID(ctx context.Context, runID, stepID string) (*workflow.WorkflowRunStep, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[f.key(runID, stepID)]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

func (f *fakeStepStore) CreateStep(ctx context.Context, step *workflow.WorkflowRunStep) (*workflow.WorkflowRunStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	cp := *step
	cp.ID = fmt.Sprintf("step-rec-%d", f.seq)
	f.steps[f.key(cp.WorkflowRunID, cp.StepID)] = &cp
	out := cp
	return &out, nil
}

func (f *fakeStepStore) UpdateRunStep(ctx context.Context, id string, patch repository.StepPatch) (*workflow.WorkflowRunStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found *workflow.WorkflowRunStep
	for _, s := range f.steps {
		if s.ID == id {
			found = s
			break
		}
	}
	if found == nil {
		return nil, errStepNotFound
	}
	applyStepPatch(found, patch)
	out := *found
	return &out, nil
}

func applyStepPatch(s *workflow.WorkflowRunStep, patch repository.StepPatch) {
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.Attempt != nil {
		s.Attempt = *patch.Attempt
	}
	if patch.RetryCount != nil {
		s.RetryCount = *patch.RetryCount
	}
	if patch.RetryState != nil {
		s.RetryState = *patch.RetryState
	}
	if patch.NextAttemptAt != nil {
		s.NextAttemptAt = patch.NextAttemptAt
	}
	if patch.ClearNextAttempt {
		s.NextAttemptAt = nil
	}
	if patch.RetryMetadata != nil {
		s.RetryMetadata = patch.RetryMetadata
	}
	if patch.ClearRetryMetadata {
		s.RetryMetadata = nil
	}
	if patch.JobRunID != nil {
		s.JobRunID = *patch.JobRunID
	}
	if patch.ClearJobRunID {
		s.JobRunID = ""
	}
	if patch.Output != nil {
		s.Output = patch.Output
	}
	if patch.ErrorMessage != nil {
		s.ErrorMessage = *patch.ErrorMessage
	}
	if patch.FailureReason != nil {
		s.FailureReason = *patch.FailureReason
	}
	if patch.Metrics != nil {
		s.Metrics = patch.Metrics
	}
	if patch.Context != nil {
		s.Context = patch.Context
	}
	if patch.StartedAt != nil {
		s.StartedAt = patch.StartedAt
	}
	if patch.ClearStartedAt {
		s.StartedAt = nil
	}
	if patch.CompletedAt != nil {
		s.CompletedAt = patch.CompletedAt
	}
	if patch.ClearCompletedAt {
		s.CompletedAt = nil
	}
	if patch.ClearHeartbeat {
		s.LastHeartbeatAt = nil
	}
}

func (f *fakeStepStore) ListRunSteps(ctx context.Context, runID string) ([]workflow.WorkflowRunStep, error) {
	return nil, nil
}

func (f *fakeStepStore) FindStaleRunSteps(ctx context.Context, cutoff time.Time, limit int) ([]repository.StaleStepRef, error) {
	return nil, nil
}

// fakeJobRunner runs a job synchronously and returns a preconfigured terminal result.
type fakeJobRunner struct {
	result *jobrunner.JobRun
	err    error
	calls  int
}

func (f *fakeJobRunner) CreateJobRunForSlug(ctx context.Context, req jobrunner.CreateRequest) (*jobrunner.JobRun, error) {
	f.calls++
	return &jobrunner.JobRun{ID: "jr-1", Slug: req.Slug, Status: jobrunner.JobRunRunning}, nil
}

func (f *fakeJobRunner) ExecuteJobRun(ctx context.Context, id string) (*jobrunner.JobRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeJobRunner) CancelJobRun(ctx context.Context, id string) error { return nil }

type fakeEmitter struct{}

func (fakeEmitter) Publish(ctx context.Context, topic workflow.EventTopic, payload any) {}

var _ events.Emitter = fakeEmitter{}

type fakeAssetStore struct{}

func (fakeAssetStore) RecordStepAssets(ctx context.Context, defID, runID, stepRecordID, stepID string, as []workflow.WorkflowRunStepAsset) ([]workflow.WorkflowRunStepAsset, error) {
	return as, nil
}
func (fakeAssetStore) ClearStalePartition(ctx context.Context, defID, assetID, partitionKeyNormalized string) error {
	return nil
}
func (fakeAssetStore) MarkStalePartition(ctx context.Context, stale workflow.WorkflowAssetStalePartition) error {
	return nil
}
func (fakeAssetStore) FindProducerDefinition(ctx context.Context, assetID string) (string, bool, error) {
	return "", false, nil
}

type fakeQueue struct{}

func (fakeQueue) EnqueueRun(ctx context.Context, job queue.RunJob) error { return nil }
func (fakeQueue) ScheduleRetry(ctx context.Context, job queue.RunJob, at time.Time) error {
	return nil
}
func (fakeQueue) ScheduleAssetExpiry(ctx context.Context, jobID string, payload queue.AssetExpiryPayload, delay time.Duration) error {
	return nil
}
func (fakeQueue) CancelJob(ctx context.Context, jobID string) error { return nil }

func newTestExecutor(jobs jobrunner.Runner) (*Executor, *fakeStepStore) {
	return newTestExecutorWithServices(jobs, serviceregistry.New(nil))
}

func newTestExecutorWithServices(jobs jobrunner.Runner, services *serviceregistry.Registry, opts ...Option) (*Executor, *fakeStepStore) {
	steps := newFakeStepStore()
	mgr := assets.NewManager(fakeAssetStore{}, fakeQueue{}, fakeEmitter{}, nil)
	secrets := secretstore.New()
	return New(steps, mgr, jobs, services, secrets, fakeQueue{}, opts...), steps
}

// fakeRecovery is a RecoveryDelegate that resolves every request
// immediately to the preconfigured terminal status.
type fakeRecovery struct {
	status workflow.RecoveryRequestStatus
}

func (f *fakeRecovery) EnsureRecovery(ctx context.Context, run *workflow.WorkflowRun, def *workflow.WorkflowDefinition, step *workflow.StepDefinition, descriptor workflow.AssetRecoveryDescriptor) (*workflow.RecoveryPollState, error) {
	return &workflow.RecoveryPollState{RequestID: "req-1", AssetID: descriptor.AssetID, Status: workflow.RecoveryPending}, nil
}

func (f *fakeRecovery) PollRecovery(ctx context.Context, requestID string) (workflow.RecoveryRequestStatus, error) {
	return f.status, nil
}

func testRun() *workflow.WorkflowRun {
	return &workflow.WorkflowRun{ID: "run-1", WorkflowDefinitionID: "def-1", RunKey: "rk-1"}
}

func TestExecuteJobSucceeds(t *testing.T) {
	jobs := &fakeJobRunner{result: &jobrunner.JobRun{ID: "jr-1", Status: jobrunner.JobRunSucceeded, Result: map[string]any{"ok": true}}}
	ex, _ := newTestExecutor(jobs)

	step := &workflow.StepDefinition{Kind: workflow.StepKindJob, ID: "load", JobSlug: "load-orders", StoreResultAs: "orders"}
	run := testRun()
	rc := workflow.NewRuntimeContext([]string{step.ID})

	result, err := ex.Execute(context.Background(), run, &workflow.WorkflowDefinition{ID: "def-1"}, step, rc, 0)
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, workflow.StepSucceeded, result.StepStatus)
	require.Contains(t, result.SharedPatch, "orders")
}

func TestExecuteJobDependencyGateBlocks(t *testing.T) {
	jobs := &fakeJobRunner{}
	ex, _ := newTestExecutor(jobs)

	step := &workflow.StepDefinition{Kind: workflow.StepKindJob, ID: "b", JobSlug: "slug", DependsOn: []string{"a"}}
	run := testRun()
	rc := workflow.NewRuntimeContext([]string{"a", step.ID})

	_, err := ex.Execute(context.Background(), run, &workflow.WorkflowDefinition{ID: "def-1"}, step, rc, 0)
	require.Error(t, err)
}

func TestExecuteJobParameterResolutionFailure(t *testing.T) {
	jobs := &fakeJobRunner{}
	ex, _ := newTestExecutor(jobs)

	params, _ := json.Marshal(map[string]any{"x": "{{ steps.missing.output.value }}"})
	step := &workflow.StepDefinition{Kind: workflow.StepKindJob, ID: "a", JobSlug: "slug", Parameters: params}
	run := testRun()
	rc := workflow.NewRuntimeContext([]string{step.ID})

	result, err := ex.Execute(context.Background(), run, &workflow.WorkflowDefinition{ID: "def-1"}, step, rc, 0)
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, workflow.StepFailed, result.StepStatus)
	require.Contains(t, result.ErrorMessage, "steps.missing")
}

func TestExecuteJobFailureSchedulesRetry(t *testing.T) {
	jobs := &fakeJobRunner{result: &jobrunner.JobRun{ID: "jr-1", Status: jobrunner.JobRunFailed, ErrorMessage: "boom", FailureReason: "transient"}}
	ex, _ := newTestExecutor(jobs)

	step := &workflow.StepDefinition{Kind: workflow.StepKindJob, ID: "a", JobSlug: "slug", RetryPolicy: &workflow.RetryPolicy{MaxAttempts: 3}}
	run := testRun()
	rc := workflow.NewRuntimeContext([]string{step.ID})

	result, err := ex.Execute(context.Background(), run, &workflow.WorkflowDefinition{ID: "def-1"}, step, rc, 0)
	require.NoError(t, err)
	require.False(t, result.Completed)
	require.Equal(t, workflow.StepPending, result.StepStatus)
	require.NotNil(t, result.ScheduledRetry)
}

func TestExecuteFanoutExpandsChildren(t *testing.T) {
	jobs := &fakeJobRunner{}
	ex, _ := newTestExecutor(jobs)

	step := &workflow.StepDefinition{
		Kind:       workflow.StepKindFanout,
		ID:         "fan",
		Collection: "{{ parameters.items }}",
		Template:   &workflow.StepDefinition{Kind: workflow.StepKindJob, ID: "child", JobSlug: "process-item"},
		MaxItems:   10,
	}
	run := testRun()
	run.Parameters, _ = json.Marshal(map[string]any{"items": []any{"a", "b", "c"}})
	rc := workflow.NewRuntimeContext([]string{step.ID})

	result, err := ex.Execute(context.Background(), run, &workflow.WorkflowDefinition{ID: "def-1"}, step, rc, 0)
	require.NoError(t, err)
	require.False(t, result.Completed)
	require.NotNil(t, result.FanOut)
	require.Len(t, result.FanOut.Children, 3)
	require.Equal(t, "fan:child:1", result.FanOut.Children[0].ID)
}

func TestExecuteServiceSucceedsAndStoresResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	services := serviceregistry.New(nil)
	services.Register(serviceregistry.Service{Slug: "orders-api", BaseURL: srv.URL, Status: serviceregistry.HealthHealthy})
	ex, _ := newTestExecutorWithServices(&fakeJobRunner{}, services)

	step := &workflow.StepDefinition{
		Kind:            workflow.StepKindService,
		ID:              "fetch",
		ServiceSlug:     "orders-api",
		Request:         &workflow.ServiceRequestSpec{Method: "GET", Path: "/orders"},
		StoreResponseAs: "orderResponse",
	}
	run := testRun()
	rc := workflow.NewRuntimeContext([]string{step.ID})

	result, err := ex.Execute(context.Background(), run, &workflow.WorkflowDefinition{ID: "def-1"}, step, rc, 0)
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, workflow.StepSucceeded, result.StepStatus)
	require.Contains(t, result.SharedPatch, "orderResponse")
}

func TestExecuteServiceRetriesThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	services := serviceregistry.New(nil)
	services.Register(serviceregistry.Service{Slug: "orders-api", BaseURL: srv.URL, Status: serviceregistry.HealthHealthy})
	ex, _ := newTestExecutorWithServices(&fakeJobRunner{}, services)

	step := &workflow.StepDefinition{
		Kind:        workflow.StepKindService,
		ID:          "fetch",
		ServiceSlug: "orders-api",
		Request:     &workflow.ServiceRequestSpec{Method: "GET", Path: "/orders"},
		RetryPolicy: &workflow.RetryPolicy{MaxAttempts: 3, Strategy: workflow.RetryBackoffFixed, InitialDelayMs: 1},
	}
	run := testRun()
	rc := workflow.NewRuntimeContext([]string{step.ID})

	result, err := ex.Execute(context.Background(), run, &workflow.WorkflowDefinition{ID: "def-1"}, step, rc, 0)
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, workflow.StepSucceeded, result.StepStatus)
	require.Equal(t, 2, calls)
}

func TestExecuteServiceUnhealthyDeniesDispatch(t *testing.T) {
	services := serviceregistry.New(nil)
	services.Register(serviceregistry.Service{Slug: "orders-api", BaseURL: "http://unused.invalid", Status: serviceregistry.HealthUnreachable})
	ex, _ := newTestExecutorWithServices(&fakeJobRunner{}, services)

	step := &workflow.StepDefinition{
		Kind:        workflow.StepKindService,
		ID:          "fetch",
		ServiceSlug: "orders-api",
		Request:     &workflow.ServiceRequestSpec{Method: "GET", Path: "/orders"},
		RetryPolicy: &workflow.RetryPolicy{MaxAttempts: 1},
	}
	run := testRun()
	rc := workflow.NewRuntimeContext([]string{step.ID})

	result, err := ex.Execute(context.Background(), run, &workflow.WorkflowDefinition{ID: "def-1"}, step, rc, 0)
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, workflow.StepFailed, result.StepStatus)
}

func TestExecuteJobAssetRecoveryParksStepOnPending(t *testing.T) {
	assetCtx := map[string]any{"assetRecovery": map[string]any{"assetId": "orders-export"}}
	jobs := &fakeJobRunner{result: &jobrunner.JobRun{
		ID: "jr-1", Status: jobrunner.JobRunFailed,
		ErrorMessage: "asset missing", FailureReason: workflow.FailureReasonAssetMissing,
		Context: assetCtx,
	}}
	ex, _ := newTestExecutorWithServices(jobs, serviceregistry.New(nil), WithRecovery(&fakeRecovery{status: workflow.RecoveryPending}))

	step := &workflow.StepDefinition{Kind: workflow.StepKindJob, ID: "export", JobSlug: "export-orders"}
	run := testRun()
	rc := workflow.NewRuntimeContext([]string{step.ID})

	result, err := ex.Execute(context.Background(), run, &workflow.WorkflowDefinition{ID: "def-1"}, step, rc, 0)
	require.NoError(t, err)
	require.False(t, result.Completed)
	require.Equal(t, workflow.StepPending, result.StepStatus)
}

func TestExecuteJobAssetRecoverySucceedsThenReruns(t *testing.T) {
	assetCtx := map[string]any{"assetRecovery": map[string]any{"assetId": "orders-export"}}
	jobs := &fakeJobRunner{result: &jobrunner.JobRun{
		ID: "jr-1", Status: jobrunner.JobRunFailed,
		ErrorMessage: "asset missing", FailureReason: workflow.FailureReasonAssetMissing,
		Context: assetCtx,
	}}
	ex, stepStore := newTestExecutorWithServices(jobs, serviceregistry.New(nil), WithRecovery(&fakeRecovery{status: workflow.RecoveryPending}))

	step := &workflow.StepDefinition{Kind: workflow.StepKindJob, ID: "export", JobSlug: "export-orders"}
	run := testRun()
	rc := workflow.NewRuntimeContext([]string{step.ID})

	result, err := ex.Execute(context.Background(), run, &workflow.WorkflowDefinition{ID: "def-1"}, step, rc, 0)
	require.NoError(t, err)
	require.False(t, result.Completed)
	require.Equal(t, workflow.StepPending, result.StepStatus)

	recovered, ok := stepStore.steps[stepStore.key(run.ID, step.ID)]
	require.True(t, ok)
	require.NotEmpty(t, recovered.RetryMetadata)

	ex.Recovery = &fakeRecovery{status: workflow.RecoverySucceeded}
	jobs.result = &jobrunner.JobRun{ID: "jr-2", Status: jobrunner.JobRunSucceeded, Result: map[string]any{"ok": true}}

	second, err := ex.Execute(context.Background(), run, &workflow.WorkflowDefinition{ID: "def-1"}, step, rc, 0)
	require.NoError(t, err)
	require.True(t, second.Completed)
	require.Equal(t, workflow.StepSucceeded, second.StepStatus)
}
