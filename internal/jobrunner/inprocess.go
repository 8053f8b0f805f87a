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

package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler executes one job slug's body in-process, returning the result
// payload or an error. FailureReason lets the handler classify its own
// failure (e.g. "asset_missing") the way a real job backend's webhook
// callback would.
type Handler func(ctx context.Context, parameters map[string]any) (result map[string]any, failureReason string, err error)

// InProcess is a Runner that executes every job slug as a registered Go
// function on its own goroutine, bounded by a semaphore. It is the
// embedded-deployment counterpart to a real external job backend,
// following the same acquire-semaphore-then-run-on-goroutine shape the
// teacher's workflow runner uses for step dispatch.
type InProcess struct {
	logger    *slog.Logger
	semaphore chan struct{}

	mu       sync.Mutex
	handlers map[string]Handler
	runs     map[string]*jobRunState
}

type jobRunState struct {
	run    JobRun
	done   chan struct{}
	cancel context.CancelFunc
}

// NewInProcess constructs an InProcess runner with the given maximum
// concurrent job executions.
func NewInProcess(logger *slog.Logger, maxConcurrent int) *InProcess {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &InProcess{
		logger:    logger.With(slog.String("component", "jobrunner.inprocess")),
		semaphore: make(chan struct{}, maxConcurrent),
		handlers:  make(map[string]Handler),
		runs:      make(map[string]*jobRunState),
	}
}

// RegisterHandler binds a slug to the function that executes it.
func (r *InProcess) RegisterHandler(slug string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[slug] = handler
}

// CreateJobRunForSlug implements Runner.
func (r *InProcess) CreateJobRunForSlug(ctx context.Context, req CreateRequest) (*JobRun, error) {
	r.mu.Lock()
	handler, ok := r.handlers[req.Slug]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("jobrunner: no handler registered for slug %q", req.Slug)
	}

	id := "jobrun-" + uuid.NewString()
	now := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	state := &jobRunState{
		run: JobRun{
			ID:        id,
			Slug:      req.Slug,
			Status:    JobRunPending,
			Context:   req.Context,
			Attempt:   1,
			StartedAt: &now,
		},
		done:   make(chan struct{}),
		cancel: cancel,
	}

	r.mu.Lock()
	r.runs[id] = state
	r.mu.Unlock()

	go r.run(runCtx, state, handler, req)

	out := state.run
	return &out, nil
}

func (r *InProcess) run(parent context.Context, state *jobRunState, handler Handler, req CreateRequest) {
	defer close(state.done)

	select {
	case r.semaphore <- struct{}{}:
		defer func() { <-r.semaphore }()
	case <-parent.Done():
		r.finish(state, JobRunCanceled, nil, "", "context canceled before dispatch")
		return
	}

	r.mu.Lock()
	state.run.Status = JobRunRunning
	r.mu.Unlock()

	ctx := parent
	var cancel context.CancelFunc
	if req.TimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(parent, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result, failureReason, err := handler(ctx, req.Parameters)
	if ctx.Err() != nil {
		status, reason := JobRunCanceled, "canceled"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			status, reason = JobRunExpired, "timeout"
		}
		r.finish(state, status, nil, reason, ctx.Err().Error())
		return
	}
	if err != nil {
		r.finish(state, JobRunFailed, nil, failureReason, err.Error())
		return
	}
	r.finish(state, JobRunSucceeded, result, "", "")
}

func (r *InProcess) finish(state *jobRunState, status JobRunStatus, result map[string]any, failureReason, errMsg string) {
	now := time.Now()
	r.mu.Lock()
	state.run.Status = status
	state.run.Result = result
	state.run.FailureReason = failureReason
	state.run.ErrorMessage = errMsg
	state.run.CompletedAt = &now
	r.mu.Unlock()
}

// ExecuteJobRun implements Runner.
func (r *InProcess) ExecuteJobRun(ctx context.Context, id string) (*JobRun, error) {
	r.mu.Lock()
	state, ok := r.runs[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("jobrunner: job run %q not found", id)
	}

	select {
	case <-state.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	out := state.run
	r.mu.Unlock()
	return &out, nil
}

// CancelJobRun implements Runner. It cancels the run's context; the
// handler observes ctx.Done() cooperatively and run() classifies the
// resulting terminal status as canceled.
func (r *InProcess) CancelJobRun(ctx context.Context, id string) error {
	r.mu.Lock()
	state, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("jobrunner: job run %q not found", id)
	}
	terminal := state.run.Status.Terminal()
	cancel := state.cancel
	r.mu.Unlock()

	if terminal {
		return nil
	}
	cancel()
	return nil
}

var _ Runner = (*InProcess)(nil)
