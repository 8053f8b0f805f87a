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

// Package jobrunner declares the external job-runner port a "job"-kind
// step dispatches through: createJobRunForSlug followed by executeJobRun
// awaiting a terminal JobRun (§6's job runner interface).
package jobrunner

import (
	"context"
	"time"
)

// JobRunStatus is JobRun's lifecycle state.
type JobRunStatus string

const (
	JobRunPending   JobRunStatus = "pending"
	JobRunRunning   JobRunStatus = "running"
	JobRunSucceeded JobRunStatus = "succeeded"
	JobRunFailed    JobRunStatus = "failed"
	JobRunCanceled  JobRunStatus = "canceled"
	JobRunExpired   JobRunStatus = "expired"
)

// Terminal reports whether status is one the step executor stops waiting
// on.
func (s JobRunStatus) Terminal() bool {
	switch s {
	case JobRunSucceeded, JobRunFailed, JobRunCanceled, JobRunExpired:
		return true
	default:
		return false
	}
}

// BundleOverride pins the job run to a specific bundle artifact rather
// than the slug's latest, mirroring workflow.BundleOverride.
type BundleOverride struct {
	Slug       string
	Version    string
	ExportName string
}

// CreateRequest is the input to CreateJobRunForSlug.
type CreateRequest struct {
	Slug        string
	Parameters  map[string]any
	TimeoutMs   int64
	MaxAttempts int
	Context     map[string]any
	Bundle      *BundleOverride
}

// JobRun is the external job runner's record for one execution.
type JobRun struct {
	ID            string
	Slug          string
	Status        JobRunStatus
	Result        map[string]any
	ErrorMessage  string
	FailureReason string
	LogsURL       string
	Metrics       map[string]any
	Context       map[string]any
	Attempt       int
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Runner is the port a job-kind step's executor dispatches through.
type Runner interface {
	// CreateJobRunForSlug submits a new job run, returning it in
	// pending or running status.
	CreateJobRunForSlug(ctx context.Context, req CreateRequest) (*JobRun, error)
	// ExecuteJobRun blocks until the identified job run reaches a
	// terminal status or ctx is canceled, returning the terminal
	// record.
	ExecuteJobRun(ctx context.Context, id string) (*JobRun, error)
	// CancelJobRun asks the runner to cancel an in-flight job run; a
	// no-op if it already reached a terminal status.
	CancelJobRun(ctx context.Context, id string) error
}
