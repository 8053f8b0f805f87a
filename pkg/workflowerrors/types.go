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

// Package workflowerrors defines the error kinds shared across the
// repository port, step executors, and background loops (§7).
package workflowerrors

import (
	"fmt"
	"time"
)

// ValidationError represents malformed workflow input: a definition that
// fails DAG validation, an unresolved template reference, a malformed
// fan-out collection, and similar user-caused failures.
type ValidationError struct {
	Field      string
	Message    string
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) ErrorType() string { return "validation" }
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a missing repository row: a run, step,
// definition, schedule, or recovery request that does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) ErrorType() string { return "not_found" }
func (e *NotFoundError) IsRetryable() bool { return false }

// ConflictError represents a unique-constraint violation, principally a
// collision on (workflowDefinitionId, runKeyNormalized) or
// (assetId, partitionKeyNormalized). Callers distinguish run-key
// conflicts from asset-recovery conflicts via the Resource field.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on key %q", e.Resource, e.Key)
}

func (e *ConflictError) ErrorType() string { return "conflict" }
func (e *ConflictError) IsRetryable() bool { return false }

// IsRunKeyConflict reports whether err is a run-key collision, the
// condition CreateRun (§4.1) returns when an active run already holds the
// key and the cron scheduler's materializeSchedule (§4.8) handles by
// re-enqueuing the existing run.
func IsRunKeyConflict(err error) bool {
	var ce *ConflictError
	if As(err, &ce) {
		return ce.Resource == "run_key"
	}
	return false
}

// TransientError represents a recoverable infrastructure failure: a
// dropped connection, a queue publish timeout. Callers may retry.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error     { return e.Cause }
func (e *TransientError) ErrorType() string { return "transient" }
func (e *TransientError) IsRetryable() bool { return true }

// FatalError represents an unrecoverable failure: a schema mismatch, a
// programming invariant violated. The current loop iteration aborts and
// reports the error; the process continues with the next iteration (§7).
type FatalError struct {
	Op    string
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error during %s: %v", e.Op, e.Cause)
}

func (e *FatalError) Unwrap() error     { return e.Cause }
func (e *FatalError) ErrorType() string { return "fatal" }
func (e *FatalError) IsRetryable() bool { return false }

// TimeoutError represents an operation that exceeded its deadline: a
// service invocation, a heartbeat window, a job-run wait.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Unwrap() error     { return e.Cause }
func (e *TimeoutError) ErrorType() string { return "timeout" }
func (e *TimeoutError) IsRetryable() bool { return true }

// DependencyBlockedError is the internal scheduler invariant violation
// described in §4.4's dependency gate: a step was selected for execution
// before all of its dependsOn ids resolved to a succeeded predecessor.
// Always a scheduler bug, never a user error; surfaces as a run failure.
type DependencyBlockedError struct {
	StepID  string
	Missing []string
}

func (e *DependencyBlockedError) Error() string {
	return fmt.Sprintf("step %q scheduled before dependencies %v succeeded", e.StepID, e.Missing)
}

func (e *DependencyBlockedError) ErrorType() string { return "dependency_blocked" }
func (e *DependencyBlockedError) IsRetryable() bool { return false }
