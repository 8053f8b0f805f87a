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

package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInlineEnqueueRunDispatches(t *testing.T) {
	q := NewInline(testLogger())
	defer q.Close()

	var mu sync.Mutex
	var got RunJob
	done := make(chan struct{})
	q.SetHandlers(func(ctx context.Context, job RunJob) {
		mu.Lock()
		got = job
		mu.Unlock()
		close(done)
	}, nil)

	job := RunJob{WorkflowRunID: "run-1", RunKey: "key-1"}
	require.NoError(t, q.EnqueueRun(context.Background(), job))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for run job dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, job, got)
}

func TestInlineScheduleRetryDelaysDispatch(t *testing.T) {
	q := NewInline(testLogger())
	defer q.Close()

	fired := make(chan time.Time, 1)
	q.SetHandlers(func(ctx context.Context, job RunJob) {
		fired <- time.Now()
	}, nil)

	start := time.Now()
	runAt := start.Add(80 * time.Millisecond)
	require.NoError(t, q.ScheduleRetry(context.Background(), RunJob{WorkflowRunID: "run-1"}, runAt))

	select {
	case firedAt := <-fired:
		assert.GreaterOrEqual(t, firedAt.Sub(start), 60*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for scheduled retry")
	}
}

func TestInlineReEnqueueSameJobIDIsIdempotent(t *testing.T) {
	q := NewInline(testLogger())
	defer q.Close()

	var count int
	var mu sync.Mutex
	q.SetHandlers(func(ctx context.Context, job RunJob) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	job := RunJob{WorkflowRunID: "run-1"}
	runAt := time.Now().Add(100 * time.Millisecond)
	require.NoError(t, q.ScheduleRetry(context.Background(), job, runAt))
	// Re-scheduling at a later time than the pending job is a no-op: the
	// earlier timer should still win.
	require.NoError(t, q.ScheduleRetry(context.Background(), job, runAt.Add(500*time.Millisecond)))

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestInlineCancelJobPreventsDispatch(t *testing.T) {
	q := NewInline(testLogger())
	defer q.Close()

	var mu sync.Mutex
	fired := false
	q.SetHandlers(func(ctx context.Context, job RunJob) {
		mu.Lock()
		fired = true
		mu.Unlock()
	}, nil)

	job := RunJob{WorkflowRunID: "run-1"}
	require.NoError(t, q.ScheduleRetry(context.Background(), job, time.Now().Add(50*time.Millisecond)))
	require.NoError(t, q.CancelJob(context.Background(), runJobID(job)))

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.False(t, fired)
}

func TestInlineScheduleAssetExpiryIdempotentByJobID(t *testing.T) {
	q := NewInline(testLogger())
	defer q.Close()

	var mu sync.Mutex
	var payloads []AssetExpiryPayload
	q.SetHandlers(nil, func(ctx context.Context, payload AssetExpiryPayload) {
		mu.Lock()
		payloads = append(payloads, payload)
		mu.Unlock()
	})

	payload := AssetExpiryPayload{AssetKey: "asset-1", Reason: "ttl"}
	jobID := "ttl:asset-1"
	require.NoError(t, q.ScheduleAssetExpiry(context.Background(), jobID, payload, 60*time.Millisecond))
	require.NoError(t, q.ScheduleAssetExpiry(context.Background(), jobID, payload, 200*time.Millisecond))

	time.Sleep(250 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, payloads, 1)
}

func TestInlineMissingHandlerDoesNotPanic(t *testing.T) {
	q := NewInline(testLogger())
	defer q.Close()

	require.NoError(t, q.EnqueueRun(context.Background(), RunJob{WorkflowRunID: "run-1"}))
	time.Sleep(50 * time.Millisecond)
}

var _ Queue = (*Inline)(nil)
