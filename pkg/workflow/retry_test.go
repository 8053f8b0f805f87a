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

package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCalculateRetryDelayFixed(t *testing.T) {
	policy := &RetryPolicy{Strategy: RetryBackoffFixed, InitialDelayMs: 2000, MaxDelayMs: 5000}
	require.Equal(t, 2*time.Second, CalculateRetryDelay(2, policy))
}

func TestCalculateRetryDelayExponentialDoubles(t *testing.T) {
	policy := &RetryPolicy{Strategy: RetryBackoffExponential, InitialDelayMs: 1000, MaxDelayMs: 60_000}
	require.Equal(t, 1*time.Second, CalculateRetryDelay(2, policy))
	require.Equal(t, 2*time.Second, CalculateRetryDelay(3, policy))
	require.Equal(t, 4*time.Second, CalculateRetryDelay(4, policy))
}

func TestCalculateRetryDelayClampsToMax(t *testing.T) {
	policy := &RetryPolicy{Strategy: RetryBackoffExponential, InitialDelayMs: 1000, MaxDelayMs: 3000}
	require.Equal(t, 3*time.Second, CalculateRetryDelay(10, policy))
}

func TestCalculateRetryDelayNoneIsZero(t *testing.T) {
	require.Equal(t, time.Duration(0), CalculateRetryDelay(2, &RetryPolicy{Strategy: RetryBackoffNone}))
	require.Equal(t, time.Duration(0), CalculateRetryDelay(2, nil))
}

func TestComputeWorkflowRetryTimestampFallsBackToJitteredBackoff(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fallback := StandardRetryBackoff()
	fallback.JitterRatio = 0

	ts := ComputeWorkflowRetryTimestamp(now, 2, nil, fallback)
	require.Equal(t, now.Add(10*time.Second), ts)

	ts = ComputeWorkflowRetryTimestamp(now, 3, nil, fallback)
	require.Equal(t, now.Add(20*time.Second), ts)
}

func TestRetryBudgetExhausted(t *testing.T) {
	require.False(t, RetryBudgetExhausted(0, 3))
	require.False(t, RetryBudgetExhausted(1, 3))
	require.True(t, RetryBudgetExhausted(2, 3))
	require.False(t, RetryBudgetExhausted(100, 0))
}
