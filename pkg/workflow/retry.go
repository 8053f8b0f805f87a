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
	"math"
	"math/rand"
	"time"
)

// DefaultRetryBackoff carries the fallback constants named in §4.4/§5
// (WORKFLOW_RETRY_BASE_MS=5000, factor=2, max=1800000, jitterRatio=0.2).
// Components construct this from internal/config rather than hard-coding
// it; StandardRetryBackoff returns these defaults, so tests can use it
// directly. The zero value has BaseMs=0 and so yields a zero delay.
type DefaultRetryBackoff struct {
	BaseMs      int64
	Factor      float64
	MaxMs       int64
	JitterRatio float64
}

// StandardRetryBackoff returns the §4.4 fallback constants.
func StandardRetryBackoff() DefaultRetryBackoff {
	return DefaultRetryBackoff{BaseMs: 5000, Factor: 2, MaxMs: 1_800_000, JitterRatio: 0.2}
}

// CalculateRetryDelay implements the per-attempt backoff a retry policy
// describes (§4.4 "Retry semantics" and the service step's in-loop
// backoff). attempt is 1-based: attempt 2 is the delay before the second
// try. A nil policy or RetryBackoffNone strategy yields zero, signalling
// the caller should fall back to exponential jittered backoff.
func CalculateRetryDelay(attempt int, policy *RetryPolicy) time.Duration {
	if policy == nil || attempt < 1 {
		return 0
	}
	switch policy.Strategy {
	case RetryBackoffFixed:
		return clampDelay(policy.InitialDelayMs, policy.MaxDelayMs)
	case RetryBackoffExponential:
		base := policy.InitialDelayMs
		if base <= 0 {
			base = 1000
		}
		delayMs := float64(base) * math.Pow(2, float64(attempt-2))
		return clampDelay(int64(delayMs), policy.MaxDelayMs)
	case RetryBackoffNone, "":
		return 0
	default:
		return 0
	}
}

func clampDelay(delayMs, maxMs int64) time.Duration {
	if delayMs < 0 {
		delayMs = 0
	}
	if maxMs > 0 && delayMs > maxMs {
		delayMs = maxMs
	}
	return time.Duration(delayMs) * time.Millisecond
}

// ComputeWorkflowRetryTimestamp returns the instant a step's next attempt
// should run: now plus the policy's own delay for nextAttempt, or, when
// that delay is zero (no policy, or RetryBackoffNone), exponential
// jittered backoff seeded by fallback. Matches §4.4's
// computeWorkflowRetryTimestamp / "Retry semantics".
func ComputeWorkflowRetryTimestamp(now time.Time, nextAttempt int, policy *RetryPolicy, fallback DefaultRetryBackoff) time.Time {
	delay := CalculateRetryDelay(nextAttempt, policy)
	if delay <= 0 {
		delay = exponentialJitteredBackoff(nextAttempt, fallback)
	}
	return now.Add(delay)
}

// exponentialJitteredBackoff is the fallback used when a step has no
// explicit retry delay: baseMs * factor^(attempt-1), clamped to maxMs,
// then jittered by +/- jitterRatio.
func exponentialJitteredBackoff(attempt int, cfg DefaultRetryBackoff) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delayMs := float64(cfg.BaseMs) * math.Pow(cfg.Factor, float64(attempt-1))
	if cfg.MaxMs > 0 && delayMs > float64(cfg.MaxMs) {
		delayMs = float64(cfg.MaxMs)
	}
	if cfg.JitterRatio > 0 {
		jitter := (rand.Float64()*2 - 1) * cfg.JitterRatio
		delayMs += delayMs * jitter
	}
	if delayMs < 0 {
		delayMs = 0
	}
	return time.Duration(delayMs) * time.Millisecond
}

// RetryBudgetExhausted reports whether a step has no attempts remaining,
// per the heartbeat monitor's "retryCount+1 < maxAttempts" check and the
// service step's in-loop attempt bound. A nil or non-positive maxAttempts
// means unbounded.
func RetryBudgetExhausted(retryCount, maxAttempts int) bool {
	if maxAttempts <= 0 {
		return false
	}
	return retryCount+1 >= maxAttempts
}
