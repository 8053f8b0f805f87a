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

// Package observability carries the local-only metrics surface of the
// orchestration core (§6's "no remote shipping" non-goal): package-level
// Prometheus collectors the rest of the tree records against directly,
// plus a periodic Snapshotter that turns repository.AnalyticsStore
// aggregates into gauges and a workflow.analytics.snapshot event. Grounded
// on the teacher's own metrics packages (internal/controller/filewatcher/metrics.go,
// internal/controller/metrics/persistence.go): package-level promauto
// collectors and plain recording functions, no DI container.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowcore_run_status_total",
			Help: "Total workflow runs settled, by terminal status",
		},
		[]string{"status"},
	)

	stepStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowcore_step_status_total",
			Help: "Total workflow run steps settled, by terminal status",
		},
		[]string{"status"},
	)

	heartbeatStaleStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowcore_heartbeat_stale_steps_total",
			Help: "Total steps reclaimed by the heartbeat monitor, by outcome (retried, failed)",
		},
		[]string{"outcome"},
	)

	scheduleWindowsMaterializedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflowcore_schedule_windows_materialized_total",
			Help: "Total cron schedule windows materialized into runs",
		},
	)

	scheduleSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowcore_schedule_skipped_total",
			Help: "Total schedule ticks skipped without materializing, by reason",
		},
		[]string{"reason"},
	)

	runsByStatusGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workflowcore_runs_by_status",
			Help: "Current workflow run count, by status (from the last analytics snapshot)",
		},
		[]string{"status"},
	)

	stepsByStatusGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workflowcore_steps_by_status",
			Help: "Current workflow run step count, by status (from the last analytics snapshot)",
		},
		[]string{"status"},
	)

	staleRecoveryRequestsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflowcore_stale_recovery_requests",
			Help: "Non-terminal asset recovery requests with no recent attempt (from the last analytics snapshot)",
		},
	)
)

// RecordRunStatus increments the run-status counter. Called from the
// orchestrator's commit path once a run reaches a terminal status.
func RecordRunStatus(status string) {
	runStatusTotal.WithLabelValues(status).Inc()
}

// RecordStepStatus increments the step-status counter. Called wherever a
// step is settled to a terminal status.
func RecordStepStatus(status string) {
	stepStatusTotal.WithLabelValues(status).Inc()
}

// RecordHeartbeatReclaim increments the heartbeat-reclaim counter.
// outcome is "retried" or "failed".
func RecordHeartbeatReclaim(outcome string) {
	heartbeatStaleStepsTotal.WithLabelValues(outcome).Inc()
}

// RecordScheduleWindowMaterialized increments the materialized-window
// counter. Called once per run the cron scheduler creates or reuses.
func RecordScheduleWindowMaterialized() {
	scheduleWindowsMaterializedTotal.Inc()
}

// RecordScheduleSkipped increments the schedule-skip counter. reason is a
// short label such as "ambiguous_partitioning" or "run_key_conflict".
func RecordScheduleSkipped(reason string) {
	scheduleSkippedTotal.WithLabelValues(reason).Inc()
}
