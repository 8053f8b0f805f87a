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

package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/workflow-core/internal/events"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/pkg/workflow"
)

// Config configures a Snapshotter. Interval and StaleRecoveryAfter
// normally come from config.Config's Analytics* fields.
type Config struct {
	Analytics repository.AnalyticsStore
	Events    events.Emitter

	Interval           time.Duration
	StaleRecoveryAfter time.Duration

	Logger *slog.Logger
}

// Snapshotter periodically reads repository.AnalyticsStore aggregates,
// sets the corresponding gauges, and publishes workflow.analytics.snapshot
// (§6) for any in-process subscriber. Structured the same way as
// internal/heartbeat.Monitor and internal/cronsched.Scheduler: a Config
// with zero-value defaults applied at construction, Start/Stop around a
// ticking loop.
type Snapshotter struct {
	analytics repository.AnalyticsStore
	events    events.Emitter

	interval           time.Duration
	staleRecoveryAfter time.Duration

	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// Snapshot is the workflow.analytics.snapshot event payload.
type Snapshot struct {
	TakenAt               time.Time      `json:"takenAt"`
	RunsByStatus          map[string]int `json:"runsByStatus"`
	StepsByStatus         map[string]int `json:"stepsByStatus"`
	StaleRecoveryRequests int            `json:"staleRecoveryRequests"`
}

// New constructs a Snapshotter from cfg, applying this component's
// documented defaults for any zero-valued interval/staleness field.
func New(cfg Config) *Snapshotter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	staleAfter := cfg.StaleRecoveryAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Snapshotter{
		analytics:          cfg.Analytics,
		events:             cfg.Events,
		interval:           interval,
		staleRecoveryAfter: staleAfter,
		logger:             logger.With(slog.String("component", "observability")),
		stopCh:             make(chan struct{}),
		doneCh:             make(chan struct{}),
	}
}

// Start begins the ticking snapshot loop on its own goroutine.
func (s *Snapshotter) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Snapshotter) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Snapshotter) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick reads the three aggregates, sets every gauge, and publishes one
// workflow.analytics.snapshot event.
func (s *Snapshotter) tick(ctx context.Context) {
	if s.analytics == nil {
		return
	}

	now := time.Now().UTC()
	snap := Snapshot{TakenAt: now}

	runCounts, err := s.analytics.RunCountsByStatus(ctx)
	if err != nil {
		s.logger.Error("run counts by status", "error", err)
	} else {
		snap.RunsByStatus = stringifyRunCounts(runCounts)
		for status, n := range snap.RunsByStatus {
			runsByStatusGauge.WithLabelValues(status).Set(float64(n))
		}
	}

	stepCounts, err := s.analytics.StepCountsByStatus(ctx)
	if err != nil {
		s.logger.Error("step counts by status", "error", err)
	} else {
		snap.StepsByStatus = stringifyStepCounts(stepCounts)
		for status, n := range snap.StepsByStatus {
			stepsByStatusGauge.WithLabelValues(status).Set(float64(n))
		}
	}

	staleCount, err := s.analytics.StaleRecoveryRequestCount(ctx, now.Add(-s.staleRecoveryAfter))
	if err != nil {
		s.logger.Error("stale recovery request count", "error", err)
	} else {
		snap.StaleRecoveryRequests = staleCount
		staleRecoveryRequestsGauge.Set(float64(staleCount))
	}

	if s.events != nil {
		s.events.Publish(ctx, workflow.EventAnalyticsSnapshot, snap)
	}
}

func stringifyRunCounts(counts map[workflow.RunStatus]int) map[string]int {
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	return out
}

func stringifyStepCounts(counts map[workflow.StepStatus]int) map[string]int {
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[string(status)] = n
	}
	return out
}
