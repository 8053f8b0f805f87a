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

package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/workflow-core/internal/assets"
	"github.com/tombee/workflow-core/internal/config"
	"github.com/tombee/workflow-core/internal/cronsched"
	"github.com/tombee/workflow-core/internal/defsloader"
	"github.com/tombee/workflow-core/internal/events"
	"github.com/tombee/workflow-core/internal/executor"
	"github.com/tombee/workflow-core/internal/heartbeat"
	"github.com/tombee/workflow-core/internal/jobrunner"
	"github.com/tombee/workflow-core/internal/log"
	"github.com/tombee/workflow-core/internal/observability"
	"github.com/tombee/workflow-core/internal/orchestrator"
	"github.com/tombee/workflow-core/internal/queue"
	"github.com/tombee/workflow-core/internal/recovery"
	"github.com/tombee/workflow-core/internal/repository"
	"github.com/tombee/workflow-core/internal/repository/memstore"
	"github.com/tombee/workflow-core/internal/repository/sqlitestore"
	"github.com/tombee/workflow-core/internal/secretstore"
	"github.com/tombee/workflow-core/internal/serviceregistry"
	"github.com/tombee/workflow-core/pkg/workflow"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML config file (optional, overridden by environment variables)")
		dbPath      = flag.String("db", "", "SQLite database path (overrides DatabaseURL; with neither set, the in-memory store is used)")
		metricsAddr = flag.String("metrics-addr", "", "Prometheus /metrics listen address (overrides MetricsListenAddr)")
		instanceID  = flag.String("instance-id", "", "Instance id reported to leader election")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("workflowcore %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DatabaseURL = *dbPath
	}
	if *metricsAddr != "" {
		cfg.MetricsListenAddr = *metricsAddr
	}

	logger := log.New(&log.Config{Level: cfg.LogLevel, Format: log.Format(cfg.LogFormat), Output: os.Stderr})
	slog.SetDefault(logger)

	if *instanceID == "" {
		host, _ := os.Hostname()
		*instanceID = host
	}

	repo, closeRepo, err := openRepository(cfg)
	if err != nil {
		logger.Error("open repository", "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	var advisoryDB *sql.DB
	if cfg.SchedulerAdvisoryLocks {
		advisoryDB, err = sql.Open("pgx", cfg.SchedulerAdvisoryLockDSN)
		if err != nil {
			logger.Error("open advisory-lock database", "error", err)
			os.Exit(1)
		}
		defer advisoryDB.Close()
	}

	tp, err := observability.NewTracerProvider(context.Background(), observability.TracingConfig{
		Exporter:       cfg.TraceExporter,
		Endpoint:       cfg.TraceEndpoint,
		Insecure:       cfg.TraceInsecure,
		ServiceName:    "workflowcore",
		ServiceVersion: version,
	})
	if err != nil {
		logger.Error("init tracer provider", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	q := queue.NewInline(logger)

	assetMgr := assets.NewManager(repo, q, bus, logger)
	jobs := jobrunner.NewInProcess(logger, cfg.FanoutMaxConcurrency)
	services := serviceregistry.New(&http.Client{Timeout: 30 * time.Second})
	secrets := secretstore.New(secretstore.NewEnvStore("WORKFLOW_SECRET_"))
	recoveryMgr := recovery.New(repo, repo, repo, repo, q, logger)

	exec := executor.New(repo, assetMgr, jobs, services, secrets, q,
		executor.WithRecovery(recoveryMgr),
		executor.WithFanoutLimits(cfg.FanoutMaxItems, cfg.FanoutMaxConcurrency),
		executor.WithRetryBackoff(workflow.DefaultRetryBackoff{
			BaseMs:      cfg.RetryBase.Milliseconds(),
			Factor:      cfg.RetryFactor,
			MaxMs:       cfg.RetryMax.Milliseconds(),
			JitterRatio: cfg.RetryJitterRatio,
		}),
		executor.WithAssetRecoveryPollInterval(cfg.AssetRecoveryPollInterval),
		executor.WithLogger(logger),
	)

	orch := orchestrator.New(repo, repo, repo, repo, exec, q, bus,
		orchestrator.WithDefaultConcurrency(cfg.MaxParallel),
		orchestrator.WithLogger(logger),
	)

	q.SetHandlers(func(ctx context.Context, job queue.RunJob) {
		if err := orch.RunWorkflow(ctx, job.WorkflowRunID); err != nil {
			logger.Error("run workflow", "runId", job.WorkflowRunID, "error", err)
		}
	}, assetMgr.HandleExpiry)

	hb := heartbeat.New(heartbeat.Config{
		Definitions:   repo,
		Runs:          repo,
		Steps:         repo,
		History:       repo,
		Queue:         q,
		CheckInterval: cfg.HeartbeatCheckInterval,
		Timeout:       cfg.HeartbeatTimeout,
		BatchSize:     cfg.HeartbeatCheckBatch,
		Logger:        logger,
	})

	sched := cronsched.New(cronsched.Config{
		Schedules:       repo,
		Runs:            repo,
		History:         repo,
		Queue:           q,
		Interval:        cfg.SchedulerInterval,
		BatchSize:       cfg.SchedulerBatchSize,
		MaxWindows:      cfg.SchedulerMaxWindows,
		AdvisoryLocks:   cfg.SchedulerAdvisoryLocks,
		DB:              advisoryDB,
		InstanceID:      *instanceID,
		LeaderKeepalive: cfg.SchedulerLeaderKeepalive,
		Logger:          logger,
	})

	snapshotter := observability.New(observability.Config{
		Analytics:          repo,
		Events:             bus,
		Interval:           cfg.AnalyticsSnapshotInterval,
		StaleRecoveryAfter: cfg.AnalyticsStaleRecoveryAfter,
		Logger:             logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hb.Start(ctx)
	sched.Start(ctx)
	snapshotter.Start(ctx)

	if cfg.AWSHealthCheckRegion != "" && len(cfg.AWSHealthCheckServices) > 0 {
		checker, stsClient, err := serviceregistry.NewAWSIdentityChecker(ctx, cfg.AWSHealthCheckRegion, services, cfg.AWSHealthCheckServices, cfg.AWSHealthCheckInterval, logger)
		if err != nil {
			logger.Error("init aws identity checker", "error", err)
		} else {
			go checker.Run(ctx, stsClient)
		}
	}

	var defsWatcher *defsloader.Loader
	if cfg.DefinitionsWatchDir != "" {
		defsWatcher = defsloader.New(cfg.DefinitionsWatchDir, cfg.DefinitionsWatchPattern, repo, logger)
		if err := defsWatcher.LoadAll(ctx); err != nil {
			logger.Error("load workflow definitions", "dir", cfg.DefinitionsWatchDir, "error", err)
		}
		if err := defsWatcher.Start(ctx); err != nil {
			logger.Error("watch workflow definitions", "dir", cfg.DefinitionsWatchDir, "error", err)
			defsWatcher = nil
		}
	}

	var metricsServer *http.Server
	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", "error", err)
			}
		}()
		logger.Info("metrics listening", "addr", cfg.MetricsListenAddr)
	}

	logger.Info("workflowcore started", "version", version, "database", cfg.DatabaseURL != "")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	sched.Stop()
	hb.Stop()
	snapshotter.Stop()
	if defsWatcher != nil {
		_ = defsWatcher.Stop()
	}
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if tp != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tp.Shutdown(shutdownCtx)
	}
}

// openRepository selects the SQLite-backed repository when cfg.DatabaseURL
// is set, the in-memory store otherwise, returning a close func valid in
// both cases.
func openRepository(cfg *config.Config) (repository.Repository, func(), error) {
	if cfg.DatabaseURL == "" {
		store := memstore.New()
		return store, func() { _ = store.Close() }, nil
	}

	store, err := sqlitestore.New(sqlitestore.Config{Path: cfg.DatabaseURL, WAL: true})
	if err != nil {
		return nil, func() {}, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}
