package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tapcrawler/tapcrawler/internal/archive"
	"github.com/tapcrawler/tapcrawler/internal/config"
	"github.com/tapcrawler/tapcrawler/internal/coordinator"
	"github.com/tapcrawler/tapcrawler/internal/model"
	"github.com/tapcrawler/tapcrawler/internal/process"
	"github.com/tapcrawler/tapcrawler/internal/worker"
	"github.com/tapcrawler/tapcrawler/pkg/health"
	"github.com/tapcrawler/tapcrawler/pkg/log"
	"github.com/tapcrawler/tapcrawler/pkg/metrics"
	"github.com/tapcrawler/tapcrawler/pkg/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the coordinator, its agents and the learner",
	Long: `Start a training run. One agent is spawned per configured collector and
tester; the learner trains a new model version each time every collector
sealed its shard for the current version.

The run stops when all agents finish or on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runCoordinator(cmd.Context(), cfg)
	},
}

func runCoordinator(parent context.Context, cfg *config.Config) error {
	logger := log.New(cfg.Log.Level, cfg.Log.Format)
	runID := uuid.NewString()
	logger = logger.With().Str("run_id", runID).Logger()

	logger.Info().
		Str("version", version).
		Str("data_dir", cfg.DataDir).
		Str("process_type", cfg.Process.Type).
		Int("collectors", cfg.CollectorCount()).
		Msg("Starting tapcrawler run")

	tracer, err := initTracer(cfg, logger)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()

	ledger, err := coordinator.OpenLedger(cfg.StateDir)
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextWithRunID(ctx, runID)

	var archiver coordinator.Archiver
	if cfg.Archive.Enabled {
		client, err := archive.NewMinIO(cfg.Archive)
		if err != nil {
			return err
		}
		a := archive.New(client, cfg.Archive, log.Component(logger, "archive"))
		if err := a.EnsureBucket(ctx); err != nil {
			return err
		}
		archiver = a
		logger.Info().Str("bucket", cfg.Archive.Bucket).Msg("Archiving trained versions")
	}

	spawn, err := newSpawner(cfg, logger, m, runID)
	if err != nil {
		return err
	}

	learnerModel := model.NewGridModel(cfg.Model.PredictionShape, cfg.Model.ActionTypes,
		model.WithRewards(cfg.Environment.PosReward, cfg.Environment.NegReward))
	coord, err := coordinator.New(coordinator.Options{
		Config:   cfg,
		Spawn:    spawn,
		Model:    learnerModel,
		Ledger:   ledger,
		Archiver: archiver,
		Metrics:  m.Coordinator,
		Logger:   log.Component(logger, "coordinator"),
		RunID:    runID,
	})
	if err != nil {
		return err
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.Handle("/healthz", health.Handler(health.NewWorkersCheck(coord), ledger))
		srv = serveHTTP(cfg.Metrics.Port, mux, logger)
	}

	runErr := coord.Start(ctx)

	logger.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error shutting down metrics server")
		}
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down tracer")
	}

	if runErr != nil {
		return runErr
	}
	logger.Info().Msg("Run finished")
	return nil
}

// newSpawner returns how agents are started for the configured process type.
func newSpawner(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics, runID string) (coordinator.Spawner, error) {
	switch cfg.Process.Type {
	case "exec":
		binary, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		return func(spec config.AgentSpec, firstVersion int, parent process.Sender) process.Process {
			args := []string{
				"worker",
				"--id", strconv.Itoa(spec.ID),
				"--first-version", strconv.Itoa(firstVersion),
				"--run-id", runID,
			}
			if configFile != "" {
				args = append(args, "--config", configFile)
			}
			if cfg.Metrics.Enabled {
				args = append(args, "--metrics-port", strconv.Itoa(cfg.Metrics.Port+1+spec.ID))
			}
			return process.NewExec(processName(spec), process.ExecOptions{
				Binary:          binary,
				Args:            args,
				QueueSize:       cfg.Process.QueueSize,
				ShutdownTimeout: cfg.Process.ShutdownTimeout,
			}, parent, log.Component(logger, "exec"))
		}, nil
	default:
		factory := worker.NewFactory(cfg, log.Component(logger, "worker"), m.Collector)
		return func(spec config.AgentSpec, firstVersion int, parent process.Sender) process.Process {
			return process.NewLocal(processName(spec), cfg.Process.QueueSize, parent, factory.Body(spec, firstVersion))
		}, nil
	}
}

func processName(spec config.AgentSpec) string {
	return fmt.Sprintf("%s-%d", spec.Role, spec.ID)
}

func initTracer(cfg *config.Config, logger zerolog.Logger) (*tracing.Tracer, error) {
	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "tapcrawler",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRate:     cfg.Tracing.SampleRate,
		Environment:    cfg.Tracing.Environment,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if cfg.Tracing.Enabled {
		logger.Info().Str("endpoint", cfg.Tracing.Endpoint).Msg("Tracing enabled")
	}
	return tracer, nil
}

// serveHTTP starts handler on port in the background.
func serveHTTP(port int, handler http.Handler, logger zerolog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Int("port", port).Msg("Starting metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return srv
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
