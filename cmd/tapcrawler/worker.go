package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tapcrawler/tapcrawler/internal/config"
	"github.com/tapcrawler/tapcrawler/internal/process"
	"github.com/tapcrawler/tapcrawler/internal/worker"
	"github.com/tapcrawler/tapcrawler/pkg/log"
	"github.com/tapcrawler/tapcrawler/pkg/metrics"
)

var (
	workerID           int
	workerFirstVersion int
	workerRunID        string
	workerMetricsPort  int
)

// workerCmd is started by "run" when process.type is exec. Messages from the
// coordinator arrive on stdin and replies are written to stdout.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single agent behind stdin/stdout",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runWorker(cmd.Context(), cfg)
	},
}

func runWorker(parent context.Context, cfg *config.Config) error {
	spec, err := findAgent(cfg, workerID)
	if err != nil {
		return err
	}

	logger := log.New(cfg.Log.Level, cfg.Log.Format).With().
		Str("run_id", workerRunID).
		Int("agent_id", spec.ID).
		Logger()

	// SIGTERM is how the coordinator stops us.
	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracer, err := initTracer(cfg, logger)
	if err != nil {
		return err
	}

	m := metrics.NewWorkerMetrics()
	var srv *http.Server
	if workerMetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv = serveHTTP(workerMetricsPort, mux, logger)
	}

	child := process.NewChild(os.Stdin, os.Stdout, cfg.Process.QueueSize)
	go func() {
		// The coordinator closing stdin means shut down.
		if err := child.Serve(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to read from coordinator")
		}
		cancel()
	}()

	factory := worker.NewFactory(cfg, log.Component(logger, "worker"), m.Collector)
	runErr := factory.Body(spec, workerFirstVersion)(ctx, child.Inbox(), child)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error shutting down metrics server")
		}
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down tracer")
	}
	return runErr
}

func findAgent(cfg *config.Config, id int) (config.AgentSpec, error) {
	for _, a := range cfg.Agents() {
		if a.ID == id {
			return a, nil
		}
	}
	return config.AgentSpec{}, fmt.Errorf("no agent with id %d", id)
}

func init() {
	workerCmd.Flags().IntVar(&workerID, "id", 0, "Agent ID")
	workerCmd.Flags().IntVar(&workerFirstVersion, "first-version", 1, "First version to write shards for")
	workerCmd.Flags().StringVar(&workerRunID, "run-id", "", "Coordinator run ID")
	workerCmd.Flags().IntVar(&workerMetricsPort, "metrics-port", 0, "Serve worker metrics on this port (0 disables)")
}
