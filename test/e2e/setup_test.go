//go:build integration

// Package e2e provides end-to-end tests running full tapcrawler sessions
// against simulated devices.
package e2e

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tapcrawler/tapcrawler/internal/archive"
	"github.com/tapcrawler/tapcrawler/internal/config"
	"github.com/tapcrawler/tapcrawler/internal/coordinator"
	"github.com/tapcrawler/tapcrawler/internal/environment"
	"github.com/tapcrawler/tapcrawler/internal/model"
	"github.com/tapcrawler/tapcrawler/internal/process"
	"github.com/tapcrawler/tapcrawler/internal/worker"
	"github.com/tapcrawler/tapcrawler/pkg/metrics"
	"github.com/tapcrawler/tapcrawler/pkg/testutil"
)

// minioContainer is shared by archive tests; nil when Docker is unavailable.
var minioContainer *testutil.MinioContainer

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)

	if testutil.IsDockerAvailable() {
		c, err := testutil.NewMinioContainer(ctx, testutil.DefaultMinioConfig())
		if err != nil {
			fmt.Printf("Failed to start minio: %v\n", err)
			cancel()
			os.Exit(1)
		}
		minioContainer = c
	} else {
		fmt.Println("Docker not available, skipping archive tests")
	}

	code := m.Run()

	if minioContainer != nil {
		if err := minioContainer.Terminate(ctx); err != nil {
			fmt.Printf("Failed to terminate minio: %v\n", err)
		}
	}
	cancel()
	os.Exit(code)
}

// session is one coordinator run with in-process workers.
type session struct {
	cfg      *config.Config
	ledger   *coordinator.Ledger
	metrics  *metrics.Metrics
	coord    *coordinator.Coordinator
	archiver *archive.Archiver
}

func newSession(t *testing.T, cfg *config.Config) *session {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.InfoLevel)

	ledger, err := coordinator.OpenLedger(cfg.StateDir)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	s := &session{cfg: cfg, ledger: ledger, metrics: metrics.NewMetrics()}

	var archiver coordinator.Archiver
	if cfg.Archive.Enabled {
		s.archiver = newArchiver(t, cfg.Archive)
		archiver = s.archiver
	}

	factory := worker.NewFactory(cfg, logger, s.metrics.Collector, environment.WithPollInterval(time.Millisecond))
	spawn := func(spec config.AgentSpec, firstVersion int, parent process.Sender) process.Process {
		name := fmt.Sprintf("%s-%d", spec.Role, spec.ID)
		return process.NewLocal(name, cfg.Process.QueueSize, parent, factory.Body(spec, firstVersion))
	}

	learnerModel := model.NewGridModel(cfg.Model.PredictionShape, cfg.Model.ActionTypes,
		model.WithRewards(cfg.Environment.PosReward, cfg.Environment.NegReward))
	s.coord, err = coordinator.New(coordinator.Options{
		Config:   cfg,
		Spawn:    spawn,
		Model:    learnerModel,
		Ledger:   ledger,
		Archiver: archiver,
		Metrics:  s.metrics.Coordinator,
		Logger:   logger,
		RunID:    t.Name(),
	})
	require.NoError(t, err)
	return s
}

func newArchiver(t *testing.T, cfg config.ArchiveConfig) *archive.Archiver {
	t.Helper()
	client, err := archive.NewMinIO(cfg)
	require.NoError(t, err)
	a := archive.New(client, cfg, zerolog.Nop())
	require.NoError(t, a.EnsureBucket(context.Background()))
	return a
}
