//go:build integration

package e2e

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapcrawler/tapcrawler/internal/archive"
	"github.com/tapcrawler/tapcrawler/internal/coordinator"
	"github.com/tapcrawler/tapcrawler/internal/episode"
	"github.com/tapcrawler/tapcrawler/pkg/testfixtures"
)

func TestE2E_LocalRunLearnsEveryVersion(t *testing.T) {
	cfg, err := testfixtures.NewConfigBuilder(t.TempDir(), t.TempDir()).
		WithCollectors(2).
		WithTesters(1).
		WithEpisodes(4, 2).
		Build()
	require.NoError(t, err)

	s := newSession(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, s.coord.Start(ctx))

	versions, err := episode.Versions(cfg.DataDir)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)

	for _, v := range versions {
		shards, err := episode.SealedShards(cfg.DataDir, v)
		require.NoError(t, err)
		assert.Len(t, shards, 2, "testers store nothing")

		completions, err := s.ledger.Completions(v)
		require.NoError(t, err)
		assert.Len(t, completions, 2)
	}

	trainings, err := s.ledger.Trainings()
	require.NoError(t, err)
	require.Len(t, trainings, 2)
	assert.Equal(t, 2, trainings[0].Version)
	assert.Equal(t, 1, trainings[1].Version)

	runs, err := s.ledger.Runs(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, coordinator.RunStatusCompleted, runs[0].Status)

	m := s.metrics.Coordinator
	outcomes := testutil.ToFloat64(m.TrainingRuns.WithLabelValues("trained")) +
		testutil.ToFloat64(m.TrainingRuns.WithLabelValues("skipped"))
	assert.Equal(t, 2.0, outcomes)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.CompletionsTotal))
}

func TestE2E_RunArchivesTrainedVersions(t *testing.T) {
	if minioContainer == nil {
		t.Skip("Docker not available")
	}

	cfg, err := testfixtures.NewConfigBuilder(t.TempDir(), t.TempDir()).
		WithCollectors(2).
		WithEpisodes(4, 2).
		WithArchive(minioContainer.ArchiveConfig("tapcrawler-run")).
		Build()
	require.NoError(t, err)

	s := newSession(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, s.coord.Start(ctx))

	trainings, err := s.ledger.Trainings()
	require.NoError(t, err)
	require.Len(t, trainings, 2)

	for _, tr := range trainings {
		objects, err := s.archiver.List(ctx, tr.Version)
		require.NoError(t, err)
		if tr.Trained {
			assert.Len(t, objects, 8, "version %d", tr.Version)
		} else {
			assert.Empty(t, objects, "version %d", tr.Version)
		}
	}
}

func TestE2E_ArchiveRoundTrip(t *testing.T) {
	if minioContainer == nil {
		t.Skip("Docker not available")
	}
	ctx := context.Background()

	dataDir := t.TempDir()
	path, err := testfixtures.NewShardBuilder(dataDir).WithVersion(3).WithAgent(1).WithRewards(1, 0, 1).Build()
	require.NoError(t, err)

	cfg := minioContainer.ArchiveConfig("tapcrawler-roundtrip")
	a := newArchiver(t, cfg)

	n, err := a.ArchiveVersion(ctx, dataDir, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	objects, err := a.List(ctx, 3)
	require.NoError(t, err)
	require.Len(t, objects, 4)

	client, err := archive.NewMinIO(cfg)
	require.NoError(t, err)
	obj, err := client.GetObject(ctx, cfg.Bucket, "episodes/3/1.rewards.zst", minio.GetObjectOptions{})
	require.NoError(t, err)
	defer obj.Close()

	got, err := archive.Decompress(obj)
	require.NoError(t, err)

	want, err := os.ReadFile(path + episode.RewardsExt)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
