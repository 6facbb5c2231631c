package learner

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tapcrawler/tapcrawler/internal/assembler"
	"github.com/tapcrawler/tapcrawler/internal/config"
	"github.com/tapcrawler/tapcrawler/internal/model"
	"github.com/tapcrawler/tapcrawler/pkg/testfixtures"
)

func writeShard(t *testing.T, dir string, version, agentID int, rewards []int64) {
	t.Helper()
	_, err := testfixtures.NewShardBuilder(dir).
		WithVersion(version).
		WithAgent(agentID).
		WithRewards(rewards...).
		Build()
	require.NoError(t, err)
}

func testLearnerConfig() config.LearnerConfig {
	return config.LearnerConfig{BatchSize: 2, EpochsPerVersion: 1, Shuffle: true, CorrectDistributions: true}
}

func TestLearn_TrainsOnVersion(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, 1, 0, []int64{1, 0, 0, 0})

	m := model.NewGridModel([2]int{1, 2}, 1)
	l := New(3, dir, testLearnerConfig(), m, 1, zerolog.Nop())

	result, err := l.Learn(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, result.Trained)
	assert.Equal(t, 4, result.TotalSize)
	assert.Equal(t, 6, result.TrainingSize)
	assert.Equal(t, 3, result.Steps)

	trials := l.Weights()["trials"]
	var total float64
	for i := 0; i < trials.Len(); i++ {
		total += trials.At(i)
	}
	assert.Equal(t, 6.0, total, "one pass over the rebalanced set")
}

func TestLearn_SkipsSingleClassVersion(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, 1, 0, []int64{0, 0, 0})

	l := New(3, dir, testLearnerConfig(), model.NewGridModel([2]int{1, 2}, 1), 1, zerolog.Nop())
	result, err := l.Learn(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, result.Trained)
	assert.Contains(t, result.Reason, assembler.ErrInsufficientSignal.Error())
}

func TestLearn_MissingVersionIsSkipped(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, 1, 0, []int64{0, 1})
	l := New(3, dir, testLearnerConfig(), model.NewGridModel([2]int{1, 2}, 1), 1, zerolog.Nop())

	result, err := l.Learn(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, result.Trained)
}

func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	old := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(old)
	})
	return exporter
}

type failingModel struct {
	*model.GridModel
}

func (failingModel) Fit(context.Context, model.BatchSource, int, int) error {
	return errors.New("diverged")
}

func TestLearn_SpanStatus(t *testing.T) {
	tests := []struct {
		name    string
		rewards []int64
		model   model.Model
		want    codes.Code
		desc    string
	}{
		{name: "trained", rewards: []int64{1, 0, 0}, model: model.NewGridModel([2]int{1, 2}, 1), want: codes.Ok},
		{name: "skipped", rewards: []int64{0, 0}, model: model.NewGridModel([2]int{1, 2}, 1), want: codes.Ok},
		{name: "failed", rewards: []int64{1, 0}, model: failingModel{model.NewGridModel([2]int{1, 2}, 1)}, want: codes.Error, desc: "diverged"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := recordSpans(t)
			dir := t.TempDir()
			writeShard(t, dir, 1, 0, tt.rewards)

			l := New(3, dir, testLearnerConfig(), tt.model, 1, zerolog.Nop())
			_, err := l.Learn(context.Background(), 1)
			if tt.want == codes.Error {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			assert.Equal(t, "learner.learn", spans[0].Name)
			assert.Equal(t, tt.want, spans[0].Status.Code)
			if tt.desc != "" {
				assert.Contains(t, spans[0].Status.Description, tt.desc)
			}
		})
	}
}
