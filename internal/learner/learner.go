// Package learner trains the shared model on completed versions.
package learner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"

	"github.com/tapcrawler/tapcrawler/internal/assembler"
	"github.com/tapcrawler/tapcrawler/internal/config"
	"github.com/tapcrawler/tapcrawler/internal/model"
	"github.com/tapcrawler/tapcrawler/pkg/tracing"
)

// Result describes one call to Learn.
type Result struct {
	Version      int
	Trained      bool
	TotalSize    int
	TrainingSize int
	Steps        int
	Duration     time.Duration
	// Reason explains a skipped version.
	Reason string
}

// Learner owns the learner model.
type Learner struct {
	id      int
	dataDir string
	cfg     config.LearnerConfig
	model   model.Model
	rand    *rand.Rand
	logger  zerolog.Logger
}

// New creates a learner reading shards under dataDir.
func New(id int, dataDir string, cfg config.LearnerConfig, m model.Model, seed int64, logger zerolog.Logger) *Learner {
	return &Learner{
		id:      id,
		dataDir: dataDir,
		cfg:     cfg,
		model:   m,
		rand:    rand.New(rand.NewSource(seed)),
		logger:  logger.With().Int("agent_id", id).Str("role", string(config.RoleLearner)).Logger(),
	}
}

// ID returns the learner's agent ID.
func (l *Learner) ID() int { return l.id }

// Weights returns a snapshot of the learner model.
func (l *Learner) Weights() model.Weights {
	return l.model.Weights()
}

// Learn trains on every sealed shard of version. A version without enough
// signal is skipped and reported with Trained=false and a nil error.
func (l *Learner) Learn(ctx context.Context, version int) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "learner.learn",
		tracing.WithAttributes(tracing.AttrVersion.Int(version), tracing.AttrAgentID.Int(l.id)))
	defer span.End()

	start := time.Now()
	result := Result{Version: version}
	opts := assembler.Options{
		BatchSize:            l.cfg.BatchSize,
		Shuffle:              l.cfg.Shuffle,
		CorrectDistributions: l.cfg.CorrectDistributions,
		Rand:                 l.rand,
	}

	err := assembler.With(l.dataDir, version, opts, func(a *assembler.Assembler) error {
		result.TotalSize = a.TotalSize()
		result.TrainingSize = a.TrainingSize()
		result.Steps = a.StepsPerEpoch()
		tracing.AddSpanAttributes(ctx, tracing.AttrTrainingSize.Int(result.TrainingSize))

		l.logger.Info().
			Int("version", version).
			Int("shards", a.Shards()).
			Int("total", a.TotalSize()).
			Int("augmented", a.AugmentedSize()).
			Int("steps", result.Steps).
			Msg("Starting training")

		return l.model.Fit(ctx, a.Batches(), l.cfg.EpochsPerVersion, result.Steps)
	})
	result.Duration = time.Since(start)

	if errors.Is(err, assembler.ErrInsufficientSignal) {
		result.Reason = err.Error()
		l.logger.Info().Int("version", version).Str("reason", result.Reason).Msg("Version is not expressive enough to learn from")
		tracing.SetSpanStatus(ctx, codes.Ok, "skipped")
		return result, nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return result, fmt.Errorf("failed to learn version %d: %w", version, err)
	}

	result.Trained = true
	tracing.SetSpanStatus(ctx, codes.Ok, "trained")
	l.logger.Info().
		Int("version", version).
		Dur("duration", result.Duration).
		Msg("Training finished")
	return result, nil
}
