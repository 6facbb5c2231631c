// Package collector implements the data collection agent: it turns the
// episode events of an environment into stored episodes and rotates the
// agent's shard from version to version.
package collector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tapcrawler/tapcrawler/internal/config"
	"github.com/tapcrawler/tapcrawler/internal/environment"
	"github.com/tapcrawler/tapcrawler/internal/episode"
	"github.com/tapcrawler/tapcrawler/internal/model"
	"github.com/tapcrawler/tapcrawler/internal/tensor"
	"github.com/tapcrawler/tapcrawler/pkg/metrics"
)

// FileCompletedFunc is called after a shard was sealed.
type FileCompletedFunc func(agentID, version int) error

// Runner is the environment loop driven by an agent.
type Runner interface {
	Start(ctx context.Context) error
}

// Options configures an Agent.
type Options struct {
	ID      int
	Role    config.Role
	DataDir string
	// FirstVersion is the version of the first shard; later shards count up.
	FirstVersion int
	// MaxEpisodes stops the agent after that many episodes; <= 0 means no limit.
	MaxEpisodes int
	// MaxFileSize is the shard capacity; <= 0 disables storage.
	MaxFileSize int
	Example     episode.Spec
}

// Agent is a collector or tester. It implements environment.Callbacks and
// environment.Controller and is driven from a single goroutine.
type Agent struct {
	opts    Options
	policy  *model.Policy
	logger  zerolog.Logger
	metrics *metrics.CollectorMetrics
	ctx     context.Context

	version       int
	shard         *episode.Shard
	size          int
	rewardIndices map[int64][]int
	finished      int
	closed        bool

	current  *episode.Episode
	archived *episode.Episode

	onFileCompleted []FileCompletedFunc
}

// New creates an agent and opens its first shard when storage is enabled.
func New(opts Options, policy *model.Policy, logger zerolog.Logger, m *metrics.CollectorMetrics) (*Agent, error) {
	if opts.FirstVersion < 1 {
		opts.FirstVersion = 1
	}
	a := &Agent{
		opts:    opts,
		policy:  policy,
		logger:  logger.With().Int("agent_id", opts.ID).Str("role", string(opts.Role)).Logger(),
		metrics: m,
		ctx:     context.Background(),
		version: opts.FirstVersion - 1,
	}
	if err := a.resetFile(true); err != nil {
		return nil, err
	}
	return a, nil
}

// ID returns the agent ID.
func (a *Agent) ID() int { return a.opts.ID }

// Role returns the agent role.
func (a *Agent) Role() config.Role { return a.opts.Role }

// Version returns the version of the open shard.
func (a *Agent) Version() int { return a.version }

// FinishedEpisodes returns the number of completed episodes.
func (a *Agent) FinishedEpisodes() int { return a.finished }

// AddOnFileCompleted registers fn to be called after each sealed shard.
func (a *Agent) AddOnFileCompleted(fn FileCompletedFunc) {
	a.onFileCompleted = append(a.onFileCompleted, fn)
}

// UpdateWeights replaces the weights of the agent's model.
func (a *Agent) UpdateWeights(w model.Weights) error {
	if err := a.policy.Model().SetWeights(w); err != nil {
		return fmt.Errorf("failed to update weights: %w", err)
	}
	a.metrics.RecordWeightUpdate(a.opts.ID)
	a.logger.Debug().Msg("Updated model weights")
	return nil
}

// Run drives env until it stops, then closes the agent.
func (a *Agent) Run(ctx context.Context, env Runner) error {
	a.ctx = ctx
	err := env.Start(ctx)
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close stores any archived episode and seals the open shard. It is safe
// to call more than once.
func (a *Agent) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if err := a.storePending(); err != nil {
		return err
	}
	return a.resetFile(false)
}

// resetFile seals the open shard, if any, and opens the next version's
// shard when newFile is set and storage is enabled.
func (a *Agent) resetFile(newFile bool) error {
	if a.shard != nil {
		if _, err := a.shard.Seal(a.rewardIndices); err != nil {
			return fmt.Errorf("%w: failed to seal shard %s: %w", environment.ErrFatal, a.shard.Path(), err)
		}
		a.logger.Info().
			Int("version", a.version).
			Int("size", a.size).
			Msg("Sealed shard")
		a.shard = nil
		a.metrics.RecordShardSealed(a.opts.ID)

		for _, fn := range a.onFileCompleted {
			if err := fn(a.opts.ID, a.version); err != nil {
				a.logger.Error().Err(err).Int("version", a.version).Msg("Failed to report shard completion")
			}
		}
	}

	if !newFile || a.opts.MaxFileSize <= 0 {
		return nil
	}

	a.version++
	a.size = 0
	a.rewardIndices = make(map[int64][]int)
	shard, err := episode.Create(episode.Path(a.opts.DataDir, a.version, a.opts.ID), a.opts.MaxFileSize, a.opts.Example)
	if err != nil {
		return fmt.Errorf("%w: failed to create shard: %w", environment.ErrFatal, err)
	}
	a.shard = shard
	return nil
}

// StoreEpisode appends e to the open shard, rotating first when it is full.
// Without an open shard the episode is dropped.
func (a *Agent) StoreEpisode(e episode.Episode) error {
	if a.shard == nil {
		return nil
	}
	if a.size == a.opts.MaxFileSize {
		if err := a.resetFile(true); err != nil {
			return err
		}
	}

	e = a.opts.Example.Conform(e)
	if err := a.shard.Set(e, a.size); err != nil {
		return fmt.Errorf("%w: failed to store episode: %w", environment.ErrFatal, err)
	}
	reward := e.RewardValue()
	a.rewardIndices[reward] = append(a.rewardIndices[reward], a.size)
	a.size++
	return nil
}

func (a *Agent) storePending() error {
	if a.archived == nil {
		return nil
	}
	e := *a.archived
	a.archived = nil
	return a.StoreEpisode(e)
}

// ShouldStartEpisode stops the agent once MaxEpisodes episodes finished,
// storing the last episode and sealing the open shard first.
func (a *Agent) ShouldStartEpisode() (bool, error) {
	if a.opts.MaxEpisodes <= 0 || a.finished < a.opts.MaxEpisodes {
		return true, nil
	}
	a.logger.Info().Int("episodes", a.finished).Msg("Episode budget reached")
	return false, a.Close()
}

// GetNextAction samples the next action from the agent's policy.
func (a *Agent) GetNextAction(state tensor.Array) (tensor.Array, error) {
	action, strategy, err := a.policy.NextAction(a.ctx, state)
	if err != nil {
		return tensor.Array{}, err
	}
	a.logger.Debug().Str("strategy", strategy.String()).Floats64("action", action.Floats()).Msg("Chose action")
	return action, nil
}

func (a *Agent) OnEpisodeStart(state tensor.Array) error {
	a.current = &episode.Episode{State: state}
	return nil
}

func (a *Agent) OnStateChange(src, action, dst tensor.Array, reward float64) error {
	if a.current == nil {
		return nil
	}
	a.current.Action = action
	a.current.Result = dst
	a.current.Reward = tensor.Scalar(a.opts.Example.Reward.DType, float64(int64(reward)))
	return nil
}

// OnEpisodeEnd archives the in-flight episode. A pending archived episode
// that was not stored yet is stored first. A premature end drops the
// in-flight episode: its result is an intermediate screen and its reward
// was never observed, so it would mislabel the shard.
func (a *Agent) OnEpisodeEnd(premature bool) error {
	current := a.current
	a.current = nil
	if current == nil || current.Result.Len() == 0 {
		return nil
	}
	if premature {
		a.logger.Debug().Msg("Dropping unfinished episode")
		return nil
	}

	if err := a.storePending(); err != nil {
		return err
	}
	a.archived = current
	a.finished++
	a.metrics.RecordEpisode(string(a.opts.Role), current.RewardValue())
	return nil
}

// OnWait stores the archived episode while the device is busy.
func (a *Agent) OnWait() error {
	return a.storePending()
}

// OnError discards the in-flight episode.
func (a *Agent) OnError() {
	if a.current != nil {
		a.logger.Debug().Msg("Discarding in-flight episode")
	}
	a.current = nil
}
