// Package worker assembles one agent process: a device, the interaction
// state machine, the agent's model and policy, and the hooks that connect
// the agent to its process queue.
package worker

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/tapcrawler/tapcrawler/internal/collector"
	"github.com/tapcrawler/tapcrawler/internal/config"
	"github.com/tapcrawler/tapcrawler/internal/device"
	"github.com/tapcrawler/tapcrawler/internal/environment"
	"github.com/tapcrawler/tapcrawler/internal/episode"
	"github.com/tapcrawler/tapcrawler/internal/model"
	"github.com/tapcrawler/tapcrawler/internal/process"
	"github.com/tapcrawler/tapcrawler/internal/tensor"
	"github.com/tapcrawler/tapcrawler/pkg/metrics"
)

// Factory builds workers from the shared configuration.
type Factory struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.CollectorMetrics
	envOpts []environment.Option
}

// NewFactory creates a worker factory. envOpts are applied to every
// environment it builds.
func NewFactory(cfg *config.Config, logger zerolog.Logger, m *metrics.CollectorMetrics, envOpts ...environment.Option) *Factory {
	return &Factory{cfg: cfg, logger: logger, metrics: m, envOpts: envOpts}
}

// Worker is one agent driving one device.
type Worker struct {
	agent *collector.Agent
	env   *environment.Environment
	hooks *Hooks
	ctx   context.Context
}

// Example returns the episode layout produced by agents on the configured
// device: uint8 screens, int32 (row, col, type) actions and scalar rewards.
// Rewards are bool when they are 0 and 1, int8 otherwise.
func Example(cfg *config.Config) episode.Spec {
	screen := episode.Field{DType: tensor.Uint8, Shape: []int{cfg.Device.ScreenShape[0], cfg.Device.ScreenShape[1], 3}}
	reward := tensor.Int8
	if cfg.Environment.BinaryRewards() {
		reward = tensor.Bool
	}
	return episode.Spec{
		State:  screen,
		Action: episode.Field{DType: tensor.Int32, Shape: []int{3}},
		Reward: episode.Field{DType: reward},
		Result: screen,
	}
}

// NewDevice creates the device an agent drives. Testers rotate through the
// tester apps when any are configured.
func NewDevice(cfg *config.Config, spec config.AgentSpec, logger zerolog.Logger) device.Device {
	devCfg := cfg.Device
	if spec.Role == config.RoleTester && len(devCfg.TesterApps) > 0 {
		devCfg.Apps = devCfg.TesterApps
	}
	name := fmt.Sprintf("%s-%d", spec.Role, spec.ID)
	return device.NewSimulated(name, devCfg, cfg.Seed+int64(spec.ID), logger)
}

// Build creates the worker for spec. Messages for the worker are read from
// inbox; shard completions are sent to parent.
func (f *Factory) Build(spec config.AgentSpec, firstVersion int, inbox process.Inbox, parent process.Sender) (*Worker, error) {
	logger := f.logger.With().Int("agent_id", spec.ID).Str("role", string(spec.Role)).Logger()
	seed := f.cfg.Seed + int64(spec.ID)
	envCfg := f.cfg.Environment

	m := model.NewGridModel(f.cfg.Model.PredictionShape, f.cfg.Model.ActionTypes,
		model.WithRewards(f.cfg.Environment.PosReward, f.cfg.Environment.NegReward))
	policy := model.NewPolicy(m, spec.StrategyProbs, envCfg.PosReward, envCfg.NegReward, rand.New(rand.NewSource(seed)))

	maxFileSize := f.cfg.Collector.MaxFileSize
	if spec.Role == config.RoleTester {
		maxFileSize = 0
	}
	agent, err := collector.New(collector.Options{
		ID:           spec.ID,
		Role:         spec.Role,
		DataDir:      f.cfg.DataDir,
		FirstVersion: firstVersion,
		MaxEpisodes:  f.cfg.Collector.MaxEpisodes,
		MaxFileSize:  maxFileSize,
		Example:      Example(f.cfg),
	}, policy, logger, f.metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent %d: %w", spec.ID, err)
	}

	opts := append([]environment.Option{
		environment.WithRand(rand.New(rand.NewSource(seed + 1))),
		environment.WithMetrics(f.metrics),
	}, f.envOpts...)
	env := environment.New(envCfg, NewDevice(f.cfg, spec, logger), agent,
		environment.GridMapper(envCfg, f.cfg.Model.PredictionShape), logger, opts...)

	w := &Worker{
		agent: agent,
		env:   env,
		hooks: NewHooks(inbox, agent, logger),
		ctx:   context.Background(),
	}
	env.AddCallback(agent)
	env.AddCallback(w.hooks)

	agent.AddOnFileCompleted(func(agentID, version int) error {
		// The final shard is sealed after cancellation and must still be reported.
		return parent.AddToRunQueue(context.WithoutCancel(w.ctx), process.Message{
			Op:      process.OpFileCompleted,
			AgentID: agentID,
			Version: version,
		})
	})
	return w, nil
}

// Body returns a process body that builds and runs the worker for spec.
func (f *Factory) Body(spec config.AgentSpec, firstVersion int) process.Body {
	return func(ctx context.Context, inbox process.Inbox, parent process.Sender) error {
		w, err := f.Build(spec, firstVersion, inbox, parent)
		if err != nil {
			return err
		}
		return w.Run(ctx)
	}
}

// Agent returns the worker's agent.
func (w *Worker) Agent() *collector.Agent { return w.agent }

// Environment returns the worker's state machine.
func (w *Worker) Environment() *environment.Environment { return w.env }

// Run applies any weights already queued, then drives the environment
// until it stops and seals the open shard.
func (w *Worker) Run(ctx context.Context) error {
	w.ctx = ctx
	if err := w.hooks.Poll(ctx); err != nil {
		_ = w.agent.Close()
		return err
	}
	return w.agent.Run(ctx, w.env)
}
