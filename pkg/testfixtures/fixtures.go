// Package testfixtures provides test fixtures and builders for integration tests.
package testfixtures

import (
	"fmt"
	"time"

	"github.com/tapcrawler/tapcrawler/internal/config"
	"github.com/tapcrawler/tapcrawler/internal/episode"
	"github.com/tapcrawler/tapcrawler/internal/tensor"
)

// ShardBuilder writes sealed shards of one-pixel episodes with binary rewards.
type ShardBuilder struct {
	dataDir  string
	version  int
	agentID  int
	capacity int
	rewards  []int64
}

// NewShardBuilder creates a shard builder for version 1, agent 0.
func NewShardBuilder(dataDir string) *ShardBuilder {
	return &ShardBuilder{dataDir: dataDir, version: 1}
}

// WithVersion sets the version directory.
func (b *ShardBuilder) WithVersion(version int) *ShardBuilder {
	b.version = version
	return b
}

// WithAgent sets the writing agent.
func (b *ShardBuilder) WithAgent(agentID int) *ShardBuilder {
	b.agentID = agentID
	return b
}

// WithCapacity sets the shard capacity. Defaults to the number of rewards.
func (b *ShardBuilder) WithCapacity(n int) *ShardBuilder {
	b.capacity = n
	return b
}

// WithRewards sets one episode per reward.
func (b *ShardBuilder) WithRewards(rewards ...int64) *ShardBuilder {
	b.rewards = rewards
	return b
}

// Spec returns the episode layout of built shards.
func (b *ShardBuilder) Spec() episode.Spec {
	return episode.Spec{
		State:  episode.Field{DType: tensor.Uint8, Shape: []int{1}},
		Action: episode.Field{DType: tensor.Int32, Shape: []int{3}},
		Reward: episode.Field{DType: tensor.Bool, Shape: []int{}},
		Result: episode.Field{DType: tensor.Uint8, Shape: []int{1}},
	}
}

// Build writes and seals the shard, returning its path. Episode i taps
// column i%2 of the first row.
func (b *ShardBuilder) Build() (string, error) {
	capacity := b.capacity
	if capacity < len(b.rewards) {
		capacity = len(b.rewards)
	}
	path := episode.Path(b.dataDir, b.version, b.agentID)
	shard, err := episode.Create(path, capacity, b.Spec())
	if err != nil {
		return "", err
	}

	indices := map[int64][]int{}
	for i, r := range b.rewards {
		action, err := tensor.FromFloats(tensor.Int32, []int{3}, []float64{0, float64(i % 2), 0})
		if err != nil {
			shard.Close()
			return "", err
		}
		e := episode.Episode{
			State:  tensor.New(tensor.Uint8, 1),
			Action: action,
			Reward: tensor.Scalar(tensor.Bool, float64(r)),
			Result: tensor.New(tensor.Uint8, 1),
		}
		if err := shard.Set(e, i); err != nil {
			shard.Close()
			return "", fmt.Errorf("failed to write episode %d: %w", i, err)
		}
		indices[r] = append(indices[r], i)
	}
	if _, err := shard.Seal(indices); err != nil {
		return "", err
	}
	return path, nil
}

// ConfigBuilder constructs configurations that run quickly against
// simulated devices.
type ConfigBuilder struct {
	cfg *config.Config
}

// NewConfigBuilder creates a config builder storing data under dataDir and
// the ledger under stateDir. The default is one collector on a 16x16 screen.
func NewConfigBuilder(dataDir, stateDir string) *ConfigBuilder {
	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.StateDir = stateDir
	cfg.Metrics.Enabled = false

	cfg.Device.ScreenShape = [2]int{16, 16}
	cfg.Device.Points = 3
	cfg.Device.PointMargin = 1
	cfg.Device.ClickMargin = 2
	cfg.Device.Apps = []string{"alpha"}
	cfg.Model.PredictionShape = [2]int{4, 4}

	env := &cfg.Environment
	env.CropSize = [2]int{16, 16}
	env.Shuffle = false
	env.InAppCheckDelay = time.Millisecond
	env.BlackScreenDelay = time.Millisecond
	env.AnimationMonitorTime = 2 * time.Millisecond
	env.ActionMaxWaitTime = 10 * time.Millisecond
	env.ActionOffsetWaitTime = time.Millisecond
	env.ActionFreezeWaitTime = time.Millisecond

	cfg.Process.IdleInterval = time.Millisecond
	cfg.Process.SpawnDelay = 0
	cfg.Learner.BatchSize = 2
	return &ConfigBuilder{cfg: cfg}
}

// WithCollectors sets the number of collectors.
func (b *ConfigBuilder) WithCollectors(n int) *ConfigBuilder {
	b.cfg.Collectors = []config.AgentGroup{{Count: n}}
	return b
}

// WithTesters sets the number of testers.
func (b *ConfigBuilder) WithTesters(n int) *ConfigBuilder {
	b.cfg.Testers = []config.AgentGroup{{Count: n}}
	return b
}

// WithEpisodes stops every agent after maxEpisodes, sealing a shard every
// fileSize episodes.
func (b *ConfigBuilder) WithEpisodes(maxEpisodes, fileSize int) *ConfigBuilder {
	b.cfg.Collector.MaxEpisodes = maxEpisodes
	b.cfg.Collector.MaxFileSize = fileSize
	return b
}

// WithArchive enables archiving.
func (b *ConfigBuilder) WithArchive(archive config.ArchiveConfig) *ConfigBuilder {
	b.cfg.Archive = archive
	return b
}

// Build validates and returns the configuration.
func (b *ConfigBuilder) Build() (*config.Config, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	return b.cfg, nil
}
