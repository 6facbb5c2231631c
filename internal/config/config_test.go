package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setTestEnv sets environment variables for testing and restores them on cleanup.
func setTestEnv(t *testing.T, envVars map[string]string) {
	t.Helper()

	original := make(map[string]string)
	for key := range envVars {
		original[key] = os.Getenv(key)
	}

	for key, value := range envVars {
		os.Setenv(key, value)
	}

	t.Cleanup(func() {
		for key, value := range original {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
	})
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tapcrawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 1, cfg.CollectorCount())
	assert.Equal(t, 1, cfg.Environment.StepsPerEpisode)
	assert.Equal(t, 500*time.Millisecond, cfg.Environment.BlackScreenDelay)
	assert.Equal(t, "local", cfg.Process.Type)
	assert.Equal(t, 16, cfg.Process.QueueSize)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfigFile(t, `
data_dir: /var/lib/tapcrawler/data
collectors:
  - count: 2
    strategy_probs: [0.5, 0.5]
  - count: 1
testers:
  - count: 1
    strategy_probs: [0, 0, 0, 0, 1]
environment:
  steps_per_app: 20
  steps_per_episode: 4
  action_max_wait_time: 2s
  crop_size: [32, 32]
learner:
  batch_size: 8
process:
  type: exec
  queue_size: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tapcrawler/data", cfg.DataDir)
	assert.Equal(t, 3, cfg.CollectorCount())
	assert.Equal(t, 20, cfg.Environment.StepsPerApp)
	assert.Equal(t, 2*time.Second, cfg.Environment.ActionMaxWaitTime)
	assert.Equal(t, [2]int{32, 32}, cfg.Environment.CropSize)
	assert.Equal(t, 8, cfg.Learner.BatchSize)
	assert.Equal(t, "exec", cfg.Process.Type)

	// untouched sections keep their defaults
	assert.Equal(t, 5, cfg.Environment.BlackScreenTrials)
	assert.True(t, cfg.Learner.CorrectDistributions)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "data_dir: /from/file\nlog:\n  level: warn\n")
	setTestEnv(t, map[string]string{
		"TAPCRAWLER_DATA_DIR":           "/from/env",
		"TAPCRAWLER_PROCESS_QUEUE_SIZE": "32",
		"TAPCRAWLER_METRICS_ENABLED":    "false",
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/from/env", cfg.DataDir)
	assert.Equal(t, 32, cfg.Process.QueueSize)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := writeConfigFile(t, "collectors: [not, a, group\n")
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "no collectors",
			modify:  func(c *Config) { c.Collectors = nil },
			wantErr: "at least one collector is required",
		},
		{
			name: "steps per app not a multiple",
			modify: func(c *Config) {
				c.Environment.StepsPerApp = 10
				c.Environment.StepsPerEpisode = 3
			},
			wantErr: "environment.steps_per_app must be a multiple of steps_per_episode",
		},
		{
			name:    "crop outside screen",
			modify:  func(c *Config) { c.Environment.CropTopLeft = [2]int{10, 0} },
			wantErr: "environment crop region must lie inside device.screen_shape",
		},
		{
			name:    "bad process type",
			modify:  func(c *Config) { c.Process.Type = "thread" },
			wantErr: "process.type must be one of: local, exec",
		},
		{
			name:    "probabilities above one",
			modify:  func(c *Config) { c.Collectors[0].StrategyProbs = []float64{0.7, 0.6} },
			wantErr: "collectors[0].strategy_probs sum to more than 1",
		},
		{
			name:    "archive without bucket",
			modify:  func(c *Config) { c.Archive.Enabled = true; c.Archive.Endpoint = "localhost:9000" },
			wantErr: "archive.bucket is required when archiving is enabled",
		},
		{
			name:    "fractional reward",
			modify:  func(c *Config) { c.Environment.PosReward = 0.5 },
			wantErr: "environment.pos_reward must be a whole number in [-128, 127]",
		},
		{
			name:    "reward outside int8",
			modify:  func(c *Config) { c.Environment.NegReward = -200 },
			wantErr: "environment.neg_reward must be a whole number in [-128, 127]",
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: "log.level must be one of: debug, info, warn, error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			var messages []string
			for _, e := range verr.Errors {
				messages = append(messages, e.Error())
			}
			assert.Contains(t, messages, tt.wantErr)
		})
	}
}

func TestValidationError_Format(t *testing.T) {
	single := &ValidationError{Errors: []error{errors.New("one")}}
	assert.Equal(t, "one", single.Error())

	multi := &ValidationError{Errors: []error{errors.New("one"), errors.New("two")}}
	assert.Contains(t, multi.Error(), "2 validation errors")
	assert.Contains(t, multi.Error(), "2. two")
}

func TestAgents(t *testing.T) {
	cfg := Default()
	cfg.Collectors = []AgentGroup{{Count: 2, StrategyProbs: []float64{0.6}}}
	cfg.Testers = []AgentGroup{{Count: 1, StrategyProbs: []float64{0, 0, 0, 0, 1}}}

	agents := cfg.Agents()
	require.Len(t, agents, 3)

	assert.Equal(t, 0, agents[0].ID)
	assert.Equal(t, RoleCollector, agents[0].Role)
	assert.InDeltaSlice(t, []float64{0.6, 0.1, 0.1, 0.1, 0.1}, agents[0].StrategyProbs, 1e-9)
	assert.Equal(t, 1, agents[1].ID)
	assert.Equal(t, 2, agents[2].ID)
	assert.Equal(t, RoleTester, agents[2].Role)
	assert.Equal(t, []float64{0, 0, 0, 0, 1}, agents[2].StrategyProbs)
}

func TestExpandProbs(t *testing.T) {
	assert.InDeltaSlice(t, []float64{0.2, 0.2, 0.2, 0.2, 0.2}, ExpandProbs(nil), 1e-9)
	assert.InDeltaSlice(t, []float64{0.5, 0.5, 0, 0, 0}, ExpandProbs([]float64{0.5, 0.5}), 1e-9)
}

func TestBinaryRewards(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Environment.BinaryRewards())

	cfg.Environment.PosReward = 0
	cfg.Environment.NegReward = 1
	assert.True(t, cfg.Environment.BinaryRewards())

	cfg.Environment.PosReward = 1
	cfg.Environment.NegReward = -1
	assert.False(t, cfg.Environment.BinaryRewards())
	assert.NoError(t, cfg.Validate())

	cfg.Environment.PosReward = 2
	cfg.Environment.NegReward = 1
	assert.False(t, cfg.Environment.BinaryRewards())
}
