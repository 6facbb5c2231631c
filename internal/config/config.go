// Package config provides configuration management for tapcrawler.
// Configuration is read once at process start from an optional YAML file,
// then overridden by environment variables with the TAPCRAWLER_ prefix.
// The resulting value is treated as immutable and passed explicitly to
// every component constructor.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role distinguishes agents whose shards are trained on from agents that
// only stream evaluation samples.
type Role string

const (
	RoleCollector Role = "collector"
	RoleTester    Role = "tester"
	RoleLearner   Role = "learner"
)

// StrategyCount is the number of action strategies an agent can mix.
const StrategyCount = 5

// Config holds all configuration settings.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	StateDir string `yaml:"state_dir"`
	Seed     int64  `yaml:"seed"`

	Collectors []AgentGroup `yaml:"collectors"`
	Testers    []AgentGroup `yaml:"testers"`

	Environment EnvironmentConfig `yaml:"environment"`
	Collector   CollectorConfig   `yaml:"collector"`
	Learner     LearnerConfig     `yaml:"learner"`
	Process     ProcessConfig     `yaml:"process"`
	Device      DeviceConfig      `yaml:"device"`
	Model       ModelConfig       `yaml:"model"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Log         LogConfig         `yaml:"log"`
}

// AgentGroup configures Count agents sharing the same action strategy mix.
// StrategyProbs lists probabilities for better, worse, most-certain,
// least-certain and random action selection; missing entries share the
// remaining probability evenly.
type AgentGroup struct {
	Count         int       `yaml:"count"`
	StrategyProbs []float64 `yaml:"strategy_probs"`
}

// EnvironmentConfig holds the device interaction state machine settings.
type EnvironmentConfig struct {
	// StepsPerApp is the number of actions before switching to the next app.
	StepsPerApp int `yaml:"steps_per_app"`
	// StepsPerEpisode is the number of actions in one episode.
	StepsPerEpisode int `yaml:"steps_per_episode"`
	// CropTopLeft and CropSize select the (row, column) region used for change detection.
	CropTopLeft [2]int `yaml:"crop_top_left"`
	CropSize    [2]int `yaml:"crop_size"`
	// PosReward and NegReward are assigned when the screen did or did not change.
	PosReward float64 `yaml:"pos_reward"`
	NegReward float64 `yaml:"neg_reward"`
	// StepsPerInAppCheck controls how often the foreground app is verified.
	StepsPerInAppCheck int           `yaml:"steps_per_in_app_check"`
	ForceAppOnTop      bool          `yaml:"force_app_on_top"`
	InAppCheckTrials   int           `yaml:"in_app_check_trials"`
	InAppCheckDelay    time.Duration `yaml:"in_app_check_delay"`
	// BlackScreenTrials is the number of captures tried before declaring a blank screen.
	BlackScreenTrials int           `yaml:"black_screen_trials"`
	BlackScreenDelay  time.Duration `yaml:"black_screen_delay"`
	// GlobalEqualityThreshold bounds the masked L2 distance of equal screens.
	GlobalEqualityThreshold float64 `yaml:"global_equality_threshold"`
	// PixelEqualityThreshold bounds per-pixel variation when building the animation mask.
	PixelEqualityThreshold float64       `yaml:"pixel_equality_threshold"`
	AnimationMonitorTime   time.Duration `yaml:"animation_monitor_time"`
	ActionMaxWaitTime      time.Duration `yaml:"action_max_wait_time"`
	ActionOffsetWaitTime   time.Duration `yaml:"action_offset_wait_time"`
	ActionFreezeWaitTime   time.Duration `yaml:"action_freeze_wait_time"`
	// Shuffle randomizes the app rotation order at startup.
	Shuffle bool `yaml:"shuffle"`
}

// CollectorConfig holds data collection agent settings.
type CollectorConfig struct {
	// MaxEpisodes stops the agent after this many episodes (<= 0 for unlimited).
	MaxEpisodes int `yaml:"max_episodes"`
	// MaxFileSize is the shard capacity; testers always use 0 (no storage).
	MaxFileSize int `yaml:"max_file_size"`
}

// LearnerConfig holds training settings.
type LearnerConfig struct {
	BatchSize            int  `yaml:"batch_size"`
	EpochsPerVersion     int  `yaml:"epochs_per_version"`
	Shuffle              bool `yaml:"shuffle"`
	CorrectDistributions bool `yaml:"correct_distributions"`
}

// ProcessConfig holds process scheduling settings.
type ProcessConfig struct {
	// Type is "local" (goroutines) or "exec" (one OS process per agent).
	Type string `yaml:"type"`
	// QueueSize bounds every process run queue.
	QueueSize int `yaml:"queue_size"`
	// IdleInterval is how long the main loop sleeps when its queue is empty.
	IdleInterval time.Duration `yaml:"idle_interval"`
	// SpawnDelay staggers agent start-up.
	SpawnDelay      time.Duration `yaml:"spawn_delay"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DeviceConfig describes the devices agents drive.
type DeviceConfig struct {
	Type        string   `yaml:"type"`
	ScreenShape [2]int   `yaml:"screen_shape"`
	Points      int      `yaml:"points"`
	PointMargin int      `yaml:"point_margin"`
	ClickMargin float64  `yaml:"click_margin"`
	Apps        []string `yaml:"apps"`
	TesterApps  []string `yaml:"tester_apps"`
}

// ModelConfig holds settings of the built-in grid model.
type ModelConfig struct {
	// PredictionShape is the (rows, columns) grid actions are chosen from.
	PredictionShape [2]int `yaml:"prediction_shape"`
	ActionTypes     int    `yaml:"action_types"`
}

// ArchiveConfig holds settings for uploading sealed shards to S3/MinIO.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Prefix          string `yaml:"prefix"`
	// CompressionLevel is the zstd level: 1 fastest ... 4 best.
	CompressionLevel int `yaml:"compression_level"`
}

// MetricsConfig holds Prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	Environment string  `yaml:"environment"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BinaryRewards reports whether both rewards are 0 or 1, so a bool reward
// column can hold them. Otherwise rewards are stored as int8.
func (e EnvironmentConfig) BinaryRewards() bool {
	return (e.PosReward == 0 || e.PosReward == 1) && (e.NegReward == 0 || e.NegReward == 1)
}

// storableReward reports whether r survives the int8 reward column.
func storableReward(r float64) bool {
	return r == math.Trunc(r) && r >= math.MinInt8 && r <= math.MaxInt8
}

// AgentSpec identifies one agent process derived from the configured groups.
type AgentSpec struct {
	ID            int
	Role          Role
	StrategyProbs []float64
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:    "data",
		StateDir:   "state",
		Seed:       1,
		Collectors: []AgentGroup{{Count: 1}},
		Environment: EnvironmentConfig{
			StepsPerApp:             100,
			StepsPerEpisode:         1,
			CropTopLeft:             [2]int{0, 0},
			CropSize:                [2]int{64, 64},
			PosReward:               1,
			NegReward:               0,
			StepsPerInAppCheck:      10,
			ForceAppOnTop:           true,
			InAppCheckTrials:        3,
			InAppCheckDelay:         time.Second,
			BlackScreenTrials:       5,
			BlackScreenDelay:        500 * time.Millisecond,
			GlobalEqualityThreshold: 1,
			PixelEqualityThreshold:  1,
			AnimationMonitorTime:    time.Second,
			ActionMaxWaitTime:       3 * time.Second,
			ActionOffsetWaitTime:    500 * time.Millisecond,
			ActionFreezeWaitTime:    500 * time.Millisecond,
			Shuffle:                 true,
		},
		Collector: CollectorConfig{
			MaxEpisodes: 0,
			MaxFileSize: 1000,
		},
		Learner: LearnerConfig{
			BatchSize:            32,
			EpochsPerVersion:     1,
			Shuffle:              true,
			CorrectDistributions: true,
		},
		Process: ProcessConfig{
			Type:            "local",
			QueueSize:       16,
			IdleInterval:    time.Second,
			SpawnDelay:      0,
			ShutdownTimeout: 30 * time.Second,
		},
		Device: DeviceConfig{
			Type:        "simulated",
			ScreenShape: [2]int{64, 64},
			Points:      3,
			PointMargin: 2,
			ClickMargin: 4,
		},
		Model: ModelConfig{
			PredictionShape: [2]int{8, 8},
			ActionTypes:     1,
		},
		Archive: ArchiveConfig{
			Region:           "us-east-1",
			UseSSL:           true,
			Prefix:           "episodes",
			CompressionLevel: 2,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9094,
		},
		Tracing: TracingConfig{
			Insecure:   true,
			SampleRate: 1.0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = getEnv("TAPCRAWLER_DATA_DIR", c.DataDir)
	c.StateDir = getEnv("TAPCRAWLER_STATE_DIR", c.StateDir)
	c.Seed = int64(getEnvInt("TAPCRAWLER_SEED", int(c.Seed)))

	c.Collector.MaxEpisodes = getEnvInt("TAPCRAWLER_COLLECTOR_MAX_EPISODES", c.Collector.MaxEpisodes)
	c.Collector.MaxFileSize = getEnvInt("TAPCRAWLER_COLLECTOR_MAX_FILE_SIZE", c.Collector.MaxFileSize)

	c.Learner.BatchSize = getEnvInt("TAPCRAWLER_LEARNER_BATCH_SIZE", c.Learner.BatchSize)
	c.Learner.EpochsPerVersion = getEnvInt("TAPCRAWLER_LEARNER_EPOCHS_PER_VERSION", c.Learner.EpochsPerVersion)

	c.Process.Type = getEnv("TAPCRAWLER_PROCESS_TYPE", c.Process.Type)
	c.Process.QueueSize = getEnvInt("TAPCRAWLER_PROCESS_QUEUE_SIZE", c.Process.QueueSize)
	c.Process.IdleInterval = getEnvDuration("TAPCRAWLER_PROCESS_IDLE_INTERVAL", c.Process.IdleInterval)
	c.Process.SpawnDelay = getEnvDuration("TAPCRAWLER_PROCESS_SPAWN_DELAY", c.Process.SpawnDelay)

	c.Archive.Enabled = getEnvBool("TAPCRAWLER_ARCHIVE_ENABLED", c.Archive.Enabled)
	c.Archive.Endpoint = getEnv("TAPCRAWLER_ARCHIVE_ENDPOINT", c.Archive.Endpoint)
	c.Archive.Bucket = getEnv("TAPCRAWLER_ARCHIVE_BUCKET", c.Archive.Bucket)
	c.Archive.Region = getEnv("TAPCRAWLER_ARCHIVE_REGION", c.Archive.Region)
	c.Archive.AccessKeyID = getEnv("TAPCRAWLER_ARCHIVE_ACCESS_KEY_ID", c.Archive.AccessKeyID)
	c.Archive.SecretAccessKey = getEnv("TAPCRAWLER_ARCHIVE_SECRET_ACCESS_KEY", c.Archive.SecretAccessKey)
	c.Archive.UseSSL = getEnvBool("TAPCRAWLER_ARCHIVE_USE_SSL", c.Archive.UseSSL)

	c.Metrics.Enabled = getEnvBool("TAPCRAWLER_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Port = getEnvInt("TAPCRAWLER_METRICS_PORT", c.Metrics.Port)

	c.Tracing.Enabled = getEnvBool("TAPCRAWLER_TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.Endpoint = getEnv("TAPCRAWLER_TRACING_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.Insecure = getEnvBool("TAPCRAWLER_TRACING_INSECURE", c.Tracing.Insecure)
	c.Tracing.SampleRate = getEnvFloat("TAPCRAWLER_TRACING_SAMPLE_RATE", c.Tracing.SampleRate)
	c.Tracing.Environment = getEnv("TAPCRAWLER_ENVIRONMENT", c.Tracing.Environment)

	c.Log.Level = getEnv("TAPCRAWLER_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("TAPCRAWLER_LOG_FORMAT", c.Log.Format)
}

// Validate checks that all configuration fields are set and consistent.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}

	collectors := 0
	for i, g := range c.Collectors {
		collectors += g.Count
		errs = append(errs, validateGroup(fmt.Sprintf("collectors[%d]", i), g)...)
	}
	for i, g := range c.Testers {
		errs = append(errs, validateGroup(fmt.Sprintf("testers[%d]", i), g)...)
	}
	if collectors < 1 {
		errs = append(errs, errors.New("at least one collector is required"))
	}

	env := c.Environment
	if env.StepsPerEpisode < 1 {
		errs = append(errs, errors.New("environment.steps_per_episode must be at least 1"))
	} else if env.StepsPerApp < env.StepsPerEpisode || env.StepsPerApp%env.StepsPerEpisode != 0 {
		errs = append(errs, errors.New("environment.steps_per_app must be a multiple of steps_per_episode"))
	}
	if env.StepsPerInAppCheck < 1 {
		errs = append(errs, errors.New("environment.steps_per_in_app_check must be at least 1"))
	}
	if env.InAppCheckTrials < 1 {
		errs = append(errs, errors.New("environment.in_app_check_trials must be at least 1"))
	}
	if env.BlackScreenTrials < 1 {
		errs = append(errs, errors.New("environment.black_screen_trials must be at least 1"))
	}
	if env.CropSize[0] < 1 || env.CropSize[1] < 1 {
		errs = append(errs, errors.New("environment.crop_size must be positive"))
	}
	if env.CropTopLeft[0] < 0 || env.CropTopLeft[1] < 0 ||
		env.CropTopLeft[0]+env.CropSize[0] > c.Device.ScreenShape[0] ||
		env.CropTopLeft[1]+env.CropSize[1] > c.Device.ScreenShape[1] {
		errs = append(errs, errors.New("environment crop region must lie inside device.screen_shape"))
	}
	if env.PosReward == env.NegReward {
		errs = append(errs, errors.New("environment.pos_reward and neg_reward must differ"))
	}
	if !storableReward(env.PosReward) {
		errs = append(errs, fmt.Errorf("environment.pos_reward must be a whole number in [%d, %d]", math.MinInt8, math.MaxInt8))
	}
	if !storableReward(env.NegReward) {
		errs = append(errs, fmt.Errorf("environment.neg_reward must be a whole number in [%d, %d]", math.MinInt8, math.MaxInt8))
	}
	if env.ActionMaxWaitTime <= 0 {
		errs = append(errs, errors.New("environment.action_max_wait_time must be positive"))
	}

	if c.Collector.MaxFileSize < 0 {
		errs = append(errs, errors.New("collector.max_file_size cannot be negative"))
	}

	if c.Learner.BatchSize < 1 {
		errs = append(errs, errors.New("learner.batch_size must be at least 1"))
	}
	if c.Learner.EpochsPerVersion < 1 {
		errs = append(errs, errors.New("learner.epochs_per_version must be at least 1"))
	}

	if c.Process.Type != "local" && c.Process.Type != "exec" {
		errs = append(errs, errors.New("process.type must be one of: local, exec"))
	}
	if c.Process.QueueSize < 1 {
		errs = append(errs, errors.New("process.queue_size must be at least 1"))
	}
	if c.Process.IdleInterval <= 0 {
		errs = append(errs, errors.New("process.idle_interval must be positive"))
	}

	if c.Device.Type != "simulated" {
		errs = append(errs, errors.New("device.type must be: simulated"))
	}
	if c.Device.ScreenShape[0] < 1 || c.Device.ScreenShape[1] < 1 {
		errs = append(errs, errors.New("device.screen_shape must be positive"))
	}

	if c.Model.PredictionShape[0] < 1 || c.Model.PredictionShape[1] < 1 {
		errs = append(errs, errors.New("model.prediction_shape must be positive"))
	}
	if c.Model.ActionTypes < 1 {
		errs = append(errs, errors.New("model.action_types must be at least 1"))
	}

	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			errs = append(errs, errors.New("archive.endpoint is required when archiving is enabled"))
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive.bucket is required when archiving is enabled"))
		}
		if c.Archive.CompressionLevel < 1 || c.Archive.CompressionLevel > 4 {
			errs = append(errs, errors.New("archive.compression_level must be between 1 and 4"))
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		errs = append(errs, errors.New("metrics.port must be between 1 and 65535"))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, errors.New("log.level must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, errors.New("log.format must be one of: json, console"))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func validateGroup(name string, g AgentGroup) []error {
	var errs []error
	if g.Count < 0 {
		errs = append(errs, fmt.Errorf("%s.count cannot be negative", name))
	}
	if len(g.StrategyProbs) > StrategyCount {
		errs = append(errs, fmt.Errorf("%s.strategy_probs has more than %d entries", name, StrategyCount))
	}
	sum := 0.0
	for _, p := range g.StrategyProbs {
		if p < 0 {
			errs = append(errs, fmt.Errorf("%s.strategy_probs cannot contain negative values", name))
			break
		}
		sum += p
	}
	if sum > 1+1e-9 {
		errs = append(errs, fmt.Errorf("%s.strategy_probs sum to more than 1", name))
	}
	if len(g.StrategyProbs) == StrategyCount && math.Abs(sum-1) > 1e-6 {
		errs = append(errs, fmt.Errorf("%s.strategy_probs must sum to 1", name))
	}
	return errs
}

// Agents expands the collector and tester groups into individual agents.
// Collectors take IDs 0..N-1 and testers follow.
func (c *Config) Agents() []AgentSpec {
	var out []AgentSpec
	id := 0
	for _, role := range []struct {
		role   Role
		groups []AgentGroup
	}{{RoleCollector, c.Collectors}, {RoleTester, c.Testers}} {
		for _, g := range role.groups {
			probs := ExpandProbs(g.StrategyProbs)
			for i := 0; i < g.Count; i++ {
				out = append(out, AgentSpec{ID: id, Role: role.role, StrategyProbs: probs})
				id++
			}
		}
	}
	return out
}

// CollectorCount returns the number of collector agents.
func (c *Config) CollectorCount() int {
	n := 0
	for _, g := range c.Collectors {
		n += g.Count
	}
	return n
}

// ExpandProbs fills unspecified strategy probabilities by splitting the
// remaining mass evenly.
func ExpandProbs(specified []float64) []float64 {
	out := make([]float64, StrategyCount)
	sum := 0.0
	for _, p := range specified {
		sum += p
	}
	missing := StrategyCount - len(specified)
	for i := range out {
		if i < len(specified) {
			out[i] = specified[i]
		} else {
			out[i] = (1 - sum) / float64(missing)
		}
	}
	return out
}

// ValidationError contains multiple validation errors.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap returns the underlying errors for errors.Is/As compatibility.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// Helper functions for reading environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
