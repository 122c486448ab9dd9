// Package config loads foreman configuration from YAML and environment
// variables via viper. Every tunable the engine reads lives here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/avery/foreman/internal/logging"
)

// Config holds all foreman configuration.
type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Log       LogConfig       `mapstructure:"log"`
	Matcher   MatcherConfig   `mapstructure:"matcher"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
}

// DBConfig locates the sqlite database.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Level         string `mapstructure:"level"`
	Dir           string `mapstructure:"dir"`
	Format        string `mapstructure:"format"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// MatcherConfig holds capability-scoring weights and the assignment
// threshold. Weights need not sum to 1; scores are scaled to 0-100.
type MatcherConfig struct {
	SkillWeight        float64 `mapstructure:"skill_weight"`
	QualityWeight      float64 `mapstructure:"quality_weight"`
	CostWeight         float64 `mapstructure:"cost_weight"`
	AvailabilityWeight float64 `mapstructure:"availability_weight"`
	MinScore           float64 `mapstructure:"min_score"`
}

// ConsensusConfig tunes multi-execution consensus.
type ConsensusConfig struct {
	DefaultExecutions   int           `mapstructure:"default_executions"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	ExecutionTimeout    time.Duration `mapstructure:"execution_timeout"`
	MaxParallelPerAgent int64         `mapstructure:"max_parallel_per_agent"`
}

// SchedulerConfig tunes the assignment scheduler.
type SchedulerConfig struct {
	Workers       int           `mapstructure:"workers"`
	HiringBackoff time.Duration `mapstructure:"hiring_backoff"`
	QualityFloor  float64       `mapstructure:"quality_floor"`
	QualityWindow int           `mapstructure:"quality_window"`
}

// DaemonConfig drives the recurring pass loop.
type DaemonConfig struct {
	Schedule string `mapstructure:"schedule"` // cron expression
}

// ExecutorConfig selects the model execution backend.
type ExecutorConfig struct {
	Provider     string `mapstructure:"provider"` // anthropic
	DefaultModel string `mapstructure:"default_model"`
	MaxTokens    int64  `mapstructure:"max_tokens"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "foreman", "foreman.yaml")
}

func defaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "foreman", "foreman.db")
}

func setDefaults(v *viper.Viper) {
	logDefaults := logging.DefaultOptions()

	v.SetDefault("db.path", defaultDBPath())

	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.dir", logDefaults.Dir)
	v.SetDefault("log.format", logDefaults.Format)
	v.SetDefault("log.retention_days", logDefaults.RetentionDays)

	v.SetDefault("matcher.skill_weight", 0.5)
	v.SetDefault("matcher.quality_weight", 0.2)
	v.SetDefault("matcher.cost_weight", 0.15)
	v.SetDefault("matcher.availability_weight", 0.15)
	v.SetDefault("matcher.min_score", 40.0)

	v.SetDefault("consensus.default_executions", 3)
	v.SetDefault("consensus.similarity_threshold", 0.5)
	v.SetDefault("consensus.execution_timeout", 2*time.Minute)
	v.SetDefault("consensus.max_parallel_per_agent", 2)

	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.hiring_backoff", 30*time.Minute)
	v.SetDefault("scheduler.quality_floor", 60.0)
	v.SetDefault("scheduler.quality_window", 5)

	v.SetDefault("daemon.schedule", "*/10 * * * *")

	v.SetDefault("executor.provider", "anthropic")
	v.SetDefault("executor.default_model", "claude-sonnet-4-20250514")
	v.SetDefault("executor.max_tokens", 4096)
}

// Load reads configuration from path (optional) plus FOREMAN_* env
// overrides. A missing file yields defaults; a malformed one errors.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	for name, w := range map[string]float64{
		"matcher.skill_weight":        c.Matcher.SkillWeight,
		"matcher.quality_weight":      c.Matcher.QualityWeight,
		"matcher.cost_weight":         c.Matcher.CostWeight,
		"matcher.availability_weight": c.Matcher.AvailabilityWeight,
	} {
		if w < 0 {
			return fmt.Errorf("%s must be >= 0, got %v", name, w)
		}
	}
	if c.Matcher.MinScore < 0 || c.Matcher.MinScore > 100 {
		return fmt.Errorf("matcher.min_score must be in [0,100], got %v", c.Matcher.MinScore)
	}
	if c.Consensus.DefaultExecutions < 1 {
		return fmt.Errorf("consensus.default_executions must be >= 1, got %d", c.Consensus.DefaultExecutions)
	}
	if c.Consensus.SimilarityThreshold < 0 || c.Consensus.SimilarityThreshold > 1 {
		return fmt.Errorf("consensus.similarity_threshold must be in [0,1], got %v", c.Consensus.SimilarityThreshold)
	}
	if c.Consensus.ExecutionTimeout <= 0 {
		return fmt.Errorf("consensus.execution_timeout must be positive, got %v", c.Consensus.ExecutionTimeout)
	}
	if c.Consensus.MaxParallelPerAgent < 1 {
		return fmt.Errorf("consensus.max_parallel_per_agent must be >= 1, got %d", c.Consensus.MaxParallelPerAgent)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be >= 1, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.QualityFloor < 0 || c.Scheduler.QualityFloor > 100 {
		return fmt.Errorf("scheduler.quality_floor must be in [0,100], got %v", c.Scheduler.QualityFloor)
	}
	if c.Scheduler.QualityWindow < 1 {
		return fmt.Errorf("scheduler.quality_window must be >= 1, got %d", c.Scheduler.QualityWindow)
	}
	return nil
}

// LogOptions converts the log section into logging.Options.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:         c.Log.Level,
		Dir:           c.Log.Dir,
		Format:        c.Log.Format,
		RetentionDays: c.Log.RetentionDays,
	}
}
