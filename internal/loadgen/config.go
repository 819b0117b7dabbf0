package loadgen

import (
	"fmt"
	"time"
)

// Config holds all load generator configuration
type Config struct {
	// Service endpoint
	PoolAddr string `mapstructure:"pool_addr"`

	ProducerID string `mapstructure:"producer_id"`
	Seed       int64  `mapstructure:"seed"`

	// Environment shape; must match the pool
	StateSize    int       `mapstructure:"state_size"`
	ActionSpace  string    `mapstructure:"action_space"`
	Actions      int       `mapstructure:"actions"`
	ActionLow    []float32 `mapstructure:"action_low"`
	ActionHigh   []float32 `mapstructure:"action_high"`
	TerminalProb float64   `mapstructure:"terminal_prob"`
	MaxSteps     int       `mapstructure:"max_steps"`

	// Episode management
	MaxEpisodes    int           `mapstructure:"max_episodes"`
	EpisodeTimeout time.Duration `mapstructure:"episode_timeout"`

	// Batch settings
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// Learner side: samples read back after each flush; zero disables
	SampleBatch int `mapstructure:"sample_batch"`

	LogLevel string `mapstructure:"log_level"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		PoolAddr:       "localhost:9090",
		ProducerID:     "loadgen-1",
		Seed:           1,
		StateSize:      4,
		ActionSpace:    "discrete",
		Actions:        1,
		TerminalProb:   0.05,
		MaxSteps:       64,
		MaxEpisodes:    -1, // unlimited
		EpisodeTimeout: 30 * time.Second,
		BatchSize:      8,
		FlushInterval:  5 * time.Second,
		SampleBatch:    32,
		LogLevel:       "info",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.PoolAddr == "" {
		return fmt.Errorf("pool_addr is required")
	}
	if c.StateSize <= 0 {
		return fmt.Errorf("state_size must be positive")
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive")
	}
	if c.TerminalProb < 0 || c.TerminalProb > 1 {
		return fmt.Errorf("terminal_prob must be within [0, 1]")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.EpisodeTimeout <= 0 {
		return fmt.Errorf("episode_timeout must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	if _, err := c.actionSpace(); err != nil {
		return err
	}
	return nil
}
