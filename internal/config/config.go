package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cartridge/experience/internal/experience"
	"github.com/cartridge/experience/internal/storage"
)

// EnvPrefix prefixes every environment override, e.g. XPOOL_POOL_CAPACITY.
const EnvPrefix = "XPOOL"

// Config holds all experience server configuration
type Config struct {
	Pool     PoolConfig     `mapstructure:"pool"`
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`

	LogLevel string `mapstructure:"log_level"`
}

// PoolConfig describes the experience pool and its storage backend
type PoolConfig struct {
	Name       string `mapstructure:"name"`
	Capacity   int    `mapstructure:"capacity"`
	StateDims  []int  `mapstructure:"state_dims"`
	StateType  string `mapstructure:"state_type"`
	ActionDims []int  `mapstructure:"action_dims"`
	ActionType string `mapstructure:"action_type"`
	QueueSize  int    `mapstructure:"queue_size"`
	Dir        string `mapstructure:"dir"`
	Backend    string `mapstructure:"backend"`
}

// ServerConfig holds HTTP and gRPC listener configuration
type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// NATSConfig holds NATS configuration; an empty URL disables events
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// SnapshotConfig controls periodic dumps; a zero interval disables them
type SnapshotConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// MirrorConfig holds object storage configuration; an empty endpoint
// disables mirroring
type MirrorConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// MetricsConfig holds the DogStatsD agent address; empty logs metrics only
type MetricsConfig struct {
	StatsdAddr string `mapstructure:"statsd_addr"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			Name:       experience.DefaultName,
			Capacity:   experience.DefaultCapacity,
			StateDims:  []int{4},
			ActionDims: []int{1},
			QueueSize:  experience.DefaultQueueSize,
			Dir:        "data",
			Backend:    storage.KindMemory,
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			Subject: "experience",
		},
		Snapshot: SnapshotConfig{
			Interval: 5 * time.Minute,
		},
		Mirror: MirrorConfig{
			Prefix: "experience",
		},
		LogLevel: "info",
	}
}

// Load reads configuration from defaults, an optional config file and
// XPOOL_* environment variables, in increasing precedence. Flags bound to v
// before the call take precedence over all of them.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("pool.name", d.Pool.Name)
	v.SetDefault("pool.capacity", d.Pool.Capacity)
	v.SetDefault("pool.state_dims", d.Pool.StateDims)
	v.SetDefault("pool.state_type", d.Pool.StateType)
	v.SetDefault("pool.action_dims", d.Pool.ActionDims)
	v.SetDefault("pool.action_type", d.Pool.ActionType)
	v.SetDefault("pool.queue_size", d.Pool.QueueSize)
	v.SetDefault("pool.dir", d.Pool.Dir)
	v.SetDefault("pool.backend", d.Pool.Backend)

	v.SetDefault("server.http_addr", d.Server.HTTPAddr)
	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)

	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject", d.NATS.Subject)

	v.SetDefault("snapshot.interval", d.Snapshot.Interval)

	v.SetDefault("mirror.endpoint", d.Mirror.Endpoint)
	v.SetDefault("mirror.bucket", d.Mirror.Bucket)
	v.SetDefault("mirror.prefix", d.Mirror.Prefix)
	v.SetDefault("mirror.access_key", d.Mirror.AccessKey)
	v.SetDefault("mirror.secret_key", d.Mirror.SecretKey)
	v.SetDefault("mirror.use_ssl", d.Mirror.UseSSL)

	v.SetDefault("metrics.statsd_addr", d.Metrics.StatsdAddr)

	v.SetDefault("log_level", d.LogLevel)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := c.Experience(); err != nil {
		return err
	}
	switch c.Pool.Backend {
	case storage.KindMemory, storage.KindFile:
	default:
		return fmt.Errorf("unknown pool backend %q", c.Pool.Backend)
	}
	if c.Pool.Backend == storage.KindFile && c.Pool.Dir == "" {
		return errors.New("file backend requires pool.dir")
	}
	if c.Server.HTTPAddr == "" && c.Server.GRPCAddr == "" {
		return errors.New("at least one of server.http_addr and server.grpc_addr is required")
	}
	if c.Snapshot.Interval < 0 {
		return errors.New("snapshot.interval must not be negative")
	}
	if c.Snapshot.Interval > 0 && c.Pool.Dir == "" {
		return errors.New("snapshot.interval requires pool.dir")
	}
	if c.Mirror.Endpoint != "" && c.Mirror.Bucket == "" {
		return errors.New("mirror.bucket is required when mirror.endpoint is set")
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return errors.New("nats.subject is required when nats.url is set")
	}
	return nil
}

// Experience converts the pool section into an experience.Config.
func (c *Config) Experience() (experience.Config, error) {
	stateType, err := experience.ParseElementType(c.Pool.StateType)
	if err != nil {
		return experience.Config{}, fmt.Errorf("pool.state_type: %w", err)
	}
	actionType, err := experience.ParseElementType(c.Pool.ActionType)
	if err != nil {
		return experience.Config{}, fmt.Errorf("pool.action_type: %w", err)
	}

	pc := experience.Config{
		Name:       c.Pool.Name,
		Capacity:   c.Pool.Capacity,
		StateDims:  c.Pool.StateDims,
		StateType:  stateType,
		ActionDims: c.Pool.ActionDims,
		ActionType: actionType,
		QueueSize:  c.Pool.QueueSize,
		Dir:        c.Pool.Dir,
	}
	if err := pc.Validate(); err != nil {
		return experience.Config{}, fmt.Errorf("pool: %w", err)
	}
	return pc, nil
}
