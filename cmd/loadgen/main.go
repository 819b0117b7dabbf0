package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cartridge/experience/internal/loadgen"
	"github.com/cartridge/experience/internal/service"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "loadgen",
	Short: "Experience pool load generator",
	Long: `Load generator that plays synthetic random-walk episodes and appends them
to an experience pool over gRPC.

Episodes that hit max-steps are truncated and appended as infinite-horizon
sequences. After every flush a random batch is read back, as a learner would.`,
	SilenceUsage: true,
	RunE:         runLoadgen,
}

func init() {
	d := loadgen.Default()
	flags := rootCmd.Flags()

	flags.String("pool-addr", d.PoolAddr, "Experience pool gRPC address")
	flags.String("producer-id", d.ProducerID, "Unique producer identifier")
	flags.Int64("seed", d.Seed, "Random seed")

	// Environment settings
	flags.Int("state-size", d.StateSize, "Flat state size")
	flags.String("action-space", d.ActionSpace, "Action space (discrete, continuous)")
	flags.Int("actions", d.Actions, "Number of discrete actions")
	flags.Float64("terminal-prob", d.TerminalProb, "Per-step termination probability")
	flags.Int("max-steps", d.MaxSteps, "Steps before an episode is truncated")

	// Episode settings
	flags.Int("max-episodes", d.MaxEpisodes, "Maximum episodes to run (-1 for unlimited)")
	flags.Duration("episode-timeout", d.EpisodeTimeout, "Timeout per flush")

	// Batch settings
	flags.Int("batch-size", d.BatchSize, "Episodes buffered per flush")
	flags.Duration("flush-interval", d.FlushInterval, "Interval to flush partial batches")
	flags.Int("sample-batch", d.SampleBatch, "Samples read back after each flush (0 disables)")

	flags.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")

	// Bind flags to viper for environment variable support; keys follow the
	// config tags, so --pool-addr is also LOADGEN_POOL_ADDR
	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil {
			panic(err)
		}
	})
	v.SetEnvPrefix("LOADGEN")
	v.AutomaticEnv()
}

func load() (*loadgen.Config, error) {
	cfg := loadgen.Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runLoadgen(cmd *cobra.Command, args []string) error {
	cfg, err := load()
	if err != nil {
		return err
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
	logger.Info().
		Str("producer_id", cfg.ProducerID).
		Str("pool_addr", cfg.PoolAddr).
		Msg("Starting load generator")

	client, err := service.NewClient(cfg.PoolAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to experience pool: %w", err)
	}
	defer client.Close()

	gen, err := loadgen.New(cfg, client, logger)
	if err != nil {
		return fmt.Errorf("failed to create load generator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gen.Run(ctx); err != nil {
		return fmt.Errorf("load generator failed: %w", err)
	}

	logger.Info().Interface("stats", gen.Stats()).Msg("Load generator stopped gracefully")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
