// Package loadgen drives an experience pool with synthetic episodes, acting
// as both producer and learner.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cartridge/experience/internal/experience"
	"github.com/cartridge/experience/internal/policy"
	"github.com/cartridge/experience/internal/service"
)

// PoolClient is the part of the experience service the generator uses.
type PoolClient interface {
	AppendSequence(context.Context, *service.AppendSequenceRequest) (*service.AppendSequenceResponse, error)
	GetBatch(context.Context, *service.GetBatchRequest) (*service.BatchResponse, error)
	GetStats(context.Context, *service.GetStatsRequest) (*service.StatsResponse, error)
}

// Stats counts what a generator has done.
type Stats struct {
	Episodes  int
	Steps     int
	Truncated int
	Rejected  int
	Sampled   int
}

// Generator plays synthetic episodes with a policy and appends them.
type Generator struct {
	cfg    *Config
	client PoolClient
	policy policy.Policy
	rng    *rand.Rand
	logger zerolog.Logger

	buffer [][]experience.Sample
	stats  Stats
}

func (c *Config) actionSpace() (policy.ActionSpace, error) {
	switch c.ActionSpace {
	case "discrete":
		if c.Actions <= 0 {
			return policy.ActionSpace{}, fmt.Errorf("actions must be positive for a discrete space")
		}
		return policy.Discrete(c.Actions), nil
	case "continuous":
		if len(c.ActionLow) == 0 || len(c.ActionLow) != len(c.ActionHigh) {
			return policy.ActionSpace{}, fmt.Errorf("action_low and action_high must have the same non-zero length")
		}
		return policy.Box(c.ActionLow, c.ActionHigh), nil
	default:
		return policy.ActionSpace{}, fmt.Errorf("unknown action_space %q", c.ActionSpace)
	}
}

// New creates a generator
func New(cfg *Config, client PoolClient, logger zerolog.Logger) (*Generator, error) {
	space, err := cfg.actionSpace()
	if err != nil {
		return nil, err
	}
	randomPolicy, err := policy.NewRandom(space, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy: %w", err)
	}

	return &Generator{
		cfg:    cfg,
		client: client,
		policy: randomPolicy,
		rng:    rand.New(rand.NewSource(cfg.Seed + 1)),
		logger: logger.With().Str("producer_id", cfg.ProducerID).Logger(),
		buffer: make([][]experience.Sample, 0, cfg.BatchSize),
	}, nil
}

// Stats returns the counters so far.
func (g *Generator) Stats() Stats { return g.stats }

// Run plays episodes until ctx is done or MaxEpisodes is reached
func (g *Generator) Run(ctx context.Context) error {
	g.logger.Info().Msg("Load generator starting main loop")

	flushTicker := time.NewTicker(g.cfg.FlushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info().Msg("Context cancelled, stopping load generator")
			return g.Flush(context.Background())

		case <-flushTicker.C:
			if err := g.Flush(ctx); err != nil {
				g.logger.Warn().Err(err).Msg("Failed to flush buffer")
			}

		default:
			if g.cfg.MaxEpisodes > 0 && g.stats.Episodes >= g.cfg.MaxEpisodes {
				g.logger.Info().Int("episodes", g.stats.Episodes).Msg("Reached maximum episodes, stopping")
				return g.Flush(ctx)
			}

			episode, err := g.playEpisode()
			if err != nil {
				return err
			}
			g.buffer = append(g.buffer, episode)
			g.stats.Episodes++

			if len(g.buffer) >= g.cfg.BatchSize {
				if err := g.Flush(ctx); err != nil {
					g.logger.Warn().Err(err).Msg("Failed to flush buffer")
				}
			}
			if g.stats.Episodes%100 == 0 {
				g.logger.Info().Interface("stats", g.stats).Msg("Load generator progress")
			}
		}
	}
}

// playEpisode runs a random walk until it terminates or MaxSteps is reached.
// Truncated episodes end non-terminal and carry their final next state.
func (g *Generator) playEpisode() ([]experience.Sample, error) {
	state := make([]float32, g.cfg.StateSize)
	for i := range state {
		state[i] = float32(g.rng.NormFloat64())
	}

	episode := make([]experience.Sample, 0, 16)
	for step := 0; step < g.cfg.MaxSteps; step++ {
		action, err := g.policy.SelectAction(state, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to select action: %w", err)
		}

		next := make([]float32, len(state))
		var reward float32
		for i := range state {
			next[i] = state[i] + float32(g.rng.NormFloat64())*0.1
			reward -= next[i] * next[i]
		}
		terminal := g.rng.Float64() < g.cfg.TerminalProb

		episode = append(episode, experience.Sample{
			State:    state,
			Action:   action,
			Reward:   reward,
			Terminal: terminal,
		})
		if terminal {
			g.stats.Steps += len(episode)
			return episode, nil
		}
		state = next
	}

	episode[len(episode)-1].NextState = state
	g.stats.Steps += len(episode)
	g.stats.Truncated++
	return episode, nil
}

// Flush appends every buffered episode, then reads a batch back.
func (g *Generator) Flush(ctx context.Context) error {
	if len(g.buffer) == 0 {
		return nil
	}
	g.logger.Debug().Int("episodes", len(g.buffer)).Msg("Flushing episodes to experience pool")

	ctx, cancel := context.WithTimeout(ctx, g.cfg.EpisodeTimeout)
	defer cancel()

	var errs []error
	for _, episode := range g.buffer {
		_, err := g.client.AppendSequence(ctx, &service.AppendSequenceRequest{Samples: episode})
		switch status.Code(err) {
		case codes.OK:
		case codes.ResourceExhausted, codes.FailedPrecondition:
			g.stats.Rejected++
		default:
			errs = append(errs, err)
		}
	}
	g.buffer = g.buffer[:0]

	if err := g.sample(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// sample reads a random batch back, as a learner would.
func (g *Generator) sample(ctx context.Context) error {
	if g.cfg.SampleBatch <= 0 {
		return nil
	}
	stats, err := g.client.GetStats(ctx, &service.GetStatsRequest{})
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	if stats.Size == 0 {
		return nil
	}

	indices := make([]int, g.cfg.SampleBatch)
	for i := range indices {
		indices[i] = g.rng.Intn(stats.Size)
	}
	batch, err := g.client.GetBatch(ctx, &service.GetBatchRequest{Indices: indices})
	if status.Code(err) == codes.OutOfRange {
		// evicted between the two calls
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to sample batch: %w", err)
	}
	g.stats.Sampled += len(batch.Samples)
	return nil
}
