package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/experience/internal/events"
	"github.com/cartridge/experience/internal/experience"
)

// DefaultStatsInterval is how often pool gauges are reported when unset.
const DefaultStatsInterval = 15 * time.Second

// Recorder receives snapshot outcomes and pool gauges.
type Recorder interface {
	Snapshot(pool string, duration time.Duration, err error)
	PoolStats(s experience.Stats)
}

// Config holds scheduling configuration
type Config struct {
	// Interval between dumps; zero disables periodic dumps
	Interval time.Duration

	// StatsInterval between gauge reports
	StatsInterval time.Duration
}

// Scheduler dumps the pool periodically, mirrors the result and reports
// pool gauges.
type Scheduler struct {
	pool      *experience.Pool
	mirror    Mirror
	publisher events.Publisher
	recorder  Recorder
	config    Config
	logger    zerolog.Logger
}

// NewScheduler creates a new scheduler. mirror may be nil.
func NewScheduler(pool *experience.Pool, mirror Mirror, publisher events.Publisher, recorder Recorder, config Config, logger zerolog.Logger) *Scheduler {
	if config.StatsInterval <= 0 {
		config.StatsInterval = DefaultStatsInterval
	}
	return &Scheduler{
		pool:      pool,
		mirror:    mirror,
		publisher: publisher,
		recorder:  recorder,
		config:    config,
		logger:    logger.With().Str("component", "snapshot").Logger(),
	}
}

// Start runs the scheduling loop until ctx is done
func (s *Scheduler) Start(ctx context.Context) error {
	statsTicker := time.NewTicker(s.config.StatsInterval)
	defer statsTicker.Stop()

	var dumpC <-chan time.Time
	if s.config.Interval > 0 {
		dumpTicker := time.NewTicker(s.config.Interval)
		defer dumpTicker.Stop()
		dumpC = dumpTicker.C
	}

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Dur("stats_interval", s.config.StatsInterval).
		Bool("mirror", s.mirror != nil).
		Msg("Starting snapshot scheduler")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Snapshot scheduler stopped")
			return nil
		case <-statsTicker.C:
			s.recorder.PoolStats(s.pool.Stats())
		case <-dumpC:
			// failures are reported and retried on the next tick
			_ = s.Snapshot(ctx)
		}
	}
}

// Snapshot dumps the pool, uploads the result to the mirror and publishes
// the outcome.
func (s *Scheduler) Snapshot(ctx context.Context) error {
	start := time.Now()
	err := s.pool.Dump(ctx)
	if err == nil && s.mirror != nil {
		if uerr := s.mirror.Upload(ctx, s.pool.Dir()); uerr != nil {
			err = fmt.Errorf("mirror upload failed: %w", uerr)
		}
	}
	elapsed := time.Since(start)

	stats := s.pool.Stats()
	s.recorder.Snapshot(stats.Name, elapsed, err)

	event := events.PoolEvent{
		Pool:      stats.Name,
		Kind:      events.PoolDumped,
		Size:      stats.Size,
		Sequences: stats.Sequences,
		Duration:  elapsed,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		event.Kind = events.PoolFailed
		event.Error = err.Error()
		s.logger.Error().Err(err).Msg("Snapshot failed")
	} else {
		s.logger.Info().
			Int("size", stats.Size).
			Int("sequences", stats.Sequences).
			Dur("elapsed", elapsed).
			Msg("Snapshot complete")
	}
	s.publish(ctx, event)
	return err
}

// Recover loads the last dump into the pool and publishes the result.
func (s *Scheduler) Recover(ctx context.Context) (experience.RecoverResult, error) {
	start := time.Now()
	result, err := s.pool.Recover(ctx)
	stats := s.pool.Stats()

	event := events.PoolEvent{
		Pool:      stats.Name,
		Kind:      events.PoolRecovered,
		Size:      stats.Size,
		Sequences: stats.Sequences,
		Result:    result.String(),
		Duration:  time.Since(start),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		event.Kind = events.PoolFailed
		event.Error = err.Error()
	}
	s.publish(ctx, event)
	return result, err
}

func (s *Scheduler) publish(ctx context.Context, event events.PoolEvent) {
	if err := s.publisher.PublishPoolEvent(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(event.Kind)).Msg("Failed to publish pool event")
	}
}

// Prefetch fills dir from mirror when it holds no sequence log, so a fresh
// node starts from the last mirrored snapshot. It must run before a backend
// is opened on dir. It reports whether anything was fetched.
func Prefetch(ctx context.Context, mirror Mirror, dir string, logger zerolog.Logger) (bool, error) {
	if mirror == nil || dir == "" {
		return false, nil
	}
	_, err := os.Stat(filepath.Join(dir, experience.SequenceLogFile))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}

	n, err := mirror.Download(ctx, dir)
	if err != nil {
		return false, fmt.Errorf("failed to fetch mirrored snapshot: %w", err)
	}
	logger.Info().Int("files", n).Str("dir", dir).Msg("Fetched mirrored snapshot")
	return n > 0, nil
}
