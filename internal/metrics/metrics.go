package metrics

import (
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rs/zerolog"

	"github.com/cartridge/experience/internal/experience"
)

// Collector records pool and API metrics as log lines and, when a statsd
// client is configured, as DogStatsD metrics.
type Collector struct {
	logger zerolog.Logger
	statsd statsd.ClientInterface
}

// NewCollector creates a log-only collector.
func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{
		logger: logger,
		statsd: &statsd.NoOpClient{},
	}
}

// NewStatsdCollector also ships metrics to the DogStatsD agent at addr.
func NewStatsdCollector(logger zerolog.Logger, addr string) (*Collector, error) {
	client, err := statsd.New(addr,
		statsd.WithNamespace("xpool."),
		statsd.WithClientSideAggregation(),
	)
	if err != nil {
		return nil, err
	}
	return &Collector{logger: logger, statsd: client}, nil
}

// Close flushes and closes the statsd client.
func (c *Collector) Close() error {
	return c.statsd.Close()
}

// Track API request metrics
func (c *Collector) APIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	c.logger.Debug().
		Str("metric", "api_request").
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status_code", statusCode).
		Dur("duration", duration).
		Msg("API request metric")

	tags := []string{"method:" + method, "endpoint:" + endpoint, "status_class:" + statusClass(statusCode)}
	_ = c.statsd.Incr("api.requests", tags, 1)
	_ = c.statsd.Timing("api.latency", duration, tags, 1)
}

// Track snapshot outcomes
func (c *Collector) Snapshot(pool string, duration time.Duration, err error) {
	tags := []string{"pool:" + pool}
	if err != nil {
		c.logger.Warn().
			Str("metric", "snapshot_failed").
			Str("pool", pool).
			Err(err).
			Msg("Snapshot metric")
		_ = c.statsd.Incr("snapshot.failures", tags, 1)
		return
	}

	c.logger.Info().
		Str("metric", "snapshot").
		Str("pool", pool).
		Dur("duration", duration).
		Msg("Snapshot metric")
	_ = c.statsd.Timing("snapshot.duration", duration, tags, 1)
}

// PoolStats publishes the pool gauges
func (c *Collector) PoolStats(s experience.Stats) {
	c.logger.Debug().
		Str("metric", "pool_stats").
		Str("pool", s.Name).
		Int("size", s.Size).
		Int("sequences", s.Sequences).
		Int64("pending", s.Pending).
		Uint64("evicted", s.Evicted).
		Uint64("rejected_queue_full", s.RejectedFull).
		Msg("Pool stats metric")

	tags := []string{"pool:" + s.Name}
	_ = c.statsd.Gauge("pool.size", float64(s.Size), tags, 1)
	_ = c.statsd.Gauge("pool.sequences", float64(s.Sequences), tags, 1)
	_ = c.statsd.Gauge("pool.capacity", float64(s.Capacity), tags, 1)
	_ = c.statsd.Gauge("pool.pending", float64(s.Pending), tags, 1)
	_ = c.statsd.Gauge("pool.evicted", float64(s.Evicted), tags, 1)
	_ = c.statsd.Gauge("pool.rejected_queue_full", float64(s.RejectedFull), tags, 1)
	_ = c.statsd.Gauge("pool.deferred_failures", float64(s.DeferredFailures), tags, 1)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
