// Package experience implements a fixed-capacity circular store of agent
// trajectories. Producers append whole sequences; learners read single
// samples, batches and sequences back by index. The oldest sequences are
// evicted as the write head wraps around the ring.
package experience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cartridge/experience/internal/storage"
)

// Pool is a concurrent experience pool over a storage.Backend.
//
// A single read/write lock guards the sequence index and write head. Reads
// take the read lock only to resolve physical offsets and decode records
// without it; the backend guarantees records are never observed half written.
// Appends never block the producer: when the write lock is busy the
// trajectory is copied onto a queue served by one worker goroutine.
type Pool struct {
	cfg     Config
	codec   Codec
	backend storage.Backend
	logger  zerolog.Logger

	mu    sync.RWMutex
	index sequenceIndex

	queue   *appendQueue
	scratch sync.Pool

	counters counters
	warnFull rate.Sometimes
	closed   atomic.Bool
}

type counters struct {
	inline           atomic.Uint64
	deferred         atomic.Uint64
	rejectedFull     atomic.Uint64
	rejectedTooLong  atomic.Uint64
	deferredFailures atomic.Uint64
	evicted          atomic.Uint64
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Name      string `json:"name"`
	Size      int    `json:"size"`
	Sequences int    `json:"sequences"`
	Capacity  int    `json:"capacity"`
	Head      int    `json:"head"`
	Infinite  bool   `json:"infinite"`
	Pending   int64  `json:"pending"`

	AppendsInline    uint64 `json:"appends_inline"`
	AppendsDeferred  uint64 `json:"appends_deferred"`
	RejectedFull     uint64 `json:"rejected_queue_full"`
	RejectedTooLong  uint64 `json:"rejected_too_long"`
	DeferredFailures uint64 `json:"deferred_failures"`
	Evicted          uint64 `json:"evicted_sequences"`
}

// New creates a pool over backend. The backend geometry must match cfg. New
// does not load persisted state; see Open.
func New(cfg Config, backend storage.Backend, logger zerolog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	cfg = cfg.withDefaults()

	codec := cfg.Codec()
	if backend.Capacity() != cfg.Capacity || backend.Width() != codec.Width() {
		return nil, fmt.Errorf("backend geometry %dx%d does not match pool %dx%d",
			backend.Capacity(), backend.Width(), cfg.Capacity, codec.Width())
	}

	p := &Pool{
		cfg:      cfg,
		codec:    codec,
		backend:  backend,
		logger:   logger.With().Str("component", "experience_pool").Str("pool", cfg.Name).Logger(),
		index:    newSequenceIndex(cfg.Capacity),
		warnFull: rate.Sometimes{Interval: 5 * time.Second},
	}
	width := codec.Width()
	p.scratch.New = func() any {
		buf := make([]float32, width)
		return &buf
	}
	p.queue = newAppendQueue(cfg.QueueSize, p.applyDeferred)

	p.logger.Info().
		Int("capacity", cfg.Capacity).
		Int("state_size", codec.StateSize).
		Int("action_size", codec.ActionSize).
		Str("backend", backend.Kind()).
		Msg("Experience pool created")

	return p, nil
}

// Open creates a pool and loads any state previously written by Dump.
func Open(ctx context.Context, cfg Config, backend storage.Backend, logger zerolog.Logger) (*Pool, RecoverResult, error) {
	p, err := New(cfg, backend, logger)
	if err != nil {
		return nil, RecoverAbsent, err
	}
	result, err := p.Recover(ctx)
	if err != nil {
		p.Close(ctx)
		return nil, result, err
	}
	return p, result, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// Capacity returns the number of physical records in the ring.
func (p *Pool) Capacity() int { return p.cfg.Capacity }

// Dir returns the persistence directory, empty when disabled.
func (p *Pool) Dir() string { return p.cfg.Dir }

// StateDims returns a copy of the state shape.
func (p *Pool) StateDims() []int { return append([]int(nil), p.cfg.StateDims...) }

// ActionDims returns a copy of the action shape.
func (p *Pool) ActionDims() []int { return append([]int(nil), p.cfg.ActionDims...) }

// Codec returns the record layout.
func (p *Pool) Codec() Codec { return p.codec }

// Size returns the number of stored samples.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index.samples
}

// Sequences returns the number of stored sequences.
func (p *Pool) Sequences() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index.len()
}

// SequenceLength returns the sample count of sequence seq.
func (p *Pool) SequenceLength(seq int) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if seq < 0 || seq >= p.index.len() {
		return 0, fmt.Errorf("%w: sequence %d of %d", ErrInvalidIndex, seq, p.index.len())
	}
	return p.index.locs[seq].Length, nil
}

// Locations returns a copy of the sequence index, oldest first.
func (p *Pool) Locations() []SequenceLocation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index.snapshot()
}

// Stats returns a snapshot of the pool's bookkeeping and counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	s := Stats{
		Name:      p.cfg.Name,
		Size:      p.index.samples,
		Sequences: p.index.len(),
		Capacity:  p.cfg.Capacity,
		Head:      p.index.head(),
		Infinite:  p.index.infinite > 0,
	}
	p.mu.RUnlock()

	s.Pending = p.queue.pending.Load()
	s.AppendsInline = p.counters.inline.Load()
	s.AppendsDeferred = p.counters.deferred.Load()
	s.RejectedFull = p.counters.rejectedFull.Load()
	s.RejectedTooLong = p.counters.rejectedTooLong.Load()
	s.DeferredFailures = p.counters.deferredFailures.Load()
	s.Evicted = p.counters.evicted.Load()
	return s
}

// Reset forgets every stored sequence. Backend records are left in place and
// become unreachable until overwritten.
func (p *Pool) Reset() {
	p.mu.Lock()
	dropped := p.index.len()
	p.index.clear()
	p.mu.Unlock()

	p.logger.Info().Int("sequences", dropped).Msg("Experience pool reset")
}

// Flush waits until every append deferred before the call has been applied.
func (p *Pool) Flush(ctx context.Context) error {
	return p.queue.flush(ctx)
}

// Close stops accepting appends and drains the deferred queue. The backend is
// owned by the caller and stays open.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.queue.close(ctx)
	p.logger.Info().Err(err).Msg("Experience pool closed")
	return err
}
