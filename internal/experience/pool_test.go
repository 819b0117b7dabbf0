package experience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/experience/internal/storage"
)

func newTestPool(t *testing.T, capacity int, dir string) *Pool {
	t.Helper()
	cfg := Config{
		Name:       "test",
		Capacity:   capacity,
		StateDims:  []int{2},
		ActionDims: []int{1},
		QueueSize:  16,
		Dir:        dir,
	}
	backend, err := storage.NewMemoryBackend(capacity, Codec{StateSize: 2, ActionSize: 1}.Width(), dir)
	require.NoError(t, err)

	p, err := New(cfg, backend, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Close(context.Background())
		backend.Close()
	})
	return p
}

// trajectory builds n steps whose state is {base+i, -(base+i)}. The last
// step is terminal when terminal is set, otherwise it carries a next state.
func trajectory(base, n int, terminal bool) []Sample {
	out := make([]Sample, n)
	for i := range out {
		v := float32(base + i)
		out[i] = Sample{
			State:  []float32{v, -v},
			Action: []float32{float32(i % 3)},
			Reward: v / 10,
		}
	}
	last := &out[n-1]
	if terminal {
		last.Terminal = true
	} else {
		v := float32(base + n)
		last.NextState = []float32{v, -v}
	}
	return out
}

func TestPool_AppendAndEvict(t *testing.T) {
	p := newTestPool(t, 10, "")

	require.NoError(t, p.Append(trajectory(0, 4, true)))
	assert.Equal(t, 4, p.Size())
	assert.Equal(t, 1, p.Sequences())

	first, err := p.Sample(nil, 0)
	require.NoError(t, err)
	assert.False(t, first.Terminal)
	assert.Equal(t, []float32{1, -1}, first.NextState)

	last, err := p.Sample(nil, 3)
	require.NoError(t, err)
	assert.True(t, last.Terminal)
	assert.Equal(t, []float32{0, 0}, last.NextState)

	// 4 + 8 > 10 forces the first sequence out
	require.NoError(t, p.Append(trajectory(100, 8, true)))
	assert.Equal(t, 8, p.Size())
	assert.Equal(t, 1, p.Sequences())
	assert.Equal(t, []SequenceLocation{{Start: 4, Length: 8}}, p.Locations())

	s, err := p.Sample(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{100, -100}, s.State)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Evicted)
	assert.Equal(t, uint64(2), stats.AppendsInline)
}

func TestPool_InfiniteHorizon(t *testing.T) {
	p := newTestPool(t, 10, "")

	require.NoError(t, p.Append(trajectory(0, 3, false)))
	assert.Equal(t, 3, p.Size())
	n, err := p.SequenceLength(0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, p.Stats().Infinite)
	assert.Equal(t, 4, p.Stats().Head)

	seq, err := p.Sequence(nil, 0, 0, -1)
	require.NoError(t, err)
	require.Equal(t, 3, seq.Len())
	assert.False(t, seq.Samples[2].Terminal)
	assert.Equal(t, []float32{3, -3}, seq.Samples[2].NextState)

	// the extra record is skipped by pool-wide indexing
	require.NoError(t, p.Append(trajectory(50, 2, true)))
	s, err := p.Sample(nil, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{50, -50}, s.State)
	assert.Equal(t, 5, p.Size())
}

func TestPool_SequenceWindow(t *testing.T) {
	p := newTestPool(t, 10, "")
	require.NoError(t, p.Append(trajectory(0, 5, true)))

	seq, err := p.Sequence(nil, 0, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 2, seq.Len())
	assert.Equal(t, []float32{1, -1}, seq.Samples[0].State)
	assert.Equal(t, []float32{2, -2}, seq.Samples[1].State)

	clipped, err := p.Sequence(nil, 0, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, clipped.Len())

	_, err = p.Sequence(nil, 0, 5, 1)
	assert.ErrorIs(t, err, ErrInvalidIndex)
	_, err = p.Sequence(nil, 1, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestPool_SequenceAcrossWrap(t *testing.T) {
	p := newTestPool(t, 10, "")
	require.NoError(t, p.Append(trajectory(0, 6, true)))
	require.NoError(t, p.Append(trajectory(10, 3, true)))
	// head is at 9; this one wraps to offsets 9, 0, 1, 2
	require.NoError(t, p.Append(trajectory(20, 4, true)))

	locs := p.Locations()
	require.Len(t, locs, 2)
	assert.Equal(t, SequenceLocation{Start: 9, Length: 4}, locs[1])

	seq, err := p.Sequence(nil, 1, 0, -1)
	require.NoError(t, err)
	require.Equal(t, 4, seq.Len())
	for i, s := range seq.Samples {
		assert.Equal(t, float32(20+i), s.State[0])
	}
}

func TestPool_BatchedSequence(t *testing.T) {
	p := newTestPool(t, 20, "")
	require.NoError(t, p.Append(trajectory(0, 4, true)))
	require.NoError(t, p.Append(trajectory(10, 6, false)))

	bs, err := p.BatchedSequence(nil, []int{0, 1}, []int{1, 2}, -1)
	require.NoError(t, err)
	// min(4-1, 6-2)
	require.Equal(t, 3, bs.Len())
	for i, step := range bs.Steps {
		require.Equal(t, 2, step.Len())
		assert.Equal(t, float32(1+i), step.Samples[0].State[0])
		assert.Equal(t, float32(12+i), step.Samples[1].State[0])
	}

	short, err := p.BatchedSequence(bs, []int{1}, []int{0}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, short.Len())

	_, err = p.BatchedSequence(nil, []int{0, 1}, []int{0}, 1)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestPool_Batch(t *testing.T) {
	p := newTestPool(t, 10, "")
	require.NoError(t, p.Append(trajectory(0, 3, false)))
	require.NoError(t, p.Append(trajectory(10, 3, true)))

	b, err := p.Batch(nil, 5, 0, 3)
	require.NoError(t, err)
	require.Equal(t, 3, b.Len())
	assert.Equal(t, float32(12), b.Samples[0].State[0])
	assert.Equal(t, float32(0), b.Samples[1].State[0])
	assert.Equal(t, float32(10), b.Samples[2].State[0])

	_, err = p.Batch(b, 6)
	assert.ErrorIs(t, err, ErrInvalidIndex)
	_, err = p.Sample(nil, -1)
	assert.ErrorIs(t, err, ErrInvalidIndex)
}

func TestPool_AppendValidation(t *testing.T) {
	p := newTestPool(t, 10, "")

	assert.ErrorIs(t, p.Append(nil), ErrEmptySequence)
	assert.ErrorIs(t, p.Append([]Sample{{State: []float32{1}, Action: []float32{1}, Terminal: true}}), ErrShapeMismatch)
	assert.ErrorIs(t, p.Append([]Sample{{State: []float32{1, 2}, Action: []float32{1}}}), ErrShapeMismatch)

	// 10 samples plus the closing record need 11 slots
	assert.ErrorIs(t, p.Append(trajectory(0, 10, false)), ErrSequenceTooLong)
	assert.NoError(t, p.Append(trajectory(0, 10, true)))
	assert.Equal(t, uint64(1), p.Stats().RejectedTooLong)
}

func TestPool_RandomAppendsKeepLayout(t *testing.T) {
	const capacity = 37
	p := newTestPool(t, capacity, "")
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(12)
		require.NoError(t, p.Append(trajectory(i*100, n, rng.Intn(2) == 0)))

		locs := p.Locations()
		require.NotEmpty(t, locs)
		total, err := checkLayout(locs, capacity)
		require.NoError(t, err)
		require.Equal(t, total, p.Size())

		// the newest sequence is always readable and intact
		last := len(locs) - 1
		seq, err := p.Sequence(nil, last, 0, -1)
		require.NoError(t, err)
		require.Equal(t, n, seq.Len())
		for k, s := range seq.Samples {
			require.Equal(t, float32(i*100+k), s.State[0])
		}
	}
}

// checkLayout verifies that locs are contiguous around the ring and fit in
// it, and returns the number of samples they hold.
func checkLayout(locs []SequenceLocation, capacity int) (int, error) {
	used, total := 0, 0
	for k, loc := range locs {
		used += loc.span()
		total += loc.Length
		if k > 0 {
			prev := locs[k-1]
			if want := (prev.Start + prev.span()) % capacity; loc.Start != want {
				return 0, fmt.Errorf("location %d starts at %d, want %d", k, loc.Start, want)
			}
		}
	}
	if used > capacity {
		return 0, fmt.Errorf("spans use %d records of %d", used, capacity)
	}
	return total, nil
}

func TestPool_TranslateMatchesDirectWalk(t *testing.T) {
	p := newTestPool(t, 64, "")
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 40; i++ {
		require.NoError(t, p.Append(trajectory(0, 1+rng.Intn(6), rng.Intn(3) == 0)))
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	// enumerate physical offsets of every sample by walking spans
	var want []int
	for _, loc := range p.index.locs {
		for k := 0; k < loc.Length; k++ {
			want = append(want, (loc.Start+k)%p.cfg.Capacity)
		}
	}
	require.Len(t, want, p.index.samples)
	for i, offset := range want {
		got, err := p.index.locateGlobal(i)
		require.NoError(t, err)
		require.Equal(t, offset, got, "sample %d", i)
	}
}

func TestPool_ReusesDestination(t *testing.T) {
	p := newTestPool(t, 32, "")
	require.NoError(t, p.Append(trajectory(0, 8, true)))
	require.NoError(t, p.Append(trajectory(10, 8, false)))

	batch, err := p.Batch(nil, 0, 1, 2, 3)
	require.NoError(t, err)
	seqs := []int{0, 1}
	starts := []int{0, 0}
	bs, err := p.BatchedSequence(nil, seqs, starts, 4)
	require.NoError(t, err)

	allocs := testing.AllocsPerRun(50, func() {
		batch, _ = p.Batch(batch, 4, 5, 6, 7)
		bs, _ = p.BatchedSequence(bs, seqs, starts, 4)
	})
	assert.Zero(t, allocs)
}

func TestPool_ContendedAppendIsDeferred(t *testing.T) {
	p := newTestPool(t, 20, "")

	p.mu.Lock()
	require.NoError(t, p.Append(trajectory(0, 3, true)))
	require.NoError(t, p.Append(trajectory(10, 2, true)))
	assert.Equal(t, int64(2), p.queue.pending.Load())
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(ctx))

	assert.Equal(t, 5, p.Size())
	locs := p.Locations()
	require.Len(t, locs, 2)
	assert.Equal(t, 3, locs[0].Length, "deferred appends keep submission order")
	assert.Equal(t, uint64(2), p.Stats().AppendsDeferred)
}

func TestPool_QueueFull(t *testing.T) {
	p := newTestPool(t, 20, "")

	p.mu.Lock()
	// the worker takes one task and blocks on the lock, 16 more fill the queue
	var full int
	for i := 0; i < 40; i++ {
		if err := p.Append(trajectory(0, 1, true)); err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
			full++
		}
	}
	p.mu.Unlock()

	assert.Positive(t, full)
	assert.Equal(t, uint64(full), p.Stats().RejectedFull)
	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, 40-full, int(p.Stats().AppendsDeferred))
}

func TestPool_ResetAndClose(t *testing.T) {
	p := newTestPool(t, 10, "")
	require.NoError(t, p.Append(trajectory(0, 3, false)))

	p.Reset()
	assert.Zero(t, p.Size())
	assert.Zero(t, p.Sequences())
	assert.False(t, p.Stats().Infinite)
	assert.Equal(t, 0, p.Stats().Head)

	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, p.Append(trajectory(0, 1, true)), ErrClosed)
	assert.NoError(t, p.Close(context.Background()))
}

func TestPool_ReturnedSamplesAreCopies(t *testing.T) {
	p := newTestPool(t, 10, "")
	in := trajectory(0, 2, true)
	require.NoError(t, p.Append(in))
	in[0].State[0] = 99

	s, err := p.Sample(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(0), s.State[0])

	s.State[0] = 42
	again, err := p.Sample(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(0), again.State[0])
}

func TestPool_BackendWriteFailure(t *testing.T) {
	ctx := context.Background()
	backend := newFaultyBackend(t, 10, "")
	p, err := New(Config{Name: "test", Capacity: 10, StateDims: []int{2}, ActionDims: []int{1}, QueueSize: 16}, backend, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(ctx) })

	require.NoError(t, p.Append(trajectory(0, 4, true)))
	require.NoError(t, p.Append(trajectory(10, 4, true)))

	// offsets 8 and 9 are written, offset 0 evicts the oldest sequence and fails
	backend.writesLeft.Store(2)
	err = p.Append(trajectory(20, 5, true))
	require.ErrorIs(t, err, errDiskFull)

	assert.Equal(t, []SequenceLocation{{Start: 4, Length: 4}}, p.Locations())
	total, err := checkLayout(p.Locations(), 10)
	require.NoError(t, err)
	assert.Equal(t, total, p.Size())
	assert.Equal(t, 8, p.Stats().Head)

	got, err := p.Sample(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{10, -10}, got.State)

	// a deferred append reports nothing to the producer
	p.mu.Lock()
	require.NoError(t, p.Append(trajectory(30, 2, true)))
	p.mu.Unlock()
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, uint64(1), p.Stats().DeferredFailures)
	assert.Equal(t, 4, p.Size())

	backend.writesLeft.Store(math.MaxInt64)
	require.NoError(t, p.Append(trajectory(40, 2, true)))
	assert.Equal(t, []SequenceLocation{{Start: 4, Length: 4}, {Start: 8, Length: 2}}, p.Locations())
	assert.Equal(t, 6, p.Size())
}

func TestPool_ConcurrentProducersAndReaders(t *testing.T) {
	const (
		capacity  = 64
		producers = 4
		readers   = 4
		appends   = 200
	)
	p := newTestPool(t, capacity, "")

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < appends; i++ {
				err := p.Append(trajectory(w*100000+i*10, 1+rng.Intn(8), rng.Intn(2) == 0))
				if errors.Is(err, ErrQueueFull) {
					continue
				}
				if err != nil {
					t.Errorf("producer %d: %v", w, err)
					return
				}
				accepted.Add(1)
			}
		}(w)
	}

	stop := make(chan struct{})
	var rg sync.WaitGroup
	for r := 0; r < readers; r++ {
		rg.Add(1)
		go func(r int) {
			defer rg.Done()
			rng := rand.New(rand.NewSource(int64(100 + r)))
			var sample Sample
			var bs BatchedSequence
			for {
				select {
				case <-stop:
					return
				default:
				}

				if _, err := checkLayout(p.Locations(), capacity); err != nil {
					t.Errorf("reader %d: %v", r, err)
					return
				}

				// the oldest sequence cannot change while it is being read
				if _, err := p.BatchedSequence(&bs, []int{0}, []int{0}, -1); err == nil {
					first := bs.Steps[0].Samples[0].State[0]
					for i, step := range bs.Steps {
						s := step.Samples[0]
						if s.State[0] != first+float32(i) || s.State[1] != -s.State[0] {
							t.Errorf("reader %d: step %d of oldest sequence is %v", r, i, s.State)
							return
						}
						if !s.Terminal && s.NextState[0] != s.State[0]+1 {
							t.Errorf("reader %d: step %d next state %v after %v", r, i, s.NextState, s.State)
							return
						}
					}
				} else if !errors.Is(err, ErrInvalidIndex) {
					t.Errorf("reader %d: %v", r, err)
					return
				}

				if size := p.Size(); size > 0 {
					_, err := p.Sample(&sample, rng.Intn(size))
					switch {
					case errors.Is(err, ErrInvalidIndex):
					case err != nil:
						t.Errorf("reader %d: %v", r, err)
						return
					case sample.State[1] != -sample.State[0]:
						t.Errorf("reader %d: torn sample %v", r, sample.State)
						return
					}
				}
			}
		}(r)
	}

	wg.Wait()
	close(stop)
	rg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Flush(ctx))

	total, err := checkLayout(p.Locations(), capacity)
	require.NoError(t, err)
	stats := p.Stats()
	assert.Equal(t, total, stats.Size)
	assert.Equal(t, accepted.Load(), int64(stats.AppendsInline+stats.AppendsDeferred))
	assert.Zero(t, stats.DeferredFailures)
}
