package experience

import (
	"fmt"
)

// Sample reads the index-th sample of the pool, counting from the oldest
// stored sequence. When dst is non-nil its buffers are reused.
func (p *Pool) Sample(dst *Sample, index int) (*Sample, error) {
	p.mu.RLock()
	offset, err := p.index.locateGlobal(index)
	p.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if dst == nil {
		dst = &Sample{}
	}
	if err := p.load(offset, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// Batch reads the samples at the given pool-wide indices.
func (p *Pool) Batch(dst *Batch, indices ...int) (*Batch, error) {
	if dst == nil {
		dst = &Batch{}
	}
	dst.offsets = resizeInts(dst.offsets, len(indices))

	p.mu.RLock()
	for i, index := range indices {
		offset, err := p.index.locateGlobal(index)
		if err != nil {
			p.mu.RUnlock()
			return nil, err
		}
		dst.offsets[i] = offset
	}
	p.mu.RUnlock()

	dst.Samples = resizeSamples(dst.Samples, len(indices))
	for i, offset := range dst.offsets {
		if err := p.load(offset, &dst.Samples[i]); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// Sequence reads up to length consecutive samples of sequence seq starting at
// sample start. A negative length reads to the end of the sequence; longer
// lengths are clipped to it.
func (p *Pool) Sequence(dst *Sequence, seq, start, length int) (*Sequence, error) {
	p.mu.RLock()
	base, err := p.index.locate(seq, start)
	var n int
	if err == nil {
		n = clipLength(p.index.locs[seq].Length-start, length)
	}
	p.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if dst == nil {
		dst = &Sequence{}
	}
	// samples of one sequence are physically contiguous
	dst.Samples = resizeSamples(dst.Samples, n)
	for i := 0; i < n; i++ {
		if err := p.load((base+i)%p.cfg.Capacity, &dst.Samples[i]); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// BatchedSequence reads the same window from several sequences at once and
// returns it step by step: Steps[i].Samples[k] is sample starts[k]+i of
// sequence seqs[k]. The window is the shortest tail among the requests,
// clipped to length when length is non-negative.
//
// Sequence 0 is the only one the writer can evict under a reader, so the read
// lock is held for the whole read when it is requested.
func (p *Pool) BatchedSequence(dst *BatchedSequence, seqs, starts []int, length int) (*BatchedSequence, error) {
	if len(seqs) != len(starts) {
		return nil, fmt.Errorf("%w: %d sequences but %d start offsets", ErrInvalidIndex, len(seqs), len(starts))
	}
	if dst == nil {
		dst = &BatchedSequence{}
	}

	holdLock := false
	for _, seq := range seqs {
		if seq == 0 {
			holdLock = true
			break
		}
	}

	p.mu.RLock()
	locked := true
	unlock := func() {
		if locked {
			p.mu.RUnlock()
			locked = false
		}
	}
	defer unlock()

	dst.bases = resizeInts(dst.bases, len(seqs))
	steps := -1
	for k, seq := range seqs {
		base, err := p.index.locate(seq, starts[k])
		if err != nil {
			return nil, err
		}
		dst.bases[k] = base
		n := clipLength(p.index.locs[seq].Length-starts[k], length)
		if steps < 0 || n < steps {
			steps = n
		}
	}
	if steps < 0 {
		steps = 0
	}
	if !holdLock {
		unlock()
	}

	dst.Steps = resizeBatches(dst.Steps, steps)
	for i := 0; i < steps; i++ {
		batch := &dst.Steps[i]
		batch.Samples = resizeSamples(batch.Samples, len(seqs))
		for k := range seqs {
			if err := p.load((dst.bases[k]+i)%p.cfg.Capacity, &batch.Samples[k]); err != nil {
				return nil, err
			}
		}
	}
	return dst, nil
}

// load decodes the sample recorded at offset into dst. A non-terminal
// sample's next state is the state of the following record.
func (p *Pool) load(offset int, dst *Sample) error {
	bufp := p.scratch.Get().(*[]float32)
	defer p.scratch.Put(bufp)

	if err := p.backend.ReadRecord(offset, *bufp); err != nil {
		return fmt.Errorf("failed to read record %d: %w", offset, err)
	}

	dst.shape(p.codec.StateSize, p.codec.ActionSize)
	p.codec.Decode(*bufp, dst)

	if dst.Terminal {
		clear(dst.NextState)
		return nil
	}
	next := (offset + 1) % p.cfg.Capacity
	if err := p.backend.ReadRecord(next, dst.NextState); err != nil {
		return fmt.Errorf("failed to read next state at %d: %w", next, err)
	}
	return nil
}

func clipLength(remaining, length int) int {
	if length < 0 || length > remaining {
		return remaining
	}
	return length
}
