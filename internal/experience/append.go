package experience

import (
	"errors"
	"fmt"
)

// Append stores a trajectory. It returns once the trajectory is written or,
// when the pool is busy, once a copy of it is queued for the background
// worker. Deferred appends are applied in submission order and their failures
// are logged rather than returned.
func (p *Pool) Append(trajectory []Sample) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.checkShape(trajectory); err != nil {
		return err
	}
	if slots := requiredSlots(trajectory); slots > p.cfg.Capacity {
		p.counters.rejectedTooLong.Add(1)
		p.logger.Warn().
			Int("slots", slots).
			Int("capacity", p.cfg.Capacity).
			Msg("Sequence cannot be stored in this pool")
		return fmt.Errorf("%w: needs %d slots, capacity %d", ErrSequenceTooLong, slots, p.cfg.Capacity)
	}

	// Skip the inline path while earlier appends wait, so order is kept
	if p.queue.pending.Load() == 0 && p.mu.TryLock() {
		defer p.mu.Unlock()
		p.counters.inline.Add(1)
		return p.appendLocked(trajectory)
	}

	return p.deferAppend(trajectory)
}

func (p *Pool) deferAppend(trajectory []Sample) error {
	id, err := p.queue.submit(cloneTrajectory(trajectory))
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			p.counters.rejectedFull.Add(1)
			p.warnFull.Do(func() {
				p.logger.Warn().
					Int64("pending", p.queue.pending.Load()).
					Uint64("rejected_total", p.counters.rejectedFull.Load()).
					Msg("Deferred append queue full, dropping sequence")
			})
		}
		return err
	}

	p.counters.deferred.Add(1)
	p.logger.Debug().
		Str("task_id", id.String()).
		Int("length", len(trajectory)).
		Msg("Pool busy, append deferred")
	return nil
}

// applyDeferred runs on the queue worker.
func (p *Pool) applyDeferred(task appendTask) {
	p.mu.Lock()
	err := p.appendLocked(task.trajectory)
	p.mu.Unlock()

	if err != nil {
		p.counters.deferredFailures.Add(1)
		p.logger.Error().
			Err(err).
			Str("task_id", task.id.String()).
			Int("length", len(task.trajectory)).
			Msg("Deferred append failed")
	}
}

// appendLocked writes trajectory at the head of the ring. The caller holds
// the write lock. Before each record is written, a sequence starting at that
// offset is evicted, so the index never describes overwritten records.
func (p *Pool) appendLocked(trajectory []Sample) error {
	length := len(trajectory)
	last := &trajectory[length-1]
	infinite := !last.Terminal
	slots := requiredSlots(trajectory)
	if slots > p.cfg.Capacity {
		return ErrSequenceTooLong
	}

	bufp := p.scratch.Get().(*[]float32)
	defer p.scratch.Put(bufp)
	record := *bufp

	start := p.index.head()
	offset := start
	for i := 0; i < slots; i++ {
		if evicted, ok := p.index.evictAt(offset); ok {
			p.counters.evicted.Add(1)
			p.logger.Debug().Stringer("location", evicted).Msg("Evicted oldest sequence")
		}

		if i < length {
			p.codec.Encode(&trajectory[i], record)
		} else {
			p.codec.EncodeFinalState(last.NextState, record)
		}
		if err := p.backend.WriteRecord(offset, record); err != nil {
			return fmt.Errorf("failed to write record %d of sequence at %d: %w", i, start, err)
		}

		offset = (offset + 1) % p.cfg.Capacity
	}

	p.index.push(SequenceLocation{Start: start, Length: length, Infinite: infinite})
	return nil
}

func (p *Pool) checkShape(trajectory []Sample) error {
	if len(trajectory) == 0 {
		return ErrEmptySequence
	}
	for i := range trajectory {
		s := &trajectory[i]
		if len(s.State) != p.codec.StateSize {
			return fmt.Errorf("%w: sample %d state has %d values, want %d", ErrShapeMismatch, i, len(s.State), p.codec.StateSize)
		}
		if len(s.Action) != p.codec.ActionSize {
			return fmt.Errorf("%w: sample %d action has %d values, want %d", ErrShapeMismatch, i, len(s.Action), p.codec.ActionSize)
		}
	}
	last := &trajectory[len(trajectory)-1]
	if !last.Terminal && len(last.NextState) != p.codec.StateSize {
		return fmt.Errorf("%w: non-terminal final sample needs a next state of %d values", ErrShapeMismatch, p.codec.StateSize)
	}
	return nil
}

// requiredSlots counts the physical records a trajectory occupies.
func requiredSlots(trajectory []Sample) int {
	if trajectory[len(trajectory)-1].Terminal {
		return len(trajectory)
	}
	return len(trajectory) + 1
}
