package experience

import (
	"fmt"
)

// SequenceLocation describes where one stored trajectory lives in the ring.
// An infinite sequence did not terminate and occupies one extra record after
// its last sample, holding the final next state.
type SequenceLocation struct {
	Start    int  `json:"start"`
	Length   int  `json:"length"`
	Infinite bool `json:"infinite"`
}

// span is the number of physical records the sequence occupies.
func (l SequenceLocation) span() int {
	if l.Infinite {
		return l.Length + 1
	}
	return l.Length
}

func (l SequenceLocation) String() string {
	return fmt.Sprintf("start=%d length=%d infinite=%t", l.Start, l.Length, l.Infinite)
}

// sequenceIndex lists the live sequences in physical insertion order. The
// spans are contiguous around the ring: each one starts where the previous
// one ended. It is not safe for concurrent use; the pool lock guards it.
type sequenceIndex struct {
	capacity int
	locs     []SequenceLocation

	// samples is the sum of all lengths
	samples int

	// infinite counts infinite locations; translation needs a walk when non-zero
	infinite int
}

func newSequenceIndex(capacity int) sequenceIndex {
	return sequenceIndex{capacity: capacity}
}

func (ix *sequenceIndex) len() int { return len(ix.locs) }

// head is the physical offset the next record will be written to.
func (ix *sequenceIndex) head() int {
	if len(ix.locs) == 0 {
		return 0
	}
	last := ix.locs[len(ix.locs)-1]
	return (last.Start + last.span()) % ix.capacity
}

func (ix *sequenceIndex) push(loc SequenceLocation) {
	ix.locs = append(ix.locs, loc)
	ix.samples += loc.Length
	if loc.Infinite {
		ix.infinite++
	}
}

// evictAt removes the oldest location if it starts at offset, reporting
// whether it did.
func (ix *sequenceIndex) evictAt(offset int) (SequenceLocation, bool) {
	if len(ix.locs) == 0 || ix.locs[0].Start != offset {
		return SequenceLocation{}, false
	}
	oldest := ix.locs[0]
	ix.locs = ix.locs[1:]
	ix.samples -= oldest.Length
	if oldest.Infinite {
		ix.infinite--
	}
	return oldest, true
}

func (ix *sequenceIndex) clear() {
	ix.locs = nil
	ix.samples = 0
	ix.infinite = 0
}

// locate resolves a sample of one sequence to its physical offset.
func (ix *sequenceIndex) locate(seq, offset int) (int, error) {
	if seq < 0 || seq >= len(ix.locs) {
		return 0, fmt.Errorf("%w: sequence %d of %d", ErrInvalidIndex, seq, len(ix.locs))
	}
	if offset < 0 || offset >= ix.locs[seq].Length {
		return 0, fmt.Errorf("%w: offset %d in sequence %d of length %d", ErrInvalidIndex, offset, seq, ix.locs[seq].Length)
	}
	return ix.translate(seq, offset), nil
}

// locateGlobal resolves the index-th sample of the whole pool, counting from
// the oldest sequence.
func (ix *sequenceIndex) locateGlobal(index int) (int, error) {
	if index < 0 || index >= ix.samples {
		return 0, fmt.Errorf("%w: sample %d of %d", ErrInvalidIndex, index, ix.samples)
	}
	return ix.translate(0, index), nil
}

// translate maps a logical offset counted from the start of sequence seq to
// a physical offset. Without infinite sequences samples are dense and the
// mapping is direct. Otherwise every infinite sequence passed over adds one
// physical record that has no logical sample, so the walk corrects for them.
func (ix *sequenceIndex) translate(seq, offset int) int {
	start := ix.locs[seq].Start
	if ix.infinite == 0 {
		return (start + offset) % ix.capacity
	}

	tracked, corrected := 0, 0
	for i := seq; i < len(ix.locs) && tracked < offset; i++ {
		length := ix.locs[i].Length
		tracked += length
		corrected += length
		if tracked > offset {
			corrected -= tracked - offset
		} else if ix.locs[i].Infinite {
			corrected++
		}
	}
	return (start + corrected) % ix.capacity
}

// restore replaces the index with locs after checking they describe a
// consistent ring layout.
func (ix *sequenceIndex) restore(locs []SequenceLocation) error {
	total := 0
	for i, loc := range locs {
		if loc.Start < 0 || loc.Start >= ix.capacity {
			return fmt.Errorf("location %d: start %d outside ring of %d", i, loc.Start, ix.capacity)
		}
		if loc.Length <= 0 {
			return fmt.Errorf("location %d: non-positive length %d", i, loc.Length)
		}
		total += loc.span()
		if total > ix.capacity {
			return fmt.Errorf("location %d: spans exceed capacity %d", i, ix.capacity)
		}
		if i > 0 {
			prev := locs[i-1]
			if want := (prev.Start + prev.span()) % ix.capacity; loc.Start != want {
				return fmt.Errorf("location %d: start %d does not follow previous end %d", i, loc.Start, want)
			}
		}
	}

	ix.clear()
	for _, loc := range locs {
		ix.push(loc)
	}
	return nil
}

// snapshot copies the locations.
func (ix *sequenceIndex) snapshot() []SequenceLocation {
	out := make([]SequenceLocation, len(ix.locs))
	copy(out, ix.locs)
	return out
}
