package experience

// Sample is one time step as seen by a reader. NextState is zero-filled for
// terminal samples.
type Sample struct {
	State     []float32 `json:"state"`
	Action    []float32 `json:"action"`
	Reward    float32   `json:"reward"`
	Terminal  bool      `json:"terminal"`
	NextState []float32 `json:"next_state"`
}

// Clone returns a deep copy of s.
func (s Sample) Clone() Sample {
	return Sample{
		State:     cloneFloats(s.State),
		Action:    cloneFloats(s.Action),
		Reward:    s.Reward,
		Terminal:  s.Terminal,
		NextState: cloneFloats(s.NextState),
	}
}

// shape resizes the vectors in place, allocating only when a buffer is too small.
func (s *Sample) shape(stateSize, actionSize int) {
	s.State = resizeFloats(s.State, stateSize)
	s.Action = resizeFloats(s.Action, actionSize)
	s.NextState = resizeFloats(s.NextState, stateSize)
}

// Batch holds samples fetched by index.
type Batch struct {
	Samples []Sample `json:"samples"`

	offsets []int
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int { return len(b.Samples) }

// Sequence holds consecutive samples of one stored trajectory.
type Sequence struct {
	Samples []Sample `json:"samples"`
}

// Len returns the number of samples in the sequence.
func (s *Sequence) Len() int { return len(s.Samples) }

// BatchedSequence holds one Batch per time step across several sequences.
type BatchedSequence struct {
	Steps []Batch `json:"steps"`

	bases []int
}

// Len returns the number of time steps.
func (b *BatchedSequence) Len() int { return len(b.Steps) }

func cloneTrajectory(trajectory []Sample) []Sample {
	out := make([]Sample, len(trajectory))
	for i := range trajectory {
		out[i] = trajectory[i].Clone()
	}
	return out
}

func cloneFloats(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func resizeFloats(v []float32, n int) []float32 {
	if cap(v) < n {
		return make([]float32, n)
	}
	return v[:n]
}

func resizeSamples(v []Sample, n int) []Sample {
	if cap(v) < n {
		grown := make([]Sample, n)
		copy(grown, v[:cap(v)])
		return grown
	}
	return v[:n]
}

func resizeBatches(v []Batch, n int) []Batch {
	if cap(v) < n {
		grown := make([]Batch, n)
		copy(grown, v[:cap(v)])
		return grown
	}
	return v[:n]
}

func resizeInts(v []int, n int) []int {
	if cap(v) < n {
		return make([]int, n)
	}
	return v[:n]
}
