package experience

// Codec maps samples to fixed-width records laid out as
// [state | action | reward | continuation]. Continuation is 1 for
// non-terminal steps and 0 for terminal ones.
type Codec struct {
	StateSize  int
	ActionSize int
}

// Width is the number of float32 values per record.
func (c Codec) Width() int {
	return c.StateSize + c.ActionSize + 2
}

// Encode writes s into dst, which must be Width long.
func (c Codec) Encode(s *Sample, dst []float32) {
	copy(dst[:c.StateSize], s.State)
	copy(dst[c.StateSize:c.StateSize+c.ActionSize], s.Action)
	dst[c.StateSize+c.ActionSize] = s.Reward
	if s.Terminal {
		dst[c.StateSize+c.ActionSize+1] = 0
	} else {
		dst[c.StateSize+c.ActionSize+1] = 1
	}
}

// EncodeFinalState writes the extra record that closes an infinite-horizon
// sequence: the state slot holds the last next state, everything else is zero.
func (c Codec) EncodeFinalState(state []float32, dst []float32) {
	copy(dst[:c.StateSize], state)
	clear(dst[c.StateSize:])
}

// Decode fills state, action, reward and terminal of dst from record. dst
// must already be shaped; NextState is left to the caller because it lives in
// the following record.
func (c Codec) Decode(record []float32, dst *Sample) {
	copy(dst.State, record[:c.StateSize])
	copy(dst.Action, record[c.StateSize:c.StateSize+c.ActionSize])
	dst.Reward = record[c.StateSize+c.ActionSize]
	dst.Terminal = record[c.StateSize+c.ActionSize+1] == 0
}
