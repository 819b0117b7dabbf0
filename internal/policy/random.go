package policy

import (
	"fmt"
	"math/rand"
)

// ActionSpaceType names the shape of an action space.
type ActionSpaceType int

const (
	ActionSpaceDiscrete ActionSpaceType = iota
	ActionSpaceMultiDiscrete
	ActionSpaceContinuous
)

// ActionSpace describes the valid actions of an environment.
type ActionSpace struct {
	Type ActionSpaceType

	// N is the number of discrete actions, encoded one-hot
	N int

	// Nvec holds the size of each multi-discrete dimension, encoded as indices
	Nvec []int

	// Low and High bound each continuous dimension
	Low  []float32
	High []float32
}

// Discrete returns a one-hot action space of n actions.
func Discrete(n int) ActionSpace {
	return ActionSpace{Type: ActionSpaceDiscrete, N: n}
}

// Box returns a continuous action space within [low, high].
func Box(low, high []float32) ActionSpace {
	return ActionSpace{Type: ActionSpaceContinuous, Low: low, High: high}
}

// Width is the number of float32 values in one action.
func (s ActionSpace) Width() int {
	switch s.Type {
	case ActionSpaceDiscrete:
		return s.N
	case ActionSpaceMultiDiscrete:
		return len(s.Nvec)
	default:
		return len(s.Low)
	}
}

// RandomPolicy selects uniformly random valid actions
type RandomPolicy struct {
	rng   *rand.Rand
	space ActionSpace
}

// NewRandom creates a new random policy for the given action space
func NewRandom(space ActionSpace, seed int64) (*RandomPolicy, error) {
	switch space.Type {
	case ActionSpaceDiscrete:
		if space.N <= 0 {
			return nil, fmt.Errorf("discrete action space needs a positive size, got %d", space.N)
		}
	case ActionSpaceMultiDiscrete:
		if len(space.Nvec) == 0 {
			return nil, fmt.Errorf("multi-discrete action space needs dimensions")
		}
		for _, n := range space.Nvec {
			if n <= 0 {
				return nil, fmt.Errorf("multi-discrete dimensions must be positive, got %v", space.Nvec)
			}
		}
	case ActionSpaceContinuous:
		if len(space.Low) == 0 || len(space.Low) != len(space.High) {
			return nil, fmt.Errorf("continuous action space bounds mismatch")
		}
	default:
		return nil, fmt.Errorf("unsupported action space type: %d", space.Type)
	}

	return &RandomPolicy{
		rng:   rand.New(rand.NewSource(seed)),
		space: space,
	}, nil
}

// Space returns the action space.
func (p *RandomPolicy) Space() ActionSpace { return p.space }

// SelectAction implements Policy interface
func (p *RandomPolicy) SelectAction(state []float32, dst []float32) ([]float32, error) {
	width := p.space.Width()
	if cap(dst) < width {
		dst = make([]float32, width)
	}
	dst = dst[:width]

	switch p.space.Type {
	case ActionSpaceDiscrete:
		clear(dst)
		dst[p.rng.Intn(p.space.N)] = 1
	case ActionSpaceMultiDiscrete:
		for i, n := range p.space.Nvec {
			dst[i] = float32(p.rng.Intn(n))
		}
	case ActionSpaceContinuous:
		for i := range dst {
			low, high := p.space.Low[i], p.space.High[i]
			dst[i] = low + p.rng.Float32()*(high-low)
		}
	default:
		return nil, fmt.Errorf("unknown action space type")
	}
	return dst, nil
}
