package experience

import (
	"fmt"
	"math"
	"strings"
)

const (
	// DefaultCapacity is the number of records a pool holds when unset
	DefaultCapacity = 10000
	// DefaultQueueSize bounds the deferred append queue when unset
	DefaultQueueSize = 1024
	// DefaultName names the pool's descriptor file when unset
	DefaultName = "experience"
)

// ElementType tags what the values of a state or action vector represent.
// It is descriptive only; every element is stored as a float32.
type ElementType int

const (
	TypeUnspecified ElementType = iota
	TypeFloat
	TypeDiscrete
	TypeBinary
	TypeImage
)

var elementTypeNames = map[ElementType]string{
	TypeUnspecified: "",
	TypeFloat:       "float",
	TypeDiscrete:    "discrete",
	TypeBinary:      "binary",
	TypeImage:       "image",
}

func (t ElementType) String() string {
	if name, ok := elementTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ElementType(%d)", int(t))
}

// ParseElementType maps a configuration string to an ElementType. The empty
// string is TypeUnspecified.
func ParseElementType(s string) (ElementType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range elementTypeNames {
		if name == s {
			return t, nil
		}
	}
	return TypeUnspecified, fmt.Errorf("unknown element type %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (t ElementType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *ElementType) UnmarshalText(text []byte) error {
	parsed, err := ParseElementType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Config describes the geometry and persistence of a pool.
type Config struct {
	// Name identifies the pool and names its descriptor file
	Name string

	// Capacity is the number of physical records in the ring
	Capacity int

	StateDims  []int
	StateType  ElementType
	ActionDims []int
	ActionType ElementType

	// QueueSize bounds the deferred append queue
	QueueSize int

	// Dir holds the descriptor and sequence log; empty disables persistence
	Dir string
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Capacity < 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	// the sequence log stores offsets as int32
	if c.Capacity > math.MaxInt32 {
		return fmt.Errorf("capacity must not exceed %d, got %d", math.MaxInt32, c.Capacity)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue size must not be negative, got %d", c.QueueSize)
	}
	if strings.ContainsAny(c.Name, `/\`) {
		return fmt.Errorf("name %q must not contain path separators", c.Name)
	}
	if err := validateDims("state", c.StateDims); err != nil {
		return err
	}
	return validateDims("action", c.ActionDims)
}

// Codec returns the record layout implied by the state and action shapes.
func (c Config) Codec() Codec {
	return Codec{StateSize: volume(c.StateDims), ActionSize: volume(c.ActionDims)}
}

func validateDims(what string, dims []int) error {
	if len(dims) == 0 {
		return fmt.Errorf("%s dims are required", what)
	}
	for _, d := range dims {
		if d <= 0 {
			return fmt.Errorf("%s dims must be positive, got %v", what, dims)
		}
	}
	return nil
}

// volume is the flat element count of a shape.
func volume(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}
