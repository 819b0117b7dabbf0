package experience

import "errors"

var (
	// ErrInvalidIndex indicates an out-of-range sample, sequence or offset.
	ErrInvalidIndex = errors.New("invalid index")
	// ErrSequenceTooLong indicates a trajectory that needs more slots than the pool has.
	ErrSequenceTooLong = errors.New("sequence does not fit in pool")
	// ErrEmptySequence indicates a trajectory without samples.
	ErrEmptySequence = errors.New("empty sequence")
	// ErrShapeMismatch indicates a state or action vector of the wrong size.
	ErrShapeMismatch = errors.New("sample shape does not match pool")
	// ErrQueueFull indicates the deferred append queue rejected a trajectory.
	ErrQueueFull = errors.New("deferred append queue is full")
	// ErrClosed is returned by operations on a closed pool.
	ErrClosed = errors.New("experience pool is closed")
	// ErrPersistenceDisabled is returned by Dump when no directory is configured.
	ErrPersistenceDisabled = errors.New("experience pool has no persistence directory")
)
