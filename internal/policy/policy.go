// Package policy provides action selection strategies for synthetic producers
package policy

// Policy interface for action selection
type Policy interface {
	// SelectAction chooses an action given the current state. The action is
	// written to dst when it is large enough and returned.
	SelectAction(state []float32, dst []float32) ([]float32, error)
}
