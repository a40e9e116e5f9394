package graph

import (
	"errors"
	"fmt"
)

// InterruptError is returned by a node that needs outside input before the
// run can continue. It is not a failure: the executor suspends the thread.
type InterruptError struct {
	Node   string
	Reason string
}

func (e *InterruptError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("interrupted: %s", e.Reason)
	}
	return fmt.Sprintf("interrupted at %q: %s", e.Node, e.Reason)
}

// Interrupt suspends the run at the current node.
func Interrupt(reason string) error {
	return &InterruptError{Reason: reason}
}

// AsInterrupt reports whether err is, or wraps, an interrupt.
func AsInterrupt(err error) (*InterruptError, bool) {
	var ie *InterruptError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}
