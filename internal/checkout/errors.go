package checkout

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidQuantity is returned when an order is confirmed for fewer than one unit or
	// for more than the controller can price.
	ErrInvalidQuantity = errors.New("checkout: quantity out of range")
	// ErrSessionNotFound is returned by the registry for unknown or evicted sessions.
	ErrSessionNotFound = errors.New("checkout: session not found")
)

// InvalidStateError is returned when confirmation is requested while a session is active.
type InvalidStateError struct {
	Phase Phase
}

func (e *InvalidStateError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("checkout: cannot confirm an order while the session is %s", e.Phase)
}

// IsInvalidState reports whether err is (or wraps) an InvalidStateError.
func IsInvalidState(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}
