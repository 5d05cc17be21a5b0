package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the product does not exist.
	ErrNotFound = errors.New("product not found")

	// ErrInsufficientStock means a reservation would take the quantity below
	// zero. Nothing was changed.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInvalidQuantity rejects negative absolute quantities and non-positive
	// deltas.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrLockTimeout means the product lock could not be acquired within the
	// configured bound. The caller may retry.
	ErrLockTimeout = errors.New("timed out waiting for inventory lock")
)

// TransientError wraps a storage failure during a locked mutation. The lock
// has been released; the caller may retry the whole operation.
type TransientError struct {
	Op        string
	ProductID int64
	Err       error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("inventory %s for product %d: %v", e.Op, e.ProductID, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth retrying from scratch.
func IsRetryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, ErrLockTimeout)
}
