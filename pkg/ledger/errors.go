package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrLicenseNotFound      = errors.New("user license not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrDuplicateTransaction = errors.New("order with this transaction id already exists")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrActiveLicenseExists  = errors.New("user already has an active license")
)

// TransitionError reports an order status change outside the transition
// table, or one the table allows but a guard rejected.
type TransitionError struct {
	From     OrderStatus
	To       OrderStatus
	Rejected bool
}

func (e *TransitionError) Error() string {
	if e.Rejected {
		return fmt.Sprintf("order move from %q to %q was rejected by guards", e.From, e.To)
	}
	return fmt.Sprintf("order cannot move from %q to %q", e.From, e.To)
}

// IsTransitionRejected reports whether err is a *TransitionError raised by a guard.
func IsTransitionRejected(err error) bool {
	var e *TransitionError
	return errors.As(err, &e) && e.Rejected
}

// IsTransitionError reports whether err is (or wraps) a *TransitionError.
func IsTransitionError(err error) bool {
	var e *TransitionError
	return errors.As(err, &e)
}
