// internal/circulation/errors.go
package circulation

import (
	"errors"

	"loanengine/internal/membership"
	"loanengine/internal/reservation"
)

var (
	ErrCopyUnavailable      = errors.New("copy is not available")
	ErrNoOpenLoan           = errors.New("copy has no open loan")
	ErrRenewalLimitExceeded = errors.New("renewal limit exceeded")
	ErrHoldExists           = errors.New("title has members waiting in its hold queue")
	ErrInvalidCursor        = errors.New("invalid ledger cursor")
)

// Errors owned by the member and reservation stores, surfaced unchanged by
// the engine so callers can match everything against this package.
var (
	ErrMemberSuspended     = membership.ErrMemberSuspended
	ErrBorrowLimitExceeded = membership.ErrBorrowLimitExceeded
	ErrDuplicateHold       = reservation.ErrDuplicateHold
	ErrQueueFull           = reservation.ErrQueueFull
	ErrHoldNotFound        = reservation.ErrHoldNotFound
)
