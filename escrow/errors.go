package escrow

import "errors"

// Validation errors reject malformed input before any state is touched.
var (
	ErrInvalidProject   = errors.New("escrow: invalid project")
	ErrInvalidMilestone = errors.New("escrow: invalid milestone")
)

// Lookup errors.
var (
	ErrProjectNotFound   = errors.New("escrow: project not found")
	ErrMilestoneNotFound = errors.New("escrow: milestone not found")
	ErrDisputeNotFound   = errors.New("escrow: no dispute for project")
)

// State-conflict errors mark transitions whose precondition state did not
// match. They are terminal for the caller: retrying without a state change
// yields the same result.
var (
	ErrAlreadyFunded   = errors.New("escrow: milestone already funded")
	ErrAlreadyReleased = errors.New("escrow: milestone already released")
	ErrAlreadyRefunded = errors.New("escrow: milestone already refunded")
	ErrNotFunded       = errors.New("escrow: milestone not funded")
	ErrAmountMismatch  = errors.New("escrow: settled amount does not match milestone amount")
	ErrAssetMismatch   = errors.New("escrow: settled asset does not match milestone asset")
	ErrProjectDisputed = errors.New("escrow: project is disputed")
	ErrNotDisputed     = errors.New("escrow: project is not disputed")
)

// ErrUnauthorized marks callers lacking the required role. Authorization
// failures perform no state mutation.
var ErrUnauthorized = errors.New("escrow: unauthorized")

// IsStateConflict reports whether err is a transition-precondition failure.
func IsStateConflict(err error) bool {
	for _, target := range []error{
		ErrAlreadyFunded, ErrAlreadyReleased, ErrAlreadyRefunded,
		ErrNotFunded, ErrAmountMismatch, ErrAssetMismatch,
		ErrProjectDisputed, ErrNotDisputed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsValidation reports whether err rejects malformed input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidProject) || errors.Is(err, ErrInvalidMilestone)
}

// IsNotFound reports whether err is an unknown-identifier failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProjectNotFound) || errors.Is(err, ErrMilestoneNotFound) || errors.Is(err, ErrDisputeNotFound)
}
