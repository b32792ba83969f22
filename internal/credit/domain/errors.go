package domain

import "errors"

var (
	// ErrInsufficientBalance means the caller requested more credits than
	// available. Recoverable; the caller decides whether to wait or upsell.
	ErrInsufficientBalance = errors.New("insufficient credit balance")

	// ErrCreditCapExceeded means a distribution would push a member balance
	// above its configured ceiling.
	ErrCreditCapExceeded = errors.New("credit cap exceeded")

	// ErrInvalidModeForOperation means the operation does not apply to the
	// organization's current credit mode.
	ErrInvalidModeForOperation = errors.New("invalid credit mode for operation")

	ErrEntityNotFound = errors.New("entity not found")

	// ErrNotAMember means the distribution target does not belong to the
	// giving organization.
	ErrNotAMember = errors.New("user is not a member of the organization")

	ErrInvalidAmount = errors.New("amount must be positive")
)

// Specific not-found errors all unwrap to ErrEntityNotFound.
var (
	ErrResellerNotFound     = wrapNotFound("reseller not found")
	ErrOrganizationNotFound = wrapNotFound("organization not found")
	ErrUserCreditNotFound   = wrapNotFound("user credit not found")
)

type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return e.msg }
func (e *notFoundError) Unwrap() error { return ErrEntityNotFound }

func wrapNotFound(msg string) error { return &notFoundError{msg: msg} }
