package domain

import "errors"

var (
	// ErrDataUnavailable marks a failed history/price fetch. The caller
	// retries next cycle; a synthetic value is never substituted.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrInsufficientSample means too few historical touches to compute
	// targets. Treated as "no opportunity", not an error condition.
	ErrInsufficientSample = errors.New("insufficient historical sample")

	// ErrValidationRejected means a risk/reward or tradability threshold
	// was not met. Recorded with a reason and surfaced, not logged as error.
	ErrValidationRejected = errors.New("validation rejected")

	// ErrExecutionFailed marks an order placement or close failure after
	// bounded retries. The position stays in its prior state.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrAlreadyClosed is the idempotency guard on close: success, not an
	// error. Exactly one realized trade exists per position.
	ErrAlreadyClosed = errors.New("position already closed")

	ErrPositionNotFound  = errors.New("position not found")
	ErrDuplicatePosition = errors.New("position already open for symbol and direction")
	ErrExposureLimit     = errors.New("exposure limit reached")
)
