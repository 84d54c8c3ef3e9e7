package batch

import (
	"errors"
)

// Validation and aggregation errors. Validation errors are client errors and
// are returned before anything is dispatched.
var (
	// ErrMalformedBatch is returned when the payload is not a valid batch document.
	ErrMalformedBatch = errors.New("invalid json")

	// ErrEmptyBatch is returned for a batch with no items.
	ErrEmptyBatch = errors.New("empty batch")

	// ErrBatchTooLarge is returned when a batch exceeds the configured maximum size.
	ErrBatchTooLarge = errors.New("batch too large")

	// ErrAggregation is returned when assembling the batch result itself fails.
	ErrAggregation = errors.New("batch aggregation failed")
)

// IsClientError reports whether err is a validation failure that should be
// answered with a 4xx status.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMalformedBatch) ||
		errors.Is(err, ErrEmptyBatch) ||
		errors.Is(err, ErrBatchTooLarge)
}

// ClientMessage returns the short message sent to callers for a validation
// failure.
func ClientMessage(err error) string {
	switch {
	case errors.Is(err, ErrMalformedBatch):
		return ErrMalformedBatch.Error()
	case errors.Is(err, ErrEmptyBatch):
		return ErrEmptyBatch.Error()
	case errors.Is(err, ErrBatchTooLarge):
		return ErrBatchTooLarge.Error()
	default:
		return err.Error()
	}
}
