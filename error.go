package spikes

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a failure so the HTTP layer and callers can react
// without string matching.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	ValidationFailed
	ProductNotFound
	DuplicateSKU
	ConcurrentModification
	ProductDeleted
	InvalidStateTransition
	PriceThresholdExceeded
	InvariantViolation
	RateLimited
	ServiceUnavailable
	InternalError
)

// Error is the tagged error value used across the spikes. Details carries
// code-specific data (field errors, version pair, threshold numbers) that the
// REST layer serializes verbatim.
type Error struct {
	Code    ErrorCode
	Err     error
	Details map[string]any
}

func (e Error) Error() string {
	return fmt.Sprintf("error code: %d, details: %v, cause: %v", e.Code, e.Details, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error with the given code and cause.
func NewError(code ErrorCode, err error) Error {
	return Error{Code: code, Err: err}
}

// NewErrorWithDetails builds an Error carrying code-specific detail data.
func NewErrorWithDetails(code ErrorCode, err error, details map[string]any) Error {
	return Error{Code: code, Err: err, Details: details}
}

// CodeOf extracts the ErrorCode from err, or InternalError when err is not
// a spikes Error.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}

// HTTPStatus maps an ErrorCode to the status its REST surface returns.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ValidationFailed, InvariantViolation:
		return http.StatusBadRequest
	case ProductNotFound:
		return http.StatusNotFound
	case DuplicateSKU, ConcurrentModification:
		return http.StatusConflict
	case ProductDeleted:
		return http.StatusGone
	case InvalidStateTransition, PriceThresholdExceeded:
		return http.StatusUnprocessableEntity
	case RateLimited:
		return http.StatusTooManyRequests
	case ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// String returns the wire name of the code, as surfaced in error payloads.
func (c ErrorCode) String() string {
	switch c {
	case ValidationFailed:
		return "VALIDATION_FAILED"
	case ProductNotFound:
		return "PRODUCT_NOT_FOUND"
	case DuplicateSKU:
		return "DUPLICATE_SKU"
	case ConcurrentModification:
		return "CONCURRENT_MODIFICATION"
	case ProductDeleted:
		return "PRODUCT_DELETED"
	case InvalidStateTransition:
		return "INVALID_STATE_TRANSITION"
	case PriceThresholdExceeded:
		return "PRICE_THRESHOLD_EXCEEDED"
	case InvariantViolation:
		return "INVARIANT_VIOLATION"
	case RateLimited:
		return "RATE_LIMITED"
	case ServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	case InternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}
