package spikes

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	log "log/slog"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the
// final error is returned. This is the coarse infra-level retry used by
// background loops; command handling uses the resiliency package's
// exponential Retrier.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// transientError marks an error as retryable regardless of its shape.
type transientError struct {
	err error
}

func (e transientError) Error() string {
	return e.err.Error()
}

func (e transientError) Unwrap() error {
	return e.err
}

// MarkTransient wraps err so IsTransient reports true. Store adapters use it
// to flag transient data-access failures (serialization aborts, connection
// resets surfaced as driver errors).
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether the error is one of the enumerated retryable
// kinds: I/O errors, timeouts, and transient data-access failures. Domain
// failures (tagged Error values) and context cancellations are permanent
// from the caller's point of view.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te transientError
	if errors.As(err, &te) {
		return true
	}
	// Tagged domain errors are never retried.
	var e Error
	if errors.As(err, &e) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection-level failures worth another attempt.
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.EAGAIN):
		return true
	}

	return false
}
