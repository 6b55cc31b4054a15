package queue

import (
	"errors"
	"math"
	"time"
)

const (
	defaultMaxAttempts = 1
	defaultBackoffBase = 5 * time.Second
	backoffMultiplier  = 2.0
	maxBackoff         = 5 * time.Minute
)

// nextRetryDelay returns the delay before the next attempt after
// failedAttempt has completed.
func nextRetryDelay(kind BackoffKind, base time.Duration, failedAttempt int) time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	if kind == BackoffFixed {
		return base
	}

	exponent := float64(failedAttempt - 1)
	delay := time.Duration(float64(base) * math.Pow(backoffMultiplier, exponent))
	if delay <= 0 {
		delay = base
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks an error as non-retryable: the job goes terminal failed
// regardless of remaining attempts.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err (or anything it wraps) was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
