package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// Class separates failures that are worth another attempt from those
// that are not. Classification is a property of the error value, not of
// where it was raised.
type Class string

const (
	// ClassTransient covers infrastructure trouble: timeouts, refused
	// connections, collaborator command deadline hits.
	ClassTransient Class = "transient"
	// ClassTerminal covers everything else, including content failures
	// such as a patch that does not fix the tests.
	ClassTerminal Class = "terminal"
)

// transientError marks an error as transient without hiding the cause.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so Classify reports it transient.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Classify decides whether an attempt failure is transient or terminal.
func Classify(err error) Class {
	if err == nil {
		return ClassTerminal
	}
	var marked *transientError
	if errors.As(err, &marked) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ClassTransient
	}
	return ClassTerminal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// Backoff returns the delay before the given attempt number (1-based).
// Doubles per attempt from base, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base > max {
		base = max
	}
	if attempt <= 1 {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// InCooldown reports whether a new attempt for the run must wait, and
// for how much longer.
func InCooldown(lastAttempt *time.Time, cooldown time.Duration, now time.Time) (bool, time.Duration) {
	if lastAttempt == nil || cooldown <= 0 {
		return false, 0
	}
	elapsed := now.Sub(*lastAttempt)
	if elapsed >= cooldown {
		return false, 0
	}
	return true, cooldown - elapsed
}

// BudgetExhausted reports whether the run has used all its attempts.
func BudgetExhausted(attemptCount, maxAttempts int) bool {
	return maxAttempts > 0 && attemptCount >= maxAttempts
}
