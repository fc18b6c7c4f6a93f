package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAcquisitionTimeout reports that a pool, proxy or rate-limit wait ran out of time.
	ErrAcquisitionTimeout = errors.New("acquisition timeout")
	// ErrNoHealthyProxy reports that no proxy currently qualifies for selection.
	ErrNoHealthyProxy = errors.New("no healthy proxy available")
	// ErrPoolExhausted reports that a resource pool could not hand out a resource.
	ErrPoolExhausted = errors.New("resource pool exhausted")
	// ErrTaskNotFound is returned by lifecycle lookups on unknown ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrConfiguration marks invalid task or component configuration.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrCancelled reports that a task was cancelled at a checkpoint.
	ErrCancelled = errors.New("task cancelled")
	// ErrMisfire reports that a task was admitted too long after its trigger time.
	ErrMisfire = errors.New("task misfired")
	// ErrRateLimited reports that the rate limiter rejected the attempt.
	ErrRateLimited = errors.New("rate limited")
)

// AcquisitionTimeoutError carries which resource timed out and after how long.
type AcquisitionTimeoutError struct {
	Resource string
	Timeout  time.Duration
}

func (e *AcquisitionTimeoutError) Error() string {
	return fmt.Sprintf("acquire %s: timed out after %s", e.Resource, e.Timeout)
}

// Is makes errors.Is(err, ErrAcquisitionTimeout) match.
func (e *AcquisitionTimeoutError) Is(target error) bool {
	return target == ErrAcquisitionTimeout
}

// RateLimitedError is returned when admission is refused for a domain.
type RateLimitedError struct {
	Domain     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s: retry after %s", e.Domain, e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) match.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ExtractionError wraps a failure from the extraction collaborator.
type ExtractionError struct {
	Err   error
	Fatal bool
}

func (e *ExtractionError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("extraction failed (fatal): %v", e.Err)
	}
	return fmt.Sprintf("extraction failed: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Fatal marks err as an extraction failure that must not be retried.
func Fatal(err error) error {
	return &ExtractionError{Err: err, Fatal: true}
}

// Transient marks err as an extraction failure that may be retried.
func Transient(err error) error {
	return &ExtractionError{Err: err}
}

// Classify maps an attempt error onto its ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}
	if errors.Is(err, ErrCancelled) {
		return ErrorClassCancelled
	}
	if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrMisfire) {
		return ErrorClassTerminal
	}
	var extractErr *ExtractionError
	if errors.As(err, &extractErr) && extractErr.Fatal {
		return ErrorClassTerminal
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassCancelled
	}
	return ErrorClassTransient
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return Classify(err) == ErrorClassTransient
}

// RetryAfter extracts a server-imposed wait from err, if any.
func RetryAfter(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
