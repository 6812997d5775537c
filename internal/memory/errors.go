package memory

import (
	"errors"
	"fmt"
	"time"
)

// Predefined errors for common failure scenarios.
var (
	// ErrNotFound indicates a requested memory, version, or lock is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a precondition failure or lock contention.
	ErrConflict = errors.New("conflict")

	// ErrQuotaExceeded indicates the hard org limit blocks a creation.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInsufficientHistory indicates a rollback beyond available versions.
	ErrInsufficientHistory = errors.New("insufficient history")

	// ErrInvalidArgument indicates malformed input (steps, ttl, threshold).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrForbidden indicates a lock release attempted by a non-holder.
	ErrForbidden = errors.New("forbidden")
)

// OpError wraps errors with the name of the failed operation.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("membank: %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// WrapOp wraps err with operation context, or returns nil if err is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}

// QuotaExceededError carries the concrete usage numbers so callers can decide
// to archive or delete before retrying.
type QuotaExceededError struct {
	OrgID     string
	OrgUsed   int
	HardLimit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("org %s memory quota exceeded: %d/%d", e.OrgID, e.OrgUsed, e.HardLimit)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// ConflictError carries both sides of a colliding write so the caller can
// reconcile without a second round trip.
type ConflictError struct {
	Key             string
	ClientContent   string
	ServerContent   string
	ServerUpdatedAt time.Time
	Hint            string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("memory %s modified at %s since client read", e.Key, e.ServerUpdatedAt.Format(time.RFC3339))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
