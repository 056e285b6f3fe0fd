package bundles

import (
	"errors"
	"fmt"
)

// ErrTooLarge is returned by content stores when a fetch exceeds its byte
// bound.
var ErrTooLarge = errors.New("content exceeds size limit")

// Failure reasons carried on ContentError. These end up verbatim in the
// submission's error message, so they must stay stable and human-readable.
const (
	ReasonNotBundle        = "not a bundle directory"
	ReasonManifest         = "manifest fetch failed"
	ReasonBadManifest      = "malformed manifest"
	ReasonStream           = "result stream fetch failed"
	ReasonBadStream        = "malformed record stream"
	ReasonIntegrity        = "integrity mismatch"
	ReasonTooLarge         = "content too large"
	ReasonTransport        = "transport failure"
	ReasonNoContentAddress = "no content address"
)

// ContentError is the explicit result type distinguishing retryable
// transport failures from fatal content failures, so callers never have to
// string-match error messages to pick a policy.
type ContentError struct {
	Reason    string
	Retryable bool
	Err       error
}

func (e *ContentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ContentError) Unwrap() error { return e.Err }

// Fatal wraps err as a non-retryable content failure.
func Fatal(reason string, err error) *ContentError {
	return &ContentError{Reason: reason, Retryable: false, Err: err}
}

// Transport wraps err as a retryable transport failure.
func Transport(err error) *ContentError {
	return &ContentError{Reason: ReasonTransport, Retryable: true, Err: err}
}

// Retryable reports whether err is a transient failure worth retrying.
func Retryable(err error) bool {
	var ce *ContentError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// Reason extracts the named failure reason, falling back to err.Error().
func Reason(err error) string {
	var ce *ContentError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return err.Error()
}
