package enrichment

import (
	"context"
	"errors"
	"net"
)

// CapabilityError is returned by capability adapters to tell the coordinator
// whether a failed call is worth retrying.
type CapabilityError struct {
	Transient bool
	Err       error
}

func (e *CapabilityError) Error() string {
	if e == nil || e.Err == nil {
		if e != nil && e.Transient {
			return "transient capability error"
		}
		return "capability error"
	}
	return e.Err.Error()
}

func (e *CapabilityError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &CapabilityError{Transient: true, Err: err}
}

// Permanent marks err as not retryable, overriding any transient cause.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &CapabilityError{Err: err}
}

// ErrMissingCapability is recorded when no adapter is registered for a kind.
var ErrMissingCapability = errors.New("no capability registered")

// IsTransient is the default retry classifier: explicit CapabilityError
// marks first, then per-call deadlines and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return ce.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
