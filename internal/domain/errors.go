package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrPortsExhausted indicates no free port remains in the configured
	// allocation range. Callers must not retry indefinitely.
	ErrPortsExhausted = errors.New("port range exhausted")

	// ErrRuntimeUnavailable means the container runtime cannot be reached.
	// Operations fail fast with this error instead of blocking.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrUnauthorized indicates missing or invalid credentials, or an
	// attach attempt against an instance the caller does not own.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStreamDetached means an active upstream stream closed
	// unexpectedly; the session is torn down and the client must reconnect.
	ErrStreamDetached = errors.New("upstream stream detached")

	// ErrLifecycleConflict is returned when a lifecycle operation is
	// requested while another one is already in flight for the same
	// instance. The request is rejected, never queued.
	ErrLifecycleConflict = errors.New("lifecycle operation already in flight")

	// ErrInstanceNotFound means the requested instance ID does not exist.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceLimitReached is returned when an API key has exhausted
	// its maximum number of non-terminal instances.
	ErrInstanceLimitReached = errors.New("instance limit reached")
)

// InstanceError wraps an underlying error with instance context.
type InstanceError struct {
	InstanceID string
	Op         string
	Err        error
}

func (e *InstanceError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("instance %s: %s: %v", e.InstanceID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}
