package peerbridge

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrEngineRejected matches every failure reported by the engine through
	// the failure arm of an observer. Use errors.As with *EngineError for detail.
	ErrEngineRejected = errors.New("engine rejected request")

	// ErrChannelClosed means the callback object was dropped without delivering
	// a result: the engine or session went away mid-flight, or an event channel
	// was detached.
	ErrChannelClosed = errors.New("channel closed without result")

	// ErrResourceInitFailed is returned to every attach that waited on a
	// controller whose encoder could not be created.
	ErrResourceInitFailed = errors.New("encoder resource initialization failed")

	// ErrSubscriberCallbackFailed matches *SubscriberError.
	ErrSubscriberCallbackFailed = errors.New("subscriber callback failed")

	ErrAlreadyAwaited       = errors.New("pending operation already awaited")
	ErrSessionClosed        = errors.New("session closed")
	ErrControllerTerminated = errors.New("encoder controller terminated")
	ErrNoController         = errors.New("no live encoder controller for signature")
	ErrNoEncoder            = errors.New("session has no attached encoder")
	ErrSubscriptionReleased = errors.New("subscription released")
	ErrPoolClosed           = errors.New("encoder pool closed")
	ErrInvalidFrame         = errors.New("invalid frame")
	ErrFrameMismatch        = errors.New("frame does not match encoder resolution")

	ErrProviderNotFound  = errors.New("provider not available")
	ErrCodecNotSupported = errors.New("codec not supported by provider")
)

// EngineError carries what the engine reported for a failed request.
type EngineError struct {
	Op      string // Request that failed ("create_offer", "set_remote_description", ...)
	Kind    string // Engine-provided error class, if any
	Message string // Engine-provided message
	Err     error  // Underlying error, if the engine returned one
}

func (e *EngineError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: engine rejected (%s): %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: engine rejected: %s", e.Op, e.Message)
}

// Is reports ErrEngineRejected as a match so callers can branch on the kind
// without caring about the concrete message.
func (e *EngineError) Is(target error) bool {
	return target == ErrEngineRejected
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// SubscriberError records a fan-out target that failed or panicked while
// receiving a unit. It is logged and counted, never returned to the producer.
type SubscriberError struct {
	SubscriberID string
	Signature    CodecSignature
	Sequence     uint64
	Err          error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s (%s) failed on unit %d: %v",
		e.SubscriberID, e.Signature, e.Sequence, e.Err)
}

func (e *SubscriberError) Is(target error) bool {
	return target == ErrSubscriberCallbackFailed
}

func (e *SubscriberError) Unwrap() error {
	return e.Err
}
