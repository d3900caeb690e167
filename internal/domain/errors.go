package domain

import (
	"errors"
	"fmt"
)

var (
	ErrStaleMessage        = errors.New("message timestamp not newer than last accepted")
	ErrDuplicateMessage    = errors.New("message content hash already seen")
	ErrBadSignature        = errors.New("signature does not match message content")
	ErrOwnershipUnverified = errors.New("node ownership could not be verified")
)

// ConfigValidationError is fatal at startup; the node must not run with
// invalid identity claims.
type ConfigValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s=%q: %s", e.Field, e.Value, e.Reason)
}

// DeviceEnumerationError means the device management layer could not be
// initialized or enumerated. Fatal for the telemetry cycle: zero devices is
// a valid real state and must not be confused with a driver failure.
type DeviceEnumerationError struct {
	Cause error
}

func (e *DeviceEnumerationError) Error() string {
	return fmt.Sprintf("device enumeration failed: %v", e.Cause)
}

func (e *DeviceEnumerationError) Unwrap() error { return e.Cause }

// DeviceReadError means a single device read failed after successful
// enumeration. Accelerator metrics are all-or-nothing, so this is fatal for
// the cycle as well.
type DeviceReadError struct {
	Index int
	Cause error
}

func (e *DeviceReadError) Error() string {
	return fmt.Sprintf("device %d read failed: %v", e.Index, e.Cause)
}

func (e *DeviceReadError) Unwrap() error { return e.Cause }

// ServingQueryError is recoverable: the statistic degrades to zero and the
// cycle continues.
type ServingQueryError struct {
	Stat  string
	Cause error
}

func (e *ServingQueryError) Error() string {
	return fmt.Sprintf("serving metric %q query failed: %v", e.Stat, e.Cause)
}

func (e *ServingQueryError) Unwrap() error { return e.Cause }

// SerializationError is an internal invariant violation: valid messages
// always encode. Fatal for the publish attempt.
type SerializationError struct {
	Cause error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("canonical encoding failed: %v", e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// SignatureError is fatal for the publish attempt; the message is not
// emitted.
type SignatureError struct {
	Cause error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signing failed: %v", e.Cause)
}

func (e *SignatureError) Unwrap() error { return e.Cause }
