package rift

import (
	"errors"
	"fmt"
)

// ErrorCode is a high-level error category. Runtime anomalies in the
// tracking paths are logged and counted, never returned; only
// ErrCodeSetup and ErrCodeRosterFull are returned to callers, and the
// runtime-anomaly codes are defined for classification only.
type ErrorCode string

const (
	ErrCodeTransientUSB    ErrorCode = "transient usb error"
	ErrCodePoolExhausted   ErrorCode = "frame pool exhausted"
	ErrCodeDroppedExposure ErrorCode = "no delay slot for exposure"
	ErrCodeSlotInvalidated ErrorCode = "delay slot invalidated"
	ErrCodeFraming         ErrorCode = "malformed payload"
	ErrCodePoseReject      ErrorCode = "position update rejected"
	ErrCodeSetup           ErrorCode = "setup failed"
	ErrCodeRosterFull      ErrorCode = "roster full"
)

// Error is a structured tracker error with context.
type Error struct {
	Op     string    // Operation that failed (e.g. "AddDevice", "StreamSetup")
	Device int       // Device ID (-1 if not applicable)
	Sensor string    // Sensor serial ("" if not applicable)
	Code   ErrorCode // High-level error category
	Msg    string    // Human-readable message
	Inner  error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	ctx := ""
	switch {
	case e.Sensor != "":
		ctx = fmt.Sprintf(" (op=%s sensor=%s)", e.Op, e.Sensor)
	case e.Device >= 0:
		ctx = fmt.Sprintf(" (op=%s dev=%d)", e.Op, e.Device)
	case e.Op != "":
		ctx = fmt.Sprintf(" (op=%s)", e.Op)
	}

	return fmt.Sprintf("rift: %s%s", msg, ctx)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches two structured errors by code
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Device: -1, Code: code, Msg: msg}
}

// NewDeviceError creates a device-scoped error
func NewDeviceError(op string, deviceID int, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Device: deviceID, Code: code, Msg: msg}
}

// NewSensorError creates a sensor-scoped error
func NewSensorError(op string, serial string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Device: -1, Sensor: serial, Code: code, Msg: msg}
}

// WrapError wraps an existing error with tracker context
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if te, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			Device: te.Device,
			Sensor: te.Sensor,
			Code:   te.Code,
			Msg:    te.Msg,
			Inner:  te.Inner,
		}
	}
	return &Error{Op: op, Device: -1, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}
