package driver

import (
	"errors"
	"fmt"
)

// Status is the accelerator API status code returned by every driver call.
type Status int32

const (
	StatusSuccess      Status = 0
	StatusFail         Status = -1
	StatusRetry        Status = -2
	StatusResource     Status = -3
	StatusInvalidParam Status = -4
	StatusFatal        Status = -5
	StatusUnsupported  Status = -6
	StatusRestarting   Status = -7
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFail:
		return "fail"
	case StatusRetry:
		return "retry"
	case StatusResource:
		return "resource"
	case StatusInvalidParam:
		return "invalid_param"
	case StatusFatal:
		return "fatal"
	case StatusUnsupported:
		return "unsupported"
	case StatusRestarting:
		return "restarting"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// ErrNotAvailable is returned when no accelerator is present on this host.
var ErrNotAvailable = errors.New("driver: accelerator not available")

// StatusError is a non-success status from a named driver call.
type StatusError struct {
	Op     string
	Status Status
	Detail string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("driver: %s returned %s (%d)", e.Op, e.Status, int32(e.Status))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap maps an unsupported status onto ErrNotAvailable.
func (e *StatusError) Unwrap() error {
	if e.Status == StatusUnsupported {
		return ErrNotAvailable
	}
	return nil
}

// Check converts a status into an error. Success is the only status that
// yields nil.
func Check(op string, status Status) error {
	if status == StatusSuccess {
		return nil
	}
	return &StatusError{Op: op, Status: status}
}

// StatusOf extracts the driver status carried by err. A nil error is
// StatusSuccess and an error that did not come from the driver is StatusFail.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusFail
}

// IsRetry reports whether err is a transient "queue full, try again" status.
func IsRetry(err error) bool {
	return StatusOf(err) == StatusRetry
}

// IsFatal reports whether err means the instance can no longer be used.
func IsFatal(err error) bool {
	switch StatusOf(err) {
	case StatusFatal, StatusRestarting:
		return true
	default:
		return false
	}
}
