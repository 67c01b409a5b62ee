package media

import (
	"fmt"
	"strings"
)

// Reason categorizes an acquisition failure into the buckets the UI can
// explain to the user.
type Reason string

const (
	PermissionDenied  Reason = "permission-denied"
	NotSupported      Reason = "not-supported"
	DeviceUnavailable Reason = "device-unavailable"
)

// AcquisitionError wraps a capture failure with its user-facing category.
type AcquisitionError struct {
	Op     string // "camera/microphone" or "screen"
	Reason Reason
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Message returns the user-facing text for this failure.
func (e *AcquisitionError) Message() string {
	switch e.Reason {
	case PermissionDenied:
		if e.Op == "screen" {
			return "Screen recording permission was denied."
		}
		return "Camera and microphone permissions are required for video calls. Please enable them in your device settings."
	case NotSupported:
		if e.Op == "screen" {
			return "Screen sharing is not supported on this device."
		}
		return "Video calling is not supported on this device."
	default:
		return "Camera or microphone is unavailable. It may be in use by another application."
	}
}

// classify maps a backend error to an AcquisitionError by inspecting its
// text. Capture backends do not share a structured error surface, so
// substring matching is the only portable option.
func classify(op string, err error) *AcquisitionError {
	msg := strings.ToLower(err.Error())
	reason := DeviceUnavailable
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not allowed"):
		reason = PermissionDenied
	case strings.Contains(msg, "not supported") || strings.Contains(msg, "not implemented") || strings.Contains(msg, "unsupported"):
		reason = NotSupported
	}
	return &AcquisitionError{Op: op, Reason: reason, Err: err}
}
