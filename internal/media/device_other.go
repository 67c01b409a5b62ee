//go:build !linux || !cgo

package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// platformDevice on non-Linux builds: capture drivers are not wired, so
// every acquisition fails with a not-supported error the service layer
// classifies for the user.
type platformDevice struct{}

func NewPlatformDevice() (Device, error) {
	return &platformDevice{}, nil
}

func (d *platformDevice) PopulateMediaEngine(_ *webrtc.MediaEngine) {}

func (d *platformDevice) CaptureMedia(_ context.Context) (*Stream, error) {
	return nil, errors.New("local media capture not supported on this platform")
}

func (d *platformDevice) CaptureScreen(_ context.Context, _ ScreenOptions) (*Stream, error) {
	return nil, errors.New("screen capture not supported on this platform")
}

func (d *platformDevice) RequestPermission(_ context.Context, _ PermissionKind) (bool, error) {
	return false, nil
}
