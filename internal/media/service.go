package media

import (
	"context"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("media")

// PermissionKind identifies a capture permission.
type PermissionKind string

const (
	Camera     PermissionKind = "camera"
	Microphone PermissionKind = "microphone"
)

// QualityPreset names a screen-capture resolution/frame-rate tuple.
type QualityPreset string

const (
	QualityLow    QualityPreset = "low"
	QualityMedium QualityPreset = "medium"
	QualityHigh   QualityPreset = "high"
)

// Constraints returns the width, height and frame rate for a preset.
// Unknown presets fall back to medium.
func (q QualityPreset) Constraints() (width, height, fps int) {
	switch q {
	case QualityLow:
		return 1280, 720, 15
	case QualityHigh:
		return 2560, 1440, 60
	default:
		return 1920, 1080, 30
	}
}

// ScreenOptions configures a screen capture.
type ScreenOptions struct {
	IncludeAudio bool
	Quality      QualityPreset
	FrameRate    int // 0 means the preset's rate
}

// Device is the capture primitive. The platform backend implements it over
// pion/mediadevices; tests use fakes.
type Device interface {
	// CaptureMedia opens the camera and microphone.
	CaptureMedia(ctx context.Context) (*Stream, error)

	// CaptureScreen opens a screen capture with the given constraints.
	CaptureScreen(ctx context.Context, opts ScreenOptions) (*Stream, error)

	// RequestPermission asks the platform for a capture permission.
	RequestPermission(ctx context.Context, kind PermissionKind) (bool, error)
}

// Capabilities is the result of a non-destructive screen-capture probe.
type Capabilities struct {
	Supported      bool
	AudioSupported bool
	Err            string
}

// Service is the media acquisition layer: permission preflight, capture,
// capability probing and release.
type Service struct {
	dev Device
}

func NewService(dev Device) *Service {
	return &Service{dev: dev}
}

// AcquireLocalMedia obtains the camera+microphone stream. Permission denial
// and capture failures come back as *AcquisitionError so the caller can
// surface a user-facing message and roll back the join in progress.
func (s *Service) AcquireLocalMedia(ctx context.Context) (*Stream, error) {
	for _, kind := range []PermissionKind{Camera, Microphone} {
		granted, err := s.dev.RequestPermission(ctx, kind)
		if err != nil {
			return nil, classify("camera/microphone", err)
		}
		if !granted {
			return nil, &AcquisitionError{
				Op:     "camera/microphone",
				Reason: PermissionDenied,
				Err:    fmt.Errorf("%s permission not granted", kind),
			}
		}
	}

	stream, err := s.dev.CaptureMedia(ctx)
	if err != nil {
		return nil, classify("camera/microphone", err)
	}
	log.Infof("local media captured: %d tracks", len(stream.Tracks()))
	return stream, nil
}

// ScreenCapabilities probes screen-capture support by acquiring a minimal
// test stream and releasing it immediately. It never prompts for the real
// capture; an unsupported platform fails fast here.
func (s *Service) ScreenCapabilities(ctx context.Context) Capabilities {
	probe, err := s.dev.CaptureScreen(ctx, ScreenOptions{
		Quality:   QualityLow,
		FrameRate: 1,
	})
	if err != nil {
		log.Debugf("screen capability probe failed: %v", err)
		return Capabilities{Supported: false, Err: err.Error()}
	}
	audio := len(probe.AudioTracks()) > 0
	Release(probe)
	return Capabilities{Supported: true, AudioSupported: audio}
}

// AcquireScreenCapture obtains a screen-capture stream with the given
// options. Callers should run ScreenCapabilities first.
func (s *Service) AcquireScreenCapture(ctx context.Context, opts ScreenOptions) (*Stream, error) {
	if opts.Quality == "" {
		opts.Quality = QualityMedium
	}
	stream, err := s.dev.CaptureScreen(ctx, opts)
	if err != nil {
		return nil, classify("screen", err)
	}
	log.Infof("screen capture acquired: %d tracks, quality=%s", len(stream.Tracks()), opts.Quality)
	return stream, nil
}

// Release stops every track in the stream. Idempotent: stopping an already
// stopped stream is safe, and one failing track does not prevent the rest
// from stopping.
func Release(s *Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		if err := t.Stop(); err != nil {
			log.Warnf("stop track %s: %v", t.ID(), err)
		}
	}
}
