//go:build linux && cgo

package media

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// platformDevice captures via pion/mediadevices (V4L2 + malgo + X11 grab).
type platformDevice struct {
	selector *mediadevices.CodecSelector
}

// NewPlatformDevice builds the production capture backend with VP8+Opus
// encoders.
func NewPlatformDevice() (Device, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &platformDevice{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateMediaEngine registers the selected codecs on a webrtc MediaEngine.
// The transport layer must use an engine populated here so mediadevices
// tracks can bind.
func (d *platformDevice) PopulateMediaEngine(me *webrtc.MediaEngine) {
	d.selector.Populate(me)
}

func (d *platformDevice) CaptureMedia(_ context.Context) (*Stream, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warn("no media devices found by pion/mediadevices")
	}
	for _, dev := range devices {
		log.Debugf("media device: kind=%v label=%q", dev.Kind, dev.Label)
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 1280}
			c.Height = prop.IntRanged{Max: 720}
		},
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}
	return wrapStream(stream, ""), nil
}

func (d *platformDevice) CaptureScreen(_ context.Context, opts ScreenOptions) (*Stream, error) {
	quality := opts.Quality
	if quality == "" {
		quality = QualityMedium
	}
	width, height, fps := quality.Constraints()
	if opts.FrameRate > 0 {
		fps = opts.FrameRate
	}
	if opts.IncludeAudio {
		// System audio loopback is not wired on this backend.
		log.Warn("screen capture: system audio requested but not available, capturing video only")
	}

	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.IntRanged{Max: width}
			c.Height = prop.IntRanged{Max: height}
			c.FrameRate = prop.FloatRanged{Max: float32(fps)}
		},
	})
	if err != nil {
		return nil, err
	}
	return wrapStream(stream, screenMarker), nil
}

// RequestPermission always grants on desktop Linux: capture access is
// governed by device-node permissions, not a runtime prompt.
func (d *platformDevice) RequestPermission(_ context.Context, _ PermissionKind) (bool, error) {
	return true, nil
}

// screenMarker prefixes the track and stream ids of a screen capture. The
// receiving side keys its screen classification off these wire-visible ids,
// so the marker has to survive into the SDP.
const screenMarker = "screen"

// relabeledTrack overrides the wire identity of a capture track while
// delegating binding to the underlying source.
type relabeledTrack struct {
	webrtc.TrackLocal
	id       string
	streamID string
}

func (r *relabeledTrack) ID() string { return r.id }

func (r *relabeledTrack) StreamID() string { return r.streamID }

// wrapStream converts a mediadevices stream into the core Stream type.
// Track sources stay attached so the transport layer can add them to a
// peer connection. A non-empty marker is prefixed onto every track and
// stream id, visible to the remote peer.
func wrapStream(ms mediadevices.MediaStream, marker string) *Stream {
	streamID := uuid.NewString()
	if marker != "" {
		streamID = marker + "-" + streamID
	}

	var tracks []*Track
	for _, t := range ms.GetTracks() {
		track := t
		track.OnEnded(func(err error) {
			if err != nil {
				log.Debugf("local track %s ended: %v", track.ID(), err)
			}
		})
		kind := Audio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = Video
		}
		id := track.ID()
		source := webrtc.TrackLocal(track)
		if marker != "" {
			id = marker + "-" + id
			source = &relabeledTrack{TrackLocal: track, id: id, streamID: streamID}
		}
		tracks = append(tracks, NewTrack(id, id, kind, source, track.Close))
	}
	return NewStream(streamID, tracks...)
}
