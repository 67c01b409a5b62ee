//go:build linux && cgo

package media

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

type stubTrackLocal struct{}

func (stubTrackLocal) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (stubTrackLocal) Unbind(webrtc.TrackLocalContext) error { return nil }
func (stubTrackLocal) ID() string                            { return "cap-1" }
func (stubTrackLocal) RID() string                           { return "" }
func (stubTrackLocal) StreamID() string                      { return "cap-stream" }
func (stubTrackLocal) Kind() webrtc.RTPCodecType             { return webrtc.RTPCodecTypeVideo }

func TestRelabeledTrackCarriesScreenMarker(t *testing.T) {
	inner := stubTrackLocal{}
	relabeled := &relabeledTrack{
		TrackLocal: inner,
		id:         screenMarker + "-" + inner.ID(),
		streamID:   screenMarker + "-stream",
	}

	// The remote peer sees ID and StreamID; both must carry the marker so
	// its classifier can route the track to the screen slot.
	var local webrtc.TrackLocal = relabeled
	if !strings.Contains(local.ID(), screenMarker) {
		t.Fatalf("track id %q lost the screen marker", local.ID())
	}
	if !strings.Contains(local.StreamID(), screenMarker) {
		t.Fatalf("stream id %q lost the screen marker", local.StreamID())
	}
	if local.Kind() != webrtc.RTPCodecTypeVideo {
		t.Fatalf("kind not delegated, got %v", local.Kind())
	}
	if local.RID() != "" {
		t.Fatalf("rid not delegated, got %q", local.RID())
	}
}
