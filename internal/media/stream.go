// Package media acquires and manages local capture streams (camera,
// microphone, screen) behind a small Device primitive so the call core
// stays independent of the capture backend.
package media

import (
	"sync"
)

// Kind is the media type of a track.
type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// Track is one audio or video component of a stream. The Source field holds
// the backend's native track handle (a webrtc.TrackLocal for the pion
// backend); the transport layer type-asserts it when attaching the track to
// a peer connection.
type Track struct {
	id     string
	label  string
	kind   Kind
	Source any

	mu      sync.Mutex
	enabled bool
	stopped bool
	stop    func() error
}

// NewTrack wraps a backend track. stop releases the underlying capture and
// may be nil for tracks that own no device (e.g. remote tracks).
func NewTrack(id, label string, kind Kind, source any, stop func() error) *Track {
	return &Track{
		id:      id,
		label:   label,
		kind:    kind,
		Source:  source,
		enabled: true,
		stop:    stop,
	}
}

func (t *Track) ID() string    { return t.id }
func (t *Track) Label() string { return t.label }
func (t *Track) Kind() Kind    { return t.kind }

// Enabled reports whether the track is live (unmuted / camera on).
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled flips the live flag. The underlying capture keeps running;
// the flag gates whether frames are meaningful to the peer.
func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

// Stop releases the underlying capture. Idempotent: stopping an already
// stopped track is a no-op and returns nil.
func (t *Track) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	stop := t.stop
	t.mu.Unlock()

	if stop == nil {
		return nil
	}
	return stop()
}

// Stopped reports whether Stop has been called.
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stream is an opaque media handle: an id plus a set of tracks.
type Stream struct {
	id string

	mu     sync.Mutex
	tracks []*Track
}

// NewStream builds a stream from tracks.
func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns a copy of the track list.
func (s *Stream) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AddTrack appends a track. Used for remote streams that grow as
// negotiation delivers tracks.
func (s *Stream) AddTrack(t *Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// AudioTracks returns the audio tracks in order.
func (s *Stream) AudioTracks() []*Track { return s.byKind(Audio) }

// VideoTracks returns the video tracks in order.
func (s *Stream) VideoTracks() []*Track { return s.byKind(Video) }

func (s *Stream) byKind(k Kind) []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == k {
			out = append(out, t)
		}
	}
	return out
}
