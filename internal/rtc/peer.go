// Package rtc defines the peer-connection primitive the call engine drives.
// The production implementation wraps pion/webrtc; tests substitute fakes.
package rtc

import (
	"github.com/petervdpas/peercall/internal/media"
)

// ConnectionState mirrors the overall peer connection state.
type ConnectionState string

const (
	ConnNew          ConnectionState = "new"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnFailed       ConnectionState = "failed"
	ConnClosed       ConnectionState = "closed"
)

// ICEState mirrors the ICE transport sub-state.
type ICEState string

const (
	ICENew          ICEState = "new"
	ICEChecking     ICEState = "checking"
	ICEConnected    ICEState = "connected"
	ICECompleted    ICEState = "completed"
	ICEDisconnected ICEState = "disconnected"
	ICEFailed       ICEState = "failed"
	ICEClosed       ICEState = "closed"
)

// SignalingState mirrors the offer/answer exchange state.
type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

// SessionDescription is one half of an offer/answer exchange, in the wire
// shape the signaling protocol carries.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a connectivity candidate in wire shape.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// TrackInfo describes an inbound remote track for classification.
type TrackInfo struct {
	ID       string
	Label    string
	StreamID string
	Kind     media.Kind
}

// Sender is an outbound track handle.
type Sender interface {
	Kind() media.Kind
	TrackID() string
}

// OfferOptions tunes offer generation.
type OfferOptions struct {
	// ICERestart requests fresh ICE credentials, used to recover a failed
	// ICE transport.
	ICERestart bool
}

// Conn is the negotiation primitive contract: a single peer connection with
// externally driven state. All methods are safe for concurrent use.
type Conn interface {
	AddTrack(t *media.Track) error
	RemoveTrack(s Sender) error
	Senders() []Sender

	CreateOffer(opts OfferOptions) (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(d SessionDescription) error
	SetRemoteDescription(d SessionDescription) error
	AddICECandidate(c ICECandidate) error

	ConnectionState() ConnectionState
	ICEConnectionState() ICEState
	SignalingState() SignalingState

	// OnTrack fires for every inbound remote track. The media.Track carries
	// no capture resources; Stop on it is a no-op.
	OnTrack(fn func(TrackInfo, *media.Track))
	OnICECandidate(fn func(ICECandidate))
	OnConnectionStateChange(fn func(ConnectionState))
	OnICEConnectionStateChange(fn func(ICEState))

	// Close releases the connection. Idempotent; safe from any state.
	Close() error
}

// Factory creates a fresh Conn per call session.
type Factory func() (Conn, error)

// DefaultSTUNServers is the fallback pair used when no STUN list is
// configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config carries the connection parameters resolved from configuration.
type Config struct {
	// STUNServers is the parsed server list; empty means DefaultSTUNServers.
	STUNServers []string

	ICECandidatePoolSize int
}

func (c Config) servers() []string {
	if len(c.STUNServers) == 0 {
		return DefaultSTUNServers
	}
	return c.STUNServers
}
