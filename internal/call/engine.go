// Package call contains the call session core: the negotiation engine that
// drives the peer connection, the roster reconciler, and the controller that
// orchestrates signaling, media and state.
package call

import (
	"fmt"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/petervdpas/peercall/internal/session"
)

var log = logging.Logger("call")

const (
	// offerSettleDelay lets a roster update land in the store before the
	// offer it triggered reads the participant list.
	offerSettleDelay = 500 * time.Millisecond

	// failedRetryDelay is waited after the connection reports failed before
	// renegotiating from scratch.
	failedRetryDelay = 2 * time.Second

	// iceRestartDelay is waited after the ICE transport reports failed
	// before requesting fresh candidates.
	iceRestartDelay = 1 * time.Second

	// screenDetectDelay is waited after a screen-share announcement before
	// re-checking tracks that arrived ahead of it.
	screenDetectDelay = 1 * time.Second
)

// Channel is the outbound half of the signaling client the call core needs.
// *signal.Client satisfies it; tests substitute a recorder.
type Channel interface {
	Connected() bool
	UserID() string
	JoinRoom(roomID, username string) error
	SendOffer(offer rtc.SessionDescription, target string) error
	SendAnswer(answer rtc.SessionDescription, target string) error
	SendCandidate(c rtc.ICECandidate, target string) error
	SendChat(text string) error
	AnnounceScreenShareStart() error
	AnnounceScreenShareStop() error
	Ping() error
	Close() error
}

// Engine owns the single peer connection and drives the offer/answer/ICE
// exchange against exactly one remote peer.
type Engine struct {
	store *session.Store
	ch    Channel

	mu            sync.Mutex
	conn          rtc.Conn
	offerInFlight bool
	closed        bool
	timers        map[*time.Timer]struct{}
}

// NewEngine builds the engine around a freshly created connection.
func NewEngine(store *session.Store, ch Channel, factory rtc.Factory) (*Engine, error) {
	conn, err := factory()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	e := &Engine{
		store:  store,
		ch:     ch,
		conn:   conn,
		timers: make(map[*time.Timer]struct{}),
	}

	conn.OnICECandidate(e.handleLocalCandidate)
	conn.OnTrack(e.handleRemoteTrack)
	conn.OnConnectionStateChange(e.handleConnectionState)
	conn.OnICEConnectionStateChange(e.handleICEState)
	return e, nil
}

// Alive reports whether the engine still holds an open connection.
func (e *Engine) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

// AttachLocalStream adds every track of the local stream to the connection.
func (e *Engine) AttachLocalStream(s *media.Stream) error {
	e.mu.Lock()
	conn := e.conn
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("engine closed")
	}

	for _, t := range s.Tracks() {
		if err := conn.AddTrack(t); err != nil {
			return fmt.Errorf("attach %s track %s: %w", t.Kind(), t.ID(), err)
		}
	}
	return nil
}

// target returns the first roster participant that is not the local user.
func (e *Engine) target() (string, bool) {
	self := e.ch.UserID()
	for _, p := range e.store.State().Participants {
		if p.UserID != self {
			return p.UserID, true
		}
	}
	return "", false
}

// CreateOffer generates and sends an offer to the one remote peer. The call
// is guarded: it only proceeds when the connection is usable, a local stream
// exists, and no earlier offer is still in flight. A missing remote target
// is not an error; the offer is prepared locally and the send is skipped.
func (e *Engine) CreateOffer() error {
	return e.createOffer(rtc.OfferOptions{})
}

func (e *Engine) createOffer(opts rtc.OfferOptions) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	if e.offerInFlight {
		e.mu.Unlock()
		log.Debugf("offer already in flight, skipping")
		return nil
	}
	e.offerInFlight = true
	conn := e.conn
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.offerInFlight = false
		e.mu.Unlock()
	}()

	switch conn.ConnectionState() {
	case rtc.ConnNew, rtc.ConnConnecting, rtc.ConnConnected:
	default:
		log.Debugf("not offering in connection state %s", conn.ConnectionState())
		return nil
	}
	if conn.SignalingState() == rtc.SignalingClosed {
		log.Debugf("not offering, signaling closed")
		return nil
	}
	if e.store.State().LocalStream == nil {
		log.Debugf("not offering without a local stream")
		return nil
	}

	offer, err := conn.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	target, ok := e.target()
	if !ok {
		log.Infof("offer prepared but no remote peer to send it to")
		return nil
	}
	if err := e.ch.SendOffer(offer, target); err != nil {
		return fmt.Errorf("send offer to %s: %w", target, err)
	}
	log.Infof("offer sent to %s", target)
	return nil
}

// HandleOffer answers an inbound offer. Failures are reported through the
// store as transient errors; the session stays usable.
func (e *Engine) HandleOffer(from string, offer rtc.SessionDescription) {
	if from == e.ch.UserID() {
		return
	}
	e.mu.Lock()
	conn := e.conn
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	if err := e.answer(conn, from, offer); err != nil {
		log.Errorf("answer offer from %s: %v", from, err)
		msg := "Failed to answer call negotiation"
		e.store.Dispatch(session.SetError{Message: msg})
		e.schedule(errorClearDelay, func() {
			if e.store.State().ErrorMessage == msg {
				e.store.Dispatch(session.ClearError{})
			}
		})
	}
}

func (e *Engine) answer(conn rtc.Conn, from string, offer rtc.SessionDescription) error {
	if err := conn.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := e.ch.SendAnswer(answer, from); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	log.Infof("answered offer from %s", from)
	return nil
}

// HandleAnswer applies an inbound answer to our outstanding offer.
func (e *Engine) HandleAnswer(from string, answer rtc.SessionDescription) {
	if from == e.ch.UserID() {
		return
	}
	e.mu.Lock()
	conn := e.conn
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	if err := conn.SetRemoteDescription(answer); err != nil {
		log.Errorf("set remote answer from %s: %v", from, err)
	}
}

// HandleCandidate adds an inbound ICE candidate. Failures are logged only.
func (e *Engine) HandleCandidate(from string, cand rtc.ICECandidate) {
	if from == e.ch.UserID() {
		return
	}
	e.mu.Lock()
	conn := e.conn
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	if err := conn.AddICECandidate(cand); err != nil {
		log.Warnf("add candidate from %s: %v", from, err)
	}
}

func (e *Engine) handleLocalCandidate(cand rtc.ICECandidate) {
	target, ok := e.target()
	if !ok {
		return
	}
	if err := e.ch.SendCandidate(cand, target); err != nil {
		log.Warnf("forward candidate to %s: %v", target, err)
	}
}

// handleRemoteTrack routes an inbound track to the screen or remote slot.
// Video counts as screen share only while a remote user is marked sharing
// AND the track identifiers carry the screen marker; everything else,
// including all audio, goes to the remote camera slot.
func (e *Engine) handleRemoteTrack(info rtc.TrackInfo, track *media.Track) {
	st := e.store.State()

	if info.Kind == media.Video && e.isScreenTrack(st, info) {
		screen := st.ScreenStream
		if screen == nil {
			screen = media.NewStream("remote-screen")
		}
		screen.AddTrack(track)
		e.store.Dispatch(session.SetScreenStream{Stream: screen})
		log.Infof("remote screen track %s routed to screen slot", info.ID)
		return
	}

	remote := st.RemoteStream
	if remote == nil {
		remote = media.NewStream("remote")
	}
	remote.AddTrack(track)
	e.store.Dispatch(session.SetRemoteStream{Stream: remote})
	log.Infof("remote %s track %s routed to remote slot", info.Kind, info.ID)
}

// ReclassifyRemoteTracks re-runs screen classification over tracks already
// sitting in the remote slot. A screen track can beat its announcement over
// the wire; once the sharer marker lands this moves it where it belongs.
func (e *Engine) ReclassifyRemoteTracks() {
	st := e.store.State()
	remote := st.RemoteStream
	if remote == nil {
		return
	}

	var keep, moved []*media.Track
	for _, t := range remote.Tracks() {
		info := rtc.TrackInfo{ID: t.ID(), Label: t.Label(), Kind: t.Kind()}
		if t.Kind() == media.Video && e.isScreenTrack(st, info) {
			moved = append(moved, t)
		} else {
			keep = append(keep, t)
		}
	}
	if len(moved) == 0 {
		return
	}

	screen := st.ScreenStream
	if screen == nil {
		screen = media.NewStream("remote-screen")
	}
	for _, t := range moved {
		screen.AddTrack(t)
		log.Infof("remote track %s reclassified as screen share", t.ID())
	}
	e.store.Dispatch(session.SetScreenStream{Stream: screen})
	e.store.Dispatch(session.SetRemoteStream{Stream: media.NewStream(remote.ID(), keep...)})
}

func (e *Engine) isScreenTrack(st session.State, info rtc.TrackInfo) bool {
	sharer := st.ScreenSharingUser
	if sharer == "" || sharer == e.ch.UserID() {
		return false
	}
	ident := strings.ToLower(info.ID + " " + info.Label + " " + info.StreamID)
	return strings.Contains(ident, "screen")
}

func (e *Engine) handleConnectionState(s rtc.ConnectionState) {
	log.Infof("connection state: %s", s)
	if s != rtc.ConnFailed {
		return
	}
	// Renegotiate from scratch after a short delay; the transport may have
	// been torn down by a network change the peer survived.
	e.schedule(failedRetryDelay, func() {
		if !e.Alive() || e.store.State().LocalStream == nil {
			return
		}
		log.Infof("connection failed, renegotiating")
		if err := e.CreateOffer(); err != nil {
			log.Errorf("renegotiate after failure: %v", err)
		}
	})
}

func (e *Engine) handleICEState(s rtc.ICEState) {
	log.Infof("ice state: %s", s)
	switch s {
	case rtc.ICEFailed:
		e.schedule(iceRestartDelay, func() {
			if !e.Alive() {
				return
			}
			log.Infof("ice failed, restarting")
			if err := e.createOffer(rtc.OfferOptions{ICERestart: true}); err != nil {
				log.Errorf("ice restart: %v", err)
			}
		})
	case rtc.ICEDisconnected:
		// Often self-recovers; taking action here would fight the agent.
		log.Warnf("ice disconnected, waiting for recovery")
	}
}

// ReplaceVideoTrack removes every outbound video track and adds every video
// track of the new stream. Best-effort: each failed remove/add is logged and
// the rest proceed. Used to hand off camera to screen capture.
func (e *Engine) ReplaceVideoTrack(newStream *media.Stream) {
	e.swapVideo(newStream.VideoTracks())
}

// RestoreCameraTrack switches outbound video back to the first camera track.
func (e *Engine) RestoreCameraTrack(camera *media.Stream) {
	tracks := camera.VideoTracks()
	if len(tracks) > 1 {
		tracks = tracks[:1]
	}
	e.swapVideo(tracks)
}

func (e *Engine) swapVideo(add []*media.Track) {
	e.mu.Lock()
	conn := e.conn
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	// Remove every outbound video sender, then add the new tracks. The
	// remove puts a fresh sender (and a fresh inbound track on the peer)
	// behind each new track, so the peer re-runs its screen classification.
	for _, s := range conn.Senders() {
		if s.Kind() != media.Video {
			continue
		}
		if err := conn.RemoveTrack(s); err != nil {
			log.Warnf("remove video track %s: %v", s.TrackID(), err)
		}
	}
	for _, t := range add {
		if err := conn.AddTrack(t); err != nil {
			log.Warnf("add video track %s: %v", t.ID(), err)
		}
	}
}

// schedule runs fn after d unless the engine closes first.
func (e *Engine) schedule(d time.Duration, fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		e.mu.Lock()
		delete(e.timers, t)
		closed := e.closed
		e.mu.Unlock()
		if !closed {
			fn()
		}
	})
	e.timers[t] = struct{}{}
	e.mu.Unlock()
}

// Close stops all pending timers and closes the connection. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for t := range e.timers {
		t.Stop()
		delete(e.timers, t)
	}
	conn := e.conn
	e.mu.Unlock()

	return conn.Close()
}
