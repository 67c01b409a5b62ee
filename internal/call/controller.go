package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/peercall/internal/chat"
	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/petervdpas/peercall/internal/session"
	"github.com/petervdpas/peercall/internal/signal"
	"github.com/petervdpas/peercall/internal/util"
)

const (
	// durationInterval drives the call-duration counter.
	durationInterval = 1 * time.Second

	// qualityInterval drives the connection-quality sampler.
	qualityInterval = 5 * time.Second

	// defaultKeepAlive drives the signaling ping when no interval is
	// configured.
	defaultKeepAlive = 30 * time.Second

	// errorClearDelay is how long transient error messages stay visible.
	errorClearDelay = 5 * time.Second

	// historyLoadLimit caps how much persisted chat is replayed on join.
	historyLoadLimit = 100
)

// SignalClient is the full signaling surface the controller needs:
// the outbound Channel plus lifecycle and subscription. *signal.Client
// satisfies it.
type SignalClient interface {
	Channel
	Connect() error
	ForceClose()
	Subscribe() (chan signal.Event, func())
}

// Controller orchestrates the signaling channel, media acquisition, the
// negotiation engine and the session store into the joinRoom/leaveRoom/
// toggle/screen-share/chat operations.
type Controller struct {
	store   *session.Store
	ch      SignalClient
	mediaS  *media.Service
	factory rtc.Factory
	history *chat.History

	screenOpts media.ScreenOptions
	keepAlive  time.Duration

	mu       sync.Mutex
	engine   *Engine
	rec      *Reconciler
	callStop chan struct{}
	closed   bool

	subCancel func()
	wg        sync.WaitGroup
}

// ControllerOptions carries the configurable knobs.
type ControllerOptions struct {
	ScreenQuality   media.QualityPreset
	ScreenFrameRate int
	ScreenAudio     bool

	// KeepAlive is the signaling ping interval; zero means the default.
	KeepAlive time.Duration
}

// NewController wires the call core together and starts consuming signaling
// events. The channel is not connected yet; JoinRoom does that.
func NewController(store *session.Store, ch SignalClient, mediaS *media.Service,
	factory rtc.Factory, history *chat.History, opts ControllerOptions) *Controller {

	c := &Controller{
		store:   store,
		ch:      ch,
		mediaS:  mediaS,
		factory: factory,
		history: history,
		screenOpts: media.ScreenOptions{
			IncludeAudio: opts.ScreenAudio,
			Quality:      opts.ScreenQuality,
			FrameRate:    opts.ScreenFrameRate,
		},
		keepAlive: opts.KeepAlive,
	}
	if c.keepAlive <= 0 {
		c.keepAlive = defaultKeepAlive
	}
	c.rec = NewReconciler(store, ch, c.currentEngine)

	events, cancel := ch.Subscribe()
	c.subCancel = cancel
	c.wg.Add(1)
	go c.dispatchLoop(events)
	return c
}

func (c *Controller) currentEngine() *Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// JoinRoom connects the signaling channel, acquires local media, creates
// the negotiation engine and announces this user to the room. Any failure
// rolls the session back to a joinable state: no local stream, not in call,
// with a user-facing error message set.
func (c *Controller) JoinRoom(ctx context.Context, roomID, username string) error {
	roomID, err := util.ValidateRoomID(roomID)
	if err != nil {
		return err
	}
	username, err = util.ValidateUsername(username)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("controller closed")
	}
	if c.engine != nil {
		c.mu.Unlock()
		return errors.New("already in a call")
	}
	c.mu.Unlock()

	c.store.Dispatch(session.SetRoom{RoomID: roomID, Username: username})
	c.store.Dispatch(session.SetStatus{Status: session.StatusConnecting})

	if !c.ch.Connected() {
		if err := c.ch.Connect(); err != nil {
			c.store.Dispatch(session.SetStatus{Status: session.StatusError})
			c.store.Dispatch(session.SetError{Message: "Could not reach the call server"})
			return fmt.Errorf("connect signaling: %w", err)
		}
	}
	c.store.Dispatch(session.SetConnected{Connected: true})
	c.store.Dispatch(session.SetStatus{Status: session.StatusConnected})

	stream, err := c.mediaS.AcquireLocalMedia(ctx)
	if err != nil {
		var aqErr *media.AcquisitionError
		msg := "Could not access camera and microphone"
		if errors.As(err, &aqErr) {
			msg = aqErr.Message()
		}
		c.transientError(msg)
		return fmt.Errorf("acquire local media: %w", err)
	}

	eng, err := NewEngine(c.store, c.ch, c.factory)
	if err != nil {
		media.Release(stream)
		c.transientError("Could not set up the call connection")
		return err
	}
	if err := eng.AttachLocalStream(stream); err != nil {
		eng.Close()
		media.Release(stream)
		c.transientError("Could not set up the call connection")
		return err
	}

	c.mu.Lock()
	c.engine = eng
	c.callStop = make(chan struct{})
	c.mu.Unlock()

	c.store.Dispatch(session.SetLocalStream{Stream: stream})
	c.store.Dispatch(session.SetInCall{InCall: true})
	c.store.Dispatch(session.ClearError{})
	c.store.Dispatch(session.Touch{At: time.Now()})

	c.replayHistory(roomID)

	if err := c.ch.JoinRoom(roomID, username); err != nil {
		c.LeaveRoom()
		c.transientError("Could not join the room")
		return fmt.Errorf("announce join: %w", err)
	}

	c.startCallTimers()
	log.Infof("joined room %s as %s", roomID, username)
	return nil
}

// replayHistory loads persisted chat for the room into the session log.
func (c *Controller) replayHistory(roomID string) {
	if c.history == nil {
		return
	}
	msgs, err := c.history.Load(roomID, historyLoadLimit)
	if err != nil {
		log.Warnf("load chat history: %v", err)
		return
	}
	for _, m := range msgs {
		c.store.Dispatch(session.AddMessage{Message: m})
	}
}

// LeaveRoom tears the call down: stops every local and screen track, closes
// the engine and resets session state, keeping only roomID and username.
// Safe to call when nothing is active.
func (c *Controller) LeaveRoom() {
	c.mu.Lock()
	eng := c.engine
	c.engine = nil
	stop := c.callStop
	c.callStop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	st := c.store.State()
	media.Release(st.LocalStream)
	media.Release(st.ScreenStream)

	if eng != nil {
		if err := eng.Close(); err != nil {
			log.Warnf("close engine: %v", err)
		}
	}
	if c.history != nil {
		c.history.ClearRecent()
	}

	c.store.Dispatch(session.ResetCall{})
	log.Infof("left room")
}

// ToggleMute flips the microphone. Returns the new muted state.
func (c *Controller) ToggleMute() bool {
	st := c.store.State()
	muted := !st.Muted
	if st.LocalStream != nil {
		for _, t := range st.LocalStream.AudioTracks() {
			t.SetEnabled(!muted)
		}
	}
	c.store.Dispatch(session.SetMuted{Muted: muted})
	return muted
}

// ToggleCamera flips the camera. Returns the new camera-off state.
func (c *Controller) ToggleCamera() bool {
	st := c.store.State()
	off := !st.CameraOff
	if st.LocalStream != nil {
		for _, t := range st.LocalStream.VideoTracks() {
			t.SetEnabled(!off)
		}
	}
	c.store.Dispatch(session.SetCameraOff{Off: off})
	return off
}

// StartScreenSharing probes capability, acquires a screen capture, swaps the
// outbound video track and announces the share. Unsupported platforms fail
// fast with a transient error and no screen state is touched.
func (c *Controller) StartScreenSharing(ctx context.Context) error {
	st := c.store.State()
	if st.ScreenSharing {
		return nil
	}
	eng := c.currentEngine()
	if !st.InCall || eng == nil {
		return errors.New("not in a call")
	}

	caps := c.mediaS.ScreenCapabilities(ctx)
	if !caps.Supported {
		c.transientError("Screen sharing is not supported on this device")
		return fmt.Errorf("screen sharing unsupported: %s", caps.Err)
	}

	opts := c.screenOpts
	if opts.IncludeAudio && !caps.AudioSupported {
		opts.IncludeAudio = false
	}
	screen, err := c.mediaS.AcquireScreenCapture(ctx, opts)
	if err != nil {
		var aqErr *media.AcquisitionError
		msg := "Could not start screen sharing"
		if errors.As(err, &aqErr) {
			msg = aqErr.Message()
		}
		c.transientError(msg)
		return fmt.Errorf("acquire screen capture: %w", err)
	}

	eng.ReplaceVideoTrack(screen)
	c.store.Dispatch(session.SetScreenStream{Stream: screen})
	c.store.Dispatch(session.SetScreenSharing{Sharing: true})

	if err := c.ch.AnnounceScreenShareStart(); err != nil {
		log.Warnf("announce screen share: %v", err)
	}
	// A fresh offer carries the renegotiated track set to the peer.
	eng.schedule(offerSettleDelay, func() {
		if err := eng.CreateOffer(); err != nil {
			log.Errorf("offer after screen share start: %v", err)
		}
	})
	log.Infof("screen sharing started")
	return nil
}

// StopScreenSharing restores the camera track and releases the screen
// capture. No-op when not sharing. Screen state is cleared even when track
// restoration fails.
func (c *Controller) StopScreenSharing() {
	st := c.store.State()
	if st.ScreenStream == nil && !st.ScreenSharing {
		return
	}
	eng := c.currentEngine()

	if eng != nil && st.LocalStream != nil {
		eng.RestoreCameraTrack(st.LocalStream)
	}
	media.Release(st.ScreenStream)

	c.store.Dispatch(session.SetScreenStream{Stream: nil})
	c.store.Dispatch(session.SetScreenSharing{Sharing: false})

	if err := c.ch.AnnounceScreenShareStop(); err != nil {
		log.Warnf("announce screen share stop: %v", err)
	}
	if eng != nil {
		eng.schedule(offerSettleDelay, func() {
			if err := eng.CreateOffer(); err != nil {
				log.Errorf("offer after screen share stop: %v", err)
			}
		})
	}
	log.Infof("screen sharing stopped")
}

// SendMessage submits chat text. The message lands in the local log only
// when the server echoes it back; there is no optimistic append. A missing
// channel makes this a no-op.
func (c *Controller) SendMessage(text string) error {
	if text == "" || !c.ch.Connected() {
		return nil
	}
	return c.ch.SendChat(text)
}

// Suspend pauses outbound video without ending the call, for example when
// the app moves to the background. Activity is refreshed so the keep-alive
// accounting does not treat the background stretch as silence.
func (c *Controller) Suspend() {
	c.store.Dispatch(session.Touch{At: time.Now()})
	st := c.store.State()
	if st.LocalStream == nil {
		return
	}
	for _, t := range st.LocalStream.VideoTracks() {
		t.SetEnabled(false)
	}
	log.Debugf("suspended outbound video")
}

// Resume restores outbound video to what the camera toggle says it should
// be. A channel that died while suspended gets one immediate reconnect
// attempt, ahead of the regular retry schedule.
func (c *Controller) Resume() {
	st := c.store.State()
	if st.LocalStream != nil {
		for _, t := range st.LocalStream.VideoTracks() {
			t.SetEnabled(!st.CameraOff)
		}
	}
	log.Debugf("resumed outbound video")

	if !st.InCall || c.ch.Connected() || st.Reconnecting {
		return
	}
	if err := c.ch.Connect(); err != nil {
		log.Warnf("reconnect on resume: %v", err)
		return
	}
	if st.RoomID != "" {
		if err := c.ch.JoinRoom(st.RoomID, st.Username); err != nil {
			log.Errorf("rejoin %s on resume: %v", st.RoomID, err)
		}
	}
}

// transientError surfaces a message that clears itself unless something
// else overwrote it in the meantime.
func (c *Controller) transientError(msg string) {
	c.store.Dispatch(session.SetError{Message: msg})
	time.AfterFunc(errorClearDelay, func() {
		if c.store.State().ErrorMessage == msg {
			c.store.Dispatch(session.ClearError{})
		}
	})
}

// startCallTimers runs the duration counter, quality sampler and keep-alive
// for the lifetime of one call. All three stop when callStop closes.
func (c *Controller) startCallTimers() {
	c.mu.Lock()
	stop := c.callStop
	c.mu.Unlock()
	if stop == nil {
		return
	}

	c.wg.Add(3)

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(durationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				st := c.store.State()
				if st.InCall {
					c.store.Dispatch(session.SetCallDuration{Seconds: st.CallDuration + 1})
				}
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(qualityInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.sampleQuality()
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !c.ch.Connected() {
					continue
				}
				if err := c.ch.Ping(); err != nil {
					log.Warnf("keep-alive ping: %v", err)
					// Drop the transport so the reconnect path takes over.
					c.ch.ForceClose()
					continue
				}
				c.store.Dispatch(session.Touch{At: time.Now()})
			}
		}
	}()
}

// sampleQuality maps the transport states onto the user-facing quality
// levels. Without RTP stats the ICE state is the best available signal.
func (c *Controller) sampleQuality() {
	eng := c.currentEngine()
	if eng == nil || !c.ch.Connected() {
		c.store.Dispatch(session.SetQuality{Quality: session.QualityDisconnected})
		return
	}

	eng.mu.Lock()
	conn := eng.conn
	closed := eng.closed
	eng.mu.Unlock()
	if closed {
		c.store.Dispatch(session.SetQuality{Quality: session.QualityDisconnected})
		return
	}

	connState := conn.ConnectionState()
	iceState := conn.ICEConnectionState()

	connUp := connState == rtc.ConnConnected
	iceUp := iceState == rtc.ICEConnected || iceState == rtc.ICECompleted
	settling := connState == rtc.ConnConnecting || iceState == rtc.ICEChecking

	var q session.Quality
	switch {
	case connUp && iceUp:
		q = session.QualityExcellent
	case connUp || iceUp:
		q = session.QualityGood
	case settling:
		q = session.QualityPoor
	default:
		q = session.QualityDisconnected
	}
	c.store.Dispatch(session.SetQuality{Quality: q})
}

// dispatchLoop routes signaling events to the engine, the reconciler and
// the store until the subscription closes.
func (c *Controller) dispatchLoop(events chan signal.Event) {
	defer c.wg.Done()

	for evt := range events {
		switch e := evt.(type) {
		case signal.Connected:
			c.handleConnected(e)
		case signal.Disconnected:
			c.store.Dispatch(session.SetConnected{Connected: false})
			c.store.Dispatch(session.SetReconnecting{Reconnecting: true})
			c.store.Dispatch(session.SetStatus{Status: session.StatusDisconnected})
		case signal.ReconnectFailed:
			c.store.Dispatch(session.SetReconnecting{Reconnecting: false})
			c.store.Dispatch(session.SetStatus{Status: session.StatusError})
			c.store.Dispatch(session.SetError{Message: "Connection to the call server was lost"})
		case signal.RoomState:
			c.rec.ApplySnapshot(e)
		case signal.UserJoined:
			c.rec.UserJoined(e)
		case signal.UserLeft:
			c.rec.UserLeft(e)
		case signal.OfferReceived:
			if eng := c.currentEngine(); eng != nil {
				eng.HandleOffer(e.From, e.Offer)
			}
		case signal.AnswerReceived:
			if eng := c.currentEngine(); eng != nil {
				eng.HandleAnswer(e.From, e.Answer)
			}
		case signal.CandidateReceived:
			if eng := c.currentEngine(); eng != nil {
				eng.HandleCandidate(e.From, e.Candidate)
			}
		case signal.ChatReceived:
			c.handleChat(e)
		case signal.ScreenShareStarted:
			c.store.Dispatch(session.SetScreenSharingUser{UserID: e.UserID})
			// The sharer's track may have landed before this announcement
			// and been filed as camera video. Re-check shortly after.
			if eng := c.currentEngine(); eng != nil {
				eng.schedule(screenDetectDelay, eng.ReclassifyRemoteTracks)
			}
		case signal.ScreenShareStopped:
			c.handleScreenShareStopped(e)
		case signal.Pong:
			c.store.Dispatch(session.Touch{At: time.Now()})
		}
	}
}

func (c *Controller) handleConnected(e signal.Connected) {
	c.store.Dispatch(session.SetConnected{Connected: true})
	c.store.Dispatch(session.SetStatus{Status: session.StatusConnected})
	c.store.Dispatch(session.SetReconnecting{Reconnecting: false})

	if e.Attempt == 0 {
		return
	}
	// Reconnected mid-session: announce ourselves to the room again so the
	// server rebuilds our membership under the new connection.
	st := c.store.State()
	c.store.Dispatch(session.ClearError{})
	if st.RoomID != "" && st.InCall {
		if err := c.ch.JoinRoom(st.RoomID, st.Username); err != nil {
			log.Errorf("rejoin %s after reconnect: %v", st.RoomID, err)
		}
	}
}

func (c *Controller) handleChat(e signal.ChatReceived) {
	msg := session.ChatMessage{
		ID:        e.Message.ID,
		UserID:    e.Message.UserID,
		Username:  e.Message.Username,
		Message:   e.Message.Message,
		Timestamp: e.Message.Timestamp,
		Delivered: true,
	}
	if c.history != nil {
		stored, err := c.history.Append(c.store.State().RoomID, msg)
		if err != nil {
			log.Warnf("persist chat message: %v", err)
		} else {
			msg = stored
		}
	}
	c.store.Dispatch(session.AddMessage{Message: msg})
}

func (c *Controller) handleScreenShareStopped(e signal.ScreenShareStopped) {
	st := c.store.State()
	if e.UserID != "" && st.ScreenSharingUser != "" && e.UserID != st.ScreenSharingUser {
		return
	}
	c.store.Dispatch(session.SetScreenSharingUser{UserID: ""})
	if e.UserID != c.ch.UserID() && st.ScreenStream != nil && !st.ScreenSharing {
		// Remote sharer stopped; drop their stalled screen stream.
		c.store.Dispatch(session.SetScreenStream{Stream: nil})
	}
}

// Close ends any active call, stops the event loop and closes the channel.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.LeaveRoom()
	err := c.ch.Close()
	if c.subCancel != nil {
		c.subCancel()
	}
	c.wg.Wait()
	return err
}
