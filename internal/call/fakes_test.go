package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/peercall/internal/media"
	"github.com/petervdpas/peercall/internal/rtc"
	"github.com/petervdpas/peercall/internal/signal"
)

// ── fake peer connection ────────────────────────────────────────────────────

type fakeSender struct {
	kind    media.Kind
	trackID string
}

func (s *fakeSender) Kind() media.Kind { return s.kind }

func (s *fakeSender) TrackID() string { return s.trackID }

type fakeConn struct {
	mu sync.Mutex

	connState rtc.ConnectionState
	iceState  rtc.ICEState
	sigState  rtc.SignalingState

	senders    []*fakeSender
	localDesc  rtc.SessionDescription
	remoteDesc rtc.SessionDescription
	candidates []rtc.ICECandidate

	offers   int
	answers  int
	removals int
	closed   bool

	// offerGate, when set, blocks CreateOffer until the channel is closed.
	// offerEntered receives one value per CreateOffer that reaches the gate.
	offerGate    chan struct{}
	offerEntered chan struct{}

	onTrack     func(rtc.TrackInfo, *media.Track)
	onCandidate func(rtc.ICECandidate)
	onConnState func(rtc.ConnectionState)
	onICEState  func(rtc.ICEState)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		connState: rtc.ConnNew,
		iceState:  rtc.ICENew,
		sigState:  rtc.SignalingStable,
	}
}

func (c *fakeConn) AddTrack(t *media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senders = append(c.senders, &fakeSender{kind: t.Kind(), trackID: t.ID()})
	return nil
}

func (c *fakeConn) RemoveTrack(s rtc.Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, have := range c.senders {
		if have == s {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			c.removals++
			return nil
		}
	}
	return errors.New("unknown sender")
}

func (c *fakeConn) Senders() []rtc.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rtc.Sender, len(c.senders))
	for i, s := range c.senders {
		out[i] = s
	}
	return out
}

func (c *fakeConn) CreateOffer(opts rtc.OfferOptions) (rtc.SessionDescription, error) {
	c.mu.Lock()
	gate, entered := c.offerGate, c.offerEntered
	c.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	sdp := fmt.Sprintf("v=0 offer %d", c.offers)
	if opts.ICERestart {
		sdp += " ice-restart"
	}
	return rtc.SessionDescription{Type: "offer", SDP: sdp}, nil
}

func (c *fakeConn) CreateAnswer() (rtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers++
	return rtc.SessionDescription{Type: "answer", SDP: fmt.Sprintf("v=0 answer %d", c.answers)}, nil
}

func (c *fakeConn) SetLocalDescription(d rtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localDesc = d
	return nil
}

func (c *fakeConn) SetRemoteDescription(d rtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteDesc = d
	return nil
}

func (c *fakeConn) AddICECandidate(cand rtc.ICECandidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) ConnectionState() rtc.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

func (c *fakeConn) ICEConnectionState() rtc.ICEState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iceState
}

func (c *fakeConn) SignalingState() rtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sigState
}

func (c *fakeConn) OnTrack(fn func(rtc.TrackInfo, *media.Track)) { c.onTrack = fn }

func (c *fakeConn) OnICECandidate(fn func(rtc.ICECandidate)) { c.onCandidate = fn }

func (c *fakeConn) OnConnectionStateChange(fn func(rtc.ConnectionState)) { c.onConnState = fn }

func (c *fakeConn) OnICEConnectionStateChange(fn func(rtc.ICEState)) { c.onICEState = fn }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func fakeFactory(conn *fakeConn) rtc.Factory {
	return func() (rtc.Conn, error) { return conn, nil }
}

// ── fake signaling channel ──────────────────────────────────────────────────

type sentPayload struct {
	desc   rtc.SessionDescription
	cand   rtc.ICECandidate
	target string
}

type fakeChannel struct {
	mu sync.Mutex

	userID     string
	connected  bool
	connectErr error

	joins       [][2]string
	offers      []sentPayload
	answers     []sentPayload
	cands       []sentPayload
	chats       []string
	shareStarts int
	shareStops  int
	pings       int

	events    chan signal.Event
	closeOnce sync.Once
}

func newFakeChannel(userID string) *fakeChannel {
	return &fakeChannel{
		userID: userID,
		events: make(chan signal.Event, 64),
	}
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) UserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID
}

func (f *fakeChannel) JoinRoom(roomID, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, [2]string{roomID, username})
	return nil
}

func (f *fakeChannel) SendOffer(offer rtc.SessionDescription, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, sentPayload{desc: offer, target: target})
	return nil
}

func (f *fakeChannel) SendAnswer(answer rtc.SessionDescription, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, sentPayload{desc: answer, target: target})
	return nil
}

func (f *fakeChannel) SendCandidate(c rtc.ICECandidate, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cands = append(f.cands, sentPayload{cand: c, target: target})
	return nil
}

func (f *fakeChannel) SendChat(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, text)
	return nil
}

func (f *fakeChannel) AnnounceScreenShareStart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shareStarts++
	return nil
}

func (f *fakeChannel) AnnounceScreenShareStop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shareStops++
	return nil
}

func (f *fakeChannel) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeChannel) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) ForceClose() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeChannel) Subscribe() (chan signal.Event, func()) {
	return f.events, func() {}
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeChannel) emit(evt signal.Event) {
	f.events <- evt
}

func (f *fakeChannel) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

// ── fake capture device ─────────────────────────────────────────────────────

type fakeDevice struct {
	mu sync.Mutex

	denyPermission bool
	captureErr     error
	screenErr      error

	streams int
}

func (d *fakeDevice) newStream(prefix string, kinds ...media.Kind) *media.Stream {
	d.mu.Lock()
	d.streams++
	n := d.streams
	d.mu.Unlock()

	tracks := make([]*media.Track, 0, len(kinds))
	for i, k := range kinds {
		id := fmt.Sprintf("%s-%d-%d", prefix, n, i)
		tracks = append(tracks, media.NewTrack(id, id, k, nil, nil))
	}
	return media.NewStream(fmt.Sprintf("%s-%d", prefix, n), tracks...)
}

func (d *fakeDevice) CaptureMedia(_ context.Context) (*media.Stream, error) {
	d.mu.Lock()
	err := d.captureErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.newStream("cam", media.Audio, media.Video), nil
}

func (d *fakeDevice) CaptureScreen(_ context.Context, _ media.ScreenOptions) (*media.Stream, error) {
	d.mu.Lock()
	err := d.screenErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.newStream("screen", media.Video), nil
}

func (d *fakeDevice) RequestPermission(_ context.Context, _ media.PermissionKind) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.denyPermission, nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
