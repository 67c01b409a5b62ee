package rtc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peercall/internal/media"
)

var log = logging.Logger("rtc")

// pliInterval is how often we nudge the remote sender for a keyframe while
// a remote video track is live. Without periodic PLI a joiner that missed
// the first keyframe can stare at grey video for a long time.
const pliInterval = 3 * time.Second

// MediaEnginePopulator registers the codecs the capture backend produces.
// The platform device provides one; the fallback registers pion defaults.
type MediaEnginePopulator func(*webrtc.MediaEngine) error

// NewPionFactory returns a Factory producing pion-backed peer connections.
func NewPionFactory(cfg Config, populate MediaEnginePopulator) Factory {
	return func() (Conn, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if populate != nil {
			if err := populate(mediaEngine); err != nil {
				return nil, fmt.Errorf("populate media engine: %w", err)
			}
		} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}

		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, fmt.Errorf("register interceptors: %w", err)
		}

		// Generous ICE timeouts so a brief relay/NAT hiccup does not
		// immediately terminate the call. The default disconnectedTimeout
		// is 5s, too short for paths that suffer short outages during
		// re-keying or failover.
		se := webrtc.SettingEngine{}
		se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		)

		var servers []webrtc.ICEServer
		for _, u := range cfg.servers() {
			servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
		}

		pc, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers:           servers,
			ICECandidatePoolSize: uint8(cfg.ICECandidatePoolSize),
		})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}

		c := &pionConn{pc: pc, done: make(chan struct{})}

		// Recvonly transceivers up front so offers always carry valid
		// audio/video m-lines, even before local capture is attached.
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("AddTransceiver(video): %v", err)
		}
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("AddTransceiver(audio): %v", err)
		}

		pc.OnTrack(c.handleRemoteTrack)
		return c, nil
	}
}

type pionConn struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders []*pionSender
	onTrack func(TrackInfo, *media.Track)

	closeOnce sync.Once
	done      chan struct{}
}

type pionSender struct {
	rtp     *webrtc.RTPSender
	kind    media.Kind
	trackID string
}

func (s *pionSender) Kind() media.Kind { return s.kind }

func (s *pionSender) TrackID() string { return s.trackID }

func (c *pionConn) AddTrack(t *media.Track) error {
	local, ok := t.Source.(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("track %q has no local source", t.ID())
	}
	sender, err := c.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}

	// Drain the sender's RTCP stream so interceptors (NACK, reports) keep
	// running. Reads fail once the sender or connection closes.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	c.mu.Lock()
	c.senders = append(c.senders, &pionSender{rtp: sender, kind: t.Kind(), trackID: t.ID()})
	c.mu.Unlock()
	return nil
}

func (c *pionConn) RemoveTrack(s Sender) error {
	ps, ok := s.(*pionSender)
	if !ok {
		return errors.New("foreign sender")
	}
	c.mu.Lock()
	for i, have := range c.senders {
		if have == ps {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	if err := c.pc.RemoveTrack(ps.rtp); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	return nil
}

func (c *pionConn) Senders() []Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sender, len(c.senders))
	for i, s := range c.senders {
		out[i] = s
	}
	return out
}

func (c *pionConn) CreateOffer(opts OfferOptions) (SessionDescription, error) {
	var po *webrtc.OfferOptions
	if opts.ICERestart {
		po = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(po)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *pionConn) CreateAnswer() (SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *pionConn) SetLocalDescription(d SessionDescription) error {
	if err := c.pc.SetLocalDescription(toPion(d)); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (c *pionConn) SetRemoteDescription(d SessionDescription) error {
	if err := c.pc.SetRemoteDescription(toPion(d)); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (c *pionConn) AddICECandidate(cand ICECandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (c *pionConn) ConnectionState() ConnectionState {
	return ConnectionState(c.pc.ConnectionState().String())
}

func (c *pionConn) ICEConnectionState() ICEState {
	return ICEState(c.pc.ICEConnectionState().String())
}

func (c *pionConn) SignalingState() SignalingState {
	return SignalingState(c.pc.SignalingState().String())
}

func (c *pionConn) OnTrack(fn func(TrackInfo, *media.Track)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *pionConn) OnICECandidate(fn func(ICECandidate)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // end-of-candidates marker
		}
		init := cand.ToJSON()
		fn(ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (c *pionConn) OnConnectionStateChange(fn func(ConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(ConnectionState(s.String()))
	})
}

func (c *pionConn) OnICEConnectionStateChange(fn func(ICEState)) {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		fn(ICEState(s.String()))
	})
}

func (c *pionConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.pc.Close()
	})
	return err
}

func (c *pionConn) handleRemoteTrack(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := media.Audio
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		kind = media.Video
	}
	log.Infof("remote %s track %s (stream %s)", kind, tr.ID(), tr.StreamID())

	if kind == media.Video {
		go c.pliLoop(tr)
	}
	go c.drainLoop(tr)

	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn == nil {
		return
	}
	info := TrackInfo{ID: tr.ID(), Label: tr.ID(), StreamID: tr.StreamID(), Kind: kind}
	fn(info, media.NewTrack(tr.ID(), tr.ID(), kind, tr, nil))
}

// pliLoop periodically requests a keyframe for a remote video track until
// the track ends or the connection closes.
func (c *pionConn) pliLoop(tr *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(tr.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// drainLoop consumes inbound RTP so the interceptor chain keeps producing
// receiver reports while no renderer is attached to the track. Sequence
// gaps are counted to make packet loss visible in the debug log.
func (c *pionConn) drainLoop(tr *webrtc.TrackRemote) {
	var (
		pkt      *rtp.Packet
		err      error
		lastSeq  uint16
		havePrev bool
		received uint64
		lost     uint64
	)
	for {
		select {
		case <-c.done:
			return
		default:
		}
		if pkt, _, err = tr.ReadRTP(); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("rtp read on %s: %v", tr.ID(), err)
			}
			if received > 0 {
				log.Debugf("track %s: %d packets, %d lost", tr.ID(), received, lost)
			}
			return
		}
		received++
		if havePrev {
			if gap := pkt.SequenceNumber - lastSeq; gap > 1 && gap < 1<<15 {
				lost += uint64(gap - 1)
			}
		}
		lastSeq = pkt.SequenceNumber
		havePrev = true
	}
}

func toPion(d SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}
