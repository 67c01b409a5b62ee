package signal

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/peercall/internal/rtc"
)

var log = logging.Logger("signal")

// Options configures the channel.
type Options struct {
	// URL is the ws:// or wss:// endpoint of the room server.
	URL string

	// DialTimeout bounds the websocket handshake plus the welcome wait.
	DialTimeout time.Duration

	// ReconnectAttempts is the retry budget after an established connection
	// drops. Resets on every successful (re)connect.
	ReconnectAttempts int

	// ReconnectDelay is waited after a remote disconnect before redialing.
	ReconnectDelay time.Duration

	// ErrorRetryDelay is waited after a failed redial before the next one.
	ErrorRetryDelay time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.DialTimeout <= 0 {
		out.DialTimeout = 20 * time.Second
	}
	if out.ReconnectAttempts <= 0 {
		out.ReconnectAttempts = 5
	}
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = 2 * time.Second
	}
	if out.ErrorRetryDelay <= 0 {
		out.ErrorRetryDelay = 3 * time.Second
	}
	return out
}

// Client is a signaling channel to one room server. Subscribers receive the
// typed inbound events plus lifecycle notifications; outbound traffic goes
// through the Send* methods. Safe for concurrent use.
type Client struct {
	opts Options

	mu        sync.Mutex
	conn      *websocket.Conn
	userID    string
	connected bool
	closed    bool

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[chan Event]struct{}

	wg sync.WaitGroup
}

// NewClient builds a client. No network traffic happens until Connect.
func NewClient(opts Options) (*Client, error) {
	o := opts.withDefaults()
	u, err := url.Parse(o.URL)
	if err != nil {
		return nil, fmt.Errorf("signal url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("signal url: scheme must be ws or wss, got %q", u.Scheme)
	}
	return &Client{
		opts: o,
		subs: make(map[chan Event]struct{}),
	}, nil
}

// Subscribe registers a listener channel. Events are delivered with a
// non-blocking send; a subscriber that stops draining loses events rather
// than stalling the read loop.
func (c *Client) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)

	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	cancel = func() {
		c.subMu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.subMu.Unlock()
	}
	return ch, cancel
}

func (c *Client) notify(evt Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- evt:
		default:
			log.Warnf("subscriber full, dropping %T", evt)
		}
	}
}

// Connect dials the server and waits for its welcome handshake, which
// assigns this client's user id. Subscribers get a Connected{Attempt: 0}
// event, and the read loop starts delivering traffic.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.mu.Unlock()

	conn, userID, pending, err := c.dial()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.userID = userID
	c.connected = true
	c.mu.Unlock()

	log.Infof("connected to %s as %s", c.opts.URL, userID)
	c.notify(Connected{Attempt: 0})
	for _, evt := range pending {
		c.notify(evt)
	}

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// dial performs one websocket handshake and consumes the welcome message.
// Valid events the server sends ahead of the welcome are returned so the
// caller can deliver them after the Connected notification.
func (c *Client) dial() (*websocket.Conn, string, []Event, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	conn, _, err := dialer.Dial(c.opts.URL, nil)
	if err != nil {
		return nil, "", nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	// The server speaks first: a welcome carrying our assigned id.
	var pending []Event
	deadline := time.Now().Add(c.opts.DialTimeout)
	_ = conn.SetReadDeadline(deadline)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, "", nil, fmt.Errorf("waiting for welcome: %w", err)
		}
		evt, err := decodeEvent(raw)
		if err != nil {
			log.Warnf("dropping message before welcome: %v", err)
			continue
		}
		w, ok := evt.(welcomeEvent)
		if !ok {
			pending = append(pending, evt)
			continue
		}
		_ = conn.SetReadDeadline(time.Time{})
		return conn, w.UserID, pending, nil
	}
}

// UserID is the server-assigned id for this client. Empty until the first
// Connect succeeds; stable across reconnects only if the server keeps it so,
// so callers must re-read it after every Connected event.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Connected reports whether the channel is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.connected = false
			c.conn = nil
			c.mu.Unlock()

			if closed {
				return
			}
			log.Warnf("read: %v", err)
			c.notify(Disconnected{Reason: err.Error()})
			c.reconnectLoop()
			return
		}

		evt, err := decodeEvent(raw)
		if err != nil {
			log.Warnf("dropping message: %v", err)
			continue
		}
		if w, ok := evt.(welcomeEvent); ok {
			// Mid-session welcome (server restart). Adopt the new id.
			c.mu.Lock()
			c.userID = w.UserID
			c.mu.Unlock()
			continue
		}
		c.notify(evt)
	}
}

// reconnectLoop redials with the configured delays until it succeeds or the
// attempt budget is spent. The first wait uses ReconnectDelay (the drop was
// a disconnect); subsequent waits after failed dials use ErrorRetryDelay.
func (c *Client) reconnectLoop() {
	delay := c.opts.ReconnectDelay
	var lastErr error

	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		log.Infof("reconnect attempt %d/%d", attempt, c.opts.ReconnectAttempts)
		conn, userID, pending, err := c.dial()
		if err != nil {
			log.Warnf("reconnect attempt %d: %v", attempt, err)
			lastErr = err
			delay = c.opts.ErrorRetryDelay
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.userID = userID
		c.connected = true
		c.mu.Unlock()

		log.Infof("reconnected on attempt %d as %s", attempt, userID)
		c.notify(Connected{Attempt: attempt})
		for _, evt := range pending {
			c.notify(evt)
		}

		c.wg.Add(1)
		go c.readLoop(conn)
		return
	}

	log.Errorf("reconnect failed after %d attempts", c.opts.ReconnectAttempts)
	c.notify(ReconnectFailed{Attempts: c.opts.ReconnectAttempts, Err: lastErr})
}

// Close tears the channel down. No reconnect is attempted and no further
// events are delivered. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	c.wg.Wait()

	c.subMu.Lock()
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
	c.subMu.Unlock()
	return nil
}

// ForceClose drops the underlying connection without marking the client
// closed, so the normal reconnect path runs. Used by keep-alive when a ping
// cannot be written.
func (c *Client) ForceClose() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) send(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	raw, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// JoinRoom announces this client to a room.
func (c *Client) JoinRoom(roomID, username string) error {
	return c.send(evtJoinRoom, struct {
		RoomID   string `json:"roomId"`
		Username string `json:"username"`
	}{roomID, username})
}

// SendOffer delivers a session offer to one peer.
func (c *Client) SendOffer(offer rtc.SessionDescription, target string) error {
	return c.send(evtOffer, struct {
		Offer  rtc.SessionDescription `json:"offer"`
		Target string                 `json:"target"`
	}{offer, target})
}

// SendAnswer delivers a session answer to one peer.
func (c *Client) SendAnswer(answer rtc.SessionDescription, target string) error {
	return c.send(evtAnswer, struct {
		Answer rtc.SessionDescription `json:"answer"`
		Target string                 `json:"target"`
	}{answer, target})
}

// SendCandidate forwards a local ICE candidate to one peer.
func (c *Client) SendCandidate(cand rtc.ICECandidate, target string) error {
	return c.send(evtICECandidate, struct {
		Candidate rtc.ICECandidate `json:"candidate"`
		Target    string           `json:"target"`
	}{cand, target})
}

// SendChat submits a chat message. The message shows up locally only when
// the server echoes it back.
func (c *Client) SendChat(text string) error {
	return c.send(evtChatMessage, struct {
		Message string `json:"message"`
	}{text})
}

// AnnounceScreenShareStart broadcasts that this client started sharing.
func (c *Client) AnnounceScreenShareStart() error {
	return c.send(evtScreenShareStart, nil)
}

// AnnounceScreenShareStop broadcasts that this client stopped sharing.
func (c *Client) AnnounceScreenShareStop() error {
	return c.send(evtScreenShareStop, nil)
}

// Ping sends a keep-alive probe. The server answers with pong.
func (c *Client) Ping() error {
	return c.send(evtPing, nil)
}
