// Package signal implements the websocket signaling channel: a typed
// client for the room server's event protocol with automatic reconnection.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/petervdpas/peercall/internal/rtc"
)

// Wire event names. Every message is an envelope {"event": name, "data": {…}}.
const (
	evtWelcome          = "welcome"
	evtJoinRoom         = "join-room"
	evtRoomState        = "room-state"
	evtUserJoined       = "user-joined"
	evtUserLeft         = "user-left"
	evtOffer            = "offer"
	evtAnswer           = "answer"
	evtICECandidate     = "ice-candidate"
	evtChatMessage      = "chat-message"
	evtScreenShareStart = "screen-share-start"
	evtScreenShareStop  = "screen-share-stop"
	evtPing             = "ping"
	evtPong             = "pong"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Participant is the roster entry as the server asserts it.
type Participant struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	IsCreator bool   `json:"isCreator"`
}

// ChatMessage is the server-echoed chat payload.
type ChatMessage struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ScreenSharingInfo marks the user currently sharing, as carried in a
// room-state snapshot.
type ScreenSharingInfo struct {
	UserID string `json:"userId"`
}

// Event is an inbound message or lifecycle notification delivered to
// subscribers. The concrete type identifies the event.
type Event interface{ isEvent() }

// Connected fires when the channel is established. Attempt is zero for the
// initial connection and the reconnect attempt number otherwise.
type Connected struct {
	Attempt int
}

// Disconnected fires when the channel drops for a reason other than a local
// Close. A reconnect attempt follows unless attempts are exhausted.
type Disconnected struct {
	Reason string
}

// ReconnectFailed is terminal: the retry budget is spent and no further
// automatic attempts will be made.
type ReconnectFailed struct {
	Attempts int
	Err      error
}

// RoomState is the full roster snapshot.
type RoomState struct {
	Users         []Participant      `json:"users"`
	IsCreator     bool               `json:"isCreator"`
	ScreenSharing *ScreenSharingInfo `json:"screenSharing,omitempty"`
}

type UserJoined struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type UserLeft struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type OfferReceived struct {
	Offer rtc.SessionDescription `json:"offer"`
	From  string                 `json:"from"`
}

type AnswerReceived struct {
	Answer rtc.SessionDescription `json:"answer"`
	From   string                 `json:"from"`
}

type CandidateReceived struct {
	Candidate rtc.ICECandidate `json:"candidate"`
	From      string           `json:"from"`
}

type ChatReceived struct {
	Message ChatMessage
}

type ScreenShareStarted struct {
	UserID string `json:"userId"`
}

type ScreenShareStopped struct {
	UserID string `json:"userId"`
}

type Pong struct{}

func (Connected) isEvent()          {}
func (Disconnected) isEvent()       {}
func (ReconnectFailed) isEvent()    {}
func (RoomState) isEvent()          {}
func (UserJoined) isEvent()         {}
func (UserLeft) isEvent()           {}
func (OfferReceived) isEvent()      {}
func (AnswerReceived) isEvent()     {}
func (CandidateReceived) isEvent()  {}
func (ChatReceived) isEvent()       {}
func (ScreenShareStarted) isEvent() {}
func (ScreenShareStopped) isEvent() {}
func (Pong) isEvent()               {}

type welcomePayload struct {
	UserID string `json:"userId"`
}

// decodeEvent validates an inbound envelope and returns the typed event.
// Unknown event names and malformed payloads are errors; the caller logs
// and drops them so one bad message never kills the channel.
func decodeEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("bad envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope missing event name")
	}

	switch env.Event {
	case evtRoomState:
		var p RoomState
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return p, nil
	case evtUserJoined:
		var p UserJoined
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%s: missing userId", env.Event)
		}
		return p, nil
	case evtUserLeft:
		var p UserLeft
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%s: missing userId", env.Event)
		}
		return p, nil
	case evtOffer:
		var p OfferReceived
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		if p.From == "" || p.Offer.SDP == "" {
			return nil, fmt.Errorf("%s: missing from or sdp", env.Event)
		}
		return p, nil
	case evtAnswer:
		var p AnswerReceived
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		if p.From == "" || p.Answer.SDP == "" {
			return nil, fmt.Errorf("%s: missing from or sdp", env.Event)
		}
		return p, nil
	case evtICECandidate:
		var p CandidateReceived
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		if p.From == "" {
			return nil, fmt.Errorf("%s: missing from", env.Event)
		}
		return p, nil
	case evtChatMessage:
		var m ChatMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		if m.Message == "" {
			return nil, fmt.Errorf("%s: empty message", env.Event)
		}
		return ChatReceived{Message: m}, nil
	case evtScreenShareStart:
		var p ScreenShareStarted
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return p, nil
	case evtScreenShareStop:
		var p ScreenShareStopped
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		return p, nil
	case evtPong:
		return Pong{}, nil
	case evtWelcome:
		var p welcomePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%s: missing userId", env.Event)
		}
		return welcomeEvent{UserID: p.UserID}, nil
	default:
		return nil, fmt.Errorf("unknown event %q", env.Event)
	}
}

// welcomeEvent is internal: the client consumes it to learn its own id and
// never forwards it to subscribers.
type welcomeEvent struct {
	UserID string
}

func (welcomeEvent) isEvent() {}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		data = b
	}
	return json.Marshal(envelope{Event: event, Data: data})
}
