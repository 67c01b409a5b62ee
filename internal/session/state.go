// Package session holds the single source of truth for call state. State
// changes flow through a pure reducer over tagged actions; the Store wraps
// the reducer with synchronous subscriber notification.
package session

import (
	"time"

	"github.com/petervdpas/peercall/internal/media"
)

// ConnectionStatus is the signaling channel status as shown to the user.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// Quality is the sampled call quality.
type Quality string

const (
	QualityExcellent    Quality = "excellent"
	QualityGood         Quality = "good"
	QualityPoor         Quality = "poor"
	QualityDisconnected Quality = "disconnected"
)

// Participant is one user in the room roster.
type Participant struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	IsCreator bool   `json:"isCreator"`
}

// ChatMessage is one entry of the append-only chat log.
type ChatMessage struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Delivered bool   `json:"delivered"`
}

// State is one immutable snapshot of the call session.
type State struct {
	Connected bool
	InCall    bool

	LocalStream  *media.Stream
	RemoteStream *media.Stream
	ScreenStream *media.Stream

	ScreenSharing bool
	Muted         bool
	CameraOff     bool

	RoomID   string
	Username string

	Messages     []ChatMessage
	Participants []Participant

	// UserID of the participant currently sharing a screen, "" if none.
	ScreenSharingUser string
	Creator           bool

	Status       ConnectionStatus
	Quality      Quality
	ErrorMessage string
	Reconnecting bool

	CallDuration int // seconds
	LastActivity time.Time
}

// Initial returns the state a fresh session starts from.
func Initial() State {
	return State{
		Status:  StatusDisconnected,
		Quality: QualityDisconnected,
	}
}

// Action is a tagged state transition request.
type Action interface{ isAction() }

type SetConnected struct{ Connected bool }
type SetInCall struct{ InCall bool }
type SetLocalStream struct{ Stream *media.Stream }
type SetRemoteStream struct{ Stream *media.Stream }
type SetScreenStream struct{ Stream *media.Stream }
type SetScreenSharing struct{ Sharing bool }
type SetMuted struct{ Muted bool }
type SetCameraOff struct{ Off bool }
type SetRoom struct{ RoomID, Username string }
type AddMessage struct{ Message ChatMessage }
type SetParticipants struct{ Participants []Participant }
type SetScreenSharingUser struct{ UserID string }
type SetCreator struct{ Creator bool }
type SetStatus struct{ Status ConnectionStatus }
type SetQuality struct{ Quality Quality }
type SetError struct{ Message string }
type ClearError struct{}
type SetReconnecting struct{ Reconnecting bool }
type SetCallDuration struct{ Seconds int }
type Touch struct{ At time.Time }

// ResetCall returns every field to its initial value except RoomID and
// Username, which survive so the user can rejoin without retyping.
type ResetCall struct{}

func (SetConnected) isAction()         {}
func (SetInCall) isAction()            {}
func (SetLocalStream) isAction()       {}
func (SetRemoteStream) isAction()      {}
func (SetScreenStream) isAction()      {}
func (SetScreenSharing) isAction()     {}
func (SetMuted) isAction()             {}
func (SetCameraOff) isAction()         {}
func (SetRoom) isAction()              {}
func (AddMessage) isAction()           {}
func (SetParticipants) isAction()      {}
func (SetScreenSharingUser) isAction() {}
func (SetCreator) isAction()           {}
func (SetStatus) isAction()            {}
func (SetQuality) isAction()           {}
func (SetError) isAction()             {}
func (ClearError) isAction()           {}
func (SetReconnecting) isAction()      {}
func (SetCallDuration) isAction()      {}
func (Touch) isAction()                {}
func (ResetCall) isAction()            {}

// Reduce applies one action to a state snapshot and returns the next
// snapshot. Pure: no side effects, inputs are never mutated.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case SetConnected:
		s.Connected = a.Connected
	case SetInCall:
		s.InCall = a.InCall
	case SetLocalStream:
		s.LocalStream = a.Stream
	case SetRemoteStream:
		s.RemoteStream = a.Stream
	case SetScreenStream:
		s.ScreenStream = a.Stream
	case SetScreenSharing:
		s.ScreenSharing = a.Sharing
	case SetMuted:
		s.Muted = a.Muted
	case SetCameraOff:
		s.CameraOff = a.Off
	case SetRoom:
		s.RoomID = a.RoomID
		s.Username = a.Username
	case AddMessage:
		msgs := make([]ChatMessage, len(s.Messages), len(s.Messages)+1)
		copy(msgs, s.Messages)
		s.Messages = append(msgs, a.Message)
	case SetParticipants:
		ps := make([]Participant, len(a.Participants))
		copy(ps, a.Participants)
		s.Participants = ps
	case SetScreenSharingUser:
		s.ScreenSharingUser = a.UserID
	case SetCreator:
		s.Creator = a.Creator
	case SetStatus:
		s.Status = a.Status
	case SetQuality:
		s.Quality = a.Quality
	case SetError:
		s.ErrorMessage = a.Message
	case ClearError:
		s.ErrorMessage = ""
	case SetReconnecting:
		s.Reconnecting = a.Reconnecting
	case SetCallDuration:
		s.CallDuration = a.Seconds
	case Touch:
		s.LastActivity = a.At
	case ResetCall:
		next := Initial()
		next.RoomID = s.RoomID
		next.Username = s.Username
		return next
	}
	return s
}
