// Package protocol defines the events exchanged over a signaling connection.
//
// Every frame is a JSON text message of the form
//
//	{"event": "<name>", "payload": {...}}
//
// Each event name maps to exactly one Go type, so handlers switch on the
// concrete type instead of poking at untyped maps.
package protocol

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Event is implemented by every payload type.
type Event interface {
	EventName() string
}

// Outbox delivers an event to a single connection handle. Delivery is
// non-blocking; false means the handle is gone or its buffer is full.
type Outbox interface {
	Deliver(handle string, ev Event) bool
}

const (
	EventJoinRoom        = "join-room"
	EventLeaveRoom       = "leave-room"
	EventSendMessage     = "send-message"
	EventReceiveMessage  = "receive-message"
	EventNewMessage      = "new-message"
	EventCallUser        = "call-user"
	EventIncomingCall    = "incoming-call"
	EventUserUnavailable = "user-unavailable"
	EventAnswerCall      = "answer-call"
	EventCallAnswered    = "call-answered"
	EventRejectCall      = "reject-call"
	EventCallRejected    = "call-rejected"
	EventEndCall         = "end-call"
	EventCallEnded       = "call-ended"
	EventIceCandidate    = "ice-candidate"
	EventTyping          = "typing"
	EventStopTyping      = "stop-typing"
	EventUserOnline      = "user-online"
	EventUserOffline     = "user-offline"
	EventOnlineUsers     = "online-users"
	EventRTCConfig       = "rtc-config"
	EventError           = "error"
	EventPing            = "ping"
	EventPong            = "pong"
)

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

func (c CallType) Valid() bool {
	return c == CallTypeVoice || c == CallTypeVideo
}

// Call end reasons attached to call-ended when the server, not a peer,
// terminates the attempt.
const (
	EndReasonHangup       = "hangup"
	EndReasonDisconnected = "disconnected"
	EndReasonTimeout      = "timeout"
)

// Client events.

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type SendMessage struct {
	RecipientID string          `json:"recipientId,omitempty"`
	Message     json.RawMessage `json:"message"`
	RoomID      string          `json:"roomId,omitempty"`
}

type CallUser struct {
	TargetUserID string              `json:"targetUserId"`
	Offer        *SessionDescription `json:"offer"`
	CallType     CallType            `json:"callType"`
}

type AnswerCall struct {
	CallerSocketID string              `json:"callerSocketId"`
	CallID         string              `json:"callId,omitempty"`
	Answer         *SessionDescription `json:"answer"`
}

type RejectCall struct {
	CallerSocketID string `json:"callerSocketId"`
	CallID         string `json:"callId,omitempty"`
}

type EndCall struct {
	TargetUserID string `json:"targetUserId"`
	CallID       string `json:"callId,omitempty"`
}

// IceCandidate addresses its peer by handle or by user id. The handle wins
// when both are set.
type IceCandidate struct {
	TargetUserID   string        `json:"targetUserId,omitempty"`
	TargetSocketID string        `json:"targetSocketId,omitempty"`
	Candidate      *ICECandidate `json:"candidate"`
}

type Typing struct {
	RecipientID string `json:"recipientId"`
}

type StopTyping struct {
	RecipientID string `json:"recipientId"`
}

type Ping struct{}

func (JoinRoom) EventName() string     { return EventJoinRoom }
func (LeaveRoom) EventName() string    { return EventLeaveRoom }
func (SendMessage) EventName() string  { return EventSendMessage }
func (CallUser) EventName() string     { return EventCallUser }
func (AnswerCall) EventName() string   { return EventAnswerCall }
func (RejectCall) EventName() string   { return EventRejectCall }
func (EndCall) EventName() string      { return EventEndCall }
func (IceCandidate) EventName() string { return EventIceCandidate }
func (Typing) EventName() string       { return EventTyping }
func (StopTyping) EventName() string   { return EventStopTyping }
func (Ping) EventName() string         { return EventPing }

// Server events.

type ReceiveMessage struct {
	SenderID  string          `json:"senderId"`
	Message   json.RawMessage `json:"message"`
	Timestamp int64           `json:"timestamp"`
}

type NewMessage struct {
	SenderID  string          `json:"senderId"`
	Message   json.RawMessage `json:"message"`
	Timestamp int64           `json:"timestamp"`
	RoomID    string          `json:"roomId"`
}

type IncomingCall struct {
	CallID         string              `json:"callId"`
	CallerID       string              `json:"callerId"`
	CallerSocketID string              `json:"callerSocketId"`
	Offer          *SessionDescription `json:"offer"`
	CallType       CallType            `json:"callType"`
}

type UserUnavailable struct {
	TargetUserID string `json:"targetUserId"`
}

type CallAnswered struct {
	CallID     string              `json:"callId,omitempty"`
	Answer     *SessionDescription `json:"answer"`
	AnswererID string              `json:"answererId"`
}

type CallRejected struct {
	CallID     string `json:"callId,omitempty"`
	RejectedBy string `json:"rejectedBy"`
}

type CallEnded struct {
	CallID  string `json:"callId,omitempty"`
	EndedBy string `json:"endedBy,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type IceCandidateRelay struct {
	Candidate *ICECandidate `json:"candidate"`
	SenderID  string        `json:"senderId"`
}

type TypingNotice struct {
	UserID string `json:"userId"`
}

type StopTypingNotice struct {
	UserID string `json:"userId"`
}

type UserOnline struct {
	UserID string `json:"userId"`
}

type UserOffline struct {
	UserID string `json:"userId"`
}

type OnlineUsers struct {
	UserIDs []string `json:"userIds"`
}

type RTCConfig struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

type Error struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

type Pong struct{}

func (ReceiveMessage) EventName() string    { return EventReceiveMessage }
func (NewMessage) EventName() string        { return EventNewMessage }
func (IncomingCall) EventName() string      { return EventIncomingCall }
func (UserUnavailable) EventName() string   { return EventUserUnavailable }
func (CallAnswered) EventName() string      { return EventCallAnswered }
func (CallRejected) EventName() string      { return EventCallRejected }
func (CallEnded) EventName() string         { return EventCallEnded }
func (IceCandidateRelay) EventName() string { return EventIceCandidate }
func (TypingNotice) EventName() string      { return EventTyping }
func (StopTypingNotice) EventName() string  { return EventStopTyping }
func (UserOnline) EventName() string        { return EventUserOnline }
func (UserOffline) EventName() string       { return EventUserOffline }
func (OnlineUsers) EventName() string       { return EventOnlineUsers }
func (RTCConfig) EventName() string         { return EventRTCConfig }
func (Error) EventName() string             { return EventError }
func (Pong) EventName() string              { return EventPong }
