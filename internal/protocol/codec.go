package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/tidwall/gjson"
)

var ErrUnknownEvent = errors.New("unknown event")

// MalformedPayloadError reports a frame that could not be turned into a
// typed event. The frame is dropped; the connection stays open.
type MalformedPayloadError struct {
	Event  string
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Event == "" {
		return "malformed frame: " + msg
	}
	return fmt.Sprintf("malformed %s payload: %s", e.Event, msg)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Encode wraps ev in the wire envelope.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(envelope{Event: ev.EventName(), Payload: ev})
}

// PeekEvent returns the event name of a raw frame without decoding it.
func PeekEvent(raw []byte) string {
	return gjson.GetBytes(raw, "event").String()
}

var decoders = map[string]func([]byte) (Event, error){
	EventJoinRoom:     decode[JoinRoom],
	EventLeaveRoom:    decode[LeaveRoom],
	EventSendMessage:  decode[SendMessage],
	EventCallUser:     decode[CallUser],
	EventAnswerCall:   decode[AnswerCall],
	EventRejectCall:   decode[RejectCall],
	EventEndCall:      decode[EndCall],
	EventIceCandidate: decode[IceCandidate],
	EventTyping:       decode[Typing],
	EventStopTyping:   decode[StopTyping],
	EventPing:         decode[Ping],
}

// Known reports whether name is an event clients may send.
func Known(name string) bool {
	_, ok := decoders[name]
	return ok
}

// Decode parses one client frame into its typed event. Every failure is a
// *MalformedPayloadError.
func Decode(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &MalformedPayloadError{Reason: "invalid json"}
	}

	name := gjson.GetBytes(raw, "event")
	if name.Type != gjson.String || name.Str == "" {
		return nil, &MalformedPayloadError{Reason: "missing event name"}
	}

	fn, ok := decoders[name.Str]
	if !ok {
		return nil, &MalformedPayloadError{Event: name.Str, Err: ErrUnknownEvent}
	}

	var body []byte
	if payload := gjson.GetBytes(raw, "payload"); payload.Exists() && payload.Type != gjson.Null {
		if !payload.IsObject() {
			return nil, &MalformedPayloadError{Event: name.Str, Reason: "payload must be an object"}
		}
		body = []byte(payload.Raw)
	}

	ev, err := fn(body)
	if err != nil {
		return nil, &MalformedPayloadError{Event: name.Str, Err: err}
	}
	return ev, nil
}

type validator interface {
	validate() error
}

func decode[T Event](body []byte) (Event, error) {
	var p T
	if len(body) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
	}
	if v, ok := any(p).(validator); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func validateDescription(field string, desc *SessionDescription, allowed ...webrtc.SDPType) error {
	if desc == nil {
		return fmt.Errorf("%s is required", field)
	}

	typeOK := false
	for _, t := range allowed {
		if desc.Type == t {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return fmt.Errorf("%s has unexpected type %q", field, desc.Type.String())
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("%s sdp: %w", field, err)
	}
	return nil
}

func (p JoinRoom) validate() error  { return required("roomId", p.RoomID) }
func (p LeaveRoom) validate() error { return required("roomId", p.RoomID) }

func (p SendMessage) validate() error {
	if len(bytes.TrimSpace(p.Message)) == 0 || bytes.Equal(p.Message, []byte("null")) {
		return errors.New("message is required")
	}
	if p.RecipientID == "" && p.RoomID == "" {
		return errors.New("recipientId or roomId is required")
	}
	return nil
}

func (p CallUser) validate() error {
	if err := required("targetUserId", p.TargetUserID); err != nil {
		return err
	}
	if !p.CallType.Valid() {
		return fmt.Errorf("callType must be %q or %q", CallTypeVoice, CallTypeVideo)
	}
	return validateDescription("offer", p.Offer, webrtc.SDPTypeOffer)
}

func (p AnswerCall) validate() error {
	if p.CallerSocketID == "" && p.CallID == "" {
		return errors.New("callerSocketId is required")
	}
	return validateDescription("answer", p.Answer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer)
}

func (p RejectCall) validate() error {
	if p.CallerSocketID == "" && p.CallID == "" {
		return errors.New("callerSocketId is required")
	}
	return nil
}

func (p EndCall) validate() error {
	if p.TargetUserID == "" && p.CallID == "" {
		return errors.New("targetUserId is required")
	}
	return nil
}

func (p IceCandidate) validate() error {
	if p.TargetUserID == "" && p.TargetSocketID == "" {
		return errors.New("targetUserId or targetSocketId is required")
	}
	if p.Candidate == nil {
		return errors.New("candidate is required")
	}
	return nil
}

func (p Typing) validate() error     { return required("recipientId", p.RecipientID) }
func (p StopTyping) validate() error { return required("recipientId", p.RecipientID) }
