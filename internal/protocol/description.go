package protocol

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// SessionDescription is an SDP offer or answer as sent by a client. The
// typed fields are used for validation; encoding writes back the client's
// original JSON, so fields pion does not model survive the relay.
type SessionDescription struct {
	webrtc.SessionDescription
	raw json.RawMessage
}

func NewSessionDescription(typ webrtc.SDPType, body string) *SessionDescription {
	return &SessionDescription{SessionDescription: webrtc.SessionDescription{Type: typ, SDP: body}}
}

func (d *SessionDescription) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, &d.SessionDescription); err != nil {
		return err
	}
	d.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (d SessionDescription) MarshalJSON() ([]byte, error) {
	if len(d.raw) > 0 {
		return d.raw, nil
	}
	return json.Marshal(d.SessionDescription)
}

// ICECandidate is a trickled candidate, relayed the same way.
type ICECandidate struct {
	webrtc.ICECandidateInit
	raw json.RawMessage
}

func NewICECandidate(candidate string) *ICECandidate {
	return &ICECandidate{ICECandidateInit: webrtc.ICECandidateInit{Candidate: candidate}}
}

func (c *ICECandidate) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, &c.ICECandidateInit); err != nil {
		return err
	}
	c.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (c ICECandidate) MarshalJSON() ([]byte, error) {
	if len(c.raw) > 0 {
		return c.raw, nil
	}
	return json.Marshal(c.ICECandidateInit)
}
