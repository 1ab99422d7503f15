package models

import (
	"github.com/mossy-p/meshchat/internal/store"
	"github.com/pion/webrtc/v4"
)

// Field names of the room and connection documents.
const (
	FieldParticipants = "participants"
	FieldCreated      = "created"
	FieldFrom         = "from"
	FieldTo           = "to"
	FieldOfferTime    = "offerTime"
	FieldOffer        = "offer"
	FieldAnswerTime   = "answerTime"
	FieldAnswer       = "answer"
)

// ConnectionsCollection is the sub-collection of a room holding connection docs.
const ConnectionsCollection = "connections"

// Room is the membership document of a chat session.
type Room struct {
	Participants []string        `json:"participants"`
	Created      store.Timestamp `json:"created"`
}

// Has reports whether uid is already a participant.
func (r Room) Has(uid string) bool {
	for _, p := range r.Participants {
		if p == uid {
			return true
		}
	}
	return false
}

// SessionDescription is the stored form of an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// NewSessionDescription converts a pion description to its stored form.
func NewSessionDescription(desc webrtc.SessionDescription) *SessionDescription {
	return &SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

// WebRTC converts the stored form back to a pion description.
func (d *SessionDescription) WebRTC() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func (d *SessionDescription) data() any {
	if d == nil {
		return nil
	}
	return map[string]any{"type": d.Type, "sdp": d.SDP}
}

// Connection is the signaling record for one ordered (offerer, answerer) pair.
type Connection struct {
	From       string              `json:"from"`
	To         string              `json:"to"`
	OfferTime  store.Timestamp     `json:"offerTime"`
	Offer      *SessionDescription `json:"offer"`
	AnswerTime store.Timestamp     `json:"answerTime"`
	Answer     *SessionDescription `json:"answer"`
}

// OfferData returns the fields written when a new offer replaces whatever the
// document held; the answer half is reset to null.
func (c Connection) OfferData() store.Data {
	return store.Data{
		FieldFrom:       c.From,
		FieldTo:         c.To,
		FieldOfferTime:  timestamp(c.OfferTime),
		FieldOffer:      c.Offer.data(),
		FieldAnswerTime: nil,
		FieldAnswer:     nil,
	}
}

// AnswerData returns the partial update written by the answering side.
func (c Connection) AnswerData() store.Data {
	return store.Data{
		FieldAnswerTime: timestamp(c.AnswerTime),
		FieldAnswer:     c.Answer.data(),
	}
}

func timestamp(t store.Timestamp) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// ICECandidate is the stored form of a trickled ICE candidate.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment"`
}

// NewICECandidate converts a pion candidate init to its stored form.
func NewICECandidate(c webrtc.ICECandidateInit) ICECandidate {
	return ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// WebRTC converts the stored candidate back to a pion candidate init.
func (c ICECandidate) WebRTC() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Data returns the document fields of the candidate.
func (c ICECandidate) Data() store.Data {
	d := store.Data{"candidate": c.Candidate, "sdpMid": nil, "sdpMLineIndex": nil, "usernameFragment": nil}
	if c.SDPMid != nil {
		d["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		d["sdpMLineIndex"] = int64(*c.SDPMLineIndex)
	}
	if c.UsernameFragment != nil {
		d["usernameFragment"] = *c.UsernameFragment
	}
	return d
}
