package negotiator

import (
	"fmt"
	"sort"

	"github.com/mossy-p/meshchat/internal/peer"
	"github.com/mossy-p/meshchat/internal/store"
	"github.com/pion/webrtc/v4"
)

// Record is everything known about one remote participant. A participant
// either has a record in the Registry or nothing at all.
type Record struct {
	Participant string
	Name        string
	State       State
	// Offerer is true when the local side authored the connection document.
	Offerer bool

	PC      peer.Conn
	Channel peer.DataChannel
	ConnRef store.DocumentRef

	OfferTime  store.Timestamp
	AnswerTime store.Timestamp

	unsubCandidates   store.Unsubscribe
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
}

// ID returns the remote participant ID.
func (r *Record) ID() string { return r.Participant }

// Conn returns the peer connection to the participant.
func (r *Record) Conn() peer.Conn { return r.PC }

// DisplayName returns the learned username, or the ID before the handshake.
func (r *Record) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Participant
}

// ChannelActive reports whether the data channel is connecting or open.
func (r *Record) ChannelActive() bool {
	if r.Channel == nil {
		return false
	}
	switch r.Channel.ReadyState() {
	case webrtc.DataChannelStateConnecting, webrtc.DataChannelStateOpen:
		return true
	}
	return false
}

// Registry owns the per-participant records of a room session.
type Registry struct {
	records map[string]*Record
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Attach adds rec; a participant can only be attached once.
func (r *Registry) Attach(rec *Record) error {
	if _, ok := r.records[rec.Participant]; ok {
		return fmt.Errorf("participant %s already attached", rec.Participant)
	}
	r.records[rec.Participant] = rec
	return nil
}

// Get returns the record of participant, or nil.
func (r *Registry) Get(participant string) *Record {
	return r.records[participant]
}

// Detach removes the record of participant and stops its candidate
// subscription. It returns nil if the participant is unknown.
func (r *Registry) Detach(participant string) *Record {
	rec, ok := r.records[participant]
	if !ok {
		return nil
	}
	delete(r.records, participant)
	if rec.unsubCandidates != nil {
		rec.unsubCandidates()
		rec.unsubCandidates = nil
	}
	rec.pendingCandidates = nil
	return rec
}

// All returns the records ordered by participant ID.
func (r *Registry) All() []*Record {
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant < out[j].Participant })
	return out
}

// Len returns the number of attached participants.
func (r *Registry) Len() int { return len(r.records) }
