package session

import (
	"reflect"

	"github.com/mossy-p/meshchat/internal/media"
	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/negotiator"
)

// Participant is the observable view of one remote participant.
type Participant struct {
	ID      string           `json:"id"`
	Name    string           `json:"name,omitempty"`
	State   negotiator.State `json:"state"`
	Channel string           `json:"channel,omitempty"`
}

// LocalStream is the observable view of a local capture.
type LocalStream struct {
	ID     string            `json:"id"`
	Type   models.StreamType `json:"type"`
	Tracks int               `json:"tracks"`
}

// State is a snapshot of everything a UI would render.
type State struct {
	RoomID        string               `json:"roomId,omitempty"`
	InRoom        bool                 `json:"inRoom"`
	SendEnabled   bool                 `json:"sendEnabled"`
	UID           string               `json:"uid"`
	Username      string               `json:"username"`
	Messages      []models.Message     `json:"messages"`
	Participants  []Participant        `json:"participants"`
	LocalStreams  []LocalStream        `json:"localStreams"`
	RemoteStreams []media.RemoteStream `json:"remoteStreams"`
	// PendingCleanups counts rooms left whose store cleanup has not
	// succeeded yet. The next ExitRoom retries them.
	PendingCleanups int `json:"pendingCleanups,omitempty"`
}

// Participant returns the participant with the given ID.
func (st State) Participant(id string) (Participant, bool) {
	for _, p := range st.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// State returns the latest published snapshot.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Subscribe returns a channel receiving the current snapshot and then every
// change. Only the latest snapshot is kept for a slow reader. The returned
// func cancels the subscription.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.stateMu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.state
	s.stateMu.Unlock()

	return ch, func() {
		s.stateMu.Lock()
		defer s.stateMu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// snapshot builds the state from loop-owned fields.
func (s *Session) snapshot() State {
	st := State{
		RoomID:        s.roomRef.ID,
		InRoom:        !s.roomRef.IsZero(),
		UID:           s.uid,
		Username:      s.username,
		Messages:      append([]models.Message{}, s.messages...),
		Participants:  []Participant{},
		LocalStreams:  []LocalStream{},
		RemoteStreams: s.remote.Streams(),

		PendingCleanups: len(s.left),
	}
	for _, rec := range s.registry.All() {
		p := Participant{ID: rec.Participant, Name: rec.Name, State: rec.State}
		if rec.Channel != nil {
			p.Channel = rec.Channel.ReadyState().String()
		}
		if rec.ChannelActive() {
			st.SendEnabled = true
		}
		st.Participants = append(st.Participants, p)
	}
	if s.media != nil {
		for _, ls := range s.media.Streams() {
			st.LocalStreams = append(st.LocalStreams, LocalStream{ID: ls.ID, Type: ls.Type, Tracks: len(ls.Tracks)})
		}
	}
	return st
}

// publish stores a new snapshot and hands it to subscribers when it differs
// from the last one.
func (s *Session) publish() {
	next := s.snapshot()
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if reflect.DeepEqual(next, s.state) {
		return
	}
	s.state = next
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}
