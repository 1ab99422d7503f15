package media

import (
	"sort"

	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/peer"
)

// RemoteTrack describes one inbound track of a remote stream.
type RemoteTrack struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// RemoteStream is a promoted remote stream: its tracks arrived and so did
// the stream-info naming its owner and type.
type RemoteStream struct {
	ID          string            `json:"id"`
	Participant string            `json:"participant"`
	Username    string            `json:"username"`
	Type        models.StreamType `json:"type"`
	Tracks      []RemoteTrack     `json:"tracks"`

	// from is the connection the stream arrived on.
	from string
}

type streamKey struct {
	participant string
	streamType  models.StreamType
}

type pendingTrack struct {
	from  string
	track peer.RemoteTrack
	ended bool
}

type streamInfo struct {
	from     string
	streamID string
	kind     models.StreamType
	user     string
	username string
}

// Registry matches inbound tracks with stream-info messages. Either half may
// arrive first; both wait in their pending queue until the other shows up.
// It is not safe for concurrent use.
type Registry struct {
	pending []pendingTrack
	infos   []streamInfo
	streams map[streamKey]*RemoteStream
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[streamKey]*RemoteStream)}
}

// AddTrack records a track received from participant from. It reports
// whether the promoted streams changed.
func (r *Registry) AddTrack(from string, t peer.RemoteTrack) bool {
	if s := r.byID(t.StreamID()); s != nil {
		// second track of an already promoted stream
		for _, tr := range s.Tracks {
			if tr.ID == t.ID() {
				return false
			}
		}
		s.Tracks = append(s.Tracks, RemoteTrack{ID: t.ID(), Kind: t.Kind().String()})
		return true
	}
	r.pending = append(r.pending, pendingTrack{from: from, track: t})
	return r.reconcile()
}

// EndTrack marks a track as inactive. Pending copies are purged and the
// track leaves its promoted stream; a stream with no tracks left is dropped.
func (r *Registry) EndTrack(from string, t peer.RemoteTrack) bool {
	for i := range r.pending {
		if r.pending[i].from == from && r.pending[i].track.ID() == t.ID() {
			r.pending[i].ended = true
		}
	}
	changed := false
	for key, s := range r.streams {
		if s.from != from {
			continue
		}
		kept := s.Tracks[:0]
		for _, tr := range s.Tracks {
			if tr.ID != t.ID() {
				kept = append(kept, tr)
			}
		}
		if len(kept) != len(s.Tracks) {
			changed = true
			s.Tracks = kept
			if len(kept) == 0 {
				delete(r.streams, key)
			}
		}
	}
	return r.reconcile() || changed
}

// AddInfo records a stream-info message received from participant from.
func (r *Registry) AddInfo(from string, m models.Message) bool {
	if s := r.byID(m.StreamID); s != nil {
		if s.Username == m.Username {
			return false
		}
		s.Username = m.Username
		return true
	}
	for _, in := range r.infos {
		if in.streamID == m.StreamID {
			return r.reconcile()
		}
	}
	r.infos = append(r.infos, streamInfo{
		from:     from,
		streamID: m.StreamID,
		kind:     m.StreamType,
		user:     m.User,
		username: m.Username,
	})
	return r.reconcile()
}

// RemoveStream drops every trace of the stream with the given ID.
func (r *Registry) RemoveStream(streamID string) bool {
	changed := false
	for key, s := range r.streams {
		if s.ID == streamID {
			delete(r.streams, key)
			changed = true
		}
	}
	r.infos = filterInfos(r.infos, func(in streamInfo) bool { return in.streamID != streamID })
	r.pending = filterPending(r.pending, func(p pendingTrack) bool { return p.track.StreamID() != streamID })
	return changed
}

// RemoveParticipant drops the streams, infos and pending tracks that
// participant declared or delivered.
func (r *Registry) RemoveParticipant(participant string) bool {
	changed := false
	for key, s := range r.streams {
		if s.Participant == participant || s.from == participant {
			delete(r.streams, key)
			changed = true
		}
	}
	r.infos = filterInfos(r.infos, func(in streamInfo) bool {
		return in.from != participant && in.user != participant
	})
	r.pending = filterPending(r.pending, func(p pendingTrack) bool { return p.from != participant })
	return changed
}

// Clear empties the registry.
func (r *Registry) Clear() {
	r.pending = nil
	r.infos = nil
	r.streams = make(map[streamKey]*RemoteStream)
}

// Streams returns copies of the promoted streams ordered by participant and
// type.
func (r *Registry) Streams() []RemoteStream {
	out := make([]RemoteStream, 0, len(r.streams))
	for _, s := range r.streams {
		cp := *s
		cp.Tracks = append([]RemoteTrack(nil), s.Tracks...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Participant != out[j].Participant {
			return out[i].Participant < out[j].Participant
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Pending returns the number of tracks waiting for their stream-info.
func (r *Registry) Pending() int { return len(r.pending) }

// PendingInfos returns the number of stream-infos waiting for a track.
func (r *Registry) PendingInfos() int { return len(r.infos) }

// reconcile purges ended pending tracks and promotes every pending track
// whose stream-info is known.
func (r *Registry) reconcile() bool {
	r.pending = filterPending(r.pending, func(p pendingTrack) bool { return !p.ended })

	changed := false
	var rest []pendingTrack
	promoted := make(map[string]bool)
	for _, p := range r.pending {
		in, ok := r.info(p.track.StreamID())
		if !ok {
			rest = append(rest, p)
			continue
		}
		r.promote(in, p)
		promoted[in.streamID] = true
		changed = true
	}
	r.pending = rest
	if len(promoted) > 0 {
		r.infos = filterInfos(r.infos, func(in streamInfo) bool { return !promoted[in.streamID] })
	}
	return changed
}

func (r *Registry) promote(in streamInfo, p pendingTrack) {
	owner := in.user
	if owner == "" {
		owner = p.from
	}
	key := streamKey{participant: owner, streamType: in.kind}
	track := RemoteTrack{ID: p.track.ID(), Kind: p.track.Kind().String()}

	if s := r.streams[key]; s != nil && s.ID == in.streamID {
		s.Tracks = append(s.Tracks, track)
		return
	}
	// the same stream ID must not live under two keys
	for k, s := range r.streams {
		if s.ID == in.streamID {
			delete(r.streams, k)
		}
	}
	r.streams[key] = &RemoteStream{
		ID:          in.streamID,
		Participant: owner,
		Username:    in.username,
		Type:        in.kind,
		Tracks:      []RemoteTrack{track},
		from:        p.from,
	}
}

func (r *Registry) info(streamID string) (streamInfo, bool) {
	for _, in := range r.infos {
		if in.streamID == streamID {
			return in, true
		}
	}
	return streamInfo{}, false
}

func (r *Registry) byID(streamID string) *RemoteStream {
	for _, s := range r.streams {
		if s.ID == streamID {
			return s
		}
	}
	return nil
}

func filterInfos(in []streamInfo, keep func(streamInfo) bool) []streamInfo {
	out := in[:0]
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func filterPending(in []pendingTrack, keep func(pendingTrack) bool) []pendingTrack {
	out := in[:0]
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
