package media

import (
	"context"
	"sort"

	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/peer"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Peer is a remote participant local streams are sent to.
type Peer interface {
	ID() string
	Conn() peer.Conn
	// Send delivers a message over the participant's data channel. It is
	// best-effort; a channel that is not open drops the message.
	Send(m models.Message)
}

// Identity returns the local participant ID and username.
type Identity func() (uid, username string)

// Controller owns the local streams, at most one per stream type, and the
// senders attached for them on every peer connection. It is not safe for
// concurrent use; the session drives it from one goroutine.
type Controller struct {
	source   Source
	identity Identity
	logger   *zap.Logger

	local   map[models.StreamType]*LocalStream
	senders map[string]map[models.StreamType][]*webrtc.RTPSender
	queued  map[string]map[models.StreamType]bool
}

// NewController returns a controller capturing from source.
func NewController(source Source, identity Identity, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		source:   source,
		identity: identity,
		logger:   logger,
		local:    make(map[models.StreamType]*LocalStream),
		senders:  make(map[string]map[models.StreamType][]*webrtc.RTPSender),
		queued:   make(map[string]map[models.StreamType]bool),
	}
}

// Active returns the local stream of type t, or nil.
func (c *Controller) Active(t models.StreamType) *LocalStream {
	return c.local[t]
}

// Streams returns the active local streams ordered by type.
func (c *Controller) Streams() []*LocalStream {
	out := make([]*LocalStream, 0, len(c.local))
	for _, s := range c.local {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Start captures a stream of type t unless one is already active, announces
// it and attaches its tracks to every connected peer. Peers that are not
// connected yet get the stream queued until FlushQueued.
func (c *Controller) Start(ctx context.Context, t models.StreamType, cons Constraints, peers []Peer) (*LocalStream, error) {
	if s := c.local[t]; s != nil {
		return s, nil
	}
	s, err := c.source.Capture(ctx, t, cons)
	if err != nil {
		return nil, err
	}
	c.local[t] = s
	c.logger.Info("local stream started", zap.String("stream", s.ID), zap.String("type", string(t)))

	for _, p := range peers {
		if p.Conn().ConnectionState() != webrtc.PeerConnectionStateConnected {
			c.queue(p.ID(), t)
			continue
		}
		c.announce(p, s)
		c.attach(p, s)
	}
	return s, nil
}

// Stop ends the local stream of type t, tells every peer to drop it and
// removes its senders. It reports whether a stream was active.
func (c *Controller) Stop(t models.StreamType, peers []Peer) bool {
	s := c.local[t]
	if s == nil {
		return false
	}
	msg := models.RemoveStream(s.ID)
	for _, p := range peers {
		p.Send(msg)
		c.detach(p, t)
	}
	for _, q := range c.queued {
		delete(q, t)
	}
	delete(c.local, t)
	s.Stop()
	c.logger.Info("local stream stopped", zap.String("stream", s.ID), zap.String("type", string(t)))
	return true
}

// Refresh replaces the camera stream with a new capture using cons.
func (c *Controller) Refresh(ctx context.Context, cons Constraints, peers []Peer) (*LocalStream, error) {
	c.Stop(models.StreamTypeMedia, peers)
	return c.Start(ctx, models.StreamTypeMedia, cons, peers)
}

// Attach adds the tracks of every active stream to p. Used when building an
// offer, before any description exists.
func (c *Controller) Attach(p Peer) {
	for _, s := range c.Streams() {
		c.attach(p, s)
	}
}

// Queue defers every active stream for participant until its connection is
// up. Adding tracks while the first answer is in flight would fire a second
// negotiation the offerer cannot handle yet.
func (c *Controller) Queue(participant string) {
	for t := range c.local {
		c.queue(participant, t)
	}
}

// Queued reports the stream types waiting for participant.
func (c *Controller) Queued(participant string) []models.StreamType {
	var out []models.StreamType
	for t := range c.queued[participant] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FlushQueued attaches and announces the queued streams of p that are still
// active. It returns the number of streams attached.
func (c *Controller) FlushQueued(p Peer) int {
	q := c.queued[p.ID()]
	delete(c.queued, p.ID())
	n := 0
	for _, t := range []models.StreamType{models.StreamTypeMedia, models.StreamTypeDisplay} {
		s := c.local[t]
		if !q[t] || s == nil {
			continue
		}
		c.announce(p, s)
		c.attach(p, s)
		n++
	}
	if n > 0 {
		c.logger.Debug("queued streams attached", zap.String("participant", p.ID()), zap.Int("streams", n))
	}
	return n
}

// Announce sends stream-info for every active stream to p.
func (c *Controller) Announce(p Peer) {
	for _, s := range c.Streams() {
		c.announce(p, s)
	}
}

// Forget drops the senders and queue kept for participant.
func (c *Controller) Forget(participant string) {
	delete(c.senders, participant)
	delete(c.queued, participant)
}

// Close stops every local stream without signaling anyone.
func (c *Controller) Close() {
	for t, s := range c.local {
		s.Stop()
		delete(c.local, t)
	}
	c.senders = make(map[string]map[models.StreamType][]*webrtc.RTPSender)
	c.queued = make(map[string]map[models.StreamType]bool)
}

func (c *Controller) queue(participant string, t models.StreamType) {
	q := c.queued[participant]
	if q == nil {
		q = make(map[models.StreamType]bool)
		c.queued[participant] = q
	}
	q[t] = true
}

func (c *Controller) announce(p Peer, s *LocalStream) {
	uid, username := c.identity()
	p.Send(models.StreamInfo(s.ID, s.Type, uid, username))
}

// attach adds the tracks of s to p. A failed track is logged and skipped so
// the others still go out.
func (c *Controller) attach(p Peer, s *LocalStream) {
	bySender := c.senders[p.ID()]
	if bySender == nil {
		bySender = make(map[models.StreamType][]*webrtc.RTPSender)
		c.senders[p.ID()] = bySender
	}
	for _, track := range s.Tracks {
		sender, err := p.Conn().AddTrack(track)
		if err != nil {
			c.logger.Warn("add track failed",
				zap.String("participant", p.ID()),
				zap.String("track", track.ID()),
				zap.Error(err))
			continue
		}
		bySender[s.Type] = append(bySender[s.Type], sender)
	}
}

func (c *Controller) detach(p Peer, t models.StreamType) {
	bySender := c.senders[p.ID()]
	for _, sender := range bySender[t] {
		if err := p.Conn().RemoveTrack(sender); err != nil {
			c.logger.Warn("remove track failed", zap.String("participant", p.ID()), zap.Error(err))
		}
	}
	delete(bySender, t)
}
