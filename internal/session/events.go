package session

import (
	"context"

	"github.com/mossy-p/meshchat/internal/media"
	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/negotiator"
	"github.com/mossy-p/meshchat/internal/peer"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// events turns connection callbacks into loop work. Handlers look the
// participant up again on the loop; a record that vanished meanwhile makes
// the event a no-op.
type events struct{ s *Session }

func (e events) ICECandidate(p string, c webrtc.ICECandidateInit) {
	e.s.Post(func(ctx context.Context) { e.s.neg.LocalCandidate(ctx, p, c) })
}

func (e events) ICEGatheringStateChange(p string, st webrtc.ICEGatheringState) {
	e.s.logger.Debug("ice gathering state", zap.String("participant", p), zap.Stringer("state", st))
}

func (e events) ICEConnectionStateChange(p string, st webrtc.ICEConnectionState) {
	e.s.logger.Debug("ice connection state", zap.String("participant", p), zap.Stringer("state", st))
}

func (e events) SignalingStateChange(p string, st webrtc.SignalingState) {
	e.s.logger.Debug("signaling state", zap.String("participant", p), zap.Stringer("state", st))
}

func (e events) ConnectionStateChange(p string, pc peer.Conn, st webrtc.PeerConnectionState) {
	e.s.Post(func(context.Context) { e.s.connectionState(p, pc, st) })
}

func (e events) NegotiationNeeded(p string) {
	e.s.Post(func(ctx context.Context) {
		if err := e.s.neg.Renegotiate(ctx, p); err != nil {
			e.s.logger.Error("renegotiate", zap.String("participant", p), zap.Error(err))
		}
	})
}

func (e events) Track(p string, t peer.RemoteTrack) {
	e.s.Post(func(context.Context) {
		if e.s.registry.Get(p) == nil {
			return
		}
		e.s.logger.Debug("remote track", zap.String("participant", p), zap.String("stream", t.StreamID()), zap.String("track", t.ID()))
		e.s.remote.AddTrack(p, t)
	})
}

func (e events) TrackEnded(p string, t peer.RemoteTrack) {
	e.s.Post(func(context.Context) { e.s.remote.EndTrack(p, t) })
}

func (e events) DataChannel(p string, dc peer.DataChannel) {
	e.s.Post(func(context.Context) {
		rec := e.s.registry.Get(p)
		if rec == nil {
			_ = dc.Close()
			return
		}
		rec.Channel = dc
	})
}

func (e events) ChannelOpen(p string, dc peer.DataChannel) {
	e.s.Post(func(context.Context) { e.s.channelOpen(p, dc) })
}

func (e events) ChannelClose(p string, dc peer.DataChannel) {
	e.s.Post(func(context.Context) {
		rec := e.s.registry.Get(p)
		if rec == nil || (rec.Channel != nil && rec.Channel != dc) {
			return
		}
		e.s.logger.Info("data channel closed", zap.String("participant", p))
		e.s.disconnect(p)
	})
}

func (e events) ChannelMessage(p string, dc peer.DataChannel, data []byte) {
	e.s.Post(func(context.Context) { e.s.channelMessage(p, data) })
}

func (s *Session) connectionState(p string, pc peer.Conn, st webrtc.PeerConnectionState) {
	rec := s.registry.Get(p)
	if rec == nil || rec.PC != pc {
		return
	}
	log := s.logger.With(zap.String("participant", p))
	log.Info("connection state", zap.Stringer("state", st))
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if rec.State != negotiator.Connected {
			_ = s.neg.Transition(rec, negotiator.Connected)
		}
		s.media.FlushQueued(s.peer(rec))
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.disconnect(p)
	}
}

func (s *Session) channelOpen(p string, dc peer.DataChannel) {
	rec := s.registry.Get(p)
	if rec == nil {
		return
	}
	if rec.Channel == nil {
		rec.Channel = dc
	}
	s.logger.Info("data channel open", zap.String("participant", p))
	rp := s.peer(rec)
	rp.Send(models.ConnectionEstablished(s.uid, s.username))
	s.media.Announce(rp)
}

func (s *Session) channelMessage(p string, data []byte) {
	rec := s.registry.Get(p)
	if rec == nil {
		return
	}
	m, err := models.DecodeMessage(data)
	if err != nil {
		s.logger.Error("dropped message", zap.String("participant", p), zap.Error(err))
		return
	}
	switch m.Type {
	case models.MessageTypeInfo:
		if m.Category == models.CategoryConnectionEstablished {
			rec.Name = m.Username
		}
		s.messages = append(s.messages, m)
	case models.MessageTypeMessage:
		s.messages = append(s.messages, m)
	case models.MessageTypeSystem:
		switch m.Category {
		case models.CategoryStreamInfo:
			s.remote.AddInfo(p, m)
		case models.CategoryRemoveStream:
			s.remote.RemoveStream(m.StreamID)
		}
	}
}

// disconnect drops every trace of participant in one step.
func (s *Session) disconnect(p string) {
	rec, err := s.neg.Disconnect(p)
	if rec == nil {
		return
	}
	if err != nil {
		s.logger.Debug("close participant", zap.String("participant", p), zap.Error(err))
	}
	s.remote.RemoveParticipant(p)
	s.media.Forget(p)
	s.messages = append(s.messages, models.Notice("Disconnected from "+rec.DisplayName()))
}

// hooks lets the negotiator hand connections to the media controller.
type hooks struct{ s *Session }

func (h hooks) Offering(rec *negotiator.Record) { h.s.media.Attach(h.s.peer(rec)) }

func (h hooks) Answering(rec *negotiator.Record) { h.s.media.Queue(rec.Participant) }

func (h hooks) Renegotiating(rec *negotiator.Record) { h.s.media.Announce(h.s.peer(rec)) }

// remotePeer adapts a record to media.Peer.
type remotePeer struct {
	*negotiator.Record
	s *Session
}

func (s *Session) peer(rec *negotiator.Record) remotePeer {
	return remotePeer{Record: rec, s: s}
}

func (s *Session) peers() []media.Peer {
	recs := s.registry.All()
	out := make([]media.Peer, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.peer(rec))
	}
	return out
}

func (p remotePeer) Send(m models.Message) {
	p.s.send(p.Record, m)
}

func (s *Session) send(rec *negotiator.Record, m models.Message) {
	if rec.Channel == nil || rec.Channel.ReadyState() != webrtc.DataChannelStateOpen {
		s.logger.Debug("channel not open, message dropped", zap.String("participant", rec.Participant))
		return
	}
	text, err := m.Encode()
	if err != nil {
		s.logger.Error("encode message", zap.Error(err))
		return
	}
	if err := rec.Channel.SendText(text); err != nil {
		s.logger.Warn("send failed", zap.String("participant", rec.Participant), zap.Error(err))
	}
}
