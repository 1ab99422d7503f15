package peer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DefaultSTUN is used when no STUN servers are configured.
const DefaultSTUN = "stun:stun.l.google.com:19302"

// Options configures the pion factory.
type Options struct {
	STUNURLs []string
	// IncludeLoopback gathers 127.0.0.1 candidates so two peers in one
	// process can connect without a network.
	IncludeLoopback bool
	Logger          *zap.Logger
}

// Configuration returns the ICE configuration for the given STUN servers.
func Configuration(stunURLs []string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		stunURLs = []string{DefaultSTUN}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}
}

// PionFactory creates pion peer connections sharing one API instance.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.Logger
}

// NewPionFactory registers the default codecs and interceptors.
func NewPionFactory(opts Options) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &PionFactory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		config: Configuration(opts.STUNURLs),
		logger: lg,
	}, nil
}

// NewConn creates a connection whose callbacks are forwarded to events.
func (f *PionFactory) NewConn(participant string, events Events) (Conn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &pionConn{
		participant: participant,
		pc:          pc,
		events:      events,
		logger:      f.logger.With(zap.String("participant", participant)),
	}
	c.register()
	return c, nil
}

type pionConn struct {
	participant string
	pc          *webrtc.PeerConnection
	events      Events
	logger      *zap.Logger
}

func (c *pionConn) register() {
	p := c.participant
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.events.ICECandidate(p, cand.ToJSON())
	})
	c.pc.OnICEGatheringStateChange(func(s webrtc.ICEGatheringState) {
		c.events.ICEGatheringStateChange(p, s)
	})
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.events.ICEConnectionStateChange(p, s)
	})
	c.pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		c.events.SignalingStateChange(p, s)
	})
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.events.ConnectionStateChange(p, c, s)
	})
	c.pc.OnNegotiationNeeded(func() {
		c.events.NegotiationNeeded(p)
	})
	c.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.events.Track(p, tr)
		go c.drain(tr)
	})
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.wire(dc)
		c.events.DataChannel(p, dc)
	})
}

// drain consumes RTP so the receive buffers never fill; the track is reported
// ended once reading fails.
func (c *pionConn) drain(tr *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := tr.Read(buf); err != nil {
			c.logger.Debug("remote track ended", zap.String("track", tr.ID()), zap.Error(err))
			c.events.TrackEnded(c.participant, tr)
			return
		}
	}
}

func (c *pionConn) wire(dc *webrtc.DataChannel) {
	p := c.participant
	dc.OnOpen(func() {
		c.events.ChannelOpen(p, dc)
	})
	dc.OnClose(func() {
		c.events.ChannelClose(p, dc)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.events.ChannelMessage(p, dc, msg.Data)
	})
	dc.OnError(func(err error) {
		c.logger.Warn("data channel error", zap.String("label", dc.Label()), zap.Error(err))
	})
}

func (c *pionConn) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	c.wire(dc)
	return dc, nil
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

func (c *pionConn) RemoveTrack(sender *webrtc.RTPSender) error {
	return c.pc.RemoveTrack(sender)
}

func (c *pionConn) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
