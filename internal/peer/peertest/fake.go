// Package peertest provides in-memory fakes of the peer layer for tests.
package peertest

import (
	"fmt"
	"sync"

	"github.com/mossy-p/meshchat/internal/peer"
	"github.com/pion/webrtc/v4"
)

// Factory records every connection it creates.
type Factory struct {
	mu    sync.Mutex
	conns map[string][]*Conn
	Err   error
	// OnNew, if set, runs on every connection before it is returned.
	OnNew func(c *Conn)
}

// NewFactory returns an empty fake factory.
func NewFactory() *Factory {
	return &Factory{conns: make(map[string][]*Conn)}
}

func (f *Factory) NewConn(participant string, events peer.Events) (peer.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{participant: participant, events: events, state: webrtc.PeerConnectionStateNew}
	f.conns[participant] = append(f.conns[participant], c)
	if f.OnNew != nil {
		f.OnNew(c)
	}
	return c, nil
}

// Conn returns the most recent connection created for participant.
func (f *Factory) Conn(participant string) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.conns[participant]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Count returns how many connections were created for participant.
func (f *Factory) Count(participant string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[participant])
}

// Conn is a scripted peer connection.
type Conn struct {
	participant string
	events      peer.Events

	mu         sync.Mutex
	state      webrtc.PeerConnectionState
	channels   []*Channel
	offers     int
	answers    int
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	senders    map[*webrtc.RTPSender]webrtc.TrackLocal
	removed    int
	closed     bool

	FailRemote    error
	FailCandidate error
	FailOffer     error
	FailAnswer    error
	FailAddTrack  error
}

func (c *Conn) CreateDataChannel(label string) (peer.DataChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := NewChannel(c.participant, label, c.events)
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailOffer != nil {
		return webrtc.SessionDescription{}, c.FailOffer
	}
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", c.participant, c.offers)}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAnswer != nil {
		return webrtc.SessionDescription{}, c.FailAnswer
	}
	c.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%s-%d", c.participant, c.answers)}, nil
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailRemote != nil {
		return c.FailRemote
	}
	c.remote = append(c.remote, desc)
	return nil
}

func (c *Conn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailCandidate != nil {
		return c.FailCandidate
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *Conn) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAddTrack != nil {
		return nil, c.FailAddTrack
	}
	if c.senders == nil {
		c.senders = make(map[*webrtc.RTPSender]webrtc.TrackLocal)
	}
	s := new(webrtc.RTPSender)
	c.senders[s] = track
	return s, nil
}

func (c *Conn) RemoveTrack(sender *webrtc.RTPSender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.senders[sender]; !ok {
		return fmt.Errorf("unknown sender")
	}
	delete(c.senders, sender)
	c.removed++
	return nil
}

func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = webrtc.PeerConnectionStateClosed
	return nil
}

// SetState changes the connection state and reports it to the events sink.
func (c *Conn) SetState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.events.ConnectionStateChange(c.participant, c, s)
}

// EmitCandidate reports a locally gathered candidate.
func (c *Conn) EmitCandidate(candidate string) {
	c.events.ICECandidate(c.participant, webrtc.ICECandidateInit{Candidate: candidate})
}

// EmitNegotiationNeeded fires the negotiation-needed callback.
func (c *Conn) EmitNegotiationNeeded() {
	c.events.NegotiationNeeded(c.participant)
}

// EmitTrack delivers an inbound track.
func (c *Conn) EmitTrack(t *Track) {
	c.events.Track(c.participant, t)
}

// EmitTrackEnded reports that an inbound track stopped.
func (c *Conn) EmitTrackEnded(t *Track) {
	c.events.TrackEnded(c.participant, t)
}

// EmitDataChannel delivers an inbound data channel, as on the answer side.
func (c *Conn) EmitDataChannel(label string) *Channel {
	ch := NewChannel(c.participant, label, c.events)
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()
	c.events.DataChannel(c.participant, ch)
	return ch
}

// Channel returns the most recent data channel of the connection.
func (c *Conn) Channel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

// Offers returns how many offers were created.
func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

// Answers returns how many answers were created.
func (c *Conn) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

// Remote returns every description passed to SetRemoteDescription.
func (c *Conn) Remote() []webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), c.remote...)
}

// Candidates returns every remote candidate added.
func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

// Tracks returns the local tracks currently attached.
func (c *Conn) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(c.senders))
	for _, t := range c.senders {
		out = append(out, t)
	}
	return out
}

// Removed returns how many senders were removed.
func (c *Conn) Removed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Channel is a scripted data channel.
type Channel struct {
	participant string
	label       string
	events      peer.Events

	mu    sync.Mutex
	state webrtc.DataChannelState
	sent  []string
}

// NewChannel returns a connecting channel bound to events.
func NewChannel(participant, label string, events peer.Events) *Channel {
	return &Channel{participant: participant, label: label, events: events, state: webrtc.DataChannelStateConnecting}
}

func (c *Channel) Label() string { return c.label }

func (c *Channel) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.DataChannelStateOpen {
		return fmt.Errorf("channel %s not open", c.label)
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *Channel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = webrtc.DataChannelStateClosed
	return nil
}

// Open marks the channel open and fires the open callback.
func (c *Channel) Open() {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateOpen
	c.mu.Unlock()
	c.events.ChannelOpen(c.participant, c)
}

// RemoteClose marks the channel closed and fires the close callback.
func (c *Channel) RemoteClose() {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateClosed
	c.mu.Unlock()
	c.events.ChannelClose(c.participant, c)
}

// Deliver fires the message callback with payload.
func (c *Channel) Deliver(payload string) {
	c.events.ChannelMessage(c.participant, c, []byte(payload))
}

// Sent returns every payload sent on the channel.
func (c *Channel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// Track is a fake inbound track.
type Track struct {
	TrackID string
	Stream  string
	Type    webrtc.RTPCodecType
}

func (t *Track) ID() string                { return t.TrackID }
func (t *Track) StreamID() string          { return t.Stream }
func (t *Track) Kind() webrtc.RTPCodecType { return t.Type }

// NopEvents discards every callback.
type NopEvents struct{}

func (NopEvents) ICECandidate(string, webrtc.ICECandidateInit)                        {}
func (NopEvents) ICEGatheringStateChange(string, webrtc.ICEGatheringState)            {}
func (NopEvents) ICEConnectionStateChange(string, webrtc.ICEConnectionState)          {}
func (NopEvents) SignalingStateChange(string, webrtc.SignalingState)                  {}
func (NopEvents) ConnectionStateChange(string, peer.Conn, webrtc.PeerConnectionState) {}
func (NopEvents) NegotiationNeeded(string)                                            {}
func (NopEvents) Track(string, peer.RemoteTrack)                                      {}
func (NopEvents) TrackEnded(string, peer.RemoteTrack)                                 {}
func (NopEvents) DataChannel(string, peer.DataChannel)                                {}
func (NopEvents) ChannelOpen(string, peer.DataChannel)                                {}
func (NopEvents) ChannelClose(string, peer.DataChannel)                               {}
func (NopEvents) ChannelMessage(string, peer.DataChannel, []byte)                     {}
