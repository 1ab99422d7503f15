// Package peer owns the WebRTC connection and control data channel kept for
// each remote participant.
package peer

import (
	"github.com/pion/webrtc/v4"
)

// ChannelLabel names the control/app data channel. It must exist on every
// offer so that ICE gathering starts even without media.
const ChannelLabel = "messages"

// DataChannel is the reliable, ordered message channel to one participant.
type DataChannel interface {
	Label() string
	SendText(text string) error
	ReadyState() webrtc.DataChannelState
	Close() error
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Conn is one peer connection. CreateOffer and CreateAnswer also apply the
// result as the local description.
type Conn interface {
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// Events receives every callback of a connection and its data channels,
// tagged with the remote participant. Connection state changes also carry
// the connection they came from, so a late event of a closed connection can
// be told apart from the current one.
type Events interface {
	ICECandidate(participant string, c webrtc.ICECandidateInit)
	ICEGatheringStateChange(participant string, s webrtc.ICEGatheringState)
	ICEConnectionStateChange(participant string, s webrtc.ICEConnectionState)
	SignalingStateChange(participant string, s webrtc.SignalingState)
	ConnectionStateChange(participant string, conn Conn, s webrtc.PeerConnectionState)
	NegotiationNeeded(participant string)
	Track(participant string, t RemoteTrack)
	TrackEnded(participant string, t RemoteTrack)
	DataChannel(participant string, dc DataChannel)
	ChannelOpen(participant string, dc DataChannel)
	ChannelClose(participant string, dc DataChannel)
	ChannelMessage(participant string, dc DataChannel, data []byte)
}

// Factory creates connections for remote participants.
type Factory interface {
	NewConn(participant string, events Events) (Conn, error)
}
