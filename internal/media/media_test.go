package media

import (
	"context"
	"testing"

	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/peer"
	"github.com/mossy-p/meshchat/internal/peer/peertest"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPeer struct {
	id   string
	conn *peertest.Conn
	sent []models.Message
}

func (p *testPeer) ID() string            { return p.id }
func (p *testPeer) Conn() peer.Conn       { return p.conn }
func (p *testPeer) Send(m models.Message) { p.sent = append(p.sent, m) }

func newTestPeer(t *testing.T, id string, state webrtc.PeerConnectionState) *testPeer {
	t.Helper()
	c, err := peertest.NewFactory().NewConn(id, peertest.NopEvents{})
	require.NoError(t, err)
	conn := c.(*peertest.Conn)
	conn.SetState(state)
	return &testPeer{id: id, conn: conn}
}

func loopbackSource() *RTPSource {
	return NewRTPSource(
		Endpoint{VideoAddr: "127.0.0.1:0", AudioAddr: "127.0.0.1:0"},
		Endpoint{VideoAddr: "127.0.0.1:0"},
		nil,
	)
}

func identity() (string, string) { return "alice", "Alice" }

func TestRTPSource_Capture(t *testing.T) {
	src := loopbackSource()

	s, err := src.Capture(context.Background(), models.StreamTypeMedia, DefaultConstraints)
	require.NoError(t, err)
	defer s.Stop()

	require.Len(t, s.Tracks, 2)
	assert.Equal(t, models.StreamTypeMedia, s.Type)
	for _, tr := range s.Tracks {
		assert.Equal(t, s.ID, tr.StreamID())
	}
	assert.Equal(t, webrtc.RTPCodecTypeVideo, s.Tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeAudio, s.Tracks[1].Kind())

	s.Stop()
	s.Stop()
}

func TestRTPSource_DisplayWithoutAudioInput(t *testing.T) {
	s, err := loopbackSource().Capture(context.Background(), models.StreamTypeDisplay, DefaultConstraints)
	require.NoError(t, err)
	defer s.Stop()
	assert.Len(t, s.Tracks, 1)
}

func TestRTPSource_NoTracks(t *testing.T) {
	_, err := loopbackSource().Capture(context.Background(), models.StreamTypeMedia, Constraints{})
	assert.ErrorIs(t, err, ErrNoTracks)

	_, err = NewRTPSource(Endpoint{}, Endpoint{}, nil).Capture(context.Background(), models.StreamTypeMedia, DefaultConstraints)
	assert.ErrorIs(t, err, ErrNoTracks)
}

func TestController_StartAttachesConnectedAndQueuesOthers(t *testing.T) {
	c := NewController(loopbackSource(), identity, nil)
	defer c.Close()

	bob := newTestPeer(t, "bob", webrtc.PeerConnectionStateConnected)
	carol := newTestPeer(t, "carol", webrtc.PeerConnectionStateConnecting)

	s, err := c.Start(context.Background(), models.StreamTypeMedia, DefaultConstraints, []Peer{bob, carol})
	require.NoError(t, err)

	assert.Len(t, bob.conn.Tracks(), 2)
	require.Len(t, bob.sent, 1)
	assert.Equal(t, models.StreamInfo(s.ID, models.StreamTypeMedia, "alice", "Alice"), bob.sent[0])

	assert.Empty(t, carol.conn.Tracks())
	assert.Empty(t, carol.sent)
	assert.Equal(t, []models.StreamType{models.StreamTypeMedia}, c.Queued("carol"))

	again, err := c.Start(context.Background(), models.StreamTypeMedia, DefaultConstraints, []Peer{bob, carol})
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Len(t, bob.conn.Tracks(), 2)

	carol.conn.SetState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, 1, c.FlushQueued(carol))
	assert.Len(t, carol.conn.Tracks(), 2)
	assert.Empty(t, c.Queued("carol"))
	assert.Equal(t, 0, c.FlushQueued(carol))
}

func TestController_StopRemovesSendersAndSignals(t *testing.T) {
	c := NewController(loopbackSource(), identity, nil)
	defer c.Close()

	bob := newTestPeer(t, "bob", webrtc.PeerConnectionStateConnected)
	s, err := c.Start(context.Background(), models.StreamTypeMedia, DefaultConstraints, []Peer{bob})
	require.NoError(t, err)

	assert.True(t, c.Stop(models.StreamTypeMedia, []Peer{bob}))
	assert.Nil(t, c.Active(models.StreamTypeMedia))
	assert.Empty(t, bob.conn.Tracks())
	assert.Equal(t, 2, bob.conn.Removed())
	assert.Equal(t, models.RemoveStream(s.ID), bob.sent[len(bob.sent)-1])

	assert.False(t, c.Stop(models.StreamTypeMedia, []Peer{bob}))
}

func TestController_QueueDroppedWhenStreamStops(t *testing.T) {
	c := NewController(loopbackSource(), identity, nil)
	defer c.Close()

	_, err := c.Start(context.Background(), models.StreamTypeMedia, DefaultConstraints, nil)
	require.NoError(t, err)

	bob := newTestPeer(t, "bob", webrtc.PeerConnectionStateNew)
	c.Queue("bob")
	c.Stop(models.StreamTypeMedia, nil)

	bob.conn.SetState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, 0, c.FlushQueued(bob))
	assert.Empty(t, bob.conn.Tracks())
}

func TestController_RefreshReplacesStream(t *testing.T) {
	c := NewController(loopbackSource(), identity, nil)
	defer c.Close()

	bob := newTestPeer(t, "bob", webrtc.PeerConnectionStateConnected)
	first, err := c.Start(context.Background(), models.StreamTypeMedia, DefaultConstraints, []Peer{bob})
	require.NoError(t, err)

	second, err := c.Refresh(context.Background(), Constraints{Video: true}, []Peer{bob})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, bob.conn.Tracks(), 1)

	var kinds []models.Category
	for _, m := range bob.sent {
		kinds = append(kinds, m.Category)
	}
	assert.Equal(t, []models.Category{models.CategoryStreamInfo, models.CategoryRemoveStream, models.CategoryStreamInfo}, kinds)
}

func TestController_AttachFailureSkipsTrack(t *testing.T) {
	c := NewController(loopbackSource(), identity, nil)
	defer c.Close()

	_, err := c.Start(context.Background(), models.StreamTypeMedia, DefaultConstraints, nil)
	require.NoError(t, err)

	bob := newTestPeer(t, "bob", webrtc.PeerConnectionStateNew)
	bob.conn.FailAddTrack = assert.AnError
	c.Attach(bob)
	assert.Empty(t, bob.conn.Tracks())

	bob.conn.FailAddTrack = nil
	c.Forget("bob")
	c.Attach(bob)
	assert.Len(t, bob.conn.Tracks(), 2)
}
