package media

import (
	"testing"

	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/peer/peertest"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func videoTrack(id, stream string) *peertest.Track {
	return &peertest.Track{TrackID: id, Stream: stream, Type: webrtc.RTPCodecTypeVideo}
}

func audioTrack(id, stream string) *peertest.Track {
	return &peertest.Track{TrackID: id, Stream: stream, Type: webrtc.RTPCodecTypeAudio}
}

func TestRegistry_EitherOrder(t *testing.T) {
	info := models.StreamInfo("s1", models.StreamTypeMedia, "bob", "Bob")

	tests := []struct {
		name  string
		apply func(r *Registry)
	}{
		{"track first", func(r *Registry) {
			assert.False(t, r.AddTrack("bob", videoTrack("v1", "s1")))
			assert.True(t, r.AddInfo("bob", info))
		}},
		{"info first", func(r *Registry) {
			assert.False(t, r.AddInfo("bob", info))
			assert.True(t, r.AddTrack("bob", videoTrack("v1", "s1")))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			tt.apply(r)

			streams := r.Streams()
			require.Len(t, streams, 1)
			assert.Equal(t, "s1", streams[0].ID)
			assert.Equal(t, "bob", streams[0].Participant)
			assert.Equal(t, "Bob", streams[0].Username)
			assert.Equal(t, models.StreamTypeMedia, streams[0].Type)
			assert.Equal(t, 0, r.Pending())
			assert.Equal(t, 0, r.PendingInfos())
		})
	}
}

func TestRegistry_UnmatchedTrackStaysPending(t *testing.T) {
	r := NewRegistry()
	r.AddTrack("bob", videoTrack("v1", "s1"))
	r.AddInfo("bob", models.StreamInfo("other", models.StreamTypeMedia, "bob", "Bob"))

	assert.Empty(t, r.Streams())
	assert.Equal(t, 1, r.Pending())
	assert.Equal(t, 1, r.PendingInfos())
}

func TestRegistry_EndedTrackPurgedWithoutPromotion(t *testing.T) {
	r := NewRegistry()
	tr := videoTrack("v1", "s1")
	r.AddTrack("bob", tr)
	r.EndTrack("bob", tr)
	assert.Equal(t, 0, r.Pending())

	r.AddInfo("bob", models.StreamInfo("s1", models.StreamTypeMedia, "bob", "Bob"))
	assert.Empty(t, r.Streams())
}

func TestRegistry_SecondTrackJoinsPromotedStream(t *testing.T) {
	r := NewRegistry()
	r.AddInfo("bob", models.StreamInfo("s1", models.StreamTypeMedia, "bob", "Bob"))
	r.AddTrack("bob", videoTrack("v1", "s1"))
	assert.True(t, r.AddTrack("bob", audioTrack("a1", "s1")))
	assert.False(t, r.AddTrack("bob", audioTrack("a1", "s1")))

	streams := r.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, []RemoteTrack{{ID: "v1", Kind: "video"}, {ID: "a1", Kind: "audio"}}, streams[0].Tracks)
}

func TestRegistry_NewStreamReplacesSameKey(t *testing.T) {
	r := NewRegistry()
	r.AddInfo("bob", models.StreamInfo("s1", models.StreamTypeMedia, "bob", "Bob"))
	r.AddTrack("bob", videoTrack("v1", "s1"))
	r.AddInfo("bob", models.StreamInfo("s2", models.StreamTypeMedia, "bob", "Bob"))
	r.AddTrack("bob", videoTrack("v2", "s2"))

	streams := r.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, "s2", streams[0].ID)
}

func TestRegistry_MediaAndDisplayCoexist(t *testing.T) {
	r := NewRegistry()
	r.AddInfo("bob", models.StreamInfo("s1", models.StreamTypeMedia, "bob", "Bob"))
	r.AddInfo("bob", models.StreamInfo("s2", models.StreamTypeDisplay, "bob", "Bob"))
	r.AddTrack("bob", videoTrack("v1", "s1"))
	r.AddTrack("bob", videoTrack("v2", "s2"))

	streams := r.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, models.StreamTypeDisplay, streams[0].Type)
	assert.Equal(t, models.StreamTypeMedia, streams[1].Type)
}

func TestRegistry_RemoveStream(t *testing.T) {
	r := NewRegistry()
	r.AddInfo("bob", models.StreamInfo("s1", models.StreamTypeMedia, "bob", "Bob"))
	r.AddTrack("bob", videoTrack("v1", "s1"))
	r.AddTrack("bob", videoTrack("v9", "s9"))

	assert.True(t, r.RemoveStream("s1"))
	assert.Empty(t, r.Streams())
	assert.False(t, r.RemoveStream("s1"))

	r.RemoveStream("s9")
	assert.Equal(t, 0, r.Pending())
}

func TestRegistry_RemoveParticipant(t *testing.T) {
	r := NewRegistry()
	r.AddInfo("bob", models.StreamInfo("s1", models.StreamTypeMedia, "bob", "Bob"))
	r.AddTrack("bob", videoTrack("v1", "s1"))
	r.AddInfo("carol", models.StreamInfo("s2", models.StreamTypeMedia, "carol", "Carol"))
	r.AddTrack("carol", videoTrack("v2", "s2"))
	r.AddTrack("bob", videoTrack("v3", "s3"))
	r.AddInfo("bob", models.StreamInfo("s4", models.StreamTypeDisplay, "bob", "Bob"))

	assert.True(t, r.RemoveParticipant("bob"))

	streams := r.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, "carol", streams[0].Participant)
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, 0, r.PendingInfos())
}

func TestRegistry_EndingLastTrackDropsStream(t *testing.T) {
	r := NewRegistry()
	tr := videoTrack("v1", "s1")
	r.AddInfo("bob", models.StreamInfo("s1", models.StreamTypeMedia, "bob", "Bob"))
	r.AddTrack("bob", tr)

	assert.True(t, r.EndTrack("bob", tr))
	assert.Empty(t, r.Streams())
}
