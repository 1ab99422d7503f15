package models

import (
	"testing"

	"github.com/mossy-p/meshchat/internal/store"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Message
		wantErr bool
	}{
		{
			name:    "chat",
			payload: `{"type":"message","user":"a","username":"Ann","content":"hi"}`,
			want:    Chat("a", "Ann", "hi"),
		},
		{
			name:    "handshake",
			payload: `{"type":"info","category":"connection-established","user":"a","username":"Ann","content":"Connected to Ann"}`,
			want:    ConnectionEstablished("a", "Ann"),
		},
		{
			name:    "stream info",
			payload: `{"type":"system","category":"stream-info","streamId":"s1","streamType":"display","user":"a","username":"Ann"}`,
			want:    StreamInfo("s1", StreamTypeDisplay, "a", "Ann"),
		},
		{
			name:    "remove stream",
			payload: `{"type":"system","category":"remove-stream","streamId":"s1"}`,
			want:    RemoveStream("s1"),
		},
		{name: "unknown type", payload: `{"type":"dance"}`, wantErr: true},
		{name: "unknown system category", payload: `{"type":"system","category":"refresh"}`, wantErr: true},
		{name: "bad stream type", payload: `{"type":"system","category":"stream-info","streamType":"webcam"}`, wantErr: true},
		{name: "not json", payload: `hi`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeMessage_UnknownIsSentinel(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"system","category":"nope"}`))
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestMessage_EncodeOmitsEmpty(t *testing.T) {
	s, err := RemoveStream("s1").Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"system","category":"remove-stream","streamId":"s1"}`, s)
}

func TestConnection_OfferDataResetsAnswer(t *testing.T) {
	c := Connection{
		From:      "a",
		To:        "b",
		OfferTime: store.Timestamp(42),
		Offer:     NewSessionDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}),
	}
	d := c.OfferData()
	assert.Equal(t, "a", d[FieldFrom])
	assert.Equal(t, store.Timestamp(42), d[FieldOfferTime])
	assert.Equal(t, map[string]any{"type": "offer", "sdp": "v=0"}, d[FieldOffer])
	assert.Contains(t, d, FieldAnswer)
	assert.Nil(t, d[FieldAnswer])
	assert.Nil(t, d[FieldAnswerTime])
}

func TestConnection_RoundTripThroughStore(t *testing.T) {
	c := Connection{
		From:       "a",
		To:         "b",
		OfferTime:  store.Timestamp(1),
		Offer:      &SessionDescription{Type: "offer", SDP: "o"},
		AnswerTime: store.Timestamp(2),
		Answer:     &SessionDescription{Type: "answer", SDP: "x"},
	}
	data := store.Merge(c.OfferData(), c.AnswerData(), 0)

	var got Connection
	require.NoError(t, store.Snapshot{Exists: true, Data: data}.Decode(&got))
	assert.Equal(t, c, got)
	assert.Equal(t, webrtc.SDPTypeAnswer, got.Answer.WebRTC().Type)
}

func TestICECandidate_RoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(1)
	init := webrtc.ICECandidateInit{Candidate: "candidate:1 1 UDP 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}

	var got ICECandidate
	require.NoError(t, store.Snapshot{Exists: true, Data: NewICECandidate(init).Data()}.Decode(&got))
	assert.Equal(t, init, got.WebRTC())
}

func TestRoom_Has(t *testing.T) {
	r := Room{Participants: []string{"a", "b"}}
	assert.True(t, r.Has("b"))
	assert.False(t, r.Has("c"))
}
