// Package media manages the local capture streams sent to every peer and
// reconciles inbound tracks with the stream-info messages describing them.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/meshchat/internal/models"
	"github.com/pion/webrtc/v4"
)

// ErrNoTracks is returned when a capture request yields no track, either
// because nothing was requested or no input is configured for it.
var ErrNoTracks = errors.New("media: no tracks to capture")

// Constraints select the tracks of a capture.
type Constraints struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

// DefaultConstraints requests both audio and video.
var DefaultConstraints = Constraints{Video: true, Audio: true}

// LocalStream is a captured stream owned by the local participant.
type LocalStream struct {
	ID     string
	Type   models.StreamType
	Tracks []webrtc.TrackLocal

	stopOnce sync.Once
	stop     func()
}

// NewLocalStream wraps tracks as a stream; stop is called once by Stop.
func NewLocalStream(id string, t models.StreamType, tracks []webrtc.TrackLocal, stop func()) *LocalStream {
	return &LocalStream{ID: id, Type: t, Tracks: tracks, stop: stop}
}

// Stop releases the capture. It is safe to call more than once.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// Source acquires local streams.
type Source interface {
	Capture(ctx context.Context, t models.StreamType, c Constraints) (*LocalStream, error)
}
