package session

import (
	"context"
	"strings"

	"github.com/mossy-p/meshchat/internal/media"
	"github.com/mossy-p/meshchat/internal/models"
)

// SendMessage broadcasts a chat message over every open data channel and
// adds it to the local message list.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	return s.do(ctx, func(context.Context) error {
		if s.roomRef.IsZero() {
			return ErrNotInRoom
		}
		m := models.Chat(s.uid, s.username, content)
		for _, rec := range s.registry.All() {
			s.send(rec, m)
		}
		s.messages = append(s.messages, m)
		return nil
	})
}

// StartStream starts the camera/microphone stream. It is a no-op when the
// stream is already running.
func (s *Session) StartStream(ctx context.Context, c media.Constraints) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.media.Start(ctx, models.StreamTypeMedia, c, s.peers())
		return err
	})
}

// StartDisplayStream starts the screen-share stream. It is a no-op when the
// stream is already running.
func (s *Session) StartDisplayStream(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.media.Start(ctx, models.StreamTypeDisplay, media.DefaultConstraints, s.peers())
		return err
	})
}

// StopStream stops the local stream of the given type. Stopping a stream
// that is not running is not an error.
func (s *Session) StopStream(ctx context.Context, t models.StreamType) error {
	if !t.Valid() {
		return ErrInvalidStream
	}
	return s.do(ctx, func(context.Context) error {
		s.media.Stop(t, s.peers())
		return nil
	})
}

// RefreshStream replaces the camera stream after its constraints changed.
func (s *Session) RefreshStream(ctx context.Context, c media.Constraints) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.media.Refresh(ctx, c, s.peers())
		return err
	})
}

// SetUsername chooses the display name. It can be chosen once; setting the
// same name again succeeds.
func (s *Session) SetUsername(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyUsername
	}
	return s.do(ctx, func(context.Context) error {
		if s.username != "" && s.username != name {
			return ErrUsernameSet
		}
		s.username = name
		return nil
	})
}
