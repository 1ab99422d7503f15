package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessage is returned for data-channel messages whose type or
// category is not part of the protocol.
var ErrUnknownMessage = errors.New("unknown message")

// MessageType is the top-level discriminator of a data-channel message.
type MessageType string

const (
	MessageTypeInfo    MessageType = "info"
	MessageTypeMessage MessageType = "message"
	MessageTypeSystem  MessageType = "system"
)

// Category refines info and system messages.
type Category string

const (
	CategoryConnectionEstablished Category = "connection-established"
	CategoryStreamInfo            Category = "stream-info"
	CategoryRemoveStream          Category = "remove-stream"
)

// StreamType tags a stream as camera/microphone or screen share.
type StreamType string

const (
	StreamTypeMedia   StreamType = "media"
	StreamTypeDisplay StreamType = "display"
)

// Valid reports whether t is one of the known stream types.
func (t StreamType) Valid() bool {
	return t == StreamTypeMedia || t == StreamTypeDisplay
}

// Message is the JSON envelope exchanged over the data channel.
type Message struct {
	Type       MessageType `json:"type"`
	Category   Category    `json:"category,omitempty"`
	User       string      `json:"user,omitempty"`
	Username   string      `json:"username,omitempty"`
	Content    string      `json:"content,omitempty"`
	StreamID   string      `json:"streamId,omitempty"`
	StreamType StreamType  `json:"streamType,omitempty"`
}

// ConnectionEstablished is the handshake announcing the sender's identity.
func ConnectionEstablished(user, username string) Message {
	return Message{
		Type:     MessageTypeInfo,
		Category: CategoryConnectionEstablished,
		User:     user,
		Username: username,
		Content:  "Connected to " + username,
	}
}

// Chat is a text message.
func Chat(user, username, content string) Message {
	return Message{Type: MessageTypeMessage, User: user, Username: username, Content: content}
}

// StreamInfo announces a stream whose tracks arrive on the peer connection.
func StreamInfo(streamID string, streamType StreamType, user, username string) Message {
	return Message{
		Type:       MessageTypeSystem,
		Category:   CategoryStreamInfo,
		StreamID:   streamID,
		StreamType: streamType,
		User:       user,
		Username:   username,
	}
}

// RemoveStream announces that the sender stopped a stream.
func RemoveStream(streamID string) Message {
	return Message{Type: MessageTypeSystem, Category: CategoryRemoveStream, StreamID: streamID}
}

// Notice is a local-only info line, e.g. a disconnect notice.
func Notice(content string) Message {
	return Message{Type: MessageTypeInfo, Content: content}
}

// Encode serializes the message for the data channel.
func (m Message) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMessage parses and validates a data-channel payload.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// Validate checks type and category against the protocol.
func (m Message) Validate() error {
	switch m.Type {
	case MessageTypeMessage:
		return nil
	case MessageTypeInfo:
		if m.Category == "" || m.Category == CategoryConnectionEstablished {
			return nil
		}
	case MessageTypeSystem:
		switch m.Category {
		case CategoryStreamInfo:
			if !m.StreamType.Valid() {
				return fmt.Errorf("%w: stream type %q", ErrUnknownMessage, m.StreamType)
			}
			return nil
		case CategoryRemoveStream:
			return nil
		}
	default:
		return fmt.Errorf("%w: type %q", ErrUnknownMessage, m.Type)
	}
	return fmt.Errorf("%w: %s category %q", ErrUnknownMessage, m.Type, m.Category)
}
