package session

import (
	"errors"
	"fmt"
)

var (
	ErrNoRoomID       = errors.New("no room id to join")
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomFull       = errors.New("room is full")
	ErrUIDExhausted   = errors.New("could not pick a participant id that is not taken")
	ErrNotInRoom      = errors.New("not in a room")
	ErrAlreadyInRoom  = errors.New("already in a room")
	ErrSessionClosed  = errors.New("session closed")
	ErrUsernameSet    = errors.New("username already chosen")
	ErrEmptyUsername  = errors.New("username is required")
	ErrInvalidStream  = errors.New("unknown stream type")
	ErrAlreadyRunning = errors.New("session already running")
)

// StoreError is a failed read or write against the signaling store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
