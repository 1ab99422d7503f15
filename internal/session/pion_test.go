package session

import (
	"context"
	"testing"
	"time"

	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/negotiator"
	"github.com/mossy-p/meshchat/internal/peer"
	"github.com/mossy-p/meshchat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pionFactory(t *testing.T) peer.Factory {
	t.Helper()
	f, err := peer.NewPionFactory(peer.Options{STUNURLs: []string{}, IncludeLoopback: true})
	require.NoError(t, err)
	return f
}

func TestSession_PionEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}
	ctx := context.Background()
	st := store.NewMemory()
	a := start(t, Config{Store: st, Factory: pionFactory(t), NewUID: seq("A"), Username: "Alice"})
	b := start(t, Config{Store: st, Factory: pionFactory(t), NewUID: seq("B"), Username: "Bob"})

	id, err := a.s.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, b.s.JoinRoom(ctx, id))

	ready := func(s *Session, other, name string) bool {
		p, ok := s.State().Participant(other)
		return ok && p.State == negotiator.Connected && p.Channel == "open" && p.Name == name
	}
	require.Eventually(t, func() bool {
		return ready(a.s, "B", "Bob") && ready(b.s, "A", "Alice")
	}, 15*time.Second, 20*time.Millisecond)

	require.NoError(t, a.s.SendMessage(ctx, "hello over the mesh"))
	require.Eventually(t, func() bool {
		for _, m := range b.s.State().Messages {
			if m.Type == models.MessageTypeMessage {
				return m.Content == "hello over the mesh" && m.Username == "Alice"
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, b.s.ExitRoom(ctx))
	assert.Empty(t, connectionDocs(t, st, id))
}
