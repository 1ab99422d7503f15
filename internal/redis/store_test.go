package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_DocumentRoundTrip(t *testing.T) {
	raw, err := encodeDoc(store.Data{
		"from":      "a",
		"offerTime": store.Timestamp(1700000000123),
		"offer":     map[string]any{"type": "offer", "sdp": "v=0"},
		"list":      []any{"x", int64(2)},
		"ratio":     0.5,
		"answer":    nil,
	})
	require.NoError(t, err)

	data, err := decodeDoc(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), data["offerTime"])
	assert.Equal(t, []any{"x", int64(2)}, data["list"])
	assert.Equal(t, 0.5, data["ratio"])
	assert.Nil(t, data["answer"])

	var conn models.Connection
	require.NoError(t, store.Snapshot{Data: data}.Decode(&conn))
	assert.Equal(t, store.Timestamp(1700000000123), conn.OfferTime)
	assert.Equal(t, "v=0", conn.Offer.SDP)
}

func TestCodec_Change(t *testing.T) {
	raw, err := encodeChange(store.ChangeRemoved, "doc1", store.Data{"to": "b"})
	require.NoError(t, err)

	change, err := decodeChange("rooms/r/connections", raw)
	require.NoError(t, err)
	assert.Equal(t, store.ChangeRemoved, change.Type)
	assert.Equal(t, store.DocumentRef{Parent: "rooms/r/connections", ID: "doc1"}, change.Doc.Ref)
	assert.False(t, change.Doc.Exists)
	assert.Equal(t, "b", change.Doc.Data["to"])
}

func TestCodec_RejectsBadChanges(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "{"},
		{"unknown type", `{"type":"renamed","id":"x"}`},
		{"missing id", `{"type":"added"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeChange("c", tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "col:rooms/r1/connections", collectionKey("rooms/r1/connections"))
	assert.Equal(t, "chg:rooms", changeChannel("rooms"))
}

// newTestStore connects to REDIS_ADDR and flushes the selected database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())
	require.NoError(t, client.FlushDB(ctx).Err())
	s := New(client, nil)
	t.Cleanup(func() { _ = s.Close(ctx) })
	return s
}

func TestStore_CreateUpdateDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref, err := s.Create(ctx, "rooms", store.Data{
		"participants": []any{"a"},
		"created":      store.ServerTimestamp(),
	})
	require.NoError(t, err)

	var room models.Room
	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)
	require.True(t, snap.Exists)
	require.NoError(t, snap.Decode(&room))
	assert.Equal(t, []string{"a"}, room.Participants)
	assert.False(t, room.Created.IsZero())

	require.NoError(t, s.Update(ctx, ref, store.Data{"participants": store.ArrayUnion("b", "a")}))
	snap, _ = s.Get(ctx, ref)
	assert.Equal(t, []any{"a", "b"}, snap.Data["participants"])

	missing := store.DocumentRef{Parent: "rooms", ID: "nope"}
	assert.ErrorIs(t, s.Update(ctx, missing, store.Data{"x": 1}), store.ErrNotFound)

	require.NoError(t, s.Delete(ctx, ref))
	snap, err = s.Get(ctx, ref)
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	require.NoError(t, s.Delete(ctx, ref))
}

func TestStore_QueryAndBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	coll := "rooms/r/connections"
	for _, pair := range [][2]string{{"a", "b"}, {"c", "a"}, {"b", "c"}} {
		_, err := s.Create(ctx, coll, store.Data{"from": pair[0], "to": pair[1]})
		require.NoError(t, err)
	}

	docs, err := s.Query(ctx, coll, store.Where("from", "a"), store.Where("to", "a"))
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	b := s.Batch()
	for _, d := range docs {
		b.Delete(d.Ref)
	}
	require.NoError(t, b.Commit(ctx))
	left, err := s.List(ctx, coll)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestStore_Subscribe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	coll := "rooms/r/connections"
	existing, err := s.Create(ctx, coll, store.Data{"from": "a"})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []store.Change
	unsub, err := s.Subscribe(ctx, coll, func(changes []store.Change) {
		mu.Lock()
		got = append(got, changes...)
		mu.Unlock()
	}, nil)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, s.Set(ctx, existing, store.Data{"answer": "x"}, true))
	require.NoError(t, s.Delete(ctx, existing))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, store.ChangeAdded, got[0].Type)
	assert.Equal(t, store.ChangeModified, got[1].Type)
	assert.Equal(t, "a", got[1].Doc.Data["from"])
	assert.Equal(t, store.ChangeRemoved, got[2].Type)
	unsub()
}
