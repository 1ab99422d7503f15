package store

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) add(changes []Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, changes...)
}

func (r *recorder) snapshot() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func sortedIDs(snaps []Snapshot) []string {
	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.Ref.ID
	}
	sort.Strings(ids)
	return ids
}

func TestMemory_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ref, err := m.Create(ctx, "rooms", Data{"participants": []string{"a"}, "created": ServerTimestamp()})
	require.NoError(t, err)
	assert.Equal(t, "rooms", ref.Parent)
	assert.NotEmpty(t, ref.ID)

	snap, err := m.Get(ctx, ref)
	require.NoError(t, err)
	require.True(t, snap.Exists)
	assert.Equal(t, []any{"a"}, snap.Data["participants"])
	assert.False(t, snap.Data["created"].(Timestamp).IsZero())

	require.NoError(t, m.Update(ctx, ref, Data{"participants": ArrayUnion("b", "a")}))
	snap, err = m.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, snap.Data["participants"])

	require.NoError(t, m.Update(ctx, ref, Data{"participants": ArrayRemove("a")}))
	snap, err = m.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, snap.Data["participants"])
}

func TestMemory_UpdateMissing(t *testing.T) {
	m := NewMemory()
	err := m.Update(context.Background(), DocumentRef{Parent: "rooms", ID: "nope"}, Data{"x": 1})
	assert.ErrorIs(t, err, ErrNotFound)

	snap, err := m.Get(context.Background(), DocumentRef{Parent: "rooms", ID: "nope"})
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestMemory_SetMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ref := m.NewRef("c")

	require.NoError(t, m.Set(ctx, ref, Data{"from": "a", "to": "b", "answer": map[string]any{"sdp": "x"}}, false))
	require.NoError(t, m.Set(ctx, ref, Data{"from": "b", "answer": nil}, true))

	snap, err := m.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "b", snap.Data["from"])
	assert.Equal(t, "b", snap.Data["to"])
	assert.Nil(t, snap.Data["answer"])

	require.NoError(t, m.Set(ctx, ref, Data{"from": "c"}, false))
	snap, err = m.Get(ctx, ref)
	require.NoError(t, err)
	_, hasTo := snap.Data["to"]
	assert.False(t, hasTo)
}

func TestMemory_QueryOr(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a, _ := m.Create(ctx, "c", Data{"from": "x", "to": "y"})
	b, _ := m.Create(ctx, "c", Data{"from": "y", "to": "x"})
	_, _ = m.Create(ctx, "c", Data{"from": "y", "to": "z"})

	got, err := m.Query(ctx, "c", Where("from", "x"), Where("to", "x"))
	require.NoError(t, err)
	want := []string{a.ID, b.ID}
	sort.Strings(want)
	assert.Equal(t, want, sortedIDs(got))
}

func TestMemory_SubscribeInitialAndIncremental(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()
	existing, _ := m.Create(ctx, "c", Data{"n": 1})

	rec := &recorder{}
	unsub, err := m.Subscribe(ctx, "c", rec.add, nil)
	require.NoError(t, err)

	ref, _ := m.Create(ctx, "c", Data{"n": 2})
	require.NoError(t, m.Update(ctx, ref, Data{"n": 3}))
	require.NoError(t, m.Delete(ctx, ref))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, time.Second, 5*time.Millisecond)
	got := rec.snapshot()
	assert.Equal(t, ChangeAdded, got[0].Type)
	assert.Equal(t, existing.ID, got[0].Doc.Ref.ID)
	assert.Equal(t, ChangeAdded, got[1].Type)
	assert.Equal(t, ChangeModified, got[2].Type)
	assert.Equal(t, 3, got[2].Doc.Data["n"])
	assert.Equal(t, ChangeRemoved, got[3].Type)

	unsub()
	unsub()
	_, _ = m.Create(ctx, "c", Data{"n": 4})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 4)
}

func TestMemory_BatchDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a, _ := m.Create(ctx, "c", Data{"n": 1})
	b, _ := m.Create(ctx, "c/"+a.ID+"/x", Data{"n": 2})

	batch := m.Batch()
	batch.Delete(a)
	batch.Delete(b)
	require.NoError(t, batch.Commit(ctx))

	assert.Equal(t, 0, m.Len("c"))
	assert.Equal(t, 0, m.Len(a.Child("x")))
}

func TestMemory_NoAliasing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	list := []any{"a"}
	ref, _ := m.Create(ctx, "c", Data{"list": list})
	list[0] = "mutated"

	snap, _ := m.Get(ctx, ref)
	assert.Equal(t, []any{"a"}, snap.Data["list"])
}

func TestSnapshot_Decode(t *testing.T) {
	type offer struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	type conn struct {
		From      string    `json:"from"`
		OfferTime Timestamp `json:"offerTime"`
		Offer     *offer    `json:"offer"`
		Answer    *offer    `json:"answer"`
	}
	snap := Snapshot{Exists: true, Data: Data{
		"from":      "a",
		"offerTime": float64(1700000000123),
		"offer":     map[string]any{"type": "offer", "sdp": "v=0"},
		"answer":    nil,
	}}
	var c conn
	require.NoError(t, snap.Decode(&c))
	assert.Equal(t, "a", c.From)
	assert.Equal(t, Timestamp(1700000000123), c.OfferTime)
	require.NotNil(t, c.Offer)
	assert.Equal(t, "v=0", c.Offer.SDP)
	assert.Nil(t, c.Answer)
}

func TestParseRef(t *testing.T) {
	ref, ok := ParseRef("rooms/r1/connections/c1")
	require.True(t, ok)
	assert.Equal(t, "rooms/r1/connections", ref.Parent)
	assert.Equal(t, "c1", ref.ID)
	assert.Equal(t, "rooms/r1/connections/c1/u1", ref.Child("u1"))

	_, ok = ParseRef("rooms")
	assert.False(t, ok)
}

func TestTimestamp_RoundTrip(t *testing.T) {
	now := time.Now()
	ts := FromTime(now)
	assert.Equal(t, ts, FromTime(ts.Time()))
	assert.True(t, Timestamp(0).IsZero())
}
