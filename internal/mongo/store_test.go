package mongo

import (
	"context"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/store"
)

func TestWritePipeline_Replace(t *testing.T) {
	ref := store.DocumentRef{Parent: "rooms", ID: "r1"}
	p := writePipeline(ref, store.Data{
		"participants": store.ArrayUnion("a"),
		"created":      store.ServerTimestamp(),
		"note":         "$notAField",
	}, false)

	require.Len(t, p, 1)
	stage := p[0][0]
	assert.Equal(t, "$replaceWith", stage.Key)
	doc := stage.Value.(bson.M)
	assert.Equal(t, "rooms/r1", doc[fieldID])
	assert.Equal(t, "rooms", doc[fieldParent])

	data := doc[fieldData].(bson.M)
	assert.Equal(t, bson.M{"$toLong": "$$NOW"}, data["created"])
	assert.Equal(t, bson.M{"$literal": "$notAField"}, data["note"])
	union := data["participants"].(bson.M)["$concatArrays"].(bson.A)
	assert.Equal(t, bson.A{}, union[0], "replace starts arrays empty")
}

func TestWritePipeline_Merge(t *testing.T) {
	ref := store.DocumentRef{Parent: "rooms", ID: "r1"}
	p := writePipeline(ref, store.Data{"participants": store.ArrayRemove("a")}, true)

	doc := p[0][0].Value.(bson.M)
	merged := doc[fieldData].(bson.M)["$mergeObjects"].(bson.A)
	require.Len(t, merged, 2)
	assert.Equal(t, bson.M{"$ifNull": bson.A{"$data", bson.M{}}}, merged[0])

	field := merged[1].(bson.M)["participants"].(bson.M)["$filter"].(bson.M)
	assert.Equal(t, bson.M{"$ifNull": bson.A{"$data.participants", bson.A{}}}, field["input"])
}

func TestQueryFilter(t *testing.T) {
	assert.Equal(t, bson.M{fieldParent: "c"}, queryFilter("c", nil))

	f := queryFilter("c", []store.Clause{store.Where("from", "a"), store.Where("to", "a")})
	assert.Equal(t, bson.A{bson.M{"data.from": "a"}, bson.M{"data.to": "a"}}, f["$or"])
}

func TestChildPattern(t *testing.T) {
	re := regexp.MustCompile(childPattern("rooms/r.1/connections"))
	assert.True(t, re.MatchString("rooms/r.1/connections/abc"))
	assert.False(t, re.MatchString("rooms/r.1/connections/abc/A/x"))
	assert.False(t, re.MatchString("rooms/rx1/connections/abc"))
}

func TestNormalize(t *testing.T) {
	in := primitive.M{
		"offer": primitive.D{{Key: "type", Value: "offer"}},
		"list":  primitive.A{"a", int32(3)},
		"time":  int64(5),
	}
	assert.Equal(t, map[string]any{
		"offer": map[string]any{"type": "offer"},
		"list":  []any{"a", int64(3)},
		"time":  int64(5),
	}, normalize(in))
}

func TestChangeEvent(t *testing.T) {
	full := &document{ID: "c/x", Parent: "c", Data: bson.M{"from": "a"}}
	tests := []struct {
		name string
		ev   changeEvent
		want store.ChangeType
		ok   bool
	}{
		{"insert", changeEvent{OperationType: "insert", DocumentKey: bson.M{"_id": "c/x"}, FullDocument: full}, store.ChangeAdded, true},
		{"update", changeEvent{OperationType: "update", DocumentKey: bson.M{"_id": "c/x"}, FullDocument: full}, store.ChangeModified, true},
		{"update after delete", changeEvent{OperationType: "update", DocumentKey: bson.M{"_id": "c/x"}}, "", false},
		{"delete", changeEvent{OperationType: "delete", DocumentKey: bson.M{"_id": "c/x"}}, store.ChangeRemoved, true},
		{"drop", changeEvent{OperationType: "drop"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := tt.ev.change()
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, c.Type)
				assert.Equal(t, store.DocumentRef{Parent: "c", ID: "x"}, c.Doc.Ref)
			}
		})
	}
}

// newTestStore connects to MONGO_URI, which must point at a replica set.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := Connect(ctx, uri, "meshchat_test_"+store.NewID()[:8], nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.coll.Database().Drop(ctx)
		_ = s.Close(ctx)
	})
	return s
}

func TestStore_RoomLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref, err := s.Create(ctx, "rooms", store.Data{
		models.FieldParticipants: []any{"a"},
		models.FieldCreated:      store.ServerTimestamp(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, ref, store.Data{models.FieldParticipants: store.ArrayUnion("b", "a")}))

	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)
	var room models.Room
	require.NoError(t, snap.Decode(&room))
	assert.Equal(t, []string{"a", "b"}, room.Participants)
	assert.False(t, room.Created.IsZero())

	require.NoError(t, s.Update(ctx, ref, store.Data{models.FieldParticipants: store.ArrayRemove("a")}))
	snap, _ = s.Get(ctx, ref)
	require.NoError(t, snap.Decode(&room))
	assert.Equal(t, []string{"b"}, room.Participants)

	assert.ErrorIs(t, s.Update(ctx, store.DocumentRef{Parent: "rooms", ID: "nope"}, store.Data{"x": 1}), store.ErrNotFound)

	b := s.Batch()
	b.Delete(ref)
	require.NoError(t, b.Commit(ctx))
	snap, err = s.Get(ctx, ref)
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestStore_Subscribe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	coll := "rooms/r/connections"
	first, err := s.Create(ctx, coll, store.Data{"from": "a"})
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

	_, err = s.Create(ctx, first.Child("a"), store.Data{"candidate": "c"})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, first, store.Data{"answer": "x"}, true))
	require.NoError(t, s.Delete(ctx, first))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3, "candidate sub-collection is not part of the feed")
	assert.Equal(t, store.ChangeAdded, got[0].Type)
	assert.Equal(t, store.ChangeModified, got[1].Type)
	assert.Equal(t, "x", got[1].Doc.Data["answer"])
	assert.Equal(t, store.ChangeRemoved, got[2].Type)
}
