// Package mongo implements the signaling store on MongoDB. Every document of
// every collection lives in one MongoDB collection keyed by its full path,
// so a sub-collection is a filter on the parent field. Subscriptions and
// batches need a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/mossy-p/meshchat/internal/store"
)

// DefaultCollection holds the documents when no collection name is given.
const DefaultCollection = "documents"

// Store is a store.Store on a MongoDB collection.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Connect opens a client for uri and ensures the parent index exists.
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping MongoDB: %w", err)
	}
	s := New(client, client.Database(database).Collection(DefaultCollection), logger)
	if _, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: fieldParent, Value: 1}}}); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create index: %w", err)
	}
	return s, nil
}

// New wraps an existing client and collection.
func New(client *mongo.Client, coll *mongo.Collection, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, coll: coll, logger: logger}
}

func (s *Store) NewRef(collection string) store.DocumentRef {
	return store.DocumentRef{Parent: collection, ID: store.NewID()}
}

func (s *Store) Create(ctx context.Context, collection string, data store.Data) (store.DocumentRef, error) {
	ref := s.NewRef(collection)
	if err := s.Set(ctx, ref, data, false); err != nil {
		return store.DocumentRef{}, err
	}
	return ref, nil
}

func (s *Store) Set(ctx context.Context, ref store.DocumentRef, data store.Data, merge bool) error {
	_, err := s.coll.UpdateOne(ctx, bson.M{fieldID: ref.Path()}, writePipeline(ref, data, merge), options.Update().SetUpsert(true))
	return err
}

func (s *Store) Update(ctx context.Context, ref store.DocumentRef, data store.Data) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{fieldID: ref.Path()}, writePipeline(ref, data, true))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ref store.DocumentRef) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{fieldID: ref.Path()})
	return err
}

func (s *Store) Get(ctx context.Context, ref store.DocumentRef) (store.Snapshot, error) {
	var doc document
	err := s.coll.FindOne(ctx, bson.M{fieldID: ref.Path()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Snapshot{Ref: ref}, nil
	}
	if err != nil {
		return store.Snapshot{}, err
	}
	return doc.snapshot(ref), nil
}

func (s *Store) Query(ctx context.Context, collection string, clauses ...store.Clause) ([]store.Snapshot, error) {
	cur, err := s.coll.Find(ctx, queryFilter(collection, clauses), options.Find().SetSort(bson.D{{Key: fieldID, Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]store.Snapshot, 0, len(docs))
	for _, d := range docs {
		ref, ok := store.ParseRef(d.ID)
		if !ok {
			continue
		}
		out = append(out, d.snapshot(ref))
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, collection string) ([]store.Snapshot, error) {
	return s.Query(ctx, collection)
}

// Subscribe opens the change stream before reading the collection, so no
// write is missed. Removed changes carry no data.
func (s *Store) Subscribe(ctx context.Context, collection string, onChange func([]store.Change), onError func(error)) (store.Unsubscribe, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"documentKey._id": bson.M{"$regex": childPattern(collection)}}}},
	}
	ctx, cancel := context.WithCancel(ctx)
	cs, err := s.coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, err
	}
	initial, err := s.List(ctx, collection)
	if err != nil {
		cancel()
		_ = cs.Close(context.Background())
		return nil, err
	}

	var stopped sync.Once
	unsubscribed := make(chan struct{})
	go func() {
		defer cs.Close(context.Background())
		if len(initial) > 0 {
			changes := make([]store.Change, len(initial))
			for i, snap := range initial {
				changes[i] = store.Change{Type: store.ChangeAdded, Doc: snap}
			}
			onChange(changes)
		}
		for cs.Next(ctx) {
			var ev changeEvent
			if err := cs.Decode(&ev); err != nil {
				s.logger.Warn("skipping undecodable change", zap.String("collection", collection), zap.Error(err))
				continue
			}
			change, ok := ev.change()
			if !ok {
				continue
			}
			onChange([]store.Change{change})
		}
		select {
		case <-unsubscribed:
			return
		default:
		}
		err := cs.Err()
		if err == nil {
			err = ctx.Err()
		}
		if err != nil && onError != nil {
			onError(err)
		}
	}()

	return func() {
		stopped.Do(func() {
			close(unsubscribed)
			cancel()
		})
	}, nil
}

// childPattern matches the paths of documents directly inside collection.
func childPattern(collection string) string {
	return "^" + regexp.QuoteMeta(collection+"/") + "[^/]+$"
}

func (s *Store) Batch() store.Batch {
	return &batch{store: s}
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type batch struct {
	store *Store
	paths []string
}

func (b *batch) Delete(ref store.DocumentRef) {
	b.paths = append(b.paths, ref.Path())
}

// Commit deletes every queued document in one transaction.
func (b *batch) Commit(ctx context.Context) error {
	if len(b.paths) == 0 {
		return nil
	}
	sess, err := b.store.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return b.store.coll.DeleteMany(sc, bson.M{fieldID: bson.M{"$in": b.paths}})
	})
	if err != nil {
		return err
	}
	b.paths = nil
	return nil
}

type document struct {
	ID     string `bson:"_id"`
	Parent string `bson:"parent"`
	Data   bson.M `bson:"data"`
}

func (d document) snapshot(ref store.DocumentRef) store.Snapshot {
	data, _ := normalize(d.Data).(map[string]any)
	return store.Snapshot{Ref: ref, Exists: true, Data: data}
}

type changeEvent struct {
	OperationType string    `bson:"operationType"`
	DocumentKey   bson.M    `bson:"documentKey"`
	FullDocument  *document `bson:"fullDocument"`
}

func (ev changeEvent) change() (store.Change, bool) {
	id, _ := ev.DocumentKey[fieldID].(string)
	ref, ok := store.ParseRef(id)
	if !ok {
		return store.Change{}, false
	}
	switch ev.OperationType {
	case "insert":
		if ev.FullDocument == nil {
			return store.Change{}, false
		}
		return store.Change{Type: store.ChangeAdded, Doc: ev.FullDocument.snapshot(ref)}, true
	case "update", "replace":
		if ev.FullDocument == nil {
			// deleted before the lookup ran; the delete event follows
			return store.Change{}, false
		}
		return store.Change{Type: store.ChangeModified, Doc: ev.FullDocument.snapshot(ref)}, true
	case "delete":
		return store.Change{Type: store.ChangeRemoved, Doc: store.Snapshot{Ref: ref}}, true
	}
	return store.Change{}, false
}
