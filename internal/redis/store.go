// Package redis implements the signaling store on Redis. A collection is one
// hash of JSON documents keyed by ID; every write publishes the change on
// the collection's channel.
package redis

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/meshchat/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrConflict is returned when a document kept changing under a write.
var ErrConflict = errors.New("redis: too many concurrent writes")

const maxWriteAttempts = 10

// Store is a store.Store on a Redis server.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

var _ store.Store = (*Store)(nil)

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
	return s.write(ctx, ref, func(current store.Data, exists bool, now store.Timestamp) (store.Data, error) {
		if merge {
			return store.Merge(current, data, now), nil
		}
		return store.Resolve(data, now), nil
	})
}

func (s *Store) Update(ctx context.Context, ref store.DocumentRef, data store.Data) error {
	return s.write(ctx, ref, func(current store.Data, exists bool, now store.Timestamp) (store.Data, error) {
		if !exists {
			return nil, store.ErrNotFound
		}
		return store.Merge(current, data, now), nil
	})
}

// write applies fn to the current document inside a WATCH transaction and
// publishes the result. Transforms see the server clock.
func (s *Store) write(ctx context.Context, ref store.DocumentRef, fn func(store.Data, bool, store.Timestamp) (store.Data, error)) error {
	key := collectionKey(ref.Parent)
	txf := func(tx *redis.Tx) error {
		current, exists, err := read(ctx, tx, key, ref.ID)
		if err != nil {
			return err
		}
		t, err := tx.Time(ctx).Result()
		if err != nil {
			return err
		}
		next, err := fn(current, exists, store.FromTime(t))
		if err != nil {
			return err
		}
		doc, err := encodeDoc(next)
		if err != nil {
			return err
		}
		typ := store.ChangeModified
		if !exists {
			typ = store.ChangeAdded
		}
		change, err := encodeChange(typ, ref.ID, next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, ref.ID, doc)
			pipe.Expire(ctx, key, s.ttl)
			pipe.Publish(ctx, changeChannel(ref.Parent), change)
			return nil
		})
		return err
	}
	return s.retry(ctx, txf, key)
}

func (s *Store) Delete(ctx context.Context, ref store.DocumentRef) error {
	b := s.Batch()
	b.Delete(ref)
	return b.Commit(ctx)
}

// retry runs txf until it commits without a watched key changing.
func (s *Store) retry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("watched key changed, retrying", zap.Strings("keys", keys), zap.Int("attempt", attempt))
			continue
		}
		return err
	}
	return ErrConflict
}

func (s *Store) Get(ctx context.Context, ref store.DocumentRef) (store.Snapshot, error) {
	data, exists, err := read(ctx, s.client, collectionKey(ref.Parent), ref.ID)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Ref: ref, Exists: exists, Data: data}, nil
}

func (s *Store) Query(ctx context.Context, collection string, clauses ...store.Clause) ([]store.Snapshot, error) {
	all, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, snap := range all {
		if store.MatchAny(snap.Data, clauses) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, collection string) ([]store.Snapshot, error) {
	raw, err := s.client.HGetAll(ctx, collectionKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	return s.snapshots(collection, raw), nil
}

func (s *Store) snapshots(collection string, raw map[string]string) []store.Snapshot {
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]store.Snapshot, 0, len(ids))
	for _, id := range ids {
		data, err := decodeDoc(raw[id])
		if err != nil {
			s.logger.Warn("skipping undecodable document", zap.String("collection", collection), zap.String("id", id), zap.Error(err))
			continue
		}
		out = append(out, store.Snapshot{
			Ref:    store.DocumentRef{Parent: collection, ID: id},
			Exists: true,
			Data:   data,
		})
	}
	return out
}

// Subscribe listens on the change channel before reading the collection, so
// no write is missed. A write racing the initial read can be delivered twice.
func (s *Store) Subscribe(ctx context.Context, collection string, onChange func([]store.Change), onError func(error)) (store.Unsubscribe, error) {
	pubsub := s.client.Subscribe(ctx, changeChannel(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	initial, err := s.List(ctx, collection)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	stop := make(chan struct{})
	var once sync.Once
	go func() {
		defer pubsub.Close()
		if len(initial) > 0 {
			changes := make([]store.Change, len(initial))
			for i, snap := range initial {
				changes[i] = store.Change{Type: store.ChangeAdded, Doc: snap}
			}
			onChange(changes)
		}
		msgs := pubsub.Channel()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				if onError != nil {
					onError(ctx.Err())
				}
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				change, err := decodeChange(collection, msg.Payload)
				if err != nil {
					s.logger.Warn("skipping undecodable change", zap.String("collection", collection), zap.Error(err))
					continue
				}
				onChange([]store.Change{change})
			}
		}
	}()

	return func() { once.Do(func() { close(stop) }) }, nil
}

func (s *Store) Batch() store.Batch {
	return &batch{store: s}
}

type batch struct {
	store *Store
	refs  []store.DocumentRef
}

func (b *batch) Delete(ref store.DocumentRef) {
	b.refs = append(b.refs, ref)
}

// Commit deletes every queued document in one MULTI/EXEC. Documents that
// are already gone are skipped.
func (b *batch) Commit(ctx context.Context) error {
	if len(b.refs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(b.refs))
	seen := make(map[string]bool)
	for _, ref := range b.refs {
		k := collectionKey(ref.Parent)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	txf := func(tx *redis.Tx) error {
		type removal struct {
			ref    store.DocumentRef
			change string
		}
		var removals []removal
		for _, ref := range b.refs {
			data, exists, err := read(ctx, tx, collectionKey(ref.Parent), ref.ID)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			change, err := encodeChange(store.ChangeRemoved, ref.ID, data)
			if err != nil {
				return err
			}
			removals = append(removals, removal{ref: ref, change: change})
		}
		if len(removals) == 0 {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, r := range removals {
				pipe.HDel(ctx, collectionKey(r.ref.Parent), r.ref.ID)
				pipe.Publish(ctx, changeChannel(r.ref.Parent), r.change)
			}
			return nil
		})
		return err
	}
	if err := b.store.retry(ctx, txf, keys...); err != nil {
		return err
	}
	b.refs = nil
	return nil
}

type hgetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func read(ctx context.Context, c hgetter, key, id string) (store.Data, bool, error) {
	raw, err := c.HGet(ctx, key, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	data, err := decodeDoc(raw)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
