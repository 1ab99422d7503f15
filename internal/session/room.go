package session

import (
	"context"
	"errors"

	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CreateRoom writes a new room holding only the local participant and
// starts negotiating. It returns the room ID.
func (s *Session) CreateRoom(ctx context.Context) (string, error) {
	var id string
	err := s.do(ctx, func(ctx context.Context) error {
		if !s.roomRef.IsZero() {
			return ErrAlreadyInRoom
		}
		s.settleLeftRooms(ctx)
		ref, err := s.store.Create(ctx, s.root, store.Data{
			models.FieldParticipants: []any{s.uid},
			models.FieldCreated:      store.ServerTimestamp(),
		})
		if err != nil {
			return storeErr("create room", err)
		}
		s.roomRef = ref
		s.neg.Bind(s.runCtx, s.uid, ref.Child(models.ConnectionsCollection))
		if err := s.neg.Start(); err != nil {
			return s.abort(ctx, storeErr("watch connections", err))
		}
		s.logger.Info("room created", zap.String("room", ref.ID), zap.String("uid", s.uid))
		id = ref.ID
		return nil
	})
	return id, err
}

// JoinRoom adds the local participant to an existing room and sends one
// offer to every participant already in it.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		if roomID == "" {
			return ErrNoRoomID
		}
		if !s.roomRef.IsZero() {
			return ErrAlreadyInRoom
		}
		s.settleLeftRooms(ctx)
		log := s.logger.With(zap.String("room", roomID))

		ref := store.DocumentRef{Parent: s.root, ID: roomID}
		snap, err := s.store.Get(ctx, ref)
		if err != nil {
			return storeErr("get room", err)
		}
		if !snap.Exists {
			return ErrRoomNotFound
		}
		var room models.Room
		if err := snap.Decode(&room); err != nil {
			return storeErr("decode room", err)
		}
		if len(room.Participants) >= s.max {
			log.Warn("room limit reached", zap.Int("participants", len(room.Participants)))
			s.teardown()
			return ErrRoomFull
		}

		for attempts := 0; room.Has(s.uid); attempts++ {
			if attempts >= s.retry {
				s.teardown()
				return ErrUIDExhausted
			}
			old := s.uid
			s.uid = s.newUID()
			log.Warn("uid conflict, picked a new one", zap.String("old", old), zap.String("uid", s.uid))
		}

		err = s.store.Update(ctx, ref, store.Data{models.FieldParticipants: store.ArrayUnion(s.uid)})
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoomNotFound
		}
		if err != nil {
			return storeErr("join room", err)
		}
		s.roomRef = ref
		s.neg.Bind(s.runCtx, s.uid, ref.Child(models.ConnectionsCollection))

		for _, p := range room.Participants {
			if err := s.neg.Offer(ctx, p); err != nil {
				return s.abort(ctx, err)
			}
		}
		if err := s.neg.Start(); err != nil {
			return s.abort(ctx, storeErr("watch connections", err))
		}
		log.Info("joined room", zap.String("uid", s.uid), zap.Int("offers", len(room.Participants)))
		return nil
	})
}

// ExitRoom leaves the current room. Outside a room it only retries the
// cleanup of rooms whose earlier cleanup failed, and does nothing when there
// are none.
func (s *Session) ExitRoom(ctx context.Context) error {
	return s.do(ctx, s.exit)
}

// abort leaves a room that was only partly joined and returns cause.
func (s *Session) abort(ctx context.Context, cause error) error {
	if err := s.exit(ctx); err != nil {
		s.logger.Warn("cleanup after failed join", zap.Error(err))
	}
	return cause
}

// leftRoom is a room we left locally whose store entries may still name us.
type leftRoom struct {
	ref store.DocumentRef
	uid string
}

func (s *Session) exit(ctx context.Context) error {
	if !s.roomRef.IsZero() {
		s.left = append(s.left, leftRoom{ref: s.roomRef, uid: s.uid})
		s.teardown()
		s.roomRef = store.DocumentRef{}
	}
	return s.retryCleanups(ctx)
}

// retryCleanups runs the store cleanup of every left room still pending.
// It outlives a cancelled caller, bounded by cleanupTimeout. Rooms that fail
// stay pending.
func (s *Session) retryCleanups(ctx context.Context) error {
	if len(s.left) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var errs error
	pending := s.left[:0]
	for _, room := range s.left {
		if err := s.cleanup(ctx, room); err != nil {
			s.logger.Error("room cleanup failed", zap.String("room", room.ref.ID), zap.Error(err))
			errs = multierr.Append(errs, err)
			pending = append(pending, room)
			continue
		}
		s.logger.Info("left room", zap.String("room", room.ref.ID))
	}
	s.left = pending
	return errs
}

// settleLeftRooms gives pending cleanups another go before entering a room.
// A failure does not block the new room.
func (s *Session) settleLeftRooms(ctx context.Context) {
	if err := s.retryCleanups(ctx); err != nil {
		s.logger.Warn("earlier room still not cleaned up", zap.Error(err))
	}
}

// teardown closes every connection and forgets every participant and
// remote stream. Local streams survive for the next room.
func (s *Session) teardown() {
	for _, rec := range s.registry.All() {
		s.media.Forget(rec.Participant)
	}
	if err := s.neg.Reset(); err != nil {
		s.logger.Debug("close connections", zap.Error(err))
	}
	s.remote.Clear()
}

// cleanup deletes our connection documents with their candidates, one
// batch per connection, then takes us off the room or deletes it if we were
// the last one. Nothing guards the read-then-write on the room: two
// participants leaving at once can both see the other as remaining.
func (s *Session) cleanup(ctx context.Context, left leftRoom) error {
	room, uid := left.ref, left.uid
	connections := room.Child(models.ConnectionsCollection)
	docs, err := s.store.Query(ctx, connections,
		store.Where(models.FieldFrom, uid),
		store.Where(models.FieldTo, uid))
	if err != nil {
		return storeErr("query connections", err)
	}

	var errs error
	for _, doc := range docs {
		errs = multierr.Append(errs, s.deleteConnection(ctx, doc))
	}
	if errs != nil {
		return errs
	}

	snap, err := s.store.Get(ctx, room)
	if err != nil {
		return storeErr("get room", err)
	}
	if !snap.Exists {
		return nil
	}
	var r models.Room
	if err := snap.Decode(&r); err != nil {
		return storeErr("decode room", err)
	}
	if len(r.Participants) > 1 {
		return storeErr("leave room", s.store.Update(ctx, room, store.Data{models.FieldParticipants: store.ArrayRemove(uid)}))
	}
	return storeErr("delete room", s.store.Delete(ctx, room))
}

func (s *Session) deleteConnection(ctx context.Context, doc store.Snapshot) error {
	var conn models.Connection
	if err := doc.Decode(&conn); err != nil {
		return storeErr("decode connection", err)
	}
	batch := s.store.Batch()
	for _, participant := range []string{conn.From, conn.To} {
		if participant == "" {
			continue
		}
		candidates, err := s.store.List(ctx, doc.Ref.Child(participant))
		if err != nil {
			return storeErr("list candidates", err)
		}
		for _, c := range candidates {
			batch.Delete(c.Ref)
		}
	}
	batch.Delete(doc.Ref)
	return storeErr("delete connection", batch.Commit(ctx))
}
