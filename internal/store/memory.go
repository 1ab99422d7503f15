package store

import (
	"context"
	"errors"
	"sync"
)

var errClosed = errors.New("store: closed")

// Memory is a process-local Store. Every call is atomic; subscribers are
// notified asynchronously, in write order.
type Memory struct {
	mu     sync.Mutex
	docs   map[string]map[string]Data
	order  map[string][]string
	subs   map[string]map[*subscription]struct{}
	clock  func() Timestamp
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:  make(map[string]map[string]Data),
		order: make(map[string][]string),
		subs:  make(map[string]map[*subscription]struct{}),
		clock: Now,
	}
}

func (m *Memory) NewRef(collection string) DocumentRef {
	return DocumentRef{Parent: collection, ID: NewID()}
}

func (m *Memory) Create(ctx context.Context, collection string, data Data) (DocumentRef, error) {
	ref := m.NewRef(collection)
	if err := m.Set(ctx, ref, data, false); err != nil {
		return DocumentRef{}, err
	}
	return ref, nil
}

func (m *Memory) Set(ctx context.Context, ref DocumentRef, data Data, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	current, exists := m.docs[ref.Parent][ref.ID]
	var next Data
	if merge {
		next = Merge(current, data, m.clock())
	} else {
		next = Resolve(data, m.clock())
	}
	m.put(ref, next, exists)
	return nil
}

func (m *Memory) Update(ctx context.Context, ref DocumentRef, data Data) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	current, exists := m.docs[ref.Parent][ref.ID]
	if !exists {
		return ErrNotFound
	}
	m.put(ref, Merge(current, data, m.clock()), true)
	return nil
}

func (m *Memory) Delete(ctx context.Context, ref DocumentRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.remove(ref)
	return nil
}

func (m *Memory) Get(ctx context.Context, ref DocumentRef) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[ref.Parent][ref.ID]
	if !ok {
		return Snapshot{Ref: ref}, nil
	}
	return Snapshot{Ref: ref, Exists: true, Data: Resolve(data, 0)}, nil
}

func (m *Memory) Query(ctx context.Context, collection string, clauses ...Clause) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots(collection, clauses), nil
}

func (m *Memory) List(ctx context.Context, collection string) ([]Snapshot, error) {
	return m.Query(ctx, collection)
}

func (m *Memory) Subscribe(ctx context.Context, collection string, onChange func([]Change), onError func(error)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	sub := newSubscription(onChange, onError)
	if m.subs[collection] == nil {
		m.subs[collection] = make(map[*subscription]struct{})
	}
	m.subs[collection][sub] = struct{}{}

	initial := m.snapshots(collection, nil)
	if len(initial) > 0 {
		changes := make([]Change, len(initial))
		for i, s := range initial {
			changes[i] = Change{Type: ChangeAdded, Doc: s}
		}
		sub.push(changes)
	}
	detach := func() {
		m.mu.Lock()
		delete(m.subs[collection], sub)
		m.mu.Unlock()
	}
	go func() {
		sub.run(ctx)
		detach()
	}()

	return func() {
		detach()
		sub.stop()
	}, nil
}

func (m *Memory) Batch() Batch {
	return &memoryBatch{store: m}
}

// Close stops every subscription. Later writes fail.
func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, subs := range m.subs {
		for sub := range subs {
			sub.stop()
		}
	}
	m.subs = make(map[string]map[*subscription]struct{})
	return nil
}

// Len returns the number of documents in collection.
func (m *Memory) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs[collection])
}

func (m *Memory) put(ref DocumentRef, data Data, existed bool) {
	if m.docs[ref.Parent] == nil {
		m.docs[ref.Parent] = make(map[string]Data)
	}
	m.docs[ref.Parent][ref.ID] = data
	typ := ChangeModified
	if !existed {
		typ = ChangeAdded
		m.order[ref.Parent] = append(m.order[ref.Parent], ref.ID)
	}
	m.notify(ref.Parent, Change{Type: typ, Doc: Snapshot{Ref: ref, Exists: true, Data: data}})
}

func (m *Memory) remove(ref DocumentRef) {
	data, ok := m.docs[ref.Parent][ref.ID]
	if !ok {
		return
	}
	delete(m.docs[ref.Parent], ref.ID)
	ids := m.order[ref.Parent]
	for i, id := range ids {
		if id == ref.ID {
			m.order[ref.Parent] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	m.notify(ref.Parent, Change{Type: ChangeRemoved, Doc: Snapshot{Ref: ref, Data: data}})
}

func (m *Memory) notify(collection string, change Change) {
	for sub := range m.subs[collection] {
		c := change
		c.Doc.Data = Resolve(change.Doc.Data, 0)
		sub.push([]Change{c})
	}
}

func (m *Memory) snapshots(collection string, clauses []Clause) []Snapshot {
	var out []Snapshot
	for _, id := range m.order[collection] {
		data := m.docs[collection][id]
		if !MatchAny(data, clauses) {
			continue
		}
		out = append(out, Snapshot{
			Ref:    DocumentRef{Parent: collection, ID: id},
			Exists: true,
			Data:   Resolve(data, 0),
		})
	}
	return out
}

type memoryBatch struct {
	store *Memory
	refs  []DocumentRef
}

func (b *memoryBatch) Delete(ref DocumentRef) {
	b.refs = append(b.refs, ref)
}

func (b *memoryBatch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := b.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	for _, ref := range b.refs {
		m.remove(ref)
	}
	b.refs = nil
	return nil
}

// subscription delivers queued change batches on its own goroutine so a slow
// subscriber never blocks writers.
type subscription struct {
	onChange func([]Change)
	onError  func(error)

	mu    sync.Mutex
	queue [][]Change
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newSubscription(onChange func([]Change), onError func(error)) *subscription {
	return &subscription{
		onChange: onChange,
		onError:  onError,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *subscription) push(changes []Change) {
	s.mu.Lock()
	s.queue = append(s.queue, changes)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) run(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			if s.onError != nil {
				s.onError(ctx.Err())
			}
			s.stop()
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.onChange(next)
		}
	}
}
