// Package session runs one participant's room session: room lifecycle, the
// event loop every callback is funnelled through, and the observable state.
package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/meshchat/internal/media"
	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/negotiator"
	"github.com/mossy-p/meshchat/internal/peer"
	"github.com/mossy-p/meshchat/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultRoot            = "rooms"
	DefaultMaxParticipants = 4
	DefaultUIDRetryLimit   = 8

	shutdownTimeout = 5 * time.Second
	cleanupTimeout  = 10 * time.Second
)

// Config wires a Session.
type Config struct {
	Store   store.Store
	Factory peer.Factory
	Source  media.Source
	Logger  *zap.Logger

	// Root is the collection holding room documents.
	Root            string
	MaxParticipants int
	UIDRetryLimit   int
	Username        string
	// NewUID generates participant IDs. Defaults to 8 random characters.
	NewUID func() string
	Now    func() store.Timestamp
}

// Session is the local participant. Public methods are safe for concurrent
// use; each one runs on the event loop started by Run.
type Session struct {
	store  store.Store
	logger *zap.Logger
	root   string
	max    int
	retry  int
	newUID func() string

	registry *negotiator.Registry
	neg      *negotiator.Negotiator
	media    *media.Controller
	remote   *media.Registry

	queue   *queue
	started atomic.Bool
	done    chan struct{}
	runCtx  context.Context

	// owned by the event loop
	uid      string
	username string
	roomRef  store.DocumentRef
	left     []leftRoom
	messages []models.Message

	stateMu sync.Mutex
	state   State
	subs    map[chan State]struct{}
}

// New builds a session. Nothing happens until Run is called.
func New(cfg Config) *Session {
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	s := &Session{
		store:    cfg.Store,
		logger:   lg,
		root:     cfg.Root,
		max:      cfg.MaxParticipants,
		retry:    cfg.UIDRetryLimit,
		newUID:   cfg.NewUID,
		registry: negotiator.NewRegistry(),
		remote:   media.NewRegistry(),
		queue:    newQueue(),
		done:     make(chan struct{}),
		runCtx:   context.Background(),
		username: cfg.Username,
		subs:     make(map[chan State]struct{}),
	}
	if s.root == "" {
		s.root = DefaultRoot
	}
	if s.max <= 0 {
		s.max = DefaultMaxParticipants
	}
	if s.retry <= 0 {
		s.retry = DefaultUIDRetryLimit
	}
	if s.newUID == nil {
		s.newUID = randomUID
	}
	s.uid = s.newUID()

	s.media = media.NewController(cfg.Source, s.identity, lg.Named("media"))
	s.neg = negotiator.New(negotiator.Config{
		Store:      cfg.Store,
		Factory:    cfg.Factory,
		Events:     events{s},
		Registry:   s.registry,
		Dispatcher: s,
		Hooks:      hooks{s},
		Logger:     lg.Named("negotiator"),
		Now:        cfg.Now,
	})
	s.state = s.snapshot()
	return s
}

func randomUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Run processes events until ctx is done, then leaves the room.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.runCtx = ctx
	defer close(s.done)

	s.logger.Info("session started", zap.String("uid", s.uid))
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-s.queue.wake:
			for _, fn := range s.queue.take() {
				fn(ctx)
			}
			s.publish()
		}
	}
}

func (s *Session) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.exit(ctx); err != nil {
		s.logger.Warn("exit on shutdown", zap.Error(err))
	}
	s.media.Close()
	s.queue.close()
	s.publish()
	s.logger.Info("session stopped")
}

// Post queues fn on the event loop. Work posted after shutdown is dropped.
func (s *Session) Post(fn func(ctx context.Context)) {
	s.queue.push(fn)
}

// do runs fn on the event loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	result := make(chan error, 1)
	if !s.queue.push(func(loopCtx context.Context) {
		result <- fn(ctx)
	}) {
		return ErrSessionClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

func (s *Session) identity() (string, string) {
	return s.uid, s.username
}

// queue is an unbounded FIFO of loop work. Pushing never blocks, so pion
// and store callbacks cannot stall on a busy loop.
type queue struct {
	mu     sync.Mutex
	items  []func(context.Context)
	closed bool
	wake   chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(fn func(context.Context)) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) take() []func(context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
}
