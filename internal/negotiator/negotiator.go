// Package negotiator drives offer/answer exchange with every remote
// participant through connection documents in the signaling store.
package negotiator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossy-p/meshchat/internal/models"
	"github.com/mossy-p/meshchat/internal/peer"
	"github.com/mossy-p/meshchat/internal/store"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var errNotStarted = errors.New("negotiator: not started")

// Dispatcher runs fn on the session's event loop.
type Dispatcher interface {
	Post(fn func(ctx context.Context))
}

// Hooks lets the session take part in negotiation without the negotiator
// knowing about media.
type Hooks interface {
	// Offering runs after the connection and data channel of a new offer
	// exist, before the offer is created.
	Offering(rec *Record)
	// Answering runs when a connection is first created to answer an offer.
	Answering(rec *Record)
	// Renegotiating runs before a renegotiation offer is created.
	Renegotiating(rec *Record)
}

// Config wires a Negotiator.
type Config struct {
	Store      store.Store
	Factory    peer.Factory
	Events     peer.Events
	Registry   *Registry
	Dispatcher Dispatcher
	Hooks      Hooks
	Logger     *zap.Logger
	// Now defaults to store.Now.
	Now func() store.Timestamp
}

// Negotiator is not safe for concurrent use. Every method must be called
// from the session's event loop.
type Negotiator struct {
	store    store.Store
	factory  peer.Factory
	events   peer.Events
	registry *Registry
	dispatch Dispatcher
	hooks    Hooks
	logger   *zap.Logger
	now      func() store.Timestamp

	ctx         context.Context
	uid         string
	connections string
	unsub       store.Unsubscribe
}

// New returns a stopped negotiator.
func New(cfg Config) *Negotiator {
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = store.Now
	}
	return &Negotiator{
		store:    cfg.Store,
		factory:  cfg.Factory,
		events:   cfg.Events,
		registry: cfg.Registry,
		dispatch: cfg.Dispatcher,
		hooks:    cfg.Hooks,
		logger:   lg,
		now:      now,
	}
}

// Bind sets the local participant and the room's connections collection.
// It must be called before Offer.
func (n *Negotiator) Bind(ctx context.Context, uid, connections string) {
	n.ctx = ctx
	n.uid = uid
	n.connections = connections
}

// Start subscribes to the connections collection. Every batch of changes is
// handled on the event loop.
func (n *Negotiator) Start() error {
	if n.connections == "" {
		return errNotStarted
	}
	unsub, err := n.store.Subscribe(n.ctx, n.connections,
		func(changes []store.Change) {
			n.dispatch.Post(func(ctx context.Context) {
				if err := n.HandleChanges(ctx, changes); err != nil {
					n.logger.Error("handle connection changes", zap.Error(err))
				}
			})
		},
		func(err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			n.logger.Error("connections subscription failed", zap.String("collection", n.connections), zap.Error(err))
		})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.connections, err)
	}
	n.unsub = unsub
	n.logger.Info("negotiator started", zap.String("uid", n.uid), zap.String("collection", n.connections))
	return nil
}

// Stop unsubscribes from the connections collection.
func (n *Negotiator) Stop() {
	if n.unsub != nil {
		n.unsub()
		n.unsub = nil
	}
}

// Reset disconnects every participant, stops the subscription and unbinds.
func (n *Negotiator) Reset() error {
	n.Stop()
	var errs error
	for _, rec := range n.registry.All() {
		_, err := n.Disconnect(rec.Participant)
		errs = multierr.Append(errs, err)
	}
	n.uid = ""
	n.connections = ""
	return errs
}

// Transition moves rec to state to, rejecting illegal moves.
func (n *Negotiator) Transition(rec *Record, to State) error {
	if !CanTransition(rec.State, to) {
		n.logger.Warn("illegal transition rejected",
			zap.String("participant", rec.Participant),
			zap.Stringer("from", rec.State),
			zap.Stringer("to", to))
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, rec.State, to)
	}
	n.logger.Debug("transition",
		zap.String("participant", rec.Participant),
		zap.Stringer("from", rec.State),
		zap.Stringer("to", to))
	rec.State = to
	return nil
}

// Offer opens a connection to participant and writes a new connection
// document carrying the offer.
func (n *Negotiator) Offer(ctx context.Context, participant string) (err error) {
	if n.connections == "" {
		return errNotStarted
	}
	if n.registry.Get(participant) != nil {
		return fmt.Errorf("offer to %s: already negotiating", participant)
	}
	pc, err := n.factory.NewConn(participant, n.events)
	if err != nil {
		return fmt.Errorf("offer to %s: %w", participant, err)
	}
	rec := &Record{Participant: participant, State: Idle, Offerer: true, PC: pc}
	if err := n.registry.Attach(rec); err != nil {
		_ = pc.Close()
		return err
	}
	defer func() {
		if err != nil {
			_, _ = n.Disconnect(participant)
		}
	}()

	// A channel must exist before the offer or ICE gathering never starts.
	dc, err := pc.CreateDataChannel(peer.ChannelLabel)
	if err != nil {
		return fmt.Errorf("offer to %s: data channel: %w", participant, err)
	}
	rec.Channel = dc
	n.hooks.Offering(rec)

	rec.ConnRef = n.store.NewRef(n.connections)
	if err := n.watchCandidates(rec); err != nil {
		return err
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("offer to %s: %w", participant, err)
	}
	rec.OfferTime = n.next(rec.OfferTime)
	conn := models.Connection{
		From:      n.uid,
		To:        participant,
		OfferTime: rec.OfferTime,
		Offer:     models.NewSessionDescription(offer),
	}
	if err := n.store.Set(ctx, rec.ConnRef, conn.OfferData(), false); err != nil {
		return fmt.Errorf("offer to %s: write connection: %w", participant, err)
	}
	n.logger.Info("offer created", zap.String("participant", participant), zap.String("doc", rec.ConnRef.ID))
	return n.Transition(rec, Offered)
}

// HandleChanges classifies each changed connection document as a new answer
// to one of our offers, a new offer addressed to us, or noise. Removals are
// ignored; teardown is driven locally.
func (n *Negotiator) HandleChanges(ctx context.Context, changes []store.Change) error {
	var errs error
	for _, ch := range changes {
		if ch.Type == store.ChangeRemoved {
			continue
		}
		var conn models.Connection
		if err := ch.Doc.Decode(&conn); err != nil {
			n.logger.Error("decode connection document", zap.String("doc", ch.Doc.Ref.ID), zap.Error(err))
			continue
		}
		switch {
		case n.isNewAnswer(conn):
			n.applyAnswer(n.registry.Get(conn.To), conn)
		case n.isNewOffer(conn):
			if err := n.answer(ctx, ch.Doc.Ref, conn); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

// isNewAnswer holds when one of our offers got an answer we have not applied.
func (n *Negotiator) isNewAnswer(c models.Connection) bool {
	if c.From != n.uid || c.Answer == nil {
		return false
	}
	rec := n.registry.Get(c.To)
	if rec == nil {
		return false
	}
	return rec.AnswerTime.IsZero() || rec.AnswerTime != c.AnswerTime
}

// isNewOffer holds when an offer addressed to us carries a timestamp other
// than the last one processed for its sender.
func (n *Negotiator) isNewOffer(c models.Connection) bool {
	if c.To != n.uid || c.Offer == nil {
		return false
	}
	rec := n.registry.Get(c.From)
	return rec == nil || rec.OfferTime != c.OfferTime
}

func (n *Negotiator) applyAnswer(rec *Record, c models.Connection) {
	log := n.logger.With(zap.String("participant", rec.Participant))
	rec.AnswerTime = c.AnswerTime
	if err := rec.PC.SetRemoteDescription(c.Answer.WebRTC()); err != nil {
		log.Warn("set remote answer failed", zap.Error(err))
		return
	}
	log.Info("answer applied")
	n.remoteDescriptionSet(rec)
	if rec.PC.ConnectionState() == webrtc.PeerConnectionStateConnected {
		_ = n.Transition(rec, Connected)
		return
	}
	_ = n.Transition(rec, Answered)
}

func (n *Negotiator) answer(ctx context.Context, ref store.DocumentRef, c models.Connection) (err error) {
	participant := c.From
	log := n.logger.With(zap.String("participant", participant), zap.String("doc", ref.ID))

	// A record created here is dropped again unless its answer is written.
	var created *Record
	defer func() {
		if created != nil && err != nil && n.registry.Get(participant) == created {
			_, _ = n.Disconnect(participant)
		}
	}()

	rec := n.registry.Get(participant)
	if rec == nil {
		pc, err := n.factory.NewConn(participant, n.events)
		if err != nil {
			return fmt.Errorf("answer %s: %w", participant, err)
		}
		rec = &Record{Participant: participant, State: Idle, PC: pc, ConnRef: ref}
		if err := n.registry.Attach(rec); err != nil {
			_ = pc.Close()
			return err
		}
		created = rec
		n.hooks.Answering(rec)
		if err := n.watchCandidates(rec); err != nil {
			return err
		}
	}
	rec.OfferTime = c.OfferTime

	if err := rec.PC.SetRemoteDescription(c.Offer.WebRTC()); err != nil {
		log.Warn("set remote offer failed", zap.Error(err))
		if created != nil {
			_, _ = n.Disconnect(participant)
		}
		return nil
	}
	n.remoteDescriptionSet(rec)

	answer, err := rec.PC.CreateAnswer()
	if err != nil {
		return fmt.Errorf("answer %s: %w", participant, err)
	}
	if n.registry.Get(participant) != rec {
		log.Debug("participant vanished while answering")
		return nil
	}
	rec.AnswerTime = n.next(rec.AnswerTime)
	update := models.Connection{AnswerTime: rec.AnswerTime, Answer: models.NewSessionDescription(answer)}
	if err := n.store.Update(ctx, ref, update.AnswerData()); err != nil {
		return fmt.Errorf("answer %s: write connection: %w", participant, err)
	}
	log.Info("answer written")

	if rec.PC.ConnectionState() == webrtc.PeerConnectionStateConnected {
		return n.Transition(rec, Connected)
	}
	return n.Transition(rec, Answered)
}

// Renegotiate writes a fresh offer into the participant's existing connection
// document. Negotiation-needed signals before the first connection completes
// are artifacts of setup and are dropped.
func (n *Negotiator) Renegotiate(ctx context.Context, participant string) error {
	rec := n.registry.Get(participant)
	if rec == nil {
		return nil
	}
	log := n.logger.With(zap.String("participant", participant))
	if rec.PC.ConnectionState() != webrtc.PeerConnectionStateConnected {
		log.Debug("negotiation needed before connected, suppressed")
		return nil
	}
	n.hooks.Renegotiating(rec)

	offer, err := rec.PC.CreateOffer()
	if err != nil {
		return fmt.Errorf("renegotiate %s: %w", participant, err)
	}
	rec.OfferTime = n.next(rec.OfferTime)
	conn := models.Connection{
		From:      n.uid,
		To:        participant,
		OfferTime: rec.OfferTime,
		Offer:     models.NewSessionDescription(offer),
	}
	if err := n.store.Set(ctx, rec.ConnRef, conn.OfferData(), true); err != nil {
		return fmt.Errorf("renegotiate %s: write connection: %w", participant, err)
	}
	log.Info("renegotiation offer written", zap.String("doc", rec.ConnRef.ID))
	return n.Transition(rec, Offered)
}

// LocalCandidate publishes a locally gathered candidate under our ID.
func (n *Negotiator) LocalCandidate(ctx context.Context, participant string, c webrtc.ICECandidateInit) {
	rec := n.registry.Get(participant)
	if rec == nil || rec.ConnRef.IsZero() {
		return
	}
	if _, err := n.store.Create(ctx, rec.ConnRef.Child(n.uid), models.NewICECandidate(c).Data()); err != nil {
		n.logger.Error("publish local candidate", zap.String("participant", participant), zap.Error(err))
	}
}

// Disconnect closes the participant's connection and channel and removes
// its record with everything it holds. The removed record is returned, or
// nil when the participant was unknown.
func (n *Negotiator) Disconnect(participant string) (*Record, error) {
	rec := n.registry.Detach(participant)
	if rec == nil {
		return nil, nil
	}
	var errs error
	if rec.Channel != nil {
		errs = multierr.Append(errs, rec.Channel.Close())
	}
	errs = multierr.Append(errs, rec.PC.Close())
	rec.State = Disconnected
	n.logger.Info("participant disconnected", zap.String("participant", participant))
	return rec, errs
}

func (n *Negotiator) watchCandidates(rec *Record) error {
	participant := rec.Participant
	collection := rec.ConnRef.Child(participant)
	unsub, err := n.store.Subscribe(n.ctx, collection,
		func(changes []store.Change) {
			n.dispatch.Post(func(context.Context) {
				n.remoteCandidates(rec, changes)
			})
		},
		func(err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			n.logger.Error("candidate subscription failed", zap.String("participant", participant), zap.Error(err))
		})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", collection, err)
	}
	rec.unsubCandidates = unsub
	return nil
}

func (n *Negotiator) remoteCandidates(rec *Record, changes []store.Change) {
	if n.registry.Get(rec.Participant) != rec {
		return
	}
	for _, ch := range changes {
		if ch.Type != store.ChangeAdded {
			continue
		}
		var cand models.ICECandidate
		if err := ch.Doc.Decode(&cand); err != nil {
			n.logger.Warn("decode remote candidate", zap.String("participant", rec.Participant), zap.Error(err))
			continue
		}
		if !rec.remoteSet {
			rec.pendingCandidates = append(rec.pendingCandidates, cand.WebRTC())
			continue
		}
		n.addCandidate(rec, cand.WebRTC())
	}
}

// remoteDescriptionSet flushes candidates that arrived before any remote
// description could accept them.
func (n *Negotiator) remoteDescriptionSet(rec *Record) {
	rec.remoteSet = true
	pending := rec.pendingCandidates
	rec.pendingCandidates = nil
	for _, c := range pending {
		n.addCandidate(rec, c)
	}
}

func (n *Negotiator) addCandidate(rec *Record, c webrtc.ICECandidateInit) {
	if err := rec.PC.AddICECandidate(c); err != nil {
		n.logger.Warn("add remote candidate failed", zap.String("participant", rec.Participant), zap.Error(err))
	}
}

// next returns a timestamp strictly after prev so two offers (or answers) in
// the same millisecond still compare unequal.
func (n *Negotiator) next(prev store.Timestamp) store.Timestamp {
	t := n.now()
	if t <= prev {
		t = prev + 1
	}
	return t
}
