package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"agentarena/broker/internal/logging"
	"agentarena/broker/internal/protocol"
	"agentarena/broker/internal/registry"
	"agentarena/broker/internal/relay"
	"agentarena/broker/internal/rounds"
	"agentarena/broker/internal/signing"
	"agentarena/broker/internal/store"
)

// Counters aggregates routing activity for the metrics endpoint.
type Counters struct {
	Broadcasts    atomic.Int64
	Relays        atomic.Int64
	RelayFailures atomic.Int64
	Rejections    atomic.Int64
}

// Router drives the per-message pipeline: schema validation, signature
// verification, authorization, round preflight, persistence, broadcast. Room
// scoped messages must arrive on the owning room's dispatch loop so round
// state mutation stays serialized.
type Router struct {
	store    *store.Store
	reg      *registry.Registry
	tracker  *rounds.Tracker
	signer   *signing.Signer
	relay    *relay.Client
	window   time.Duration
	gmWallet string
	log      *logging.Logger
	now      func() time.Time

	archive      func(roundID uuid.UUID, kind, sender string, payload []byte)
	onRoundStart func(roundID uuid.UUID)
	onRoundEnd   func(roundID uuid.UUID, actions []rounds.LogEntry)

	counters Counters
}

// Option configures optional Router behaviour at construction time.
type Option func(*Router)

// WithClock overrides the router time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithGameMasterWallet pins the game-master wallet without a store lookup.
func WithGameMasterWallet(wallet string) Option {
	return func(r *Router) { r.gmWallet = wallet }
}

// WithArchive registers the transcript sink fed by routed messages.
func WithArchive(archive func(roundID uuid.UUID, kind, sender string, payload []byte)) Option {
	return func(r *Router) { r.archive = archive }
}

// WithRoundHooks registers callbacks fired when rounds start and end.
func WithRoundHooks(onStart func(uuid.UUID), onEnd func(uuid.UUID, []rounds.LogEntry)) Option {
	return func(r *Router) {
		r.onRoundStart = onStart
		r.onRoundEnd = onEnd
	}
}

// New wires the router over its collaborators.
func New(st *store.Store, reg *registry.Registry, tracker *rounds.Tracker, signer *signing.Signer, relayClient *relay.Client, window time.Duration, logger *logging.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = logging.L()
	}
	router := &Router{
		store:   st,
		reg:     reg,
		tracker: tracker,
		signer:  signer,
		relay:   relayClient,
		window:  window,
		log:     logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(router)
		}
	}
	return router
}

// Counters exposes routing activity for the metrics endpoint.
func (r *Router) Counters() *Counters {
	return &r.counters
}

// Decode parses a raw frame into a typed message.
func (r *Router) Decode(raw []byte) (*protocol.Message, *protocol.Error) {
	message, err := protocol.Decode(raw)
	if err != nil {
		r.counters.Rejections.Add(1)
		return nil, protocol.AsError(err)
	}
	return message, nil
}

// RoomOf extracts the room a message is scoped to, when it has one. The
// owner uses it to pick the dispatch loop before calling Handle.
func RoomOf(message *protocol.Message) (uuid.UUID, bool) {
	if message == nil {
		return uuid.Nil, false
	}
	var raw string
	switch {
	case message.Subscribe != nil:
		raw = message.Subscribe.RoomID
	case message.Unsubscribe != nil:
		raw = message.Unsubscribe.RoomID
	case message.PublicChat != nil:
		raw = message.PublicChat.RoomID
	case message.Agent != nil:
		raw = message.Agent.RoomID
	case message.GM != nil:
		raw = message.GM.RoomID
	case message.Observation != nil:
		raw = message.Observation.RoomID
	case message.PvP != nil:
		raw = message.PvP.RoomID
	default:
		return uuid.Nil, false
	}
	roomID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return roomID, true
}

// Handle runs the per-kind policy for a decoded message. A non-nil return is
// the structured rejection; the transport decides how to surface it.
func (r *Router) Handle(ctx context.Context, origin *registry.Client, message *protocol.Message) *protocol.Error {
	if message == nil {
		return protocol.NewValidationError("message required")
	}
	r.reg.Touch(origin)

	var err *protocol.Error
	switch message.Kind {
	case protocol.KindSubscribeRoom:
		err = r.handleSubscribe(ctx, origin, message)
	case protocol.KindUnsubscribeRoom:
		err = r.handleUnsubscribe(ctx, origin, message)
	case protocol.KindPublicChat:
		err = r.handlePublicChat(ctx, origin, message)
	case protocol.KindAgentMessage:
		err = r.handleAgentMessage(ctx, origin, message)
	case protocol.KindGMMessage:
		err = r.handleGMMessage(ctx, origin, message)
	case protocol.KindObservation:
		err = r.handleObservation(ctx, message)
	case protocol.KindPvPAction:
		err = r.handlePvPAction(ctx, message)
	case protocol.KindHeartbeat:
		err = r.handleHeartbeat(origin)
	default:
		// participants and system_notification are server-emitted only.
		err = protocol.NewValidationError("message kind is not accepted from clients")
	}
	if err != nil {
		r.counters.Rejections.Add(1)
	}
	return err
}

// Notify delivers the rejection to the originating connection only.
func (r *Router) Notify(origin *registry.Client, roomID string, rejection *protocol.Error) {
	if origin == nil || rejection == nil {
		return
	}
	envelope := protocol.NewNotification(r.now().UnixMilli(), roomID, rejection.Status, rejection.Message)
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	r.reg.Send(origin, payload)
}

// StartRound opens a new round for the room, ending any previous active one.
func (r *Router) StartRound(ctx context.Context, roomID uuid.UUID) (*store.Round, *protocol.Error) {
	exists, err := r.store.RoomExists(ctx, roomID)
	if err != nil {
		return nil, protocol.NewStoreError("room lookup failed").WithCause(err)
	}
	if !exists {
		return nil, protocol.NewNotFoundError("room not found")
	}
	previous, err := r.store.ActiveRound(ctx, roomID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, protocol.NewStoreError("round lookup failed").WithCause(err)
	}
	round, err := r.store.CreateRound(ctx, roomID, r.now())
	if err != nil {
		return nil, protocol.NewStoreError("round creation failed").WithCause(err)
	}
	if previous != nil {
		r.closeRound(previous.ID)
	}
	r.tracker.StartRound(round.ID)
	if r.onRoundStart != nil {
		r.onRoundStart(round.ID)
	}
	r.broadcastNotice(roomID, "round started")
	return round, nil
}

// EndRound closes the room's active round.
func (r *Router) EndRound(ctx context.Context, roomID uuid.UUID) *protocol.Error {
	round, err := r.store.ActiveRound(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.NewRoundStateError("no active round for room")
		}
		return protocol.NewStoreError("round lookup failed").WithCause(err)
	}
	if err := r.store.EndRound(ctx, round.ID, r.now()); err != nil {
		return protocol.NewStoreError("round update failed").WithCause(err)
	}
	r.closeRound(round.ID)
	r.broadcastNotice(roomID, "round ended")
	return nil
}

// closeRound retires in-memory round state and flushes the transcript hook.
func (r *Router) closeRound(roundID uuid.UUID) {
	r.tracker.EndRound(roundID)
	if r.onRoundEnd != nil {
		r.onRoundEnd(roundID, r.tracker.ActionLog(roundID))
	}
	r.tracker.Discard(roundID)
}

// activeRound resolves the room's active round and primes the in-memory
// tracker, which may have lost the round across a restart.
func (r *Router) activeRound(ctx context.Context, roomID uuid.UUID) (*store.Round, *protocol.Error) {
	round, err := r.store.ActiveRound(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.NewRoundStateError("no active round for room")
		}
		return nil, protocol.NewStoreError("round lookup failed").WithCause(err)
	}
	r.tracker.StartRound(round.ID)
	return round, nil
}

// broadcast serializes once and fans out, finishing cleanup for any client
// evicted by a saturated queue.
func (r *Router) broadcast(ctx context.Context, roomID uuid.UUID, envelope *protocol.Envelope, exclude map[string]struct{}) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		r.log.Error("broadcast serialization failed", logging.Error(err))
		return
	}
	r.counters.Broadcasts.Add(1)
	dropped := r.reg.Broadcast(roomID, payload, exclude)
	for _, client := range dropped {
		r.cleanupDropped(ctx, roomID, client)
	}
}

func (r *Router) cleanupDropped(ctx context.Context, roomID uuid.UUID, client *registry.Client) {
	r.log.Warn("connection dropped during broadcast", logging.String("client_id", client.ID))
	if err := r.store.AdjustParticipants(ctx, roomID, -1); err != nil {
		r.log.Warn("participant decrement failed", logging.Error(err))
	}
}

// HandleDeparture records a connection that left roomID outside the normal
// unsubscribe flow, such as a dropped socket or a heartbeat eviction, and
// refreshes the roster for the remaining members.
func (r *Router) HandleDeparture(ctx context.Context, roomID uuid.UUID) {
	if err := r.store.AdjustParticipants(ctx, roomID, -1); err != nil {
		r.log.Warn("participant decrement failed", logging.Error(err))
	}
	r.broadcastParticipants(ctx, roomID)
}

// broadcastNotice emits a room-wide status notification.
func (r *Router) broadcastNotice(roomID uuid.UUID, text string) {
	content, err := json.Marshal(protocol.SystemNotificationContent{
		Timestamp: r.now().UnixMilli(),
		RoomID:    roomID.String(),
		Text:      text,
	})
	if err != nil {
		return
	}
	r.broadcast(context.Background(), roomID, &protocol.Envelope{
		MessageType: protocol.KindSystemNotification,
		Content:     content,
	}, nil)
}

// broadcastParticipants announces the room roster after membership changes.
func (r *Router) broadcastParticipants(ctx context.Context, roomID uuid.UUID) {
	members := r.reg.RoomMembers(roomID)
	roster := make([]string, 0, len(members))
	for _, member := range members {
		switch {
		case member.IsAgent():
			roster = append(roster, member.AgentID.String())
		case member.UserID != "":
			roster = append(roster, member.UserID)
		default:
			roster = append(roster, member.ID)
		}
	}
	content, err := json.Marshal(protocol.ParticipantsContent{
		Timestamp:    r.now().UnixMilli(),
		RoomID:       roomID.String(),
		Count:        len(members),
		Participants: roster,
	})
	if err != nil {
		return
	}
	r.broadcast(ctx, roomID, &protocol.Envelope{
		MessageType: protocol.KindParticipants,
		Content:     content,
	}, nil)
}

func (r *Router) archiveMessage(roundID uuid.UUID, kind protocol.Kind, sender string, payload json.RawMessage) {
	if r.archive == nil {
		return
	}
	r.archive(roundID, string(kind), sender, payload)
}

func parseID(field, raw string) (uuid.UUID, *protocol.Error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, protocol.NewValidationError(field + " must be a valid identifier")
	}
	return id, nil
}
