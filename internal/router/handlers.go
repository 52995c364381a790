package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"agentarena/broker/internal/logging"
	"agentarena/broker/internal/protocol"
	"agentarena/broker/internal/registry"
	"agentarena/broker/internal/rounds"
	"agentarena/broker/internal/signing"
	"agentarena/broker/internal/store"
)

const defaultEffectDuration = 30 * time.Second

func (r *Router) handleSubscribe(ctx context.Context, origin *registry.Client, message *protocol.Message) *protocol.Error {
	roomID, perr := parseID("roomId", message.Subscribe.RoomID)
	if perr != nil {
		return perr
	}
	//1.- The room must exist upstream before any registry state changes.
	exists, err := r.store.RoomExists(ctx, roomID)
	if err != nil {
		return protocol.NewStoreError("room lookup failed").WithCause(err)
	}
	if !exists {
		return protocol.NewNotFoundError("room not found")
	}
	//2.- Re-subscribing to the current room must not move the counter again.
	if current, ok := r.reg.Room(origin); ok && current == roomID {
		return nil
	}

	_, previous, err := r.reg.Join(origin, roomID)
	if err != nil {
		return protocol.NewValidationError("connection is not registered").WithCause(err)
	}
	//3.- Switching rooms vacates the previous one, counters and roster included.
	if previous != uuid.Nil {
		if err := r.store.AdjustParticipants(ctx, previous, -1); err != nil {
			r.log.Warn("participant decrement failed", logging.Error(err))
		}
		r.broadcastParticipants(ctx, previous)
	}

	//4.- Membership rows are idempotent upserts; counter updates are best-effort.
	if origin.IsAgent() {
		if err := r.store.UpsertRoomAgent(ctx, roomID, origin.AgentID); err != nil {
			r.log.Warn("room agent upsert failed", logging.Error(err))
		}
	} else if origin.UserID != "" {
		if err := r.store.UpsertUserRoom(ctx, roomID, origin.UserID); err != nil {
			r.log.Warn("user room upsert failed", logging.Error(err))
		}
	}
	if err := r.store.AdjustParticipants(ctx, roomID, 1); err != nil {
		r.log.Warn("participant increment failed", logging.Error(err))
	}
	r.broadcastParticipants(ctx, roomID)
	return nil
}

func (r *Router) handleUnsubscribe(ctx context.Context, origin *registry.Client, message *protocol.Message) *protocol.Error {
	roomID, perr := parseID("roomId", message.Unsubscribe.RoomID)
	if perr != nil {
		return perr
	}
	//1.- Only a live member may shrink the counter; strangers are a no-op.
	if current, ok := r.reg.Room(origin); !ok || current != roomID {
		return nil
	}
	r.reg.Leave(origin, roomID)
	if err := r.store.AdjustParticipants(ctx, roomID, -1); err != nil {
		r.log.Warn("participant decrement failed", logging.Error(err))
	}
	r.broadcastParticipants(ctx, roomID)
	return nil
}

func (r *Router) handlePublicChat(ctx context.Context, origin *registry.Client, message *protocol.Message) *protocol.Error {
	content := message.PublicChat
	roomID, perr := parseID("roomId", content.RoomID)
	if perr != nil {
		return perr
	}
	if _, perr := r.verifySigned(message, content.Timestamp); perr != nil {
		return perr
	}
	round, perr := r.activeRound(ctx, roomID)
	if perr != nil {
		return perr
	}

	record := store.RoundMessage{
		RoundID: round.ID,
		Kind:    string(protocol.KindPublicChat),
		Content: string(message.Raw),
	}
	if err := r.store.SaveRoundMessage(ctx, &record); err != nil {
		return protocol.NewStoreError("message persistence failed").WithCause(err)
	}

	//1.- The sender already echoed locally; everyone else gets the original.
	exclude := map[string]struct{}{}
	if origin != nil {
		exclude[origin.ID] = struct{}{}
	}
	r.broadcast(ctx, roomID, &protocol.Envelope{
		MessageType: protocol.KindPublicChat,
		Sender:      message.Sender,
		Signature:   message.Signature,
		Content:     message.Raw,
	}, exclude)
	r.archiveMessage(round.ID, protocol.KindPublicChat, message.Sender, message.Raw)
	return nil
}

func (r *Router) handleAgentMessage(ctx context.Context, origin *registry.Client, message *protocol.Message) *protocol.Error {
	content := message.Agent
	roomID, perr := parseID("roomId", content.RoomID)
	if perr != nil {
		return perr
	}
	agentID, perr := parseID("agentId", content.AgentID)
	if perr != nil {
		return perr
	}
	if _, perr := r.verifySigned(message, content.Timestamp); perr != nil {
		return perr
	}
	if _, perr := r.authorizeAgent(ctx, agentID, message.Sender); perr != nil {
		return perr
	}
	round, perr := r.activeRound(ctx, roomID)
	if perr != nil {
		return perr
	}
	if r.tracker.HasEffect(round.ID, agentID, rounds.ActionSilence) {
		return protocol.NewAuthorizationError("agent is silenced")
	}

	participants, err := r.store.RoundAgentIDs(ctx, round.ID)
	if err != nil {
		return protocol.NewStoreError("round roster lookup failed").WithCause(err)
	}

	record := store.RoundMessage{
		RoundID: round.ID,
		AgentID: &agentID,
		Kind:    string(protocol.KindAgentMessage),
		Content: string(message.Raw),
	}
	if err := r.store.SaveRoundMessage(ctx, &record); err != nil {
		return protocol.NewStoreError("message persistence failed").WithCause(err)
	}

	//1.- Each recipient agent gets a backend-countersigned copy with its
	// effect transforms applied; deafened agents receive nothing.
	delivered := make(map[uuid.UUID]struct{}, len(participants))
	for _, recipientID := range participants {
		if recipientID == agentID {
			continue
		}
		delivered[recipientID] = struct{}{}
		if r.tracker.HasEffect(round.ID, recipientID, rounds.ActionDeafen) {
			continue
		}
		r.deliverToAgent(ctx, roomID, round.ID, recipientID, content)
	}

	//2.- Spectators see the unmodified original, sender's own socket excluded.
	exclude := map[string]struct{}{}
	if origin != nil {
		exclude[origin.ID] = struct{}{}
	}
	for _, member := range r.reg.RoomMembers(roomID) {
		if !member.IsAgent() {
			continue
		}
		if _, ok := delivered[member.AgentID]; ok || member.AgentID == agentID {
			exclude[member.ID] = struct{}{}
		}
	}
	r.broadcast(ctx, roomID, &protocol.Envelope{
		MessageType: protocol.KindAgentMessage,
		Sender:      message.Sender,
		Signature:   message.Signature,
		Content:     message.Raw,
	}, exclude)
	r.archiveMessage(round.ID, protocol.KindAgentMessage, message.Sender, message.Raw)
	return nil
}

// deliverToAgent countersigns the per-recipient copy and pushes it over both
// the agent's registered endpoint and its live socket, best-effort.
func (r *Router) deliverToAgent(ctx context.Context, roomID, roundID, recipientID uuid.UUID, content *protocol.AgentMessageContent) {
	copied := *content
	copied.Text = r.tracker.TransformText(roundID, recipientID, content.Text)
	raw, err := json.Marshal(&copied)
	if err != nil {
		r.log.Error("relay serialization failed", logging.Error(err))
		return
	}
	envelope, err := r.countersign(protocol.KindAgentMessage, raw)
	if err != nil {
		r.log.Error("relay countersign failed", logging.Error(err))
		return
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return
	}

	recipient, err := r.store.GetAgent(ctx, recipientID)
	if err != nil {
		r.log.Warn("relay recipient lookup failed",
			logging.String("agent_id", recipientID.String()), logging.Error(err))
	} else if recipient.Endpoint != "" {
		r.counters.Relays.Add(1)
		if err := r.relay.Deliver(ctx, recipient.Endpoint, payload); err != nil {
			r.counters.RelayFailures.Add(1)
			r.log.Warn("agent relay failed",
				logging.String("agent_id", recipientID.String()), logging.Error(err))
		}
	}
	r.reg.SendToAgents(roomID, payload, []uuid.UUID{recipientID})
}

func (r *Router) handleGMMessage(ctx context.Context, origin *registry.Client, message *protocol.Message) *protocol.Error {
	content := message.GM
	roomID, perr := parseID("roomId", content.RoomID)
	if perr != nil {
		return perr
	}
	signer, perr := r.verifySigned(message, content.Timestamp)
	if perr != nil {
		return perr
	}
	if perr := r.authorizeGameMaster(ctx, signer); perr != nil {
		return perr
	}

	//1.- Room-history membership is enforced for every named target, always.
	targetIDs := make([]uuid.UUID, 0, len(content.Targets))
	var missing []string
	for _, rawTarget := range content.Targets {
		targetID, perr := parseID("target", rawTarget)
		if perr != nil {
			return perr
		}
		known, err := r.store.RoomAgentExists(ctx, roomID, targetID)
		if err != nil {
			return protocol.NewStoreError("target lookup failed").WithCause(err)
		}
		if !known {
			missing = append(missing, rawTarget)
			continue
		}
		targetIDs = append(targetIDs, targetID)
	}
	if len(missing) > 0 {
		return protocol.NewNotFoundError("Targets not found in room")
	}

	//2.- Round preflight is skippable for administrative overrides; room
	// membership and signature checks above never are.
	var roundID uuid.UUID
	round, roundErr := r.activeRound(ctx, roomID)
	if roundErr != nil {
		if !content.IgnoreErrors {
			return roundErr
		}
	} else {
		roundID = round.ID
		if !content.IgnoreErrors {
			participants, err := r.store.RoundAgentIDs(ctx, round.ID)
			if err != nil {
				return protocol.NewStoreError("round roster lookup failed").WithCause(err)
			}
			inRound := make(map[uuid.UUID]struct{}, len(participants))
			for _, id := range participants {
				inRound[id] = struct{}{}
			}
			for _, targetID := range targetIDs {
				if _, ok := inRound[targetID]; !ok {
					return protocol.NewNotFoundError("Targets not found in room")
				}
			}
		}
	}

	if roundID != uuid.Nil {
		record := store.RoundMessage{
			RoundID: roundID,
			Kind:    string(protocol.KindGMMessage),
			Content: string(message.Raw),
		}
		if err := r.store.SaveRoundMessage(ctx, &record); err != nil {
			return protocol.NewStoreError("message persistence failed").WithCause(err)
		}
	}

	envelope, err := r.countersign(protocol.KindGMMessage, message.Raw)
	if err != nil {
		return protocol.NewStoreError("countersign failed").WithCause(err)
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return protocol.NewStoreError("serialization failed").WithCause(err)
	}

	if len(content.Targets) == 0 {
		//3.- A directive without targets addresses the whole room.
		exclude := map[string]struct{}{}
		if origin != nil {
			exclude[origin.ID] = struct{}{}
		}
		r.counters.Broadcasts.Add(1)
		for _, client := range r.reg.Broadcast(roomID, payload, exclude) {
			r.cleanupDropped(ctx, roomID, client)
		}
	} else {
		for _, targetID := range targetIDs {
			r.deliverGMToAgent(ctx, roomID, targetID, payload)
		}
	}
	r.archiveMessage(roundID, protocol.KindGMMessage, message.Sender, message.Raw)
	return nil
}

func (r *Router) deliverGMToAgent(ctx context.Context, roomID, targetID uuid.UUID, payload []byte) {
	target, err := r.store.GetAgent(ctx, targetID)
	if err != nil {
		r.log.Warn("gm target lookup failed",
			logging.String("agent_id", targetID.String()), logging.Error(err))
	} else if target.Endpoint != "" {
		r.counters.Relays.Add(1)
		if err := r.relay.Deliver(ctx, target.Endpoint, payload); err != nil {
			r.counters.RelayFailures.Add(1)
			r.log.Warn("gm relay failed",
				logging.String("agent_id", targetID.String()), logging.Error(err))
		}
	}
	r.reg.SendToAgents(roomID, payload, []uuid.UUID{targetID})
}

func (r *Router) handleObservation(ctx context.Context, message *protocol.Message) *protocol.Error {
	content := message.Observation
	roomID, perr := parseID("roomId", content.RoomID)
	if perr != nil {
		return perr
	}
	agentID, perr := parseID("agentId", content.AgentID)
	if perr != nil {
		return perr
	}
	round, perr := r.activeRound(ctx, roomID)
	if perr != nil {
		return perr
	}

	//1.- Persist before fan-out so reports survive a failed broadcast.
	record := store.RoundObservation{
		RoundID:         round.ID,
		AgentID:         agentID,
		ObservationType: content.ObservationType,
		Content:         string(message.Raw),
	}
	if err := r.store.SaveObservation(ctx, &record); err != nil {
		return protocol.NewStoreError("observation persistence failed").WithCause(err)
	}

	participants, err := r.store.RoundAgentIDs(ctx, round.ID)
	if err != nil {
		return protocol.NewStoreError("round roster lookup failed").WithCause(err)
	}
	payload, err := json.Marshal(&protocol.Envelope{
		MessageType: protocol.KindObservation,
		Content:     message.Raw,
	})
	if err != nil {
		return protocol.NewStoreError("serialization failed").WithCause(err)
	}
	//2.- Oracle data is fire-and-forget to the current round agents.
	r.counters.Broadcasts.Add(1)
	r.reg.SendToAgents(roomID, payload, participants)
	r.archiveMessage(round.ID, protocol.KindObservation, "", message.Raw)
	return nil
}

func (r *Router) handlePvPAction(ctx context.Context, message *protocol.Message) *protocol.Error {
	content := message.PvP
	roomID, perr := parseID("roomId", content.RoomID)
	if perr != nil {
		return perr
	}
	if _, perr := r.verifySigned(message, content.Timestamp); perr != nil {
		return perr
	}
	action := rounds.ActionType(content.ActionType)
	if !action.Valid() {
		return protocol.NewValidationError("unknown pvp action type")
	}
	round, perr := r.activeRound(ctx, roomID)
	if perr != nil {
		return perr
	}

	if action == rounds.ActionRemoveEffect {
		if perr := r.removeEffect(ctx, round.ID, content); perr != nil {
			return perr
		}
	} else {
		if perr := r.applyEffect(ctx, round.ID, action, content); perr != nil {
			return perr
		}
	}

	r.broadcast(ctx, roomID, &protocol.Envelope{
		MessageType: protocol.KindPvPAction,
		Sender:      message.Sender,
		Signature:   message.Signature,
		Content:     message.Raw,
	}, nil)
	r.archiveMessage(round.ID, protocol.KindPvPAction, message.Sender, message.Raw)
	return nil
}

func (r *Router) applyEffect(ctx context.Context, roundID uuid.UUID, action rounds.ActionType, content *protocol.PvPActionContent) *protocol.Error {
	sourceID, perr := parseID("sourceId", content.SourceID)
	if perr != nil {
		return perr
	}
	targetID, perr := parseID("targetId", content.TargetID)
	if perr != nil {
		return perr
	}
	duration := time.Duration(content.DurationMs) * time.Millisecond
	if duration <= 0 {
		duration = defaultEffectDuration
	}
	now := r.now()
	effect := &rounds.Effect{
		Action:    action,
		SourceID:  sourceID,
		TargetID:  targetID,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
		Transform: content.Options,
	}
	if err := r.tracker.ApplyEffect(roundID, effect); err != nil {
		if errors.Is(err, rounds.ErrRoundInactive) {
			return protocol.NewRoundStateError("round is not active")
		}
		return protocol.NewValidationError(err.Error())
	}
	//1.- The persisted copy is write-behind; the live table stays authoritative.
	record := store.EffectRecord{
		ID:         effect.ID,
		RoundID:    roundID,
		ActionType: string(action),
		SourceID:   sourceID,
		TargetID:   targetID,
		Details:    string(content.Options),
		CreatedAt:  effect.CreatedAt,
		ExpiresAt:  effect.ExpiresAt,
	}
	if err := r.store.SaveEffect(ctx, &record); err != nil {
		r.log.Warn("effect write-behind failed", logging.Error(err))
	}
	return nil
}

func (r *Router) removeEffect(ctx context.Context, roundID uuid.UUID, content *protocol.PvPActionContent) *protocol.Error {
	var options struct {
		EffectID string `json:"effectId"`
	}
	if len(content.Options) > 0 {
		if err := json.Unmarshal(content.Options, &options); err != nil {
			return protocol.NewValidationError("malformed pvp options")
		}
	}
	effectID, perr := parseID("effectId", options.EffectID)
	if perr != nil {
		return perr
	}
	if _, err := r.tracker.RemoveEffect(roundID, effectID); err != nil {
		return protocol.NewNotFoundError("effect not found")
	}
	if err := r.store.MarkEffectRemoved(ctx, effectID, r.now()); err != nil {
		r.log.Warn("effect removal write-behind failed", logging.Error(err))
	}
	return nil
}

func (r *Router) handleHeartbeat(origin *registry.Client) *protocol.Error {
	//1.- Touch already ran in Handle; answer so clients can measure liveness.
	content, err := json.Marshal(protocol.HeartbeatContent{Timestamp: r.now().UnixMilli()})
	if err != nil {
		return nil
	}
	payload, err := json.Marshal(&protocol.Envelope{
		MessageType: protocol.KindHeartbeat,
		Content:     content,
	})
	if err != nil {
		return nil
	}
	r.reg.Send(origin, payload)
	return nil
}

// verifySigned checks freshness and signer recovery for a signed envelope.
func (r *Router) verifySigned(message *protocol.Message, timestamp int64) (string, *protocol.Error) {
	if message.Sender == "" || message.Signature == "" {
		return "", protocol.NewValidationError("sender and signature required")
	}
	signer, err := r.signer.Verify(message.Raw, message.Signature, message.Sender, timestamp, r.window)
	switch {
	case err == nil:
		return signer, nil
	case errors.Is(err, signing.ErrStaleSignature):
		return "", protocol.NewStaleSignatureError("message timestamp outside freshness window")
	case errors.Is(err, signing.ErrAddressFormat):
		return "", protocol.NewAddressFormatError("sender is not a valid account address")
	case errors.Is(err, signing.ErrSignerMismatch):
		return "", protocol.NewSignerMismatchError("signature does not match claimed sender")
	default:
		return "", protocol.NewSignerMismatchError("signature verification failed").WithCause(err)
	}
}

// authorizeAgent confirms the claimed sender is the agent's on-file wallet.
func (r *Router) authorizeAgent(ctx context.Context, agentID uuid.UUID, claimed string) (*store.Agent, *protocol.Error) {
	if !signing.ValidAddress(claimed) {
		return nil, protocol.NewAddressFormatError("sender is not a valid account address")
	}
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.NewNotFoundError("agent not found")
		}
		return nil, protocol.NewStoreError("agent lookup failed").WithCause(err)
	}
	if !signing.SameAddress(claimed, agent.WalletAddress) {
		return nil, protocol.NewAuthorizationError("signer is not the agent's registered wallet")
	}
	return agent, nil
}

// authorizeGameMaster accepts the backend's own identity or the on-file
// game-master wallet.
func (r *Router) authorizeGameMaster(ctx context.Context, signer string) *protocol.Error {
	if signing.SameAddress(signer, r.signer.Address()) {
		return nil
	}
	if r.gmWallet != "" && signing.SameAddress(signer, r.gmWallet) {
		return nil
	}
	gm, err := r.store.GameMaster(ctx)
	if err == nil && signing.SameAddress(signer, gm.WalletAddress) {
		return nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return protocol.NewStoreError("game master lookup failed").WithCause(err)
	}
	return protocol.NewAuthorizationError("signer is not the game master")
}

func (r *Router) countersign(kind protocol.Kind, content json.RawMessage) (*protocol.Envelope, error) {
	signature, err := r.signer.Sign(content)
	if err != nil {
		return nil, err
	}
	return &protocol.Envelope{
		MessageType: kind,
		Sender:      r.signer.Address(),
		Signature:   signature,
		Content:     content,
	}, nil
}
