package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind enumerates every message type carried over the room socket.
type Kind string

const (
	KindSubscribeRoom      Kind = "subscribe_room"
	KindUnsubscribeRoom    Kind = "unsubscribe_room"
	KindPublicChat         Kind = "public_chat"
	KindAgentMessage       Kind = "agent_message"
	KindGMMessage          Kind = "gm_message"
	KindObservation        Kind = "observation"
	KindPvPAction          Kind = "pvp_action"
	KindParticipants       Kind = "participants"
	KindHeartbeat          Kind = "heartbeat"
	KindSystemNotification Kind = "system_notification"
)

// Valid reports whether the kind is part of the closed enumeration.
func (k Kind) Valid() bool {
	switch k {
	case KindSubscribeRoom, KindUnsubscribeRoom, KindPublicChat, KindAgentMessage,
		KindGMMessage, KindObservation, KindPvPAction, KindParticipants,
		KindHeartbeat, KindSystemNotification:
		return true
	default:
		return false
	}
}

// Envelope is the raw wire form of every inbound and outbound message.
type Envelope struct {
	MessageType Kind            `json:"messageType"`
	Sender      string          `json:"sender,omitempty"`
	Signature   string          `json:"signature,omitempty"`
	Content     json.RawMessage `json:"content"`
}

// SubscribeContent attaches a connection to a room.
type SubscribeContent struct {
	Timestamp int64  `json:"timestamp"`
	RoomID    string `json:"roomId"`
}

// UnsubscribeContent detaches a connection from a room.
type UnsubscribeContent struct {
	Timestamp int64  `json:"timestamp"`
	RoomID    string `json:"roomId"`
}

// PublicChatContent carries a user chat line scoped to the room's active round.
type PublicChatContent struct {
	Timestamp int64  `json:"timestamp"`
	RoomID    string `json:"roomId"`
	RoundID   string `json:"roundId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Text      string `json:"text"`
}

// AgentMessageContent carries an agent-authored message for the active round.
type AgentMessageContent struct {
	Timestamp int64           `json:"timestamp"`
	RoomID    string          `json:"roomId"`
	RoundID   string          `json:"roundId,omitempty"`
	AgentID   string          `json:"agentId"`
	Text      string          `json:"text"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// GMMessageContent carries a privileged game-master directive.
type GMMessageContent struct {
	Timestamp    int64    `json:"timestamp"`
	RoomID       string   `json:"roomId"`
	RoundID      string   `json:"roundId,omitempty"`
	Text         string   `json:"text"`
	Targets      []string `json:"targets,omitempty"`
	IgnoreErrors bool     `json:"ignoreErrors,omitempty"`
}

// ObservationContent carries oracle data injected into a round.
type ObservationContent struct {
	Timestamp       int64           `json:"timestamp"`
	RoomID          string          `json:"roomId"`
	RoundID         string          `json:"roundId,omitempty"`
	AgentID         string          `json:"agentId"`
	ObservationType string          `json:"observationType"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// PvPActionContent carries a player-versus-player action against an agent.
type PvPActionContent struct {
	Timestamp  int64           `json:"timestamp"`
	RoomID     string          `json:"roomId"`
	RoundID    string          `json:"roundId,omitempty"`
	ActionType string          `json:"actionType"`
	SourceID   string          `json:"sourceId"`
	TargetID   string          `json:"targetId"`
	DurationMs int64           `json:"durationMs,omitempty"`
	Options    json.RawMessage `json:"options,omitempty"`
}

// ParticipantsContent announces the room roster after joins and leaves.
type ParticipantsContent struct {
	Timestamp    int64    `json:"timestamp"`
	RoomID       string   `json:"roomId"`
	Count        int      `json:"count"`
	Participants []string `json:"participants,omitempty"`
}

// HeartbeatContent acknowledges a liveness probe.
type HeartbeatContent struct {
	Timestamp int64 `json:"timestamp"`
}

// SystemNotificationContent is delivered to a single connection, never broadcast.
type SystemNotificationContent struct {
	Timestamp int64  `json:"timestamp"`
	RoomID    string `json:"roomId,omitempty"`
	Status    int    `json:"status,omitempty"`
	Text      string `json:"text"`
}

// Message is the decoded tagged-variant form of an envelope. Exactly one of the
// payload pointers is populated, matching Kind.
type Message struct {
	Kind      Kind
	Sender    string
	Signature string
	Raw       json.RawMessage

	Subscribe    *SubscribeContent
	Unsubscribe  *UnsubscribeContent
	PublicChat   *PublicChatContent
	Agent        *AgentMessageContent
	GM           *GMMessageContent
	Observation  *ObservationContent
	PvP          *PvPActionContent
	Participants *ParticipantsContent
	Heartbeat    *HeartbeatContent
	System       *SystemNotificationContent
}

// Decode parses the raw envelope into a typed message, validating the payload
// shape for the declared kind before any business logic runs.
func Decode(data []byte) (*Message, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, NewValidationError("malformed message envelope")
	}
	return DecodeEnvelope(&envelope)
}

// DecodeEnvelope converts an already-parsed envelope into a typed message.
func DecodeEnvelope(envelope *Envelope) (*Message, error) {
	if envelope == nil {
		return nil, NewValidationError("message envelope required")
	}
	if !envelope.MessageType.Valid() {
		return nil, NewValidationError(fmt.Sprintf("unknown message type %q", envelope.MessageType))
	}
	if len(envelope.Content) == 0 {
		return nil, NewValidationError("message content required")
	}

	message := &Message{
		Kind:      envelope.MessageType,
		Sender:    strings.TrimSpace(envelope.Sender),
		Signature: strings.TrimSpace(envelope.Signature),
		Raw:       append(json.RawMessage(nil), envelope.Content...),
	}

	switch envelope.MessageType {
	case KindSubscribeRoom:
		var content SubscribeContent
		if err := unmarshalContent(envelope.Content, &content); err != nil {
			return nil, err
		}
		if content.RoomID == "" {
			return nil, NewValidationError("subscribe_room requires roomId")
		}
		message.Subscribe = &content
	case KindUnsubscribeRoom:
		var content UnsubscribeContent
		if err := unmarshalContent(envelope.Content, &content); err != nil {
			return nil, err
		}
		if content.RoomID == "" {
			return nil, NewValidationError("unsubscribe_room requires roomId")
		}
		message.Unsubscribe = &content
	case KindPublicChat:
		var content PublicChatContent
		if err := unmarshalContent(envelope.Content, &content); err != nil {
			return nil, err
		}
		if content.RoomID == "" || content.Text == "" {
			return nil, NewValidationError("public_chat requires roomId and text")
		}
		message.PublicChat = &content
	case KindAgentMessage:
		var content AgentMessageContent
		if err := unmarshalContent(envelope.Content, &content); err != nil {
			return nil, err
		}
		if content.RoomID == "" || content.AgentID == "" || content.Text == "" {
			return nil, NewValidationError("agent_message requires roomId, agentId and text")
		}
		message.Agent = &content
	case KindGMMessage:
		var content GMMessageContent
		if err := unmarshalContent(envelope.Content, &content); err != nil {
			return nil, err
		}
		if content.RoomID == "" || content.Text == "" {
			return nil, NewValidationError("gm_message requires roomId and text")
		}
		message.GM = &content
	case KindObservation:
		var content ObservationContent
		if err := unmarshalContent(envelope.Content, &content); err != nil {
			return nil, err
		}
		if content.RoomID == "" || content.AgentID == "" || content.ObservationType == "" {
			return nil, NewValidationError("observation requires roomId, agentId and observationType")
		}
		message.Observation = &content
	case KindPvPAction:
		var content PvPActionContent
		if err := unmarshalContent(envelope.Content, &content); err != nil {
			return nil, err
		}
		if content.RoomID == "" || content.ActionType == "" || content.TargetID == "" {
			return nil, NewValidationError("pvp_action requires roomId, actionType and targetId")
		}
		message.PvP = &content
	case KindParticipants:
		var content ParticipantsContent
		if err := unmarshalContent(envelope.Content, &content); err != nil {
			return nil, err
		}
		message.Participants = &content
	case KindHeartbeat:
		var content HeartbeatContent
		if err := unmarshalContent(envelope.Content, &content); err != nil {
			return nil, err
		}
		message.Heartbeat = &content
	case KindSystemNotification:
		var content SystemNotificationContent
		if err := unmarshalContent(envelope.Content, &content); err != nil {
			return nil, err
		}
		message.System = &content
	}

	return message, nil
}

func unmarshalContent(raw json.RawMessage, target any) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return NewValidationError("malformed message content")
	}
	return nil
}

// NewNotification builds the single-recipient error/status envelope.
func NewNotification(timestamp int64, roomID string, status int, text string) *Envelope {
	content, _ := json.Marshal(SystemNotificationContent{
		Timestamp: timestamp,
		RoomID:    roomID,
		Status:    status,
		Text:      text,
	})
	return &Envelope{MessageType: KindSystemNotification, Content: content}
}
