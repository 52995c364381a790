package store

import (
	"time"

	"github.com/google/uuid"
)

// Room is the persisted record backing a broadcast channel.
type Room struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name             string    `gorm:"size:128"`
	Active           bool      `gorm:"index"`
	ParticipantCount int       `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Round is one bounded play session within a room.
type Round struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoomID    uuid.UUID `gorm:"type:uuid;index"`
	Active    bool      `gorm:"index"`
	StartedAt time.Time
	EndedAt   *time.Time
}

// Agent stores a participant identity with its wallet signing address.
type Agent struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	DisplayName   string    `gorm:"size:128"`
	WalletAddress string    `gorm:"size:64;uniqueIndex"`
	Endpoint      string    `gorm:"size:512"`
	GameMaster    bool      `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RoomAgent records that an agent has ever joined a room. Privileged
// operations resolve targets against this history, not just the active round.
type RoomAgent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoomID    uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_room_agent"`
	AgentID   uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_room_agent"`
	CreatedAt time.Time
}

// UserRoom records a human participant's membership in a room.
type UserRoom struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoomID    uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_user_room"`
	UserID    string    `gorm:"size:128;uniqueIndex:idx_user_room"`
	CreatedAt time.Time
}

// RoundAgent records an agent's membership in a specific round.
type RoundAgent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoundID   uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_round_agent"`
	AgentID   uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_round_agent"`
	CreatedAt time.Time
}

// RoundMessage is the durable copy of a routed message.
type RoundMessage struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoundID   uuid.UUID `gorm:"type:uuid;index"`
	AgentID   *uuid.UUID
	Kind      string `gorm:"size:32;index"`
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
}

// RoundObservation is the durable copy of oracle data injected into a round.
type RoundObservation struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoundID         uuid.UUID `gorm:"type:uuid;index"`
	AgentID         uuid.UUID `gorm:"type:uuid;index"`
	ObservationType string    `gorm:"size:64"`
	Content         string    `gorm:"type:text"`
	CreatedAt       time.Time
}

// EffectRecord is the write-behind copy of an in-memory PvP effect. The live
// effect table, not this row, is the source of truth while a round runs.
type EffectRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoundID    uuid.UUID `gorm:"type:uuid;index"`
	ActionType string    `gorm:"size:32"`
	SourceID   uuid.UUID `gorm:"type:uuid"`
	TargetID   uuid.UUID `gorm:"type:uuid"`
	Details    string    `gorm:"type:text"`
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RemovedAt  *time.Time
}
