package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"agentarena/broker/internal/logging"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps the relational backend with bounded-retry resilience. All
// mutating helpers absorb duplicate-key conflicts from idempotent upserts.
type Store struct {
	db    *gorm.DB
	retry RetryPolicy
	log   *logging.Logger
	sleep func(context.Context, time.Duration) error

	retries atomic.Int64
}

// RetryCount reports how many transient failures have been retried since
// startup; exported on the metrics endpoint.
func (s *Store) RetryCount() int64 {
	return s.retries.Load()
}

// Option configures optional Store behaviour at construction time.
type Option func(*Store)

// WithSleep overrides the backoff sleeper; primarily used in tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(s *Store) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// New wraps an open gorm handle. The handle must be configured with
// TranslateError so duplicate-key conflicts surface as gorm.ErrDuplicatedKey.
func New(db *gorm.DB, retry RetryPolicy, logger *logging.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = logging.L()
	}
	store := &Store{db: db, retry: retry, log: logger, sleep: sleepContext}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Open connects to the configured Postgres backend and applies migrations.
func Open(dsn string, retry RetryPolicy, logger *logging.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store := New(db, retry, logger)
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// Ping verifies database connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Migrate creates or updates the schema for every persisted model.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&Room{},
		&Round{},
		&Agent{},
		&RoomAgent{},
		&UserRoom{},
		&RoundAgent{},
		&RoundMessage{},
		&RoundObservation{},
		&EffectRecord{},
	)
}

// CreateRoom persists a new room record.
func (s *Store) CreateRoom(ctx context.Context, room *Room) error {
	if room.ID == uuid.Nil {
		room.ID = uuid.New()
	}
	return s.withRetry(ctx, "create_room", func() error {
		return s.db.WithContext(ctx).Create(room).Error
	})
}

// CreateAgent persists a new agent identity.
func (s *Store) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	return s.withRetry(ctx, "create_agent", func() error {
		return s.db.WithContext(ctx).Create(agent).Error
	})
}

// GetRoom loads a room by identifier.
func (s *Store) GetRoom(ctx context.Context, roomID uuid.UUID) (*Room, error) {
	var room Room
	err := s.withRetry(ctx, "get_room", func() error {
		return s.db.WithContext(ctx).First(&room, "id = ?", roomID).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &room, nil
}

// Rooms lists every persisted room; the reconciliation sweep walks this to
// compare persisted counters against live occupancy.
func (s *Store) Rooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	err := s.withRetry(ctx, "list_rooms", func() error {
		return s.db.WithContext(ctx).Order("created_at").Find(&rooms).Error
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// RoomExists reports whether the room is present in the store.
func (s *Store) RoomExists(ctx context.Context, roomID uuid.UUID) (bool, error) {
	var count int64
	err := s.withRetry(ctx, "room_exists", func() error {
		return s.db.WithContext(ctx).Model(&Room{}).Where("id = ?", roomID).Count(&count).Error
	})
	return count > 0, err
}

// AdjustParticipants shifts the persisted participant counter by delta,
// clamping at zero. The update is best-effort; callers treat failure as
// non-fatal and rely on the reconciliation sweep.
func (s *Store) AdjustParticipants(ctx context.Context, roomID uuid.UUID, delta int) error {
	return s.withRetry(ctx, "adjust_participants", func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var room Room
			if err := tx.First(&room, "id = ?", roomID).Error; err != nil {
				return err
			}
			next := room.ParticipantCount + delta
			if next < 0 {
				next = 0
			}
			return tx.Model(&Room{}).Where("id = ?", roomID).
				Update("participant_count", next).Error
		})
	})
}

// SetParticipants overwrites the persisted participant counter; used by the
// reconciliation sweep after re-verifying live connection counts.
func (s *Store) SetParticipants(ctx context.Context, roomID uuid.UUID, count int) error {
	return s.withRetry(ctx, "set_participants", func() error {
		return s.db.WithContext(ctx).Model(&Room{}).
			Where("id = ?", roomID).
			Update("participant_count", count).Error
	})
}

// UpsertUserRoom records a user's room membership. Replays are benign.
func (s *Store) UpsertUserRoom(ctx context.Context, roomID uuid.UUID, userID string) error {
	return s.withRetry(ctx, "upsert_user_room", func() error {
		row := UserRoom{ID: uuid.New(), RoomID: roomID, UserID: userID}
		return s.db.WithContext(ctx).Create(&row).Error
	})
}

// UpsertRoomAgent records that an agent joined a room at least once.
func (s *Store) UpsertRoomAgent(ctx context.Context, roomID, agentID uuid.UUID) error {
	return s.withRetry(ctx, "upsert_room_agent", func() error {
		row := RoomAgent{ID: uuid.New(), RoomID: roomID, AgentID: agentID}
		return s.db.WithContext(ctx).Create(&row).Error
	})
}

// RoomAgentExists reports whether the agent ever joined the room.
func (s *Store) RoomAgentExists(ctx context.Context, roomID, agentID uuid.UUID) (bool, error) {
	var count int64
	err := s.withRetry(ctx, "room_agent_exists", func() error {
		return s.db.WithContext(ctx).Model(&RoomAgent{}).
			Where("room_id = ? AND agent_id = ?", roomID, agentID).
			Count(&count).Error
	})
	return count > 0, err
}

// ActiveRound returns the room's currently active round, or ErrNotFound.
func (s *Store) ActiveRound(ctx context.Context, roomID uuid.UUID) (*Round, error) {
	var round Round
	err := s.withRetry(ctx, "active_round", func() error {
		return s.db.WithContext(ctx).
			Where("room_id = ? AND active = ?", roomID, true).
			Order("started_at DESC").
			First(&round).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &round, nil
}

// GetRound loads a round by identifier.
func (s *Store) GetRound(ctx context.Context, roundID uuid.UUID) (*Round, error) {
	var round Round
	err := s.withRetry(ctx, "get_round", func() error {
		return s.db.WithContext(ctx).First(&round, "id = ?", roundID).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &round, nil
}

// CreateRound starts a new active round for the room. Only one round per room
// may be active; any previous active round is ended first.
func (s *Store) CreateRound(ctx context.Context, roomID uuid.UUID, startedAt time.Time) (*Round, error) {
	round := Round{ID: uuid.New(), RoomID: roomID, Active: true, StartedAt: startedAt}
	err := s.withRetry(ctx, "create_round", func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&Round{}).
				Where("room_id = ? AND active = ?", roomID, true).
				Updates(map[string]any{"active": false, "ended_at": startedAt}).Error; err != nil {
				return err
			}
			return tx.Create(&round).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return &round, nil
}

// EndRound marks the round inactive.
func (s *Store) EndRound(ctx context.Context, roundID uuid.UUID, endedAt time.Time) error {
	return s.withRetry(ctx, "end_round", func() error {
		result := s.db.WithContext(ctx).Model(&Round{}).
			Where("id = ? AND active = ?", roundID, true).
			Updates(map[string]any{"active": false, "ended_at": endedAt})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// AddRoundAgent registers an agent as a participant of the round.
func (s *Store) AddRoundAgent(ctx context.Context, roundID, agentID uuid.UUID) error {
	return s.withRetry(ctx, "add_round_agent", func() error {
		row := RoundAgent{ID: uuid.New(), RoundID: roundID, AgentID: agentID}
		return s.db.WithContext(ctx).Create(&row).Error
	})
}

// RoundAgentIDs lists every agent registered for the round.
func (s *Store) RoundAgentIDs(ctx context.Context, roundID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.withRetry(ctx, "round_agent_ids", func() error {
		return s.db.WithContext(ctx).Model(&RoundAgent{}).
			Where("round_id = ?", roundID).
			Order("created_at ASC").
			Pluck("agent_id", &ids).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetAgent loads an agent identity by identifier.
func (s *Store) GetAgent(ctx context.Context, agentID uuid.UUID) (*Agent, error) {
	var agent Agent
	err := s.withRetry(ctx, "get_agent", func() error {
		return s.db.WithContext(ctx).First(&agent, "id = ?", agentID).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &agent, nil
}

// GameMaster returns the registered game-master identity, if any.
func (s *Store) GameMaster(ctx context.Context) (*Agent, error) {
	var agent Agent
	err := s.withRetry(ctx, "game_master", func() error {
		return s.db.WithContext(ctx).First(&agent, "game_master = ?", true).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &agent, nil
}

// SaveRoundMessage persists the durable copy of a routed message.
func (s *Store) SaveRoundMessage(ctx context.Context, message *RoundMessage) error {
	if message.ID == uuid.Nil {
		message.ID = uuid.New()
	}
	return s.withRetry(ctx, "save_round_message", func() error {
		return s.db.WithContext(ctx).Create(message).Error
	})
}

// RoundMessages lists the round's persisted messages in arrival order.
func (s *Store) RoundMessages(ctx context.Context, roundID uuid.UUID) ([]RoundMessage, error) {
	var messages []RoundMessage
	err := s.withRetry(ctx, "round_messages", func() error {
		return s.db.WithContext(ctx).
			Where("round_id = ?", roundID).
			Order("created_at ASC").
			Find(&messages).Error
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// RoundObservations lists the round's persisted oracle data in arrival order.
func (s *Store) RoundObservations(ctx context.Context, roundID uuid.UUID) ([]RoundObservation, error) {
	var observations []RoundObservation
	err := s.withRetry(ctx, "round_observations", func() error {
		return s.db.WithContext(ctx).
			Where("round_id = ?", roundID).
			Order("created_at ASC").
			Find(&observations).Error
	})
	if err != nil {
		return nil, err
	}
	return observations, nil
}

// SaveObservation persists oracle data before it is broadcast.
func (s *Store) SaveObservation(ctx context.Context, observation *RoundObservation) error {
	if observation.ID == uuid.Nil {
		observation.ID = uuid.New()
	}
	return s.withRetry(ctx, "save_observation", func() error {
		return s.db.WithContext(ctx).Create(observation).Error
	})
}

// SaveEffect persists the write-behind copy of an in-memory effect.
func (s *Store) SaveEffect(ctx context.Context, record *EffectRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	return s.withRetry(ctx, "save_effect", func() error {
		return s.db.WithContext(ctx).Create(record).Error
	})
}

// MarkEffectRemoved stamps the persisted effect copy as removed.
func (s *Store) MarkEffectRemoved(ctx context.Context, effectID uuid.UUID, removedAt time.Time) error {
	return s.withRetry(ctx, "mark_effect_removed", func() error {
		return s.db.WithContext(ctx).Model(&EffectRecord{}).
			Where("id = ?", effectID).
			Update("removed_at", removedAt).Error
	})
}
