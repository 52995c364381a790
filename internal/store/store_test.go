package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"agentarena/broker/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	s := New(db, RetryPolicy{Attempts: 3, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		logging.NewTestLogger(),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	require.NoError(t, s.Migrate())
	return s
}

func createRoom(t *testing.T, s *Store, name string) uuid.UUID {
	t.Helper()
	room := Room{ID: uuid.New(), Name: name, Active: true}
	require.NoError(t, s.db.Create(&room).Error)
	return room.ID
}

func TestUpsertUserRoomIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	roomID := createRoom(t, s, "arena-1")

	require.NoError(t, s.UpsertUserRoom(ctx, roomID, "user-1"))
	require.NoError(t, s.UpsertUserRoom(ctx, roomID, "user-1"))

	var count int64
	require.NoError(t, s.db.Model(&UserRoom{}).Where("room_id = ? AND user_id = ?", roomID, "user-1").Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestUpsertRoomAgentIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	roomID := createRoom(t, s, "arena-1")
	agentID := uuid.New()

	require.NoError(t, s.UpsertRoomAgent(ctx, roomID, agentID))
	require.NoError(t, s.UpsertRoomAgent(ctx, roomID, agentID))

	exists, err := s.RoomAgentExists(ctx, roomID, agentID)
	require.NoError(t, err)
	require.True(t, exists)

	var count int64
	require.NoError(t, s.db.Model(&RoomAgent{}).Where("room_id = ?", roomID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestWithRetryRecoversFromTransientFailure(t *testing.T) {
	s := newTestStore(t)

	attempts := 0
	err := s.withRetry(context.Background(), "flaky", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetrySurfacesExhaustion(t *testing.T) {
	s := newTestStore(t)

	boom := errors.New("backend down")
	attempts := 0
	err := s.withRetry(context.Background(), "doomed", func() error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, attempts)
}

func TestWithRetryDoesNotRetryNotFound(t *testing.T) {
	s := newTestStore(t)

	attempts := 0
	err := s.withRetry(context.Background(), "missing", func() error {
		attempts++
		return gorm.ErrRecordNotFound
	})
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
	require.Equal(t, 1, attempts)
}

func TestCreateRoundEndsPreviousActiveRound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	roomID := createRoom(t, s, "arena-1")

	first, err := s.CreateRound(ctx, roomID, time.Now())
	require.NoError(t, err)
	second, err := s.CreateRound(ctx, roomID, time.Now())
	require.NoError(t, err)

	active, err := s.ActiveRound(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)

	stale, err := s.GetRound(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, stale.Active)
	require.NotNil(t, stale.EndedAt)
}

func TestActiveRoundNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ActiveRound(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAdjustParticipantsClampsAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	roomID := createRoom(t, s, "arena-1")

	require.NoError(t, s.AdjustParticipants(ctx, roomID, 2))
	require.NoError(t, s.AdjustParticipants(ctx, roomID, -5))

	room, err := s.GetRoom(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, 0, room.ParticipantCount)
}

func TestRoundAgentRoster(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	roomID := createRoom(t, s, "arena-1")
	round, err := s.CreateRound(ctx, roomID, time.Now())
	require.NoError(t, err)

	alpha, bravo := uuid.New(), uuid.New()
	require.NoError(t, s.AddRoundAgent(ctx, round.ID, alpha))
	require.NoError(t, s.AddRoundAgent(ctx, round.ID, bravo))
	require.NoError(t, s.AddRoundAgent(ctx, round.ID, bravo))

	ids, err := s.RoundAgentIDs(ctx, round.ID)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Contains(t, ids, alpha)
	require.Contains(t, ids, bravo)
}

func TestEffectWriteBehindLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	roomID := createRoom(t, s, "arena-1")
	round, err := s.CreateRound(ctx, roomID, time.Now())
	require.NoError(t, err)

	record := EffectRecord{
		RoundID:    round.ID,
		ActionType: "silence",
		SourceID:   uuid.New(),
		TargetID:   uuid.New(),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(30 * time.Second),
	}
	require.NoError(t, s.SaveEffect(ctx, &record))
	require.NotEqual(t, uuid.Nil, record.ID)

	require.NoError(t, s.MarkEffectRemoved(ctx, record.ID, time.Now()))

	var stored EffectRecord
	require.NoError(t, s.db.First(&stored, "id = ?", record.ID).Error)
	require.NotNil(t, stored.RemovedAt)
}
