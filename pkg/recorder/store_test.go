package recorder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func storeEvent(seq uint64, typ string) Event {
	return Event{
		Sequence:  seq,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Source:    SourceNestedTeam,
		Type:      typ,
		Payload:   []byte(`{"text":"hello"}`),
	}
}

// exerciseStore runs the behavior every Store must share.
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()

	last, err := store.LastSequence(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)

	for i := uint64(1); i <= 3; i++ {
		ev, err := store.AppendEvent(ctx, "conv", storeEvent(i, fmt.Sprintf("t%d", i)))
		require.NoError(t, err)
		assert.Equal(t, i, ev.Sequence)
		assert.Equal(t, "conv", ev.ConversationID)
	}

	_, err = store.AppendEvent(ctx, "conv", storeEvent(2, "dup"))
	assert.ErrorIs(t, err, ErrSequenceConflict)

	last, err = store.LastSequence(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	evs, err := store.GetEvents(ctx, "conv", 1)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(2), evs[0].Sequence)
	assert.Equal(t, "t3", evs[1].Type)
	assert.Equal(t, SourceNestedTeam, evs[1].Source)
	assert.JSONEq(t, `{"text":"hello"}`, string(evs[1].Payload))
	assert.True(t, evs[1].Timestamp.Equal(storeEvent(3, "").Timestamp))

	other, err := store.GetEvents(ctx, "other", 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func TestSQLStoreSQLite(t *testing.T) {
	db := openSQLite(t)

	store, err := NewSQLStoreFromDB(db)
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	defer store.Close()

	exerciseStore(t, store)
	assert.True(t, mr.Exists("test:conversation:conv:events"))
}

func TestOpenStore(t *testing.T) {
	t.Run("memory by default", func(t *testing.T) {
		s, err := OpenStore(StoreConfig{})
		require.NoError(t, err)
		_, ok := s.(*MemoryStore)
		assert.True(t, ok)
	})

	t.Run("redis", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		s, err := OpenStore(StoreConfig{Driver: DriverRedis, RedisAddr: mr.Addr()})
		require.NoError(t, err)
		defer s.Close()
		_, ok := s.(*RedisStore)
		assert.True(t, ok)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := OpenStore(StoreConfig{Driver: "cassandra"})
		assert.Error(t, err)
	})
}

func TestRecorderOverSQLite(t *testing.T) {
	store, err := NewSQLStoreFromDB(openSQLite(t))
	require.NoError(t, err)

	r, err := New(Config{Store: store})
	require.NoError(t, err)
	defer r.Close(context.Background())

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := r.Append(ctx, testEvent("c", "x"))
		require.NoError(t, err)
	}
	evs, err := r.Replay(ctx, "c", 0)
	require.NoError(t, err)
	require.Len(t, evs, 4)
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}
