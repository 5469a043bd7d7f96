package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces redis keys.
const DefaultKeyPrefix = "voicebridge:"

// RedisStore keeps each conversation in a sorted set scored by sequence.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the redis server named by cfg.
func NewRedisStore(cfg StoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("recorder: redis ping %s: %w", cfg.RedisAddr, err)
	}
	return NewRedisStoreFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(conversationID string) string {
	return s.prefix + "conversation:" + conversationID + ":events"
}

// AppendEvent implements Store.
func (s *RedisStore) AppendEvent(ctx context.Context, conversationID string, ev Event) (Event, error) {
	last, err := s.LastSequence(ctx, conversationID)
	if err != nil {
		return Event{}, err
	}
	if last >= ev.Sequence {
		return Event{}, ErrSequenceConflict
	}

	ev.ConversationID = conversationID
	data, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("recorder: marshal event: %w", err)
	}

	err = s.client.ZAdd(ctx, s.key(conversationID), redis.Z{
		Score:  float64(ev.Sequence),
		Member: data,
	}).Err()
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

// GetEvents implements Store.
func (s *RedisStore) GetEvents(ctx context.Context, conversationID string, since uint64) ([]Event, error) {
	members, err := s.client.ZRangeByScore(ctx, s.key(conversationID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatUint(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(members))
	for _, m := range members {
		var ev Event
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			return nil, fmt.Errorf("recorder: decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// LastSequence implements Store.
func (s *RedisStore) LastSequence(ctx context.Context, conversationID string) (uint64, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, s.key(conversationID), 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(zs) == 0 {
		return 0, nil
	}
	return uint64(zs[0].Score), nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
