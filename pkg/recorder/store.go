package recorder

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store is the persisted conversation store. The recorder is its only writer
// within a process and assigns Sequence before calling AppendEvent.
type Store interface {
	// AppendEvent durably stores ev under conversationID and returns it.
	AppendEvent(ctx context.Context, conversationID string, ev Event) (Event, error)

	// GetEvents returns events with Sequence > since, in sequence order.
	GetEvents(ctx context.Context, conversationID string, since uint64) ([]Event, error)

	// LastSequence returns the highest stored sequence, or 0.
	LastSequence(ctx context.Context, conversationID string) (uint64, error)

	// Close releases store resources.
	Close() error
}

// OpenStore opens the store selected by cfg.Driver.
func OpenStore(cfg StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, DriverPostgres, DriverMySQL:
		return NewSQLStore(cfg)
	case DriverRedis:
		return NewRedisStore(cfg)
	default:
		return nil, fmt.Errorf("recorder: unknown store driver %q", cfg.Driver)
	}
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverRedis    = "redis"
)

// StoreConfig selects and configures a Store.
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres, mysql, redis.
	// Default: memory
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the SQL data source name. For sqlite it is a file path or
	// "file::memory:?cache=shared".
	DSN string `yaml:"dsn" json:"dsn"`

	// RedisAddr is the redis server address.
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`

	// RedisPassword is the redis password.
	RedisPassword string `yaml:"redis_password" json:"redis_password"`

	// RedisDB is the redis database index.
	RedisDB int `yaml:"redis_db" json:"redis_db"`

	// KeyPrefix namespaces redis keys.
	// Default: "voicebridge:"
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// MemoryStore keeps events in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]Event

	// failNext makes the next n appends fail; used by tests.
	failNext int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]Event)}
}

// AppendEvent implements Store.
func (s *MemoryStore) AppendEvent(_ context.Context, conversationID string, ev Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return Event{}, fmt.Errorf("memory store: injected failure")
	}

	evs := s.events[conversationID]
	if n := len(evs); n > 0 && evs[n-1].Sequence >= ev.Sequence {
		return Event{}, ErrSequenceConflict
	}
	s.events[conversationID] = append(evs, ev)
	return ev, nil
}

// GetEvents implements Store.
func (s *MemoryStore) GetEvents(_ context.Context, conversationID string, since uint64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[conversationID]
	i := sort.Search(len(evs), func(i int) bool { return evs[i].Sequence > since })
	out := make([]Event, len(evs)-i)
	copy(out, evs[i:])
	return out, nil
}

// LastSequence implements Store.
func (s *MemoryStore) LastSequence(_ context.Context, conversationID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[conversationID]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Sequence, nil
}

// FailNext makes the next n appends return an error.
func (s *MemoryStore) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
