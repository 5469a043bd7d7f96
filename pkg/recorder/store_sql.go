package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultSQLiteDSN is used when the sqlite driver is selected without a DSN.
const DefaultSQLiteDSN = "voicebridge.db"

// eventRecord is the SQL row for one Event.
type eventRecord struct {
	ID             uint      `gorm:"primaryKey"`
	ConversationID string    `gorm:"size:128;not null;uniqueIndex:idx_conversation_sequence,priority:1"`
	Sequence       uint64    `gorm:"not null;uniqueIndex:idx_conversation_sequence,priority:2"`
	SessionID      string    `gorm:"size:64"`
	Timestamp      time.Time `gorm:"not null"`
	Source         string    `gorm:"size:32;not null"`
	Type           string    `gorm:"size:128;not null"`
	Payload        []byte
}

func (eventRecord) TableName() string { return "conversation_events" }

func (r eventRecord) event() Event {
	return Event{
		Sequence:       r.Sequence,
		ConversationID: r.ConversationID,
		SessionID:      r.SessionID,
		Timestamp:      r.Timestamp,
		Source:         Source(r.Source),
		Type:           r.Type,
		Payload:        r.Payload,
	}
}

// SQLStore persists events through gorm on sqlite, postgres or mysql.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore opens the database named by cfg and migrates the events table.
func NewSQLStore(cfg StoreConfig) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = DefaultSQLiteDSN
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverMySQL:
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("recorder: driver %q is not a SQL driver", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", cfg.Driver, err)
	}
	return NewSQLStoreFromDB(db)
}

// NewSQLStoreFromDB wraps an existing gorm handle.
func NewSQLStoreFromDB(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&eventRecord{}); err != nil {
		return nil, fmt.Errorf("recorder: migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// AppendEvent implements Store.
func (s *SQLStore) AppendEvent(ctx context.Context, conversationID string, ev Event) (Event, error) {
	rec := eventRecord{
		ConversationID: conversationID,
		Sequence:       ev.Sequence,
		SessionID:      ev.SessionID,
		Timestamp:      ev.Timestamp.UTC(),
		Source:         string(ev.Source),
		Type:           ev.Type,
		Payload:        ev.Payload,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last uint64
		err := tx.Model(&eventRecord{}).
			Where("conversation_id = ?", conversationID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&last).Error
		if err != nil {
			return err
		}
		if last >= ev.Sequence {
			return ErrSequenceConflict
		}
		return tx.Create(&rec).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return Event{}, ErrSequenceConflict
	}
	if err != nil {
		return Event{}, err
	}
	ev.ConversationID = conversationID
	return ev, nil
}

// GetEvents implements Store.
func (s *SQLStore) GetEvents(ctx context.Context, conversationID string, since uint64) ([]Event, error) {
	var recs []eventRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sequence > ?", conversationID, since).
		Order("sequence ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(recs))
	for i, r := range recs {
		out[i] = r.event()
	}
	return out, nil
}

// LastSequence implements Store.
func (s *SQLStore) LastSequence(ctx context.Context, conversationID string) (uint64, error) {
	var last uint64
	err := s.db.WithContext(ctx).
		Model(&eventRecord{}).
		Where("conversation_id = ?", conversationID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error
	return last, err
}

// Close implements Store.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Store = (*SQLStore)(nil)
